package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lac-hong-legacy/gatekeep/model"
	"github.com/lac-hong-legacy/gatekeep/services"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	var (
		seedType = flag.String("type", "policies", "Type of seeding: policies")
		adminKey = flag.String("admin-key", "", "Print a bcrypt hash for ADMIN_API_KEY_HASH and exit")
		dsn      = flag.String("dsn", "", "Database DSN (overrides DATABASE_URL env var)")
		help     = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}

	if *adminKey != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(*adminKey), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("Failed to hash admin key: %v", err)
		}
		fmt.Printf("ADMIN_API_KEY_HASH=%s\n", hash)
		return
	}

	databaseURL := *dsn
	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
		if databaseURL == "" {
			log.Fatal("DATABASE_URL not set and no -dsn flag given")
		}
	}

	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(&model.RateLimitPolicy{}, &model.ManualBlock{}, &model.RateLimitEvent{}); err != nil {
		log.Fatalf("Failed to migrate schema: %v", err)
	}

	switch *seedType {
	case "policies":
		log.Println("Seeding rate limit policies...")
		if err := seedPolicies(db); err != nil {
			log.Fatalf("Failed to seed policies: %v", err)
		}
	default:
		log.Fatalf("Unknown seed type: %s. Use 'policies'", *seedType)
	}

	log.Println("Seeding completed")
}

// seedPolicies inserts the stock policies for modules that have no record yet.
// Existing rows are left untouched so operator tuning survives reseeding.
func seedPolicies(db *gorm.DB) error {
	for _, policy := range services.SeedPolicies() {
		var count int64
		if err := db.Model(&model.RateLimitPolicy{}).Where("module = ?", policy.Module).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			log.Printf("Policy for %s exists, skipping", policy.Module)
			continue
		}

		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		policy.ID = id.String()

		if err := db.Create(&policy).Error; err != nil {
			return err
		}
		log.Printf("Seeded policy for %s (%d req / %dms)", policy.Module, policy.MaxRequests, policy.WindowMs)
	}
	return nil
}

func showHelp() {
	fmt.Println(`Gatekeep seed tool

Usage:
  seed [flags]

Flags:
  -type string       Type of seeding: policies (default "policies")
  -admin-key string  Print a bcrypt hash for ADMIN_API_KEY_HASH and exit
  -dsn string        Database DSN (overrides DATABASE_URL)
  -help              Show this message`)
}
