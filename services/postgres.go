package services

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lac-hong-legacy/gatekeep/model"
)

// PostgresService is the durable backend: policies, manual blocks and audit
// events persist across restarts. Counters never live here; they belong to
// the counter stores.
type PostgresService struct {
	context.DefaultService
	db *gorm.DB

	database string
}

const POSTGRES_SVC = "postgres_svc"

func (ds PostgresService) Id() string {
	return POSTGRES_SVC
}

func (ds PostgresService) Db() *gorm.DB {
	return ds.db
}

func (ds *PostgresService) Configure(ctx *context.Context) error {
	ds.database = os.Getenv("DATABASE_URL")
	if ds.database == "" {
		// Fallback to individual environment variables
		host := os.Getenv("DB_HOST")
		if host == "" {
			host = "localhost"
		}
		port := os.Getenv("DB_PORT")
		if port == "" {
			port = "5432"
		}
		user := os.Getenv("DB_USER")
		if user == "" {
			user = "postgres"
		}
		password := os.Getenv("DB_PASSWORD")
		if password == "" {
			password = "postgres"
		}
		dbname := os.Getenv("DB_NAME")
		if dbname == "" {
			dbname = "gatekeep"
		}
		sslmode := os.Getenv("DB_SSLMODE")
		if sslmode == "" {
			sslmode = "disable"
		}
		timezone := os.Getenv("DB_TIMEZONE")
		if timezone == "" {
			timezone = "UTC"
		}

		ds.database = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
			host, user, password, dbname, port, sslmode, timezone)
	}

	return ds.DefaultService.Configure(ctx)
}

func (ds *PostgresService) Start() (err error) {
	// Retry connection with exponential backoff
	maxRetries := 10
	retryDelay := time.Second

	for attempt := 1; attempt <= maxRetries; attempt++ {
		log.Printf("Attempting to connect to database (attempt %d/%d)...", attempt, maxRetries)

		ds.db, err = gorm.Open(postgres.Open(ds.database), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Error),
		})

		if err == nil {
			sqlDB, dbErr := ds.db.DB()
			if dbErr == nil {
				pingErr := sqlDB.Ping()
				if pingErr == nil {
					log.Println("Successfully connected to database")
					break
				}
				err = pingErr
			} else {
				err = dbErr
			}
		}

		if attempt == maxRetries {
			log.Printf("Failed to connect to database after %d attempts: %v", maxRetries, err)
			return err
		}

		log.Printf("Database connection failed: %v. Retrying in %v...", err, retryDelay)
		time.Sleep(retryDelay)

		retryDelay *= 2
		if retryDelay > 10*time.Second {
			retryDelay = 10 * time.Second
		}
	}

	models := []interface{}{
		&model.RateLimitPolicy{},
		&model.ManualBlock{},
		&model.RateLimitEvent{},
	}

	err = ds.db.AutoMigrate(models...)
	if err != nil {
		log.Printf("Failed to migrate database: %v", err)
		return err
	}

	ticker := time.NewTicker(time.Hour)
	go func() {
		for range ticker.C {
			if err := ds.CleanupExpiredData(); err != nil {
				log.Printf("Failed to cleanup expired data: %v", err)
			}
		}
	}()

	log.Println("Database connected and migrated successfully")
	return nil
}

func (ds *PostgresService) Shutdown() {
	sqlDB, err := ds.db.DB()
	if err == nil {
		sqlDB.Close()
	}
}

func (ds *PostgresService) HandleError(err error) error {
	if err == nil {
		return nil
	}

	var statusCode int
	var errorType string

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		statusCode = http.StatusNotFound
		errorType = "NOT_FOUND"
	case errors.Is(err, gorm.ErrDuplicatedKey):
		statusCode = http.StatusConflict
		errorType = "CONFLICT"
	case errors.Is(err, gorm.ErrInvalidTransaction):
		statusCode = http.StatusInternalServerError
		errorType = "TRANSACTION_ERROR"
	default:
		if strings.Contains(err.Error(), "duplicate key value violates unique constraint") {
			statusCode = http.StatusConflict
			errorType = "UNIQUE_CONSTRAINT"
		} else if strings.Contains(err.Error(), "connection refused") {
			statusCode = http.StatusServiceUnavailable
			errorType = "DATABASE_CONNECTION_ERROR"
		} else {
			statusCode = http.StatusInternalServerError
			errorType = "INTERNAL_ERROR"
		}
	}

	logEntry := log.WithFields(log.Fields{
		"status_code": statusCode,
		"error_type":  errorType,
		"error":       err.Error(),
	})

	if statusCode >= 500 {
		logEntry.Error("Database error occurred")
	} else {
		logEntry.Warn("Database operation failed")
	}

	return fmt.Errorf("%s: %w", errorType, err)
}

// ==================== POLICY METHODS ====================

func (ds *PostgresService) GetPolicy(module string) (*model.RateLimitPolicy, error) {
	var policy model.RateLimitPolicy

	err := ds.db.Where("module = ?", module).First(&policy).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &policy, nil
}

func (ds *PostgresService) SavePolicy(policy *model.RateLimitPolicy) error {
	if policy.ID == "" {
		id, _ := uuid.NewV7()
		policy.ID = id.String()
	}

	now := time.Now()
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = now
	}
	policy.UpdatedAt = now

	if err := ds.db.Save(policy).Error; err != nil {
		return ds.HandleError(err)
	}
	return nil
}

func (ds *PostgresService) ListPolicies() ([]model.RateLimitPolicy, error) {
	var policies []model.RateLimitPolicy
	if err := ds.db.Order("module asc").Find(&policies).Error; err != nil {
		return nil, ds.HandleError(err)
	}
	return policies, nil
}

// ==================== MANUAL BLOCK METHODS ====================

func (ds *PostgresService) CreateManualBlock(block *model.ManualBlock) error {
	if block.ID == "" {
		id, _ := uuid.NewV7()
		block.ID = id.String()
	}
	now := time.Now()
	block.CreatedAt = now
	block.UpdatedAt = now

	if err := ds.db.Create(block).Error; err != nil {
		return ds.HandleError(err)
	}
	return nil
}

// ListActiveManualBlocks returns active rows; expiry filtering happens at
// read time in the registry, this just narrows the working set.
func (ds *PostgresService) ListActiveManualBlocks() ([]model.ManualBlock, error) {
	var blocks []model.ManualBlock
	err := ds.db.Where("active = ?", true).Find(&blocks).Error
	if err != nil {
		return nil, ds.HandleError(err)
	}
	return blocks, nil
}

func (ds *PostgresService) DeactivateManualBlock(id string) (bool, error) {
	res := ds.db.Model(&model.ManualBlock{}).
		Where("id = ? AND active = ?", id, true).
		Updates(map[string]interface{}{
			"active":     false,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, ds.HandleError(res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ==================== EVENT METHODS ====================

func (ds *PostgresService) AppendEvent(event *model.RateLimitEvent) error {
	if event.ID == "" {
		id, _ := uuid.NewV7()
		event.ID = id.String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	return ds.db.Create(event).Error
}

func (ds *PostgresService) ListEvents(module string, page, limit int) ([]model.RateLimitEvent, int64, error) {
	var events []model.RateLimitEvent
	var total int64

	query := ds.db.Model(&model.RateLimitEvent{})
	if module != "" {
		query = query.Where("module = ?", module)
	}

	query.Count(&total)

	err := query.Order("timestamp desc").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, 0, ds.HandleError(err)
	}

	return events, total, nil
}

// ==================== CLEANUP ====================

// CleanupExpiredData deactivates lapsed manual blocks and trims old events.
// Reads already filter expired entries, so this is hygiene, not correctness.
func (ds *PostgresService) CleanupExpiredData() error {
	now := time.Now()

	err := ds.db.Model(&model.ManualBlock{}).
		Where("active = ? AND expires_at IS NOT NULL AND expires_at < ?", true, now).
		Updates(map[string]interface{}{
			"active":     false,
			"updated_at": now,
		}).Error
	if err != nil {
		return err
	}

	// Keep the last 90 days of audit events.
	return ds.db.Where("timestamp < ?", now.Add(-90*24*time.Hour)).
		Delete(&model.RateLimitEvent{}).Error
}

func (ds *PostgresService) HealthCheck() error {
	sqlDB, err := ds.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
