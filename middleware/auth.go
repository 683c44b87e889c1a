package middleware

import (
	"net/http"
	"os"
	"strings"

	"github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/lac-hong-legacy/gatekeep/shared"
)

// AdminAuthMiddleware guards the admin API with a shared key. Only a bcrypt
// hash of the key is held in the environment, never the key itself.
type AdminAuthMiddleware struct {
	context.DefaultService

	keyHash []byte
}

const ADMIN_AUTH_MIDDLEWARE_SVC = "admin_auth_middleware"

func (svc AdminAuthMiddleware) Id() string {
	return ADMIN_AUTH_MIDDLEWARE_SVC
}

func (svc *AdminAuthMiddleware) Configure(ctx *context.Context) error {
	svc.keyHash = []byte(os.Getenv("ADMIN_API_KEY_HASH"))
	if len(svc.keyHash) == 0 {
		log.Warn("ADMIN_API_KEY_HASH not set, admin API disabled")
	}
	return svc.DefaultService.Configure(ctx)
}

func (svc *AdminAuthMiddleware) Start() error {
	return nil
}

// RequireAdminKey accepts the key from X-Admin-Key or an Authorization bearer
// token and compares it against the configured hash.
func (svc *AdminAuthMiddleware) RequireAdminKey() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if len(svc.keyHash) == 0 {
			return shared.ResponseJSON(c, http.StatusServiceUnavailable, "Admin API not configured", nil)
		}

		key := c.Get("X-Admin-Key")
		if key == "" {
			auth := c.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if key == "" {
			return shared.ResponseJSON(c, http.StatusUnauthorized, "Missing admin key", nil)
		}

		if err := bcrypt.CompareHashAndPassword(svc.keyHash, []byte(key)); err != nil {
			log.WithField("ip", getClientIP(c)).Warn("Rejected admin request with invalid key")
			return shared.ResponseJSON(c, http.StatusUnauthorized, "Invalid admin key", nil)
		}

		return c.Next()
	}
}
