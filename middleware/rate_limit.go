package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"

	"github.com/lac-hong-legacy/gatekeep/dto"
	"github.com/lac-hong-legacy/gatekeep/shared"
)

// rateLimitEngine is the slice of the engine this package needs. Resolving it
// through the container by id keeps middleware out of the services import
// graph, so HttpService can mount these handlers.
type rateLimitEngine interface {
	CheckLimit(ctx context.Context, identity, module string, rctx *dto.RateLimitContext) *dto.RateLimitDecision
}

const rateLimitEngineID = "rate_limit_svc"

// RateLimitMiddleware translates engine decisions into HTTP semantics: 429
// responses, Retry-After and X-RateLimit-* headers.
type RateLimitMiddleware struct {
	appContext.DefaultService

	engine rateLimitEngine
}

const RATE_LIMIT_MIDDLEWARE_SVC = "rate_limit_middleware"

func (svc RateLimitMiddleware) Id() string {
	return RATE_LIMIT_MIDDLEWARE_SVC
}

func (svc *RateLimitMiddleware) Configure(ctx *appContext.Context) error {
	return svc.DefaultService.Configure(ctx)
}

func (svc *RateLimitMiddleware) Start() error {
	svc.engine = svc.Service(rateLimitEngineID).(rateLimitEngine)
	return nil
}

// Limit applies the module's policy keyed by authenticated user when present,
// client IP otherwise.
func (svc *RateLimitMiddleware) Limit(module string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		identity, rctx := svc.identify(c)

		decision := svc.engine.CheckLimit(c.UserContext(), identity, module, rctx)

		svc.addRateLimitHeaders(c, decision)

		if !decision.Allowed {
			return svc.handleRateLimitExceeded(c, module, decision)
		}

		return c.Next()
	}
}

// IPRateLimit applies the general per-IP limit to everything it wraps.
func (svc *RateLimitMiddleware) IPRateLimit() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ip := getClientIP(c)

		decision := svc.engine.CheckLimit(c.UserContext(), ip, shared.ModuleAPI, &dto.RateLimitContext{
			IPAddress: ip,
			KeyType:   shared.KeyTypeIP,
		})

		svc.addRateLimitHeaders(c, decision)

		if !decision.Allowed {
			return svc.handleRateLimitExceeded(c, shared.ModuleAPI, decision)
		}

		return c.Next()
	}
}

// identify picks the composite-key identity: user id when the request is
// authenticated, client IP otherwise.
func (svc *RateLimitMiddleware) identify(c *fiber.Ctx) (string, *dto.RateLimitContext) {
	ip := getClientIP(c)
	c.Locals(shared.ClientIP, ip)

	if userID, ok := c.Locals(shared.UserID).(string); ok && userID != "" {
		return userID, &dto.RateLimitContext{
			UserID:    userID,
			IPAddress: ip,
			KeyType:   shared.KeyTypeUser,
		}
	}

	return ip, &dto.RateLimitContext{
		IPAddress: ip,
		KeyType:   shared.KeyTypeIP,
	}
}

func (svc *RateLimitMiddleware) addRateLimitHeaders(c *fiber.Ctx, decision *dto.RateLimitDecision) {
	if decision == nil {
		return
	}

	if decision.Remaining >= 0 {
		c.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	}

	if decision.ResetTime != nil {
		c.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetTime.Unix(), 10))
	}

	if decision.BlockedUntil != nil {
		retryAfter := int(time.Until(*decision.BlockedUntil).Seconds())
		if retryAfter > 0 {
			c.Set("Retry-After", strconv.Itoa(retryAfter))
		}
	}
}

func (svc *RateLimitMiddleware) handleRateLimitExceeded(c *fiber.Ctx, module string, decision *dto.RateLimitDecision) error {
	message := rateLimitMessage(module)

	response := map[string]interface{}{
		"error":   "Rate limit exceeded",
		"message": message,
	}

	if decision.BlockedUntil != nil {
		response["blocked_until"] = decision.BlockedUntil.Unix()
		response["retry_after"] = int(time.Until(*decision.BlockedUntil).Seconds())
	}

	return shared.ResponseJSON(c, http.StatusTooManyRequests, message, response)
}

func rateLimitMessage(module string) string {
	messages := map[string]string{
		shared.ModuleAuthLogin: "Too many login attempts. Please try again later.",
		shared.ModuleChat:      "Too many messages. Please slow down.",
		shared.ModuleAds:       "Too many ad requests. You've reached the hourly limit.",
		shared.ModuleAPI:       "Too many requests. Please slow down.",
		shared.ModuleAPIStrict: "Rate limit exceeded. Access temporarily blocked.",
	}

	if message, exists := messages[module]; exists {
		return message
	}

	return "Too many requests. Please try again later."
}

// ==================== UTILITY FUNCTIONS ====================

func getClientIP(c *fiber.Ctx) string {
	// Check for forwarded IP first (for load balancers/proxies)
	forwarded := c.Get("X-Forwarded-For")
	if forwarded != "" {
		ips := strings.Split(forwarded, ",")
		if len(ips) > 0 {
			ip := strings.TrimSpace(ips[0])
			if ip != "" {
				return ip
			}
		}
	}

	realIP := c.Get("X-Real-IP")
	if realIP != "" {
		return realIP
	}

	cfIP := c.Get("CF-Connecting-IP")
	if cfIP != "" {
		return cfIP
	}

	ip, _, err := net.SplitHostPort(c.Context().RemoteAddr().String())
	if err != nil {
		return c.Context().RemoteAddr().String()
	}

	return ip
}

// CompositeIdentity builds an identity from IP and email for endpoints where
// both matter (credential stuffing shows up per-email, abuse per-IP).
func CompositeIdentity(c *fiber.Ctx, email string) string {
	if email == "" {
		return getClientIP(c)
	}
	return fmt.Sprintf("%s:%s", getClientIP(c), email)
}
