package middleware

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/lac-hong-legacy/gatekeep/dto"
	"github.com/lac-hong-legacy/gatekeep/shared"
)

type fakeEngine struct {
	decision *dto.RateLimitDecision
	identity string
	module   string
	rctx     *dto.RateLimitContext
}

func (f *fakeEngine) CheckLimit(_ context.Context, identity, module string, rctx *dto.RateLimitContext) *dto.RateLimitDecision {
	f.identity = identity
	f.module = module
	f.rctx = rctx
	return f.decision
}

func newTestApp(engine *fakeEngine, module string) *fiber.App {
	mw := &RateLimitMiddleware{engine: engine}

	app := fiber.New()
	app.Get("/resource", mw.Limit(module), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app
}

func TestLimit_AllowedSetsQuotaHeaders(t *testing.T) {
	reset := time.Now().Add(30 * time.Second)
	engine := &fakeEngine{decision: &dto.RateLimitDecision{
		Allowed:   true,
		Remaining: 7,
		ResetTime: &reset,
	}}
	app := newTestApp(engine, shared.ModuleChat)

	req := httptest.NewRequest("GET", "/resource", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-RateLimit-Remaining"); got != "7" {
		t.Errorf("expected remaining header 7, got %q", got)
	}
	if resp.Header.Get("X-RateLimit-Reset") == "" {
		t.Error("expected reset header")
	}
	if engine.module != shared.ModuleChat {
		t.Errorf("expected module %s, got %s", shared.ModuleChat, engine.module)
	}
}

func TestLimit_DeniedReturns429WithRetryAfter(t *testing.T) {
	blockedUntil := time.Now().Add(5 * time.Minute)
	engine := &fakeEngine{decision: &dto.RateLimitDecision{
		Allowed:      false,
		Remaining:    0,
		BlockedUntil: &blockedUntil,
	}}
	app := newTestApp(engine, shared.ModuleAuthLogin)

	req := httptest.NewRequest("GET", "/resource", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 429 {
		t.Errorf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header while blocked")
	}
}

func TestLimit_IdentityFromForwardedHeader(t *testing.T) {
	engine := &fakeEngine{decision: &dto.RateLimitDecision{Allowed: true, Remaining: 1}}
	app := newTestApp(engine, shared.ModuleAPI)

	req := httptest.NewRequest("GET", "/resource", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if engine.identity != "203.0.113.9" {
		t.Errorf("expected first forwarded hop as identity, got %q", engine.identity)
	}
	if engine.rctx == nil || engine.rctx.KeyType != shared.KeyTypeIP {
		t.Error("expected ip key type for anonymous request")
	}
}

func TestLimit_IdentityFromAuthenticatedUser(t *testing.T) {
	engine := &fakeEngine{decision: &dto.RateLimitDecision{Allowed: true, Remaining: 1}}
	mw := &RateLimitMiddleware{engine: engine}

	app := fiber.New()
	app.Get("/resource",
		func(c *fiber.Ctx) error {
			c.Locals(shared.UserID, "user-42")
			return c.Next()
		},
		mw.Limit(shared.ModuleChat),
		func(c *fiber.Ctx) error { return c.SendString("ok") },
	)

	req := httptest.NewRequest("GET", "/resource", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if engine.identity != "user-42" {
		t.Errorf("expected user identity, got %q", engine.identity)
	}
	if engine.rctx == nil || engine.rctx.KeyType != shared.KeyTypeUser {
		t.Error("expected user key type for authenticated request")
	}
}
