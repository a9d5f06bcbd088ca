package middleware

import (
	"crypto/subtle"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/fitpulse/fitpulse/internal/pkg/config"
	"github.com/fitpulse/fitpulse/internal/pkg/usercontext"
)

const (
	HeaderInternalToken = "X-Internal-Token"
	HeaderUserID        = "X-User-ID"
	HeaderAdminToken    = "X-Admin-Token"
)

// RequireUser authenticates requests forwarded by the gateway. The gateway
// proves itself with the shared internal token and names the user in
// X-User-ID. With DebugBypass set, every request runs as DebugUserID.
func RequireUser(cfg config.AuthConfig) fiber.Handler {
	if cfg.DebugBypass {
		log.Warnw("[Auth] debug bypass enabled, all requests act as one user", "user_id", cfg.DebugUserID)
	}
	return func(c *fiber.Ctx) error {
		if cfg.DebugBypass {
			usercontext.SetUserContext(c, usercontext.UserContext{UserID: cfg.DebugUserID, Authenticated: true})
			return c.Next()
		}

		if !tokenMatches(c.Get(HeaderInternalToken), cfg.InternalToken) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}
		id, err := strconv.ParseUint(strings.TrimSpace(c.Get(HeaderUserID)), 10, 64)
		if err != nil || id == 0 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}

		usercontext.SetUserContext(c, usercontext.UserContext{UserID: uint(id), Authenticated: true})
		return c.Next()
	}
}

// RequireAdmin guards operator endpoints with the admin token, sent either as
// X-Admin-Token or as a bearer token. An empty configured token disables them.
func RequireAdmin(cfg config.AuthConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if cfg.AdminToken == "" {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
		}
		if !tokenMatches(extractAdminToken(c), cfg.AdminToken) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}
		uc := usercontext.GetUserContext(c)
		uc.IsAdmin = true
		uc.Authenticated = true
		usercontext.SetUserContext(c, uc)
		return c.Next()
	}
}

func extractAdminToken(c *fiber.Ctx) string {
	token := strings.TrimSpace(c.Get(HeaderAdminToken))
	if token != "" {
		return token
	}
	auth := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func tokenMatches(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
