package trustguard

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

// LocalsKeyClientIP holds the effective client address for accepted requests.
const LocalsKeyClientIP = "TRUSTGUARD_CLIENT_IP"

// Middleware rejects requests whose effective origin is outside the provider
// ranges. The caller gets a bare 403; the reason stays in our logs.
func Middleware(g *Guard) fiber.Handler {
	return func(c *fiber.Ctx) error {
		peer := c.Context().RemoteIP().String()
		addr, ok := g.Allow(peer, c.Get(fiber.HeaderXForwardedFor))
		if !ok {
			ip := peer
			if addr.IsValid() {
				ip = addr.String()
			}
			log.Warnw("[TrustGuard] rejected webhook origin", "ip", ip)
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden"})
		}
		c.Locals(LocalsKeyClientIP, addr.String())
		return c.Next()
	}
}
