package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/fitpulse/fitpulse/internal/pkg/usercontext"
)

const HeaderTraceID = "X-Trace-ID"

// NewTraceID returns a short random id that follows one request through
// the ledger, the queue and the worker logs.
func NewTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// Trace assigns every request a trace id and echoes it in the response.
func Trace() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := NewTraceID()
		c.Locals(usercontext.KeyTraceID, id)
		c.Set(HeaderTraceID, id)
		return c.Next()
	}
}
