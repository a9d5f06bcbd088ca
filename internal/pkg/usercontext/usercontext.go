package usercontext

import "github.com/gofiber/fiber/v2"

// Locals keys shared by middlewares and controllers.
const (
	KeyUserContext = "USER_CONTEXT"
	KeyTraceID     = "trace_id"
)

// UserContext identifies the caller of an authenticated request.
type UserContext struct {
	UserID        uint `json:"user_id"`
	Authenticated bool `json:"authenticated"`
	IsAdmin       bool `json:"is_admin"`
}

// GetUserContext retrieves the user context from fiber context.
// Returns an anonymous context if none is set.
func GetUserContext(c *fiber.Ctx) UserContext {
	if ctx, ok := c.Locals(KeyUserContext).(UserContext); ok {
		return ctx
	}
	return UserContext{}
}

// SetUserContext stores uc for the rest of the request.
func SetUserContext(c *fiber.Ctx, uc UserContext) {
	c.Locals(KeyUserContext, uc)
}

// GetUserID returns the current user's ID, or 0 if not authenticated
func GetUserID(c *fiber.Ctx) uint {
	return GetUserContext(c).UserID
}

// IsAdmin checks if the caller presented the operator token
func IsAdmin(c *fiber.Ctx) bool {
	return GetUserContext(c).IsAdmin
}

// GetTraceID returns the trace id assigned to this request, if any.
func GetTraceID(c *fiber.Ctx) string {
	if id, ok := c.Locals(KeyTraceID).(string); ok {
		return id
	}
	return ""
}
