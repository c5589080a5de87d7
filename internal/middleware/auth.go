package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/inkwell/childbook/internal/auth"
	"github.com/inkwell/childbook/pkg/response"
)

// AuthMiddleware handles JWT authentication
type AuthMiddleware struct {
	jwtSecret string
}

func NewAuthMiddleware(jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{jwtSecret: jwtSecret}
}

// Authenticate validates the bearer token from the Authorization header
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return response.Unauthorized(c, "Missing authorization header")
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return response.Unauthorized(c, "Invalid authorization header format")
		}

		claims, err := auth.ValidateToken(parts[1], m.jwtSecret)
		if err != nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}

		c.Locals("operatorId", claims.OperatorID)
		c.Locals("claims", claims)
		return c.Next()
	}
}

// GetOperatorID extracts the operator ID from context
func GetOperatorID(c *fiber.Ctx) string {
	if id, ok := c.Locals("operatorId").(string); ok {
		return id
	}
	return ""
}
