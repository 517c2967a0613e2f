package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"leadpilot/utils"
)

// Protected requires a valid operator token, from the Authorization header or
// the access_token cookie. The operator name is stored in Locals.
func Protected(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var token string
		authHeader := c.Get("Authorization")
		if authHeader != "" {
			tokenParts := strings.Split(authHeader, " ")
			if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Invalid authorization format",
				})
			}
			token = tokenParts[1]
		} else {
			token = c.Cookies("access_token")
			if token == "" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Authorization required",
				})
			}
		}

		claims, err := utils.ParseJWTToken(secret, token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		c.Locals("operator", claims.Operator)
		return c.Next()
	}
}

// Operator returns the authenticated operator name, or "" outside Protected.
func Operator(c *fiber.Ctx) string {
	operator, _ := c.Locals("operator").(string)
	return operator
}
