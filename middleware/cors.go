package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

// CORSConfig lists the dashboard origins allowed to call the operator API.
type CORSConfig struct {
	// Origins empty admits any origin, without credentials.
	Origins []string

	// MaxAge is how long, in seconds, a preflight result may be cached.
	MaxAge int
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{Origins: []string{"http://localhost:3000"}, MaxAge: 3600}
}

// The operator API only reads and posts. Remaining manual sends are exposed
// so the dashboard can show them.
var (
	corsMethods = []string{fiber.MethodGet, fiber.MethodPost, fiber.MethodOptions}
	corsHeaders = []string{fiber.HeaderOrigin, fiber.HeaderContentType, fiber.HeaderAccept, fiber.HeaderAuthorization}
	corsExposed = []string{fiber.HeaderContentLength, "X-RateLimit-Remaining", fiber.HeaderRetryAfter}
)

// CORS answers preflights for the operator dashboard. Credentials are only
// allowed with an explicit origin list since the access_token cookie rides
// along with them.
func CORS(cfg CORSConfig) fiber.Handler {
	c := cors.Config{
		AllowOrigins:  "*",
		AllowMethods:  strings.Join(corsMethods, ","),
		AllowHeaders:  strings.Join(corsHeaders, ","),
		ExposeHeaders: strings.Join(corsExposed, ","),
		MaxAge:        cfg.MaxAge,
	}
	if len(cfg.Origins) > 0 {
		c.AllowOrigins = strings.Join(cfg.Origins, ",")
		c.AllowCredentials = true
	}
	return cors.New(c)
}
