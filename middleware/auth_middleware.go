package middleware

import (
	config "github.com/anjiri1684/settlement_core/configs"
	"github.com/gofiber/fiber/v2"
	jwtware "github.com/gofiber/jwt/v3"
	"golang.org/x/crypto/bcrypt"
)

func Protected() fiber.Handler {
	return jwtware.New(jwtware.Config{
		SigningKey:   []byte(config.Config("JWT_SECRET")),
		ErrorHandler: jwtError,
	})
}

func jwtError(c *fiber.Ctx, err error) error {
	if err.Error() == "Missing or malformed JWT" {
		return c.Status(fiber.StatusBadRequest).
			JSON(fiber.Map{"status": "error", "message": "Missing or malformed JWT", "data": nil})
	}
	return c.Status(fiber.StatusUnauthorized).
		JSON(fiber.Map{"status": "error", "message": "Invalid or expired JWT", "data": nil})
}

// OperatorRequired gates operator-only endpoints with a shared key checked
// against its bcrypt hash from configuration.
func OperatorRequired() fiber.Handler {
	return func(c *fiber.Ctx) error {
		hash := config.Config("OPERATOR_KEY_HASH")
		key := c.Get("X-Operator-Key")
		if hash == "" || key == "" {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Forbidden: Operator access required",
			})
		}
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Forbidden: Operator access required",
			})
		}
		return c.Next()
	}
}
