package api

import "github.com/gofiber/fiber/v3"

// SuccessStatus writes a JSON body with the given HTTP status.
func SuccessStatus(c fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(data)
}
