package handlers

import (
	"petition-rewards/storage"

	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"
)

// SetupAdminRoutes registers the reset endpoint used by test environments.
func SetupAdminRoutes(app *fiber.App, store storage.Store) {
	admin := app.Group("/admin")

	admin.Post("/reset", func(c *fiber.Ctx) error {
		if err := store.Reset(c.UserContext()); err != nil {
			log.WithError(err).Error("[ADMIN] Reset failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to reset store",
			})
		}
		log.Warn("[ADMIN] Store reset")
		return c.JSON(fiber.Map{"message": "store reset"})
	})
}
