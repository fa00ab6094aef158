package handlers

import (
	"strings"

	"petition-rewards/models"
	"petition-rewards/services"

	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"
)

func SetupSignatureRoutes(app *fiber.App, engine *services.Engine, analyzer services.SentimentAnalyzer) {
	app.Post("/signatures", func(c *fiber.Ctx) error {
		var details models.SignatureDetails
		if err := c.BodyParser(&details); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid request body",
			})
		}

		outcome := engine.RecordAndScore(c.UserContext(), details)
		return c.Status(signatureStatus(outcome)).JSON(outcome)
	})

	// Comment preview for the petition form.
	app.Post("/sentiment", func(c *fiber.Ctx) error {
		var req struct {
			Text string `json:"text"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid request body",
			})
		}
		if strings.TrimSpace(req.Text) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "text is required",
			})
		}

		result, err := analyzer.Analyze(c.UserContext(), req.Text)
		if err != nil {
			log.WithError(err).Error("[SENTIMENT] Analysis failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "sentiment analysis failed",
			})
		}
		return c.JSON(result)
	})
}

func signatureStatus(outcome services.SignatureOutcome) int {
	switch {
	case outcome.Success && outcome.CouponCreated:
		return fiber.StatusCreated
	case outcome.Success:
		return fiber.StatusOK
	case outcome.Stage == services.StageInput:
		return fiber.StatusBadRequest
	default:
		return fiber.StatusServiceUnavailable
	}
}
