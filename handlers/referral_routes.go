package handlers

import (
	"errors"

	"petition-rewards/services"
	"petition-rewards/utils"

	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"
)

type referralRequest struct {
	Code  string `json:"code"`
	Email string `json:"email"`
}

func SetupReferralRoutes(app *fiber.App, referrals *services.ReferralService, leaderboard *services.LeaderboardService) {
	group := app.Group("/referrals")

	group.Post("/code", func(c *fiber.Ctx) error {
		var req referralRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid request body",
			})
		}

		code, err := referrals.GenerateReferralCode(c.UserContext(), req.Email)
		if errors.Is(err, utils.ErrEmptyEmail) || errors.Is(err, utils.ErrInvalidEmail) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		if err != nil {
			log.WithError(err).Error("[REFERRAL] Code generation failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to generate referral code",
			})
		}
		return c.JSON(fiber.Map{"code": code})
	})

	group.Post("/validate", func(c *fiber.Ctx) error {
		var req referralRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid request body",
			})
		}

		decision, err := referrals.ValidateReferralCode(c.UserContext(), req.Code, req.Email)
		if err != nil {
			log.WithError(err).Error("[REFERRAL] Validation failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to validate referral code",
			})
		}
		return c.JSON(decision)
	})

	group.Get("/leaderboard", func(c *fiber.Ctx) error {
		entries, err := leaderboard.Top(c.UserContext())
		if err != nil {
			log.WithError(err).Error("[REFERRAL] Leaderboard failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to compute leaderboard",
			})
		}
		return c.JSON(fiber.Map{"leaderboard": entries})
	})
}
