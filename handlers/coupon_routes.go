package handlers

import (
	"errors"

	"petition-rewards/services"
	"petition-rewards/storage"

	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"
)

type couponRequest struct {
	Code  string `json:"code"`
	Email string `json:"email"`
}

func SetupCouponRoutes(app *fiber.App, coupons *services.CouponService) {
	app.Get("/coupons", func(c *fiber.Ctx) error {
		email := c.Query("email")
		if email == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "email query parameter is required",
			})
		}

		coupon, err := coupons.Get(c.UserContext(), email)
		if errors.Is(err, storage.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "no coupon for this email",
			})
		}
		if err != nil {
			log.WithError(err).Error("[COUPON] Lookup failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to load coupon",
			})
		}
		return c.JSON(coupon)
	})

	group := app.Group("/coupons")

	group.Post("/validate", func(c *fiber.Ctx) error {
		var req couponRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid request body",
			})
		}

		validation, err := coupons.Validate(c.UserContext(), req.Code, req.Email)
		if err != nil {
			log.WithError(err).Error("[COUPON] Validation failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to validate coupon",
			})
		}
		return c.JSON(validation)
	})

	group.Post("/redeem", func(c *fiber.Ctx) error {
		var req couponRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid request body",
			})
		}

		result, err := coupons.Redeem(c.UserContext(), req.Code, req.Email)
		if err != nil {
			log.WithError(err).Error("[COUPON] Redeem failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to redeem coupon",
			})
		}
		return c.Status(redeemStatus(result.Status)).JSON(result)
	})
}

func redeemStatus(status services.CouponStatus) int {
	switch status {
	case services.CouponValid:
		return fiber.StatusOK
	case services.CouponNotFound:
		return fiber.StatusNotFound
	case services.CouponNotOwner:
		return fiber.StatusForbidden
	default:
		return fiber.StatusConflict
	}
}
