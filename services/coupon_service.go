package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"petition-rewards/config"
	"petition-rewards/models"
	"petition-rewards/storage"
	"petition-rewards/utils"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const maxCodeAttempts = 10

var (
	ErrCodeSpaceExhausted = errors.New("could not generate a unique code")
	ErrInvalidAmount      = errors.New("amount must be positive")
)

type CouponStatus string

const (
	CouponValid     CouponStatus = "valid"
	CouponNotFound  CouponStatus = "not_found"
	CouponExhausted CouponStatus = "exhausted"
	CouponNotOwner  CouponStatus = "not_owner"
)

var couponMessages = map[CouponStatus]string{
	CouponValid:     "Coupon is valid",
	CouponNotFound:  "Coupon code not found",
	CouponExhausted: "Coupon has no generations left",
	CouponNotOwner:  "Coupon belongs to another email",
}

type CouponValidation struct {
	Valid   bool           `json:"valid"`
	Status  CouponStatus   `json:"status"`
	Message string         `json:"message"`
	Coupon  *models.Coupon `json:"coupon,omitempty"`
}

type RedeemResult struct {
	Redeemed bool           `json:"redeemed"`
	Status   CouponStatus   `json:"status"`
	Message  string         `json:"message"`
	Coupon   *models.Coupon `json:"coupon,omitempty"`
}

// BonusGrant reports how much of a requested bonus fit under MaxReferralBonus.
type BonusGrant struct {
	Requested int  `json:"requested"`
	Applied   int  `json:"applied"`
	Full      bool `json:"full"`
}

func applyBonus(c *models.Coupon, amount int, now time.Time) BonusGrant {
	applied := min(amount, c.BonusHeadroom())
	if applied > 0 {
		c.GenerationsRemaining += applied
		c.ReferralBonuses += applied
		c.UpdatedAt = now
	}
	return BonusGrant{Requested: amount, Applied: applied, Full: applied == amount}
}

var errExhausted = errors.New("coupon exhausted")

type CouponService struct {
	store    storage.CouponStore
	rules    config.ScoringRules
	notifier CouponNotifier
	now      func() time.Time
	newCode  func(models.Level) (string, error)
}

func NewCouponService(store storage.CouponStore, rules config.ScoringRules, notifier CouponNotifier) *CouponService {
	if notifier == nil {
		notifier = NoopCouponNotifier{}
	}
	return &CouponService{
		store:    store,
		rules:    rules,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
		newCode:  utils.CouponCode,
	}
}

// StartingCredits is the balance a new coupon of the given tier starts with.
func (s *CouponService) StartingCredits(level models.Level) int {
	if credits, ok := s.rules.StartingCredits[level]; ok {
		return credits
	}
	return s.rules.StartingCredits[models.LevelBasic]
}

// Issue returns the email's coupon, creating it on first call. An existing coupon is
// returned untouched whatever the level: the first issuance wins.
func (s *CouponService) Issue(ctx context.Context, email string, level models.Level) (*models.Coupon, bool, error) {
	email = utils.NormalizeEmail(email)
	existing, err := s.store.GetCoupon(ctx, email)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to load coupon: %w", err)
	}

	if !level.Valid() {
		level = models.LevelBasic
	}
	now := s.now()

	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		code, err := s.newCode(level)
		if err != nil {
			return nil, false, err
		}
		coupon := &models.Coupon{
			ID:                   uuid.New().String(),
			Code:                 code,
			Email:                email,
			Level:                level,
			GenerationsRemaining: s.StartingCredits(level),
			SchemaVersion:        models.CouponSchemaVersion,
			CreatedAt:            now,
			UpdatedAt:            now,
		}

		err = s.store.CreateCoupon(ctx, coupon)
		switch {
		case err == nil:
			log.WithFields(log.Fields{"email": email, "code": code, "tier": level}).Info("[COUPON] Coupon created")
			s.notifier.CouponIssued(ctx, *coupon)
			return coupon, true, nil
		case errors.Is(err, storage.ErrCodeTaken):
			log.WithField("attempt", attempt).Debug("[COUPON] Code collision, regenerating")
		case errors.Is(err, storage.ErrAlreadyExists):
			// A concurrent request issued first.
			existing, err := s.store.GetCoupon(ctx, email)
			if err != nil {
				return nil, false, fmt.Errorf("failed to load coupon: %w", err)
			}
			return existing, false, nil
		default:
			return nil, false, fmt.Errorf("failed to create coupon: %w", err)
		}
	}
	return nil, false, ErrCodeSpaceExhausted
}

// IssueFor issues a coupon for a scored signature.
func (s *CouponService) IssueFor(ctx context.Context, engagement models.Engagement) (*models.Coupon, bool, error) {
	return s.Issue(ctx, engagement.Details.Email, engagement.Level)
}

func (s *CouponService) Get(ctx context.Context, email string) (*models.Coupon, error) {
	return s.store.GetCoupon(ctx, utils.NormalizeEmail(email))
}

// Validate is read-only. requestingEmail may be empty to skip the owner check.
func (s *CouponService) Validate(ctx context.Context, code, requestingEmail string) (CouponValidation, error) {
	coupon, status, err := s.lookup(ctx, code, requestingEmail)
	if err != nil {
		return CouponValidation{}, err
	}
	if status == CouponValid && !coupon.HasCredits() {
		status = CouponExhausted
	}
	return CouponValidation{
		Valid:   status == CouponValid,
		Status:  status,
		Message: couponMessages[status],
		Coupon:  coupon,
	}, nil
}

func (s *CouponService) lookup(ctx context.Context, code, requestingEmail string) (*models.Coupon, CouponStatus, error) {
	code = utils.NormalizeCode(code)
	if code == "" {
		return nil, CouponNotFound, nil
	}
	coupon, err := s.store.FindCouponByCode(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, CouponNotFound, nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load coupon: %w", err)
	}
	if requestingEmail != "" && utils.NormalizeEmail(requestingEmail) != coupon.Email {
		return nil, CouponNotOwner, nil
	}
	return coupon, CouponValid, nil
}

// Redeem spends one generation. It never takes the balance below zero.
func (s *CouponService) Redeem(ctx context.Context, code, requestingEmail string) (RedeemResult, error) {
	coupon, status, err := s.lookup(ctx, code, requestingEmail)
	if err != nil {
		return RedeemResult{}, err
	}
	if status != CouponValid {
		return RedeemResult{Status: status, Message: couponMessages[status]}, nil
	}

	updated, err := withRetry(ctx, "redeem", func() (*models.Coupon, error) {
		return s.store.UpdateCoupon(ctx, coupon.Email, func(c *models.Coupon) error {
			if !c.HasCredits() {
				return errExhausted
			}
			now := s.now()
			c.GenerationsRemaining--
			c.LastUsedAt = &now
			c.UpdatedAt = now
			return nil
		})
	})
	if errors.Is(err, errExhausted) {
		return RedeemResult{Status: CouponExhausted, Message: couponMessages[CouponExhausted], Coupon: coupon}, nil
	}
	if err != nil {
		return RedeemResult{}, fmt.Errorf("failed to redeem coupon: %w", err)
	}

	log.WithFields(log.Fields{"code": updated.Code, "remaining": updated.GenerationsRemaining}).Info("[COUPON] Generation redeemed")
	return RedeemResult{
		Redeemed: true,
		Status:   CouponValid,
		Message:  fmt.Sprintf("Coupon redeemed, %d generations left", updated.GenerationsRemaining),
		Coupon:   updated,
	}, nil
}

// GrantBonus adds up to amount referral credits, clamped to the coupon's headroom.
// It fails with storage.ErrNotFound when the email has no coupon.
func (s *CouponService) GrantBonus(ctx context.Context, email string, amount int) (BonusGrant, error) {
	if amount <= 0 {
		return BonusGrant{}, ErrInvalidAmount
	}
	var grant BonusGrant
	_, err := withRetry(ctx, "grant_bonus", func() (*models.Coupon, error) {
		return s.store.UpdateCoupon(ctx, utils.NormalizeEmail(email), func(c *models.Coupon) error {
			grant = applyBonus(c, amount, s.now())
			return nil
		})
	})
	if err != nil {
		return BonusGrant{Requested: amount}, err
	}
	if !grant.Full {
		log.WithFields(log.Fields{"email": email, "requested": amount, "applied": grant.Applied}).Warn("[COUPON] Referral bonus clamped at cap")
	}
	return grant, nil
}
