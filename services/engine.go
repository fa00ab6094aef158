package services

import (
	"context"
	"errors"
	"strings"

	"petition-rewards/models"
	"petition-rewards/storage"
	"petition-rewards/utils"

	log "github.com/sirupsen/logrus"
)

// Stage names the step of RecordAndScore that produced an outcome.
type Stage string

const (
	StageInput      Stage = "input"
	StageReferral   Stage = "referral"
	StageCoupon     Stage = "coupon"
	StageConversion Stage = "conversion"
	StageDone       Stage = "done"
)

// ReferralOutcome reports what happened to the referral code supplied with a signature.
type ReferralOutcome struct {
	Code          string         `json:"code"`
	Recorded      bool           `json:"recorded"`
	Converted     bool           `json:"converted"`
	Reason        ReferralReason `json:"reason"`
	Message       string         `json:"message"`
	ReferrerEmail string         `json:"referrer_email,omitempty"`
	Bonus         *BonusGrant    `json:"bonus,omitempty"`
}

// SignatureOutcome is returned for every submission; failures carry the failing Stage.
type SignatureOutcome struct {
	Success       bool               `json:"success"`
	Stage         Stage              `json:"stage"`
	Message       string             `json:"message"`
	Engagement    *models.Engagement `json:"engagement,omitempty"`
	Coupon        *models.Coupon     `json:"coupon,omitempty"`
	CouponCreated bool               `json:"coupon_created"`
	Referral      *ReferralOutcome   `json:"referral,omitempty"`
}

// Engine runs the whole signature flow: referral check, scoring, coupon issuance and
// referral conversion, in that order.
type Engine struct {
	scorer    *EngagementScorer
	coupons   *CouponService
	referrals *ReferralService
	bonus     int
}

func NewEngine(scorer *EngagementScorer, coupons *CouponService, referrals *ReferralService, referralBonus int) *Engine {
	return &Engine{scorer: scorer, coupons: coupons, referrals: referrals, bonus: referralBonus}
}

func normalizeDetails(d models.SignatureDetails) models.SignatureDetails {
	d.Name = strings.TrimSpace(d.Name)
	d.Email = utils.NormalizeEmail(d.Email)
	d.City = strings.TrimSpace(d.City)
	d.PostalCode = strings.TrimSpace(d.PostalCode)
	d.Comment = strings.TrimSpace(d.Comment)
	d.SocialShares = DistinctChannels(d.SocialShares)
	d.ReferralCode = utils.NormalizeCode(d.ReferralCode)
	return d
}

// RecordAndScore handles one signature. An invalid or rejected referral code does not
// block the coupon; it only forgoes the referral points. The referrer is credited only
// for a first signature, after the signer's coupon exists.
func (e *Engine) RecordAndScore(ctx context.Context, details models.SignatureDetails) SignatureOutcome {
	details = normalizeDetails(details)
	logger := log.WithField("email", details.Email)

	if err := utils.ValidateEmail(details.Email); err != nil {
		return SignatureOutcome{Stage: StageInput, Message: "A valid email is required: " + err.Error()}
	}

	_, err := e.coupons.Get(ctx, details.Email)
	signedBefore := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.WithError(err).Error("[ENGINE] Coupon lookup failed")
		return SignatureOutcome{Stage: StageCoupon, Message: "Could not load your coupon, please retry"}
	}

	var referral *ReferralOutcome
	if details.ReferralCode != "" {
		outcome, err := e.recordReferral(ctx, details, signedBefore)
		if err != nil {
			logger.WithError(err).Error("[ENGINE] Referral stage failed")
			return SignatureOutcome{Stage: StageReferral, Message: "Could not record the referral, please retry"}
		}
		referral = outcome
	}

	engagement := e.scorer.Score(ctx, details, referral != nil && referral.Recorded)

	coupon, created, err := e.coupons.Issue(ctx, details.Email, engagement.Level)
	if err != nil {
		logger.WithError(err).Error("[ENGINE] Coupon stage failed")
		return SignatureOutcome{
			Stage:      StageCoupon,
			Message:    "Could not issue the coupon, please retry",
			Engagement: &engagement,
			Referral:   referral,
		}
	}

	if referral != nil && referral.Recorded {
		conversion, err := e.referrals.ConvertReferral(ctx, details.ReferralCode, details.Email, e.bonus)
		if err != nil {
			logger.WithError(err).Error("[ENGINE] Referral conversion failed")
			return SignatureOutcome{
				Stage:         StageConversion,
				Message:       "Your coupon is ready but the referral could not be credited, please retry",
				Engagement:    &engagement,
				Coupon:        coupon,
				CouponCreated: created,
				Referral:      referral,
			}
		}
		referral.Converted = conversion.Converted
		referral.Bonus = conversion.Bonus
		referral.Message = conversion.Message
		if !conversion.Converted {
			referral.Reason = conversion.Reason
		}
	}

	message := "Coupon created"
	if !created {
		message = "You already have a coupon"
	}
	logger.WithFields(log.Fields{
		"score":   engagement.Score,
		"tier":    engagement.Level,
		"created": created,
	}).Info("[ENGINE] Signature processed")

	return SignatureOutcome{
		Success:       true,
		Stage:         StageDone,
		Message:       message,
		Engagement:    &engagement,
		Coupon:        coupon,
		CouponCreated: created,
		Referral:      referral,
	}
}

// recordReferral records the code for the signer, or resumes a record left unused by an
// earlier interrupted submission with the same code. A signer who already holds a coupon
// can only resume; a code submitted after the first signature is never recorded.
func (e *Engine) recordReferral(ctx context.Context, details models.SignatureDetails, signedBefore bool) (*ReferralOutcome, error) {
	pending, err := e.referrals.PendingReferral(ctx, details.ReferralCode, details.Email)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return &ReferralOutcome{
			Code:          pending.Code,
			Recorded:      true,
			Reason:        ReasonAccepted,
			Message:       referralMessages[ReasonAccepted],
			ReferrerEmail: pending.ReferrerEmail,
		}, nil
	}

	if signedBefore {
		decision, err := e.referrals.ValidateReferralCode(ctx, details.ReferralCode, details.Email)
		if err != nil {
			return nil, err
		}
		if decision.Valid {
			decision = rejectReferral(details.ReferralCode, ReasonAlreadySigned)
		}
		return &ReferralOutcome{
			Code:    details.ReferralCode,
			Reason:  decision.Reason,
			Message: decision.Message,
		}, nil
	}

	decision, err := e.referrals.RecordReferral(ctx, details.ReferralCode, details.Email)
	if err != nil {
		return nil, err
	}
	return &ReferralOutcome{
		Code:          details.ReferralCode,
		Recorded:      decision.Valid,
		Reason:        decision.Reason,
		Message:       decision.Message,
		ReferrerEmail: decision.ReferrerEmail,
	}, nil
}
