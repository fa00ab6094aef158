package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"petition-rewards/models"
	"petition-rewards/storage"
	"petition-rewards/utils"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type ReferralReason string

const (
	ReasonAccepted        ReferralReason = "accepted"
	ReasonNotFound        ReferralReason = "not_found"
	ReasonSelfReferral    ReferralReason = "self_referral"
	ReasonAlreadyRecorded ReferralReason = "already_recorded"
	ReasonAlreadyUsed     ReferralReason = "already_used"
	ReasonInvalidInput    ReferralReason = "invalid_input"
	ReasonAlreadySigned   ReferralReason = "already_signed"
)

var referralMessages = map[ReferralReason]string{
	ReasonAccepted:        "Referral code accepted",
	ReasonNotFound:        "Referral code not found",
	ReasonSelfReferral:    "You cannot use your own referral code",
	ReasonAlreadyRecorded: "This email has already used a referral code",
	ReasonAlreadyUsed:     "This referral has already been credited",
	ReasonInvalidInput:    "A valid referral code and email are required",
	ReasonAlreadySigned:   "Referral codes only count on a first signature",
}

// ReferralDecision is the outcome of validating or recording a referral code.
type ReferralDecision struct {
	Valid         bool             `json:"valid"`
	Reason        ReferralReason   `json:"reason"`
	Message       string           `json:"message"`
	Code          string           `json:"code,omitempty"`
	ReferrerEmail string           `json:"referrer_email,omitempty"`
	Referral      *models.Referral `json:"referral,omitempty"`
}

func rejectReferral(code string, reason ReferralReason) ReferralDecision {
	return ReferralDecision{Reason: reason, Message: referralMessages[reason], Code: code}
}

// ReferralConversion is the outcome of the mark-used plus bonus-grant unit.
// Bonus is nil when the referrer has no coupon to credit.
type ReferralConversion struct {
	Converted     bool             `json:"converted"`
	Reason        ReferralReason   `json:"reason"`
	Message       string           `json:"message"`
	ReferrerEmail string           `json:"referrer_email,omitempty"`
	Referral      *models.Referral `json:"referral,omitempty"`
	Bonus         *BonusGrant      `json:"bonus,omitempty"`
}

var (
	errAlreadyUsed = errors.New("referral already used")
	errNotReferee  = errors.New("anchor records cannot be used")
)

type ReferralService struct {
	store   storage.Store
	now     func() time.Time
	newCode func(email string) (string, error)
}

func NewReferralService(store storage.Store) *ReferralService {
	return &ReferralService{
		store:   store,
		now:     func() time.Time { return time.Now().UTC() },
		newCode: utils.ReferralCode,
	}
}

// GenerateReferralCode returns the referrer's code, creating its anchor record on
// the first call. Later calls return the same code.
func (s *ReferralService) GenerateReferralCode(ctx context.Context, email string) (string, error) {
	email = utils.NormalizeEmail(email)
	if err := utils.ValidateEmail(email); err != nil {
		return "", err
	}

	anchor, err := s.store.FindAnchorByEmail(ctx, email)
	if err == nil {
		return anchor.Code, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("failed to load referral code: %w", err)
	}

	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		code, err := s.newCode(email)
		if err != nil {
			return "", err
		}
		err = s.store.CreateReferral(ctx, &models.Referral{
			ID:            uuid.New().String(),
			Code:          code,
			ReferrerEmail: email,
			Email:         email,
			Anchor:        true,
			CreatedAt:     s.now(),
		})
		switch {
		case err == nil:
			log.WithFields(log.Fields{"email": email, "code": code}).Info("[REFERRAL] Referral code created")
			return code, nil
		case errors.Is(err, storage.ErrCodeTaken):
			log.WithField("attempt", attempt).Debug("[REFERRAL] Code collision, regenerating")
		case errors.Is(err, storage.ErrAlreadyExists):
			anchor, err := s.store.FindAnchorByEmail(ctx, email)
			if err != nil {
				return "", fmt.Errorf("failed to load referral code: %w", err)
			}
			return anchor.Code, nil
		default:
			return "", fmt.Errorf("failed to store referral code: %w", err)
		}
	}
	return "", ErrCodeSpaceExhausted
}

// ValidateReferralCode applies the same checks as RecordReferral without writing.
// candidateEmail may be empty when the submitter has not typed it yet.
func (s *ReferralService) ValidateReferralCode(ctx context.Context, code, candidateEmail string) (ReferralDecision, error) {
	code = utils.NormalizeCode(code)
	candidateEmail = utils.NormalizeEmail(candidateEmail)
	if code == "" {
		return rejectReferral(code, ReasonInvalidInput), nil
	}
	if candidateEmail != "" && utils.ValidateEmail(candidateEmail) != nil {
		return rejectReferral(code, ReasonInvalidInput), nil
	}

	anchor, err := s.store.FindAnchorByCode(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		return rejectReferral(code, ReasonNotFound), nil
	}
	if err != nil {
		return ReferralDecision{}, fmt.Errorf("failed to load referral code: %w", err)
	}
	if candidateEmail == anchor.ReferrerEmail {
		return rejectReferral(code, ReasonSelfReferral), nil
	}

	if candidateEmail != "" {
		existing, err := s.store.FindRefereeReferral(ctx, candidateEmail)
		switch {
		case err == nil:
			if existing.Code == code && existing.Used {
				return rejectReferral(code, ReasonAlreadyUsed), nil
			}
			return rejectReferral(code, ReasonAlreadyRecorded), nil
		case !errors.Is(err, storage.ErrNotFound):
			return ReferralDecision{}, fmt.Errorf("failed to load referral: %w", err)
		}
	}

	return ReferralDecision{
		Valid:         true,
		Reason:        ReasonAccepted,
		Message:       referralMessages[ReasonAccepted],
		Code:          code,
		ReferrerEmail: anchor.ReferrerEmail,
	}, nil
}

// RecordReferral appends an unused referral for refereeEmail under code.
func (s *ReferralService) RecordReferral(ctx context.Context, code, refereeEmail string) (ReferralDecision, error) {
	refereeEmail = utils.NormalizeEmail(refereeEmail)
	if utils.ValidateEmail(refereeEmail) != nil {
		return rejectReferral(utils.NormalizeCode(code), ReasonInvalidInput), nil
	}

	decision, err := s.ValidateReferralCode(ctx, code, refereeEmail)
	if err != nil || !decision.Valid {
		return decision, err
	}

	referral := &models.Referral{
		ID:            uuid.New().String(),
		Code:          decision.Code,
		ReferrerEmail: decision.ReferrerEmail,
		Email:         refereeEmail,
		CreatedAt:     s.now(),
	}
	err = s.store.CreateReferral(ctx, referral)
	if errors.Is(err, storage.ErrAlreadyExists) {
		return rejectReferral(decision.Code, ReasonAlreadyRecorded), nil
	}
	if err != nil {
		return ReferralDecision{}, fmt.Errorf("failed to record referral: %w", err)
	}

	log.WithFields(log.Fields{
		"code":     referral.Code,
		"referrer": referral.ReferrerEmail,
		"referee":  refereeEmail,
	}).Info("[REFERRAL] Referral recorded")
	decision.Referral = referral
	return decision, nil
}

// PendingReferral returns the referee's recorded but not yet credited referral under
// code, if one was left behind by an interrupted earlier submission.
func (s *ReferralService) PendingReferral(ctx context.Context, code, refereeEmail string) (*models.Referral, error) {
	existing, err := s.store.FindRefereeReferral(ctx, utils.NormalizeEmail(refereeEmail))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if existing.Code != utils.NormalizeCode(code) || existing.Used {
		return nil, nil
	}
	return existing, nil
}

func (s *ReferralService) markUsed(r *models.Referral) error {
	if r.IsAnchor() {
		return errNotReferee
	}
	if r.Used {
		return errAlreadyUsed
	}
	now := s.now()
	r.Used = true
	r.UsedAt = &now
	return nil
}

// MarkReferralAsUsed flips the referral to used. It returns false when no unused
// referral matches, so a second call is a no-op.
func (s *ReferralService) MarkReferralAsUsed(ctx context.Context, code, refereeEmail string) (bool, error) {
	code = utils.NormalizeCode(code)
	refereeEmail = utils.NormalizeEmail(refereeEmail)

	_, err := withRetry(ctx, "mark_referral", func() (*models.Referral, error) {
		return s.store.UpdateReferral(ctx, code, refereeEmail, s.markUsed)
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, errAlreadyUsed), errors.Is(err, errNotReferee):
		return false, nil
	default:
		return false, fmt.Errorf("failed to mark referral: %w", err)
	}
}

// ConvertReferral marks the referral used and credits bonus to the referrer's coupon
// in one store operation. A clamped bonus still marks the referral used.
func (s *ReferralService) ConvertReferral(ctx context.Context, code, refereeEmail string, bonus int) (ReferralConversion, error) {
	code = utils.NormalizeCode(code)
	refereeEmail = utils.NormalizeEmail(refereeEmail)

	anchor, err := s.store.FindAnchorByCode(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		return ReferralConversion{Reason: ReasonNotFound, Message: referralMessages[ReasonNotFound]}, nil
	}
	if err != nil {
		return ReferralConversion{}, fmt.Errorf("failed to load referral code: %w", err)
	}
	referrer := anchor.ReferrerEmail

	var grant *BonusGrant
	referral, err := withRetry(ctx, "convert_referral", func() (*models.Referral, error) {
		grant = nil
		r, _, err := s.store.ConvertReferral(ctx, code, refereeEmail, referrer,
			s.markUsed,
			func(c *models.Coupon) error {
				if c == nil {
					return nil
				}
				g := applyBonus(c, bonus, s.now())
				grant = &g
				return nil
			})
		return r, err
	})

	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, errNotReferee):
		return ReferralConversion{Reason: ReasonNotFound, Message: referralMessages[ReasonNotFound], ReferrerEmail: referrer}, nil
	case errors.Is(err, errAlreadyUsed):
		return ReferralConversion{Reason: ReasonAlreadyUsed, Message: referralMessages[ReasonAlreadyUsed], ReferrerEmail: referrer}, nil
	default:
		return ReferralConversion{}, fmt.Errorf("failed to convert referral: %w", err)
	}

	fields := log.Fields{"code": code, "referrer": referrer, "referee": refereeEmail}
	conversion := ReferralConversion{
		Converted:     true,
		Reason:        ReasonAccepted,
		ReferrerEmail: referrer,
		Referral:      referral,
		Bonus:         grant,
	}
	switch {
	case grant == nil:
		conversion.Message = "Referral credited; the referrer has no coupon to receive a bonus"
		log.WithFields(fields).Warn("[REFERRAL] Referral used, referrer has no coupon")
	case !grant.Full:
		conversion.Message = fmt.Sprintf("Referral credited; bonus capped at %d (%d of %d applied)",
			models.MaxReferralBonus, grant.Applied, grant.Requested)
		log.WithFields(fields).WithField("applied", grant.Applied).Warn("[REFERRAL] Referral bonus clamped at cap")
	default:
		conversion.Message = fmt.Sprintf("Referral credited; %d bonus generation(s) granted", grant.Applied)
		log.WithFields(fields).Info("[REFERRAL] Referral bonus awarded")
	}
	return conversion, nil
}

// Records lists the whole ledger, anchors included.
func (s *ReferralService) Records(ctx context.Context) ([]models.Referral, error) {
	return s.store.ListReferrals(ctx)
}
