// Package storage holds the coupon store and referral ledger persistence.
//
// Every backend offers the same contract: plain reads, conflict-checked creates, and
// atomic read-modify-write updates keyed by email (coupons) or (code, email) (referrals).
// Update callbacks run while the backend holds the record; a callback error aborts the
// write and is returned unchanged so callers can match it with errors.Is.
package storage

import (
	"context"
	"errors"

	"petition-rewards/models"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	ErrCodeTaken     = errors.New("code already taken")
	// ErrConflict means a concurrent writer changed the record mid-update; retry the operation.
	ErrConflict = errors.New("concurrent update conflict")
)

// CouponStore persists coupons, one per email.
type CouponStore interface {
	GetCoupon(ctx context.Context, email string) (*models.Coupon, error)
	FindCouponByCode(ctx context.Context, code string) (*models.Coupon, error)
	// CreateCoupon fails with ErrAlreadyExists when the email has a coupon and
	// ErrCodeTaken when the code belongs to another coupon.
	CreateCoupon(ctx context.Context, c *models.Coupon) error
	UpdateCoupon(ctx context.Context, email string, fn func(*models.Coupon) error) (*models.Coupon, error)
}

// ReferralStore persists the referral ledger.
type ReferralStore interface {
	FindAnchorByEmail(ctx context.Context, email string) (*models.Referral, error)
	FindAnchorByCode(ctx context.Context, code string) (*models.Referral, error)
	FindReferral(ctx context.Context, code, email string) (*models.Referral, error)
	// FindRefereeReferral returns the non-anchor record accepted by a referee, if any.
	FindRefereeReferral(ctx context.Context, email string) (*models.Referral, error)
	// CreateReferral fails with ErrAlreadyExists when the referrer already owns an anchor
	// or the referee already accepted a code, and ErrCodeTaken when an anchor code is in use.
	CreateReferral(ctx context.Context, r *models.Referral) error
	UpdateReferral(ctx context.Context, code, email string, fn func(*models.Referral) error) (*models.Referral, error)
	ListReferrals(ctx context.Context) ([]models.Referral, error)
}

// Store is the full persistence surface used by the engine.
type Store interface {
	CouponStore
	ReferralStore

	// ConvertReferral applies mark to the (code, email) referral and credit to the
	// referrer's coupon as one atomic unit. credit receives nil when the referrer has
	// no coupon. If either callback fails nothing is written.
	ConvertReferral(ctx context.Context, code, email, referrerEmail string,
		mark func(*models.Referral) error, credit func(*models.Coupon) error) (*models.Referral, *models.Coupon, error)

	// Reset clears every record. Test and reset tooling only.
	Reset(ctx context.Context) error
	Close() error
}
