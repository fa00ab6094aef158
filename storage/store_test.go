package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"petition-rewards/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCoupon(email, code string, credits int) *models.Coupon {
	now := time.Now().UTC()
	return &models.Coupon{
		ID:                   uuid.New().String(),
		Code:                 code,
		Email:                email,
		Level:                models.LevelBasic,
		GenerationsRemaining: credits,
		SchemaVersion:        models.CouponSchemaVersion,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func newAnchor(email, code string) *models.Referral {
	return &models.Referral{
		ID:            uuid.New().String(),
		Code:          code,
		ReferrerEmail: email,
		Email:         email,
		Anchor:        true,
		CreatedAt:     time.Now().UTC(),
	}
}

func newReferee(code, referrer, email string) *models.Referral {
	return &models.Referral{
		ID:            uuid.New().String(),
		Code:          code,
		ReferrerEmail: referrer,
		Email:         email,
		CreatedAt:     time.Now().UTC(),
	}
}

// runStoreContract exercises the behaviour every backend must share.
func runStoreContract(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("coupon create and lookup", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateCoupon(ctx, newCoupon("alice@example.fr", "BASIC-AAAA0000", 3)))

		byEmail, err := s.GetCoupon(ctx, "alice@example.fr")
		require.NoError(t, err)
		assert.Equal(t, "BASIC-AAAA0000", byEmail.Code)
		assert.Equal(t, 3, byEmail.GenerationsRemaining)

		byCode, err := s.FindCouponByCode(ctx, "BASIC-AAAA0000")
		require.NoError(t, err)
		assert.Equal(t, "alice@example.fr", byCode.Email)

		_, err = s.GetCoupon(ctx, "nobody@example.fr")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.FindCouponByCode(ctx, "BASIC-ZZZZ9999")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("coupon uniqueness", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateCoupon(ctx, newCoupon("alice@example.fr", "BASIC-AAAA0000", 3)))

		err := s.CreateCoupon(ctx, newCoupon("alice@example.fr", "BASIC-BBBB1111", 3))
		assert.ErrorIs(t, err, ErrAlreadyExists)

		err = s.CreateCoupon(ctx, newCoupon("bob@example.fr", "BASIC-AAAA0000", 3))
		assert.ErrorIs(t, err, ErrCodeTaken)

		_, err = s.GetCoupon(ctx, "bob@example.fr")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("coupon update", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateCoupon(ctx, newCoupon("alice@example.fr", "BASIC-AAAA0000", 3)))

		updated, err := s.UpdateCoupon(ctx, "alice@example.fr", func(c *models.Coupon) error {
			c.GenerationsRemaining--
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, updated.GenerationsRemaining)

		boom := errors.New("boom")
		_, err = s.UpdateCoupon(ctx, "alice@example.fr", func(c *models.Coupon) error {
			c.GenerationsRemaining = 100
			return boom
		})
		assert.ErrorIs(t, err, boom)

		stored, err := s.GetCoupon(ctx, "alice@example.fr")
		require.NoError(t, err)
		assert.Equal(t, 2, stored.GenerationsRemaining)

		_, err = s.UpdateCoupon(ctx, "nobody@example.fr", func(*models.Coupon) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("anchor records", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateReferral(ctx, newAnchor("alice@example.fr", "REF-ALICE-AB12")))

		byEmail, err := s.FindAnchorByEmail(ctx, "alice@example.fr")
		require.NoError(t, err)
		assert.Equal(t, "REF-ALICE-AB12", byEmail.Code)

		byCode, err := s.FindAnchorByCode(ctx, "REF-ALICE-AB12")
		require.NoError(t, err)
		assert.Equal(t, "alice@example.fr", byCode.ReferrerEmail)
		assert.True(t, byCode.IsAnchor())

		err = s.CreateReferral(ctx, newAnchor("alice@example.fr", "REF-ALICE-CD34"))
		assert.ErrorIs(t, err, ErrAlreadyExists)

		err = s.CreateReferral(ctx, newAnchor("bob@example.fr", "REF-ALICE-AB12"))
		assert.ErrorIs(t, err, ErrCodeTaken)

		_, err = s.FindAnchorByEmail(ctx, "bob@example.fr")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("referee records", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateReferral(ctx, newAnchor("alice@example.fr", "REF-ALICE-AB12")))
		require.NoError(t, s.CreateReferral(ctx, newAnchor("bob@example.fr", "REF-BOB-CD34")))
		require.NoError(t, s.CreateReferral(ctx, newReferee("REF-ALICE-AB12", "alice@example.fr", "carol@example.fr")))

		err := s.CreateReferral(ctx, newReferee("REF-ALICE-AB12", "alice@example.fr", "carol@example.fr"))
		assert.ErrorIs(t, err, ErrAlreadyExists)

		err = s.CreateReferral(ctx, newReferee("REF-BOB-CD34", "bob@example.fr", "carol@example.fr"))
		assert.ErrorIs(t, err, ErrAlreadyExists, "a referee accepts one code only")

		r, err := s.FindRefereeReferral(ctx, "carol@example.fr")
		require.NoError(t, err)
		assert.Equal(t, "REF-ALICE-AB12", r.Code)

		r, err = s.FindReferral(ctx, "REF-ALICE-AB12", "carol@example.fr")
		require.NoError(t, err)
		assert.False(t, r.Used)

		records, err := s.ListReferrals(ctx)
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, "alice@example.fr", records[0].Email)
		assert.Equal(t, "bob@example.fr", records[1].Email)
		assert.Equal(t, "carol@example.fr", records[2].Email)
	})

	t.Run("referral update", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateReferral(ctx, newReferee("REF-ALICE-AB12", "alice@example.fr", "carol@example.fr")))

		updated, err := s.UpdateReferral(ctx, "REF-ALICE-AB12", "carol@example.fr", func(r *models.Referral) error {
			r.Used = true
			return nil
		})
		require.NoError(t, err)
		assert.True(t, updated.Used)

		_, err = s.UpdateReferral(ctx, "REF-ALICE-AB12", "dave@example.fr", func(*models.Referral) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("convert referral credits the referrer", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateCoupon(ctx, newCoupon("alice@example.fr", "BASIC-AAAA0000", 3)))
		require.NoError(t, s.CreateReferral(ctx, newReferee("REF-ALICE-AB12", "alice@example.fr", "carol@example.fr")))

		r, c, err := s.ConvertReferral(ctx, "REF-ALICE-AB12", "carol@example.fr", "alice@example.fr",
			func(r *models.Referral) error { r.Used = true; return nil },
			func(c *models.Coupon) error {
				require.NotNil(t, c)
				c.GenerationsRemaining++
				c.ReferralBonuses++
				return nil
			})
		require.NoError(t, err)
		assert.True(t, r.Used)
		require.NotNil(t, c)
		assert.Equal(t, 4, c.GenerationsRemaining)

		stored, err := s.GetCoupon(ctx, "alice@example.fr")
		require.NoError(t, err)
		assert.Equal(t, 4, stored.GenerationsRemaining)
		assert.Equal(t, 1, stored.ReferralBonuses)
	})

	t.Run("convert referral without a referrer coupon", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateReferral(ctx, newReferee("REF-ALICE-AB12", "alice@example.fr", "carol@example.fr")))

		r, c, err := s.ConvertReferral(ctx, "REF-ALICE-AB12", "carol@example.fr", "alice@example.fr",
			func(r *models.Referral) error { r.Used = true; return nil },
			func(c *models.Coupon) error {
				assert.Nil(t, c)
				return nil
			})
		require.NoError(t, err)
		assert.True(t, r.Used)
		assert.Nil(t, c)
	})

	t.Run("convert referral aborts as a unit", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateCoupon(ctx, newCoupon("alice@example.fr", "BASIC-AAAA0000", 3)))
		require.NoError(t, s.CreateReferral(ctx, newReferee("REF-ALICE-AB12", "alice@example.fr", "carol@example.fr")))

		boom := errors.New("boom")
		_, _, err := s.ConvertReferral(ctx, "REF-ALICE-AB12", "carol@example.fr", "alice@example.fr",
			func(r *models.Referral) error { r.Used = true; return nil },
			func(*models.Coupon) error { return boom })
		assert.ErrorIs(t, err, boom)

		r, err := s.FindReferral(ctx, "REF-ALICE-AB12", "carol@example.fr")
		require.NoError(t, err)
		assert.False(t, r.Used)
	})

	t.Run("reset", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateCoupon(ctx, newCoupon("alice@example.fr", "BASIC-AAAA0000", 3)))
		require.NoError(t, s.CreateReferral(ctx, newAnchor("alice@example.fr", "REF-ALICE-AB12")))

		require.NoError(t, s.Reset(ctx))

		_, err := s.GetCoupon(ctx, "alice@example.fr")
		assert.ErrorIs(t, err, ErrNotFound)
		records, err := s.ListReferrals(ctx)
		require.NoError(t, err)
		assert.Empty(t, records)

		require.NoError(t, s.CreateCoupon(ctx, newCoupon("alice@example.fr", "BASIC-AAAA0000", 3)))
	})
}
