package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"petition-rewards/config"
	"petition-rewards/models"
	"petition-rewards/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReferralServices(t *testing.T) (*ReferralService, *CouponService, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	return NewReferralService(store), NewCouponService(store, config.DefaultScoringRules(), nil), store
}

func TestGenerateReferralCodeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, _, store := newTestReferralServices(t)

	first, err := svc.GenerateReferralCode(ctx, "jean.dupont@example.fr")
	require.NoError(t, err)
	second, err := svc.GenerateReferralCode(ctx, " Jean.Dupont@Example.fr ")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Regexp(t, `^REF-JEANDU-[0-9A-Z]{4}$`, first)

	records, err := store.ListReferrals(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Anchor)
	assert.Equal(t, records[0].ReferrerEmail, records[0].Email)
}

func TestGenerateReferralCodeRejectsBadEmail(t *testing.T) {
	svc, _, _ := newTestReferralServices(t)
	_, err := svc.GenerateReferralCode(context.Background(), "not-an-email")
	assert.Error(t, err)
}

func TestGenerateReferralCodeRetriesCollisions(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestReferralServices(t)
	codes := []string{"REF-X-AAAA", "REF-X-AAAA", "REF-X-BBBB"}
	var calls int
	svc.newCode = func(string) (string, error) {
		code := codes[calls]
		calls++
		return code, nil
	}

	a, err := svc.GenerateReferralCode(ctx, "a@example.fr")
	require.NoError(t, err)
	b, err := svc.GenerateReferralCode(ctx, "b@example.fr")
	require.NoError(t, err)
	assert.Equal(t, "REF-X-AAAA", a)
	assert.Equal(t, "REF-X-BBBB", b)
}

func TestConcurrentGenerateReferralCode(t *testing.T) {
	ctx := context.Background()
	svc, _, store := newTestReferralServices(t)

	var wg sync.WaitGroup
	codes := make([]string, 20)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			code, err := svc.GenerateReferralCode(ctx, "alice@example.fr")
			if err == nil {
				codes[i] = code
			}
		}(i)
	}
	wg.Wait()

	for _, c := range codes {
		assert.Equal(t, codes[0], c)
	}
	records, _ := store.ListReferrals(ctx)
	assert.Len(t, records, 1)
}

func TestRecordReferralRejectsSelfReferral(t *testing.T) {
	ctx := context.Background()
	svc, _, store := newTestReferralServices(t)
	code, err := svc.GenerateReferralCode(ctx, "alice@example.fr")
	require.NoError(t, err)

	d, err := svc.RecordReferral(ctx, code, "alice@example.fr")
	require.NoError(t, err)
	assert.False(t, d.Valid)
	assert.Equal(t, ReasonSelfReferral, d.Reason)

	records, _ := store.ListReferrals(ctx)
	assert.Len(t, records, 1)
}

func TestRecordReferralDecisions(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestReferralServices(t)
	alice, err := svc.GenerateReferralCode(ctx, "alice@example.fr")
	require.NoError(t, err)
	bob, err := svc.GenerateReferralCode(ctx, "bob@example.fr")
	require.NoError(t, err)

	d, err := svc.RecordReferral(ctx, alice, "carol@example.fr")
	require.NoError(t, err)
	assert.True(t, d.Valid)
	assert.Equal(t, "alice@example.fr", d.ReferrerEmail)
	require.NotNil(t, d.Referral)
	assert.False(t, d.Referral.Used)

	tests := []struct {
		name   string
		code   string
		email  string
		reason ReferralReason
	}{
		{"same pair twice", alice, "carol@example.fr", ReasonAlreadyRecorded},
		{"second code for the same referee", bob, "carol@example.fr", ReasonAlreadyRecorded},
		{"unknown code", "REF-NOPE-0000", "dave@example.fr", ReasonNotFound},
		{"blank code", " ", "dave@example.fr", ReasonInvalidInput},
		{"bad email", alice, "dave", ReasonInvalidInput},
		{"lower-case code", " " + strings.ToLower(alice) + " ", "dave@example.fr", ReasonAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := svc.RecordReferral(ctx, tt.code, tt.email)
			require.NoError(t, err)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, tt.reason == ReasonAccepted, d.Valid)
			assert.NotEmpty(t, d.Message)
		})
	}
}

func TestValidateReferralCodeIsReadOnly(t *testing.T) {
	ctx := context.Background()
	svc, _, store := newTestReferralServices(t)
	code, err := svc.GenerateReferralCode(ctx, "alice@example.fr")
	require.NoError(t, err)

	d, err := svc.ValidateReferralCode(ctx, code, "carol@example.fr")
	require.NoError(t, err)
	assert.True(t, d.Valid)
	assert.Equal(t, "alice@example.fr", d.ReferrerEmail)

	d, err = svc.ValidateReferralCode(ctx, code, "")
	require.NoError(t, err)
	assert.True(t, d.Valid)

	d, err = svc.ValidateReferralCode(ctx, code, "alice@example.fr")
	require.NoError(t, err)
	assert.Equal(t, ReasonSelfReferral, d.Reason)

	records, _ := store.ListReferrals(ctx)
	assert.Len(t, records, 1)
}

func TestValidateReferralCodeReportsUsedReferral(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestReferralServices(t)
	code, _ := svc.GenerateReferralCode(ctx, "alice@example.fr")
	_, err := svc.RecordReferral(ctx, code, "carol@example.fr")
	require.NoError(t, err)

	d, _ := svc.ValidateReferralCode(ctx, code, "carol@example.fr")
	assert.Equal(t, ReasonAlreadyRecorded, d.Reason)

	ok, err := svc.MarkReferralAsUsed(ctx, code, "carol@example.fr")
	require.NoError(t, err)
	require.True(t, ok)

	d, _ = svc.ValidateReferralCode(ctx, code, "carol@example.fr")
	assert.Equal(t, ReasonAlreadyUsed, d.Reason)
}

func TestMarkReferralAsUsedOnce(t *testing.T) {
	ctx := context.Background()
	svc, _, store := newTestReferralServices(t)
	code, _ := svc.GenerateReferralCode(ctx, "alice@example.fr")
	_, err := svc.RecordReferral(ctx, code, "carol@example.fr")
	require.NoError(t, err)

	ok, err := svc.MarkReferralAsUsed(ctx, code, "carol@example.fr")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.MarkReferralAsUsed(ctx, code, "carol@example.fr")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.MarkReferralAsUsed(ctx, code, "alice@example.fr")
	require.NoError(t, err)
	assert.False(t, ok, "anchor records are never used")

	ok, err = svc.MarkReferralAsUsed(ctx, code, "nobody@example.fr")
	require.NoError(t, err)
	assert.False(t, ok)

	r, err := store.FindReferral(ctx, code, "carol@example.fr")
	require.NoError(t, err)
	assert.True(t, r.Used)
	assert.NotNil(t, r.UsedAt)
}

func TestConvertReferralCreditsOnce(t *testing.T) {
	ctx := context.Background()
	svc, coupons, _ := newTestReferralServices(t)
	_, _, err := coupons.Issue(ctx, "alice@example.fr", models.LevelBasic)
	require.NoError(t, err)
	code, _ := svc.GenerateReferralCode(ctx, "alice@example.fr")
	_, err = svc.RecordReferral(ctx, code, "carol@example.fr")
	require.NoError(t, err)

	first, err := svc.ConvertReferral(ctx, code, "carol@example.fr", 1)
	require.NoError(t, err)
	assert.True(t, first.Converted)
	require.NotNil(t, first.Bonus)
	assert.Equal(t, BonusGrant{Requested: 1, Applied: 1, Full: true}, *first.Bonus)

	second, err := svc.ConvertReferral(ctx, code, "carol@example.fr", 1)
	require.NoError(t, err)
	assert.False(t, second.Converted)
	assert.Equal(t, ReasonAlreadyUsed, second.Reason)

	ok, err := svc.MarkReferralAsUsed(ctx, code, "carol@example.fr")
	require.NoError(t, err)
	assert.False(t, ok)

	c, _ := coupons.Get(ctx, "alice@example.fr")
	assert.Equal(t, 4, c.GenerationsRemaining)
	assert.Equal(t, 1, c.ReferralBonuses)
}

func TestConvertReferralBonusCap(t *testing.T) {
	ctx := context.Background()
	svc, coupons, _ := newTestReferralServices(t)
	_, _, err := coupons.Issue(ctx, "alice@example.fr", models.LevelBasic)
	require.NoError(t, err)
	code, _ := svc.GenerateReferralCode(ctx, "alice@example.fr")

	for i := 0; i < 25; i++ {
		referee := fmt.Sprintf("friend%02d@example.fr", i)
		d, err := svc.RecordReferral(ctx, code, referee)
		require.NoError(t, err)
		require.True(t, d.Valid)

		conv, err := svc.ConvertReferral(ctx, code, referee, 1)
		require.NoError(t, err)
		require.True(t, conv.Converted, "referral %d must still be marked used", i)
		require.NotNil(t, conv.Bonus)
		if i < models.MaxReferralBonus {
			assert.True(t, conv.Bonus.Full)
		} else {
			assert.False(t, conv.Bonus.Full)
			assert.Equal(t, 0, conv.Bonus.Applied)
		}

		c, _ := coupons.Get(ctx, "alice@example.fr")
		assert.LessOrEqual(t, c.ReferralBonuses, models.MaxReferralBonus)
	}

	c, _ := coupons.Get(ctx, "alice@example.fr")
	assert.Equal(t, models.MaxReferralBonus, c.ReferralBonuses)
	assert.Equal(t, 3+models.MaxReferralBonus, c.GenerationsRemaining)
}

func TestConvertReferralWithoutReferrerCoupon(t *testing.T) {
	ctx := context.Background()
	svc, _, store := newTestReferralServices(t)
	code, _ := svc.GenerateReferralCode(ctx, "alice@example.fr")
	_, err := svc.RecordReferral(ctx, code, "carol@example.fr")
	require.NoError(t, err)

	conv, err := svc.ConvertReferral(ctx, code, "carol@example.fr", 1)
	require.NoError(t, err)
	assert.True(t, conv.Converted)
	assert.Nil(t, conv.Bonus)
	assert.Contains(t, conv.Message, "no coupon")

	r, _ := store.FindReferral(ctx, code, "carol@example.fr")
	assert.True(t, r.Used)
}

func TestConvertReferralUnknown(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestReferralServices(t)
	code, _ := svc.GenerateReferralCode(ctx, "alice@example.fr")

	conv, err := svc.ConvertReferral(ctx, "REF-NOPE-0000", "carol@example.fr", 1)
	require.NoError(t, err)
	assert.Equal(t, ReasonNotFound, conv.Reason)

	conv, err = svc.ConvertReferral(ctx, code, "carol@example.fr", 1)
	require.NoError(t, err)
	assert.False(t, conv.Converted)
	assert.Equal(t, ReasonNotFound, conv.Reason)
}

func TestConcurrentConvertReferral(t *testing.T) {
	ctx := context.Background()
	svc, coupons, _ := newTestReferralServices(t)
	_, _, err := coupons.Issue(ctx, "alice@example.fr", models.LevelBasic)
	require.NoError(t, err)
	code, _ := svc.GenerateReferralCode(ctx, "alice@example.fr")
	_, err = svc.RecordReferral(ctx, code, "carol@example.fr")
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		converted atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conv, err := svc.ConvertReferral(ctx, code, "carol@example.fr", 1)
			if err == nil && conv.Converted {
				converted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), converted.Load())
	c, _ := coupons.Get(ctx, "alice@example.fr")
	assert.Equal(t, 4, c.GenerationsRemaining)
}
