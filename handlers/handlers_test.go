package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"petition-rewards/config"
	"petition-rewards/models"
	"petition-rewards/services"
	"petition-rewards/storage"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	app       *fiber.App
	store     *storage.MemoryStore
	coupons   *services.CouponService
	referrals *services.ReferralService
}

func setupTestApp(t *testing.T) testServer {
	t.Helper()
	store := storage.NewMemoryStore()
	rules := config.DefaultScoringRules()
	analyzer := services.NewRuleAnalyzer()
	coupons := services.NewCouponService(store, rules, nil)
	referrals := services.NewReferralService(store)
	engine := services.NewEngine(services.NewEngagementScorer(analyzer, rules), coupons, referrals, rules.ReferralBonus)

	app := fiber.New()
	SetupSignatureRoutes(app, engine, analyzer)
	SetupReferralRoutes(app, referrals, services.NewLeaderboardService(referrals))
	SetupCouponRoutes(app, coupons)
	SetupAdminRoutes(app, store)

	return testServer{app: app, store: store, coupons: coupons, referrals: referrals}
}

func (s testServer) do(t *testing.T, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		if raw, ok := body.(string); ok {
			reader = bytes.NewBufferString(raw)
		} else {
			payload, err := json.Marshal(body)
			require.NoError(t, err)
			reader = bytes.NewReader(payload)
		}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestPostSignature(t *testing.T) {
	s := setupTestApp(t)
	details := models.SignatureDetails{
		Name:         "Alice",
		Email:        "alice@example.fr",
		Comment:      "Super initiative !",
		Newsletter:   true,
		SocialShares: []string{"facebook", "twitter"},
	}

	var first services.SignatureOutcome
	status := s.do(t, http.MethodPost, "/signatures", details, &first)
	assert.Equal(t, http.StatusCreated, status)
	assert.True(t, first.Success)
	require.NotNil(t, first.Engagement)
	assert.Equal(t, 6, first.Engagement.Score)
	require.NotNil(t, first.Coupon)
	assert.Equal(t, 3, first.Coupon.GenerationsRemaining)

	var again services.SignatureOutcome
	status = s.do(t, http.MethodPost, "/signatures", details, &again)
	assert.Equal(t, http.StatusOK, status)
	assert.False(t, again.CouponCreated)
	assert.Equal(t, first.Coupon.Code, again.Coupon.Code)
}

func TestPostSignatureRejectsBadInput(t *testing.T) {
	s := setupTestApp(t)

	var outcome services.SignatureOutcome
	status := s.do(t, http.MethodPost, "/signatures", models.SignatureDetails{Email: "nope"}, &outcome)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, services.StageInput, outcome.Stage)

	status = s.do(t, http.MethodPost, "/signatures", "{not json", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestReferralRoutes(t *testing.T) {
	s := setupTestApp(t)

	var generated struct {
		Code string `json:"code"`
	}
	status := s.do(t, http.MethodPost, "/referrals/code", fiber.Map{"email": "alice@example.fr"}, &generated)
	require.Equal(t, http.StatusOK, status)
	assert.Regexp(t, `^REF-ALICE-`, generated.Code)

	status = s.do(t, http.MethodPost, "/referrals/code", fiber.Map{"email": "alice"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	var decision services.ReferralDecision
	status = s.do(t, http.MethodPost, "/referrals/validate", fiber.Map{"code": generated.Code, "email": "bob@example.fr"}, &decision)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, decision.Valid)
	assert.Equal(t, "alice@example.fr", decision.ReferrerEmail)

	status = s.do(t, http.MethodPost, "/referrals/validate", fiber.Map{"code": generated.Code, "email": "alice@example.fr"}, &decision)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, services.ReasonSelfReferral, decision.Reason)

	var outcome services.SignatureOutcome
	s.do(t, http.MethodPost, "/signatures", models.SignatureDetails{Email: "bob@example.fr", ReferralCode: generated.Code}, &outcome)
	require.True(t, outcome.Success)
	require.NotNil(t, outcome.Referral)
	assert.True(t, outcome.Referral.Converted)

	var board struct {
		Leaderboard []models.LeaderboardEntry `json:"leaderboard"`
	}
	status = s.do(t, http.MethodGet, "/referrals/leaderboard", nil, &board)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, board.Leaderboard, 1)
	assert.Equal(t, models.LeaderboardEntry{
		Email: "alice@example.fr", TotalReferrals: 1, SuccessfulReferrals: 1, ConversionRate: 100,
	}, board.Leaderboard[0])
}

func TestCouponRoutes(t *testing.T) {
	s := setupTestApp(t)
	coupon, _, err := s.coupons.Issue(context.Background(), "alice@example.fr", models.LevelBasic)
	require.NoError(t, err)

	var found models.Coupon
	status := s.do(t, http.MethodGet, "/coupons?email=Alice@example.fr", nil, &found)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, coupon.Code, found.Code)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/coupons?email=bob@example.fr", nil, nil))
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/coupons", nil, nil))

	var validation services.CouponValidation
	status = s.do(t, http.MethodPost, "/coupons/validate", fiber.Map{"code": coupon.Code}, &validation)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, validation.Valid)

	var redeemed services.RedeemResult
	for i := 0; i < 3; i++ {
		status = s.do(t, http.MethodPost, "/coupons/redeem", fiber.Map{"code": coupon.Code, "email": "alice@example.fr"}, &redeemed)
		assert.Equal(t, http.StatusOK, status)
		assert.True(t, redeemed.Redeemed)
	}

	status = s.do(t, http.MethodPost, "/coupons/redeem", fiber.Map{"code": coupon.Code}, &redeemed)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, services.CouponExhausted, redeemed.Status)

	status = s.do(t, http.MethodPost, "/coupons/redeem", fiber.Map{"code": coupon.Code, "email": "bob@example.fr"}, &redeemed)
	assert.Equal(t, http.StatusForbidden, status)

	status = s.do(t, http.MethodPost, "/coupons/redeem", fiber.Map{"code": "BASIC-NOPE0000"}, &redeemed)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSentimentRoute(t *testing.T) {
	s := setupTestApp(t)

	var result models.SentimentResult
	status := s.do(t, http.MethodPost, "/sentiment", fiber.Map{"text": "J'adore cette initiative, c'est fantastique !"}, &result)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.SentimentPositive, result.Sentiment)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/sentiment", fiber.Map{"text": "  "}, nil))
}

func TestAdminReset(t *testing.T) {
	s := setupTestApp(t)
	ctx := context.Background()
	_, _, err := s.coupons.Issue(ctx, "alice@example.fr", models.LevelBasic)
	require.NoError(t, err)

	status := s.do(t, http.MethodPost, "/admin/reset", nil, nil)
	assert.Equal(t, http.StatusOK, status)

	_, err = s.store.GetCoupon(ctx, "alice@example.fr")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
