package storage

import (
	"context"
	"sync"

	"petition-rewards/models"
)

// MemoryStore is a process-local Store guarded by a single mutex. Every update runs
// under the lock, so read-modify-write cycles cannot interleave.
type MemoryStore struct {
	mu sync.Mutex

	coupons     map[string]models.Coupon // email → coupon
	couponCodes map[string]string        // code → email

	referrals      map[string]models.Referral // referralKey(code, email) → record
	order          []string                   // insertion order for deterministic listing
	anchorsByEmail map[string]string          // referrer email → referral key
	anchorsByCode  map[string]string          // code → referral key
	referees       map[string]string          // referee email → referral key
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.clear()
	return s
}

func (s *MemoryStore) clear() {
	s.coupons = make(map[string]models.Coupon)
	s.couponCodes = make(map[string]string)
	s.referrals = make(map[string]models.Referral)
	s.order = make([]string, 0)
	s.anchorsByEmail = make(map[string]string)
	s.anchorsByCode = make(map[string]string)
	s.referees = make(map[string]string)
}

func referralKey(code, email string) string {
	return code + "|" + email
}

func (s *MemoryStore) GetCoupon(_ context.Context, email string) (*models.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.coupons[email]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *MemoryStore) FindCouponByCode(_ context.Context, code string) (*models.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email, ok := s.couponCodes[code]
	if !ok {
		return nil, ErrNotFound
	}
	c := s.coupons[email]
	return &c, nil
}

func (s *MemoryStore) CreateCoupon(_ context.Context, c *models.Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.coupons[c.Email]; exists {
		return ErrAlreadyExists
	}
	if _, taken := s.couponCodes[c.Code]; taken {
		return ErrCodeTaken
	}
	s.coupons[c.Email] = *c
	s.couponCodes[c.Code] = c.Email
	return nil
}

func (s *MemoryStore) UpdateCoupon(_ context.Context, email string, fn func(*models.Coupon) error) (*models.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.coupons[email]
	if !ok {
		return nil, ErrNotFound
	}
	if err := fn(&current); err != nil {
		return nil, err
	}
	s.coupons[email] = current
	return &current, nil
}

func (s *MemoryStore) FindAnchorByEmail(_ context.Context, email string) (*models.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(s.anchorsByEmail, email)
}

func (s *MemoryStore) FindAnchorByCode(_ context.Context, code string) (*models.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(s.anchorsByCode, code)
}

func (s *MemoryStore) FindRefereeReferral(_ context.Context, email string) (*models.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(s.referees, email)
}

func (s *MemoryStore) lookup(index map[string]string, value string) (*models.Referral, error) {
	key, ok := index[value]
	if !ok {
		return nil, ErrNotFound
	}
	r := s.referrals[key]
	return &r, nil
}

func (s *MemoryStore) FindReferral(_ context.Context, code, email string) (*models.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.referrals[referralKey(code, email)]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s *MemoryStore) CreateReferral(_ context.Context, r *models.Referral) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := referralKey(r.Code, r.Email)
	if _, exists := s.referrals[key]; exists {
		return ErrAlreadyExists
	}
	if r.Anchor {
		if _, exists := s.anchorsByEmail[r.ReferrerEmail]; exists {
			return ErrAlreadyExists
		}
		if _, taken := s.anchorsByCode[r.Code]; taken {
			return ErrCodeTaken
		}
		s.anchorsByEmail[r.ReferrerEmail] = key
		s.anchorsByCode[r.Code] = key
	} else {
		if _, exists := s.referees[r.Email]; exists {
			return ErrAlreadyExists
		}
		s.referees[r.Email] = key
	}
	s.referrals[key] = *r
	s.order = append(s.order, key)
	return nil
}

func (s *MemoryStore) UpdateReferral(_ context.Context, code, email string, fn func(*models.Referral) error) (*models.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := referralKey(code, email)
	current, ok := s.referrals[key]
	if !ok {
		return nil, ErrNotFound
	}
	if err := fn(&current); err != nil {
		return nil, err
	}
	s.referrals[key] = current
	return &current, nil
}

func (s *MemoryStore) ListReferrals(_ context.Context) ([]models.Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Referral, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.referrals[key])
	}
	return out, nil
}

func (s *MemoryStore) ConvertReferral(_ context.Context, code, email, referrerEmail string,
	mark func(*models.Referral) error, credit func(*models.Coupon) error) (*models.Referral, *models.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := referralKey(code, email)
	referral, ok := s.referrals[key]
	if !ok {
		return nil, nil, ErrNotFound
	}
	if err := mark(&referral); err != nil {
		return nil, nil, err
	}

	var coupon *models.Coupon
	if existing, ok := s.coupons[referrerEmail]; ok {
		coupon = &existing
	}
	if err := credit(coupon); err != nil {
		return nil, nil, err
	}

	s.referrals[key] = referral
	if coupon != nil {
		s.coupons[referrerEmail] = *coupon
	}
	return &referral, coupon, nil
}

func (s *MemoryStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear()
	return nil
}

func (s *MemoryStore) Close() error { return nil }
