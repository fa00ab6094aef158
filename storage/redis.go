package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"petition-rewards/models"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// RedisStore keeps records as JSON values. Updates use WATCH/MULTI optimistic
// check-and-set; a lost race surfaces as ErrConflict. Creates run as Lua scripts so the
// record and its unique indexes are written together.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// OpenRedis connects to a redis:// URL.
func OpenRedis(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return NewRedisStore(client, prefix), nil
}

// NewRedisStore wraps an existing client. Keys are namespaced under prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) couponKey(email string) string { return s.prefix + "coupon:email:" + email }
func (s *RedisStore) codeKey(code string) string    { return s.prefix + "coupon:code:" + code }
func (s *RedisStore) referralKey(code, email string) string {
	return s.prefix + "referral:" + code + ":" + email
}
func (s *RedisStore) anchorEmailKey(email string) string { return s.prefix + "anchor:email:" + email }
func (s *RedisStore) anchorCodeKey(code string) string   { return s.prefix + "anchor:code:" + code }
func (s *RedisStore) refereeKey(email string) string     { return s.prefix + "referee:" + email }
func (s *RedisStore) orderKey() string                   { return s.prefix + "referrals" }

var createCouponScript = redis.NewScript(`
if redis.call("exists", KEYS[1]) == 1 then return 1 end
if redis.call("exists", KEYS[2]) == 1 then return 2 end
redis.call("set", KEYS[1], ARGV[1])
redis.call("set", KEYS[2], ARGV[2])
return 0
`)

var createAnchorScript = redis.NewScript(`
if redis.call("exists", KEYS[1]) == 1 then return 1 end
if redis.call("exists", KEYS[2]) == 1 then return 1 end
if redis.call("exists", KEYS[3]) == 1 then return 2 end
redis.call("set", KEYS[1], ARGV[1])
redis.call("set", KEYS[2], ARGV[2])
redis.call("set", KEYS[3], ARGV[3])
redis.call("rpush", KEYS[4], KEYS[1])
return 0
`)

var createRefereeScript = redis.NewScript(`
if redis.call("exists", KEYS[1]) == 1 then return 1 end
if redis.call("exists", KEYS[2]) == 1 then return 1 end
redis.call("set", KEYS[1], ARGV[1])
redis.call("set", KEYS[2], ARGV[2])
redis.call("rpush", KEYS[3], KEYS[1])
return 0
`)

func scriptResult(code int) error {
	switch code {
	case 0:
		return nil
	case 1:
		return ErrAlreadyExists
	case 2:
		return ErrCodeTaken
	default:
		return fmt.Errorf("unexpected script result %d", code)
	}
}

func translateRedis(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return ErrNotFound
	case errors.Is(err, redis.TxFailedErr):
		return ErrConflict
	default:
		return err
	}
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func loadJSON[T any](ctx context.Context, g getter, key string) (*T, error) {
	data, err := g.Get(ctx, key).Bytes()
	if err != nil {
		return nil, translateRedis(err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return &v, nil
}

func loadCoupon(ctx context.Context, g getter, key string) (*models.Coupon, error) {
	c, err := loadJSON[models.Coupon](ctx, g, key)
	if err != nil {
		return nil, err
	}
	c.Upgrade()
	return c, nil
}

func (s *RedisStore) GetCoupon(ctx context.Context, email string) (*models.Coupon, error) {
	return loadCoupon(ctx, s.client, s.couponKey(email))
}

func (s *RedisStore) FindCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	email, err := s.client.Get(ctx, s.codeKey(code)).Result()
	if err != nil {
		return nil, translateRedis(err)
	}
	return s.GetCoupon(ctx, email)
}

func (s *RedisStore) CreateCoupon(ctx context.Context, c *models.Coupon) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	res, err := createCouponScript.Run(ctx, s.client,
		[]string{s.couponKey(c.Email), s.codeKey(c.Code)}, data, c.Email).Int()
	if err != nil {
		return err
	}
	return scriptResult(res)
}

func (s *RedisStore) UpdateCoupon(ctx context.Context, email string, fn func(*models.Coupon) error) (*models.Coupon, error) {
	key := s.couponKey(email)
	var updated *models.Coupon
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		c, err := loadCoupon(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		}); err != nil {
			return err
		}
		updated = c
		return nil
	}, key)
	if err != nil {
		return nil, translateRedis(err)
	}
	return updated, nil
}

func (s *RedisStore) FindReferral(ctx context.Context, code, email string) (*models.Referral, error) {
	return loadJSON[models.Referral](ctx, s.client, s.referralKey(code, email))
}

func (s *RedisStore) FindAnchorByEmail(ctx context.Context, email string) (*models.Referral, error) {
	code, err := s.client.Get(ctx, s.anchorEmailKey(email)).Result()
	if err != nil {
		return nil, translateRedis(err)
	}
	return s.FindReferral(ctx, code, email)
}

func (s *RedisStore) FindAnchorByCode(ctx context.Context, code string) (*models.Referral, error) {
	referrer, err := s.client.Get(ctx, s.anchorCodeKey(code)).Result()
	if err != nil {
		return nil, translateRedis(err)
	}
	return s.FindReferral(ctx, code, referrer)
}

func (s *RedisStore) FindRefereeReferral(ctx context.Context, email string) (*models.Referral, error) {
	code, err := s.client.Get(ctx, s.refereeKey(email)).Result()
	if err != nil {
		return nil, translateRedis(err)
	}
	return s.FindReferral(ctx, code, email)
}

func (s *RedisStore) CreateReferral(ctx context.Context, r *models.Referral) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	key := s.referralKey(r.Code, r.Email)

	var res int
	if r.Anchor {
		res, err = createAnchorScript.Run(ctx, s.client,
			[]string{key, s.anchorEmailKey(r.ReferrerEmail), s.anchorCodeKey(r.Code), s.orderKey()},
			data, r.Code, r.ReferrerEmail).Int()
	} else {
		res, err = createRefereeScript.Run(ctx, s.client,
			[]string{key, s.refereeKey(r.Email), s.orderKey()},
			data, r.Code).Int()
	}
	if err != nil {
		return err
	}
	return scriptResult(res)
}

func (s *RedisStore) UpdateReferral(ctx context.Context, code, email string, fn func(*models.Referral) error) (*models.Referral, error) {
	key := s.referralKey(code, email)
	var updated *models.Referral
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		r, err := loadJSON[models.Referral](ctx, tx, key)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		}); err != nil {
			return err
		}
		updated = r
		return nil
	}, key)
	if err != nil {
		return nil, translateRedis(err)
	}
	return updated, nil
}

func (s *RedisStore) ListReferrals(ctx context.Context) ([]models.Referral, error) {
	keys, err := s.client.LRange(ctx, s.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []models.Referral{}, nil
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	records := make([]models.Referral, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var r models.Referral
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", keys[i], err)
		}
		records = append(records, r)
	}
	return records, nil
}

func (s *RedisStore) ConvertReferral(ctx context.Context, code, email, referrerEmail string,
	mark func(*models.Referral) error, credit func(*models.Coupon) error) (*models.Referral, *models.Coupon, error) {
	refKey := s.referralKey(code, email)
	couponKey := s.couponKey(referrerEmail)

	var (
		referral *models.Referral
		coupon   *models.Coupon
	)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		r, err := loadJSON[models.Referral](ctx, tx, refKey)
		if err != nil {
			return err
		}
		c, err := loadCoupon(ctx, tx, couponKey)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		if err := mark(r); err != nil {
			return err
		}
		if err := credit(c); err != nil {
			return err
		}

		refData, err := json.Marshal(r)
		if err != nil {
			return err
		}
		var couponData []byte
		if c != nil {
			if couponData, err = json.Marshal(c); err != nil {
				return err
			}
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, refKey, refData, 0)
			if c != nil {
				pipe.Set(ctx, couponKey, couponData, 0)
			}
			return nil
		}); err != nil {
			return err
		}
		referral, coupon = r, c
		return nil
	}, refKey, couponKey)
	if err != nil {
		return nil, nil, translateRedis(err)
	}
	return referral, coupon, nil
}

func (s *RedisStore) scanKeys(ctx context.Context, pattern string, fn func(key string) error) error {
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Migrate rewrites coupons stored in an older layout.
func (s *RedisStore) Migrate(ctx context.Context) error {
	upgraded := 0
	err := s.scanKeys(ctx, s.prefix+"coupon:email:*", func(key string) error {
		return s.client.Watch(ctx, func(tx *redis.Tx) error {
			c, err := loadJSON[models.Coupon](ctx, tx, key)
			if err != nil {
				return err
			}
			if !c.Upgrade() {
				return nil
			}
			data, err := json.Marshal(c)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			if err == nil {
				upgraded++
			}
			return err
		}, key)
	})
	if err != nil {
		return fmt.Errorf("failed to upgrade coupon records: %w", translateRedis(err))
	}
	if upgraded > 0 {
		log.WithField("count", upgraded).Info("[STORE] Upgraded legacy coupon records")
	}
	return nil
}

func (s *RedisStore) Reset(ctx context.Context) error {
	var keys []string
	if err := s.scanKeys(ctx, s.prefix+"*", func(key string) error {
		keys = append(keys, key)
		return nil
	}); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
