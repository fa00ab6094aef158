package storage

import (
	"context"
	"errors"
	"fmt"

	"petition-rewards/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore keeps coupons and referrals in PostgreSQL. Atomic updates lock the row
// with SELECT ... FOR UPDATE inside a transaction.
type GormStore struct {
	DB *gorm.DB
}

// OpenPostgres connects to dsn and returns a migrated GormStore.
func OpenPostgres(ctx context.Context, dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError:         true,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s := NewGormStore(db)
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// NewGormStore wraps an open connection. The caller is responsible for Migrate.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{DB: db}
}

// Migrate creates the tables and upgrades coupons written by older releases.
func (s *GormStore) Migrate(ctx context.Context) error {
	db := s.DB.WithContext(ctx)
	if err := db.AutoMigrate(&models.Coupon{}, &models.Referral{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return s.upgradeLegacyCoupons(ctx)
}

// upgradeLegacyCoupons clamps counters and fills the tier on rows below CouponSchemaVersion.
func (s *GormStore) upgradeLegacyCoupons(ctx context.Context) error {
	res := s.DB.WithContext(ctx).Model(&models.Coupon{}).
		Where("schema_version < ?", models.CouponSchemaVersion).
		Updates(map[string]interface{}{
			"referral_bonuses":      gorm.Expr("LEAST(GREATEST(referral_bonuses, 0), ?)", models.MaxReferralBonus),
			"generations_remaining": gorm.Expr("GREATEST(generations_remaining, 0)"),
			"level":                 gorm.Expr("COALESCE(NULLIF(level, ''), ?)", models.LevelBasic),
			"schema_version":        models.CouponSchemaVersion,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to upgrade coupon records: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		log.WithField("count", res.RowsAffected).Info("[STORE] Upgraded legacy coupon records")
	}
	return nil
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrAlreadyExists
	default:
		return err
	}
}

func (s *GormStore) GetCoupon(ctx context.Context, email string) (*models.Coupon, error) {
	var c models.Coupon
	if err := s.DB.WithContext(ctx).Where("email = ?", email).First(&c).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (s *GormStore) FindCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	var c models.Coupon
	if err := s.DB.WithContext(ctx).Where("code = ?", code).First(&c).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (s *GormStore) CreateCoupon(ctx context.Context, c *models.Coupon) error {
	err := translate(s.DB.WithContext(ctx).Create(c).Error)
	if !errors.Is(err, ErrAlreadyExists) {
		return err
	}
	// The duplicate is either the email or the code; tell them apart.
	if _, getErr := s.GetCoupon(ctx, c.Email); getErr == nil {
		return ErrAlreadyExists
	}
	return ErrCodeTaken
}

func (s *GormStore) UpdateCoupon(ctx context.Context, email string, fn func(*models.Coupon) error) (*models.Coupon, error) {
	var updated models.Coupon
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("email = ?", email).
			First(&updated).Error; err != nil {
			return translate(err)
		}
		if err := fn(&updated); err != nil {
			return err
		}
		return tx.Save(&updated).Error
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *GormStore) findReferral(ctx context.Context, query string, args ...interface{}) (*models.Referral, error) {
	var r models.Referral
	if err := s.DB.WithContext(ctx).Where(query, args...).First(&r).Error; err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

func (s *GormStore) FindAnchorByEmail(ctx context.Context, email string) (*models.Referral, error) {
	return s.findReferral(ctx, "referrer_email = ? AND anchor = ?", email, true)
}

func (s *GormStore) FindAnchorByCode(ctx context.Context, code string) (*models.Referral, error) {
	return s.findReferral(ctx, "code = ? AND anchor = ?", code, true)
}

func (s *GormStore) FindReferral(ctx context.Context, code, email string) (*models.Referral, error) {
	return s.findReferral(ctx, "code = ? AND email = ?", code, email)
}

func (s *GormStore) FindRefereeReferral(ctx context.Context, email string) (*models.Referral, error) {
	return s.findReferral(ctx, "email = ? AND anchor = ?", email, false)
}

func (s *GormStore) CreateReferral(ctx context.Context, r *models.Referral) error {
	err := translate(s.DB.WithContext(ctx).Create(r).Error)
	if !errors.Is(err, ErrAlreadyExists) || !r.Anchor {
		return err
	}
	if _, getErr := s.FindAnchorByEmail(ctx, r.ReferrerEmail); getErr == nil {
		return ErrAlreadyExists
	}
	return ErrCodeTaken
}

func (s *GormStore) UpdateReferral(ctx context.Context, code, email string, fn func(*models.Referral) error) (*models.Referral, error) {
	var updated models.Referral
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("code = ? AND email = ?", code, email).
			First(&updated).Error; err != nil {
			return translate(err)
		}
		if err := fn(&updated); err != nil {
			return err
		}
		return tx.Save(&updated).Error
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *GormStore) ListReferrals(ctx context.Context) ([]models.Referral, error) {
	var records []models.Referral
	if err := s.DB.WithContext(ctx).Order("created_at ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (s *GormStore) ConvertReferral(ctx context.Context, code, email, referrerEmail string,
	mark func(*models.Referral) error, credit func(*models.Coupon) error) (*models.Referral, *models.Coupon, error) {
	var (
		referral models.Referral
		coupon   *models.Coupon
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("code = ? AND email = ?", code, email).
			First(&referral).Error; err != nil {
			return translate(err)
		}

		var existing models.Coupon
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("email = ?", referrerEmail).
			First(&existing).Error
		switch {
		case err == nil:
			coupon = &existing
		case errors.Is(err, gorm.ErrRecordNotFound):
			coupon = nil
		default:
			return err
		}

		if err := mark(&referral); err != nil {
			return err
		}
		if err := credit(coupon); err != nil {
			return err
		}

		if err := tx.Save(&referral).Error; err != nil {
			return err
		}
		if coupon != nil {
			return tx.Save(coupon).Error
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &referral, coupon, nil
}

func (s *GormStore) Reset(ctx context.Context) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		global := tx.Session(&gorm.Session{AllowGlobalUpdate: true})
		if err := global.Delete(&models.Referral{}).Error; err != nil {
			return err
		}
		return global.Delete(&models.Coupon{}).Error
	})
}

func (s *GormStore) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
