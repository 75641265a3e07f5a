package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ManagerOptions describes the dependencies of the Manager
type ManagerOptions struct {
	DB         *gorm.DB
	Logger     *zap.Logger
	MaxRetries int
}

// Manager owns all reads and writes of subscription billing state
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for subscriptions
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.MaxRetries < 1 {
		return nil, fmt.Errorf("MaxRetries must be at least 1")
	}
	if err := option.DB.AutoMigrate(&Subscription{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize subscription.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

func (m *Manager) Create(ctx context.Context, sub *Subscription) error {
	if err := sub.Subscriber.Validate(); err != nil {
		return err
	}
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	result := m.DB.WithContext(ctx).Create(sub)
	if result.Error != nil {
		m.Logger.Error("Unable to create new subscription in database",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot create subscription")
	}
	return nil
}

func (m *Manager) GetByID(ctx context.Context, id string) (*Subscription, error) {
	var sub Subscription
	result := m.DB.WithContext(ctx).Where("id = ?", id).First(&sub)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription by id")
	}

	return &sub, nil
}

// ListOption filters the List query
type ListOption struct {
	SubscriberID string
	Before       time.Time
	Limit        int
}

func (m *Manager) List(ctx context.Context, opt ListOption) ([]Subscription, error) {
	baseQuery := m.DB.WithContext(ctx).Order("created_at desc")
	if len(opt.SubscriberID) > 0 {
		baseQuery = baseQuery.Where("subscriber_id = ?", opt.SubscriberID)
	}
	if opt.Limit > 0 {
		baseQuery = baseQuery.Limit(opt.Limit)
	}
	if !opt.Before.IsZero() {
		baseQuery = baseQuery.Where("created_at < ?", opt.Before)
	}

	results := make([]Subscription, 0, 1)
	result := baseQuery.Find(&results)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}

// DueForRenewal selects subscriptions whose next charge falls within
// the processing window and that the engine is allowed to charge.
func (m *Manager) DueForRenewal(ctx context.Context, horizonEnd time.Time) ([]Subscription, error) {
	results := make([]Subscription, 0, 1)
	result := m.DB.WithContext(ctx).
		Where("canceled_at IS NULL").
		Where("skip_auto_renewal = ?", false).
		Where("next_billing_at IS NOT NULL").
		Where("next_billing_at <= ?", horizonEnd).
		Order("next_billing_at asc").
		Find(&results)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}

// ReadyForRetry selects subscriptions in dunning whose backoff delay
// has elapsed and that have not yet entered the grace period.
func (m *Manager) ReadyForRetry(ctx context.Context, now time.Time, maxRetries int) ([]Subscription, error) {
	results := make([]Subscription, 0, 1)
	result := m.DB.WithContext(ctx).
		Where("canceled_at IS NULL").
		Where("failed_payment_count > 0").
		Where("failed_payment_count <= ?", maxRetries).
		Where("grace_period_ends_at IS NULL").
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Order("failed_payment_count asc").
		Order("last_payment_attempt_at asc").
		Find(&results)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}

// GraceExpired selects subscriptions whose grace deadline has passed.
func (m *Manager) GraceExpired(ctx context.Context, now time.Time) ([]Subscription, error) {
	results := make([]Subscription, 0, 1)
	result := m.DB.WithContext(ctx).
		Where("canceled_at IS NULL").
		Where("grace_period_ends_at IS NOT NULL").
		Where("grace_period_ends_at <= ?", now).
		Find(&results)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}

// ActiveForClosure selects every subscription a farm closure can
// affect: auto-billed and scheduled.
func (m *Manager) ActiveForClosure(ctx context.Context) ([]Subscription, error) {
	results := make([]Subscription, 0, 1)
	result := m.DB.WithContext(ctx).
		Where("canceled_at IS NULL").
		Where("skip_auto_renewal = ?", false).
		Where("next_billing_at IS NOT NULL").
		Order("next_billing_at asc").
		Find(&results)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}

// DeferredForClosure selects subscriptions parked by a closure
// deferral, so billing can be resumed and pro-rated prices restored.
func (m *Manager) DeferredForClosure(ctx context.Context) ([]Subscription, error) {
	results := make([]Subscription, 0, 1)
	result := m.DB.WithContext(ctx).
		Where("canceled_at IS NULL").
		Where("skip_auto_renewal = ?", true).
		Where("next_billing_at IS NOT NULL").
		Find(&results)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}

// LambdaUpdateFunc runs while the row lock is held. current and
// desired are nil when no subscription with the given id exists, and
// the lambda must return false in that case. The gateway call happens
// inside the lambda so the lock spans re-check, charge, and persist.
type LambdaUpdateFunc func(current *Subscription, desired *Subscription) (shouldSave bool)

// LambdaUpdate performs a transactional update under a pessimistic
// FOR UPDATE row lock. This is the mechanism that prevents two sweep
// workers from double-charging the same subscription: the second
// worker blocks until the first commits, then re-checks and skips.
// The lock is released on commit, rollback, or panic.
func (m *Manager) LambdaUpdate(ctx context.Context, id string, lambda LambdaUpdateFunc) (*Subscription, error) {
	var desired Subscription
	var shouldReturn bool
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Subscription
		lookupRes := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&current, "id = ?", id)
		if lookupRes.Error == nil {
			desired = current
			if lambda(&current, &desired) {
				if err := desired.CheckInvariants(m.MaxRetries); err != nil {
					return err
				}
				if saveRes := tx.Save(&desired); saveRes.Error != nil {
					return saveRes.Error
				}
				shouldReturn = true
			}
			return nil
		} else if errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			lambda(nil, nil)
			return nil
		}
		return lookupRes.Error
	}, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		// transaction failed, return nil new state
		return nil, err
	}
	if !shouldReturn {
		// shouldSave == false, return nil new state
		return nil, nil
	}
	// transaction succeed and shouldSave == true, return new state
	return &desired, nil
}
