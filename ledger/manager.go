package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ManagerOptions describes the dependencies of the Manager
type ManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// Manager persists ledger entries in the database
type Manager struct {
	ManagerOptions
}

var _ Recorder = &Manager{}

// NewManager returns a new Manager for ledger entries
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Entry{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize ledger.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

func (m *Manager) RecordRenewal(ctx context.Context, subscriptionID, transactionID string, amount decimal.Decimal) error {
	entry := &Entry{
		ID:             shortuuid.New(),
		SubscriptionID: subscriptionID,
		Kind:           KindRenewal,
		TransactionID:  transactionID,
		Amount:         amount,
		CreatedAt:      time.Now(),
	}
	result := m.DB.WithContext(ctx).Create(entry)
	if result.Error != nil {
		m.Logger.Error("Unable to record renewal in ledger",
			zap.String("SubscriptionID", subscriptionID),
			zap.String("TransactionID", transactionID),
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot record renewal")
	}
	return nil
}

func (m *Manager) RecordRefund(ctx context.Context, subscriptionID string, amount decimal.Decimal, reason string) error {
	entry := &Entry{
		ID:             shortuuid.New(),
		SubscriptionID: subscriptionID,
		Kind:           KindRefund,
		Amount:         amount,
		Reason:         reason,
		CreatedAt:      time.Now(),
	}
	result := m.DB.WithContext(ctx).Create(entry)
	if result.Error != nil {
		m.Logger.Error("Unable to record refund in ledger",
			zap.String("SubscriptionID", subscriptionID),
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot record refund")
	}
	return nil
}

// ListBySubscription returns the ledger trail for one subscription,
// newest first. Used by the operator API.
func (m *Manager) ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]Entry, error) {
	baseQuery := m.DB.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("created_at desc")
	if limit > 0 {
		baseQuery = baseQuery.Limit(limit)
	}
	results := make([]Entry, 0, 1)
	result := baseQuery.Find(&results)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}
