package sweep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/soilsync/vegbox/customer"
	"github.com/soilsync/vegbox/gateway"
	"github.com/soilsync/vegbox/notify"
	"github.com/soilsync/vegbox/subscription"
)

// fakeStore keeps subscriptions in memory behind per-id mutexes so
// LambdaUpdate has the same exclusion guarantee as the row lock in
// production. The selection queries mirror the SQL filters.
type fakeStore struct {
	mu         sync.Mutex
	rows       map[string]subscription.Subscription
	rowLocks   map[string]*sync.Mutex
	maxRetries int
}

func newFakeStore(maxRetries int) *fakeStore {
	return &fakeStore{
		rows:       make(map[string]subscription.Subscription),
		rowLocks:   make(map[string]*sync.Mutex),
		maxRetries: maxRetries,
	}
}

func (f *fakeStore) put(sub subscription.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[sub.ID] = sub
	if _, ok := f.rowLocks[sub.ID]; !ok {
		f.rowLocks[sub.ID] = &sync.Mutex{}
	}
}

func (f *fakeStore) get(id string) subscription.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id]
}

func (f *fakeStore) GetByID(ctx context.Context, id string) (*subscription.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, nil
	}
	copied := row
	return &copied, nil
}

func (f *fakeStore) LambdaUpdate(ctx context.Context, id string, lambda subscription.LambdaUpdateFunc) (*subscription.Subscription, error) {
	f.mu.Lock()
	rowLock, ok := f.rowLocks[id]
	f.mu.Unlock()
	if !ok {
		lambda(nil, nil)
		return nil, nil
	}

	rowLock.Lock()
	defer rowLock.Unlock()

	f.mu.Lock()
	current := f.rows[id]
	f.mu.Unlock()

	desired := current
	if !lambda(&current, &desired) {
		return nil, nil
	}
	if err := desired.CheckInvariants(f.maxRetries); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.rows[id] = desired
	f.mu.Unlock()
	return &desired, nil
}

func (f *fakeStore) DueForRenewal(ctx context.Context, horizonEnd time.Time) ([]subscription.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	results := make([]subscription.Subscription, 0)
	for _, row := range f.rows {
		if row.CanceledAt != nil || row.SkipAutoRenewal || row.NextBillingAt == nil {
			continue
		}
		if row.NextBillingAt.After(horizonEnd) {
			continue
		}
		results = append(results, row)
	}
	return results, nil
}

func (f *fakeStore) ReadyForRetry(ctx context.Context, now time.Time, maxRetries int) ([]subscription.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	results := make([]subscription.Subscription, 0)
	for _, row := range f.rows {
		if row.CanceledAt != nil || row.FailedPaymentCount == 0 || row.FailedPaymentCount > maxRetries {
			continue
		}
		if row.GracePeriodEndsAt != nil {
			continue
		}
		if row.NextRetryAt != nil && row.NextRetryAt.After(now) {
			continue
		}
		results = append(results, row)
	}
	return results, nil
}

func (f *fakeStore) GraceExpired(ctx context.Context, now time.Time) ([]subscription.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	results := make([]subscription.Subscription, 0)
	for _, row := range f.rows {
		if row.CanceledAt != nil || row.GracePeriodEndsAt == nil {
			continue
		}
		if row.GracePeriodEndsAt.After(now) {
			continue
		}
		results = append(results, row)
	}
	return results, nil
}

func (f *fakeStore) ActiveForClosure(ctx context.Context) ([]subscription.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	results := make([]subscription.Subscription, 0)
	for _, row := range f.rows {
		if row.CanceledAt != nil || row.SkipAutoRenewal || row.NextBillingAt == nil {
			continue
		}
		results = append(results, row)
	}
	return results, nil
}

func (f *fakeStore) DeferredForClosure(ctx context.Context) ([]subscription.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	results := make([]subscription.Subscription, 0)
	for _, row := range f.rows {
		if row.CanceledAt != nil || !row.SkipAutoRenewal || row.NextBillingAt == nil {
			continue
		}
		results = append(results, row)
	}
	return results, nil
}

var _ Store = &fakeStore{}

// fakeGateway approves or declines per configured subscriber and
// counts every charge attempt
type fakeGateway struct {
	mu       sync.Mutex
	declines map[string]gateway.ChargeResult
	calls    map[string]int
	seq      int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		declines: make(map[string]gateway.ChargeResult),
		calls:    make(map[string]int),
	}
}

func (g *fakeGateway) declineAll(ref customer.Ref, code, msg string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.declines[ref.String()] = gateway.ChargeResult{
		Success:      false,
		ErrorCode:    code,
		ErrorMessage: msg,
	}
}

func (g *fakeGateway) approveAll(ref customer.Ref) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.declines, ref.String())
}

func (g *fakeGateway) chargeCount(ref customer.Ref) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[ref.String()]
}

func (g *fakeGateway) totalCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := 0
	for _, n := range g.calls {
		total += n
	}
	return total
}

func (g *fakeGateway) Charge(ctx context.Context, ref customer.Ref, amount decimal.Decimal, currency string) (gateway.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[ref.String()]++
	if result, ok := g.declines[ref.String()]; ok {
		return result, nil
	}
	g.seq++
	return gateway.ChargeResult{
		Success:       true,
		TransactionID: fmt.Sprintf("txn_%d", g.seq),
	}, nil
}

var _ gateway.Gateway = &fakeGateway{}

// fakeNotifier records every event it is handed
type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *fakeNotifier) Notify(ctx context.Context, event notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *fakeNotifier) byKind(kind notify.Kind) []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	matched := make([]notify.Event, 0)
	for _, e := range n.events {
		if e.Kind == kind {
			matched = append(matched, e)
		}
	}
	return matched
}

var _ notify.Notifier = &fakeNotifier{}

// fakeRecorder records ledger calls in memory
type recordedEntry struct {
	SubscriptionID string
	TransactionID  string
	Amount         decimal.Decimal
	Reason         string
	Refund         bool
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []recordedEntry
}

func (r *fakeRecorder) RecordRenewal(ctx context.Context, subscriptionID, transactionID string, amount decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, recordedEntry{
		SubscriptionID: subscriptionID,
		TransactionID:  transactionID,
		Amount:         amount,
	})
	return nil
}

func (r *fakeRecorder) RecordRefund(ctx context.Context, subscriptionID string, amount decimal.Decimal, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, recordedEntry{
		SubscriptionID: subscriptionID,
		Amount:         amount,
		Reason:         reason,
		Refund:         true,
	})
	return nil
}

func (r *fakeRecorder) refunds() []recordedEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	matched := make([]recordedEntry, 0)
	for _, e := range r.entries {
		if e.Refund {
			matched = append(matched, e)
		}
	}
	return matched
}

func (r *fakeRecorder) renewals() []recordedEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	matched := make([]recordedEntry, 0)
	for _, e := range r.entries {
		if !e.Refund {
			matched = append(matched, e)
		}
	}
	return matched
}
