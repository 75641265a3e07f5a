package notify

import (
	"context"
	"time"

	"github.com/soilsync/vegbox/customer"
)

// Kind is the custom type to define what a notification is about
type Kind string

// Defining the notification kinds emitted by the billing engine
const (
	KindReminderFirst  Kind = "reminder-1"
	KindReminderSecond Kind = "reminder-2"
	KindFinalWarning   Kind = "final-warning"
	KindCancelled      Kind = "cancelled"
	KindDailySummary   Kind = "daily-summary"
)

// Event describes a single notification to be delivered to a subscriber
// (or to the administrators, for the daily summary). ID is unique per
// dispatch; Cycle names the logical occurrence (retry attempt, grace
// deadline, summary day) and stays the same when the same notification
// is dispatched again, so the broker can suppress the duplicate.
type Event struct {
	ID             string                 `json:"id"`
	Kind           Kind                   `json:"kind"`
	Cycle          string                 `json:"cycle"`
	Subscriber     customer.Ref           `json:"subscriber"`
	SubscriptionID string                 `json:"subscriptionId"`
	OccurredAt     time.Time              `json:"occurredAt"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
}

// Notifier delivers notifications asynchronously. Delivery is
// best-effort: callers log errors and never let them affect billing state.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}
