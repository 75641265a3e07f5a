package customer

import "fmt"

// Kind discriminates how a subscriber reference is resolved
type Kind string

// A subscriber is either a first-class user of ours, or a legacy
// customer billed through the external shop and mirrored here
const (
	KindUser     Kind = "user"
	KindExternal Kind = "external"
)

// Ref is an opaque reference to the paying party of a subscription.
// The engine never dereferences it; the Notifier and Ledger do.
type Ref struct {
	Kind Kind   `json:"kind" gorm:"column:subscriber_kind"`
	ID   string `json:"id" gorm:"column:subscriber_id;index"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s", r.Kind, r.ID)
}

func (r Ref) Validate() error {
	switch r.Kind {
	case KindUser, KindExternal:
	default:
		return fmt.Errorf("unknown subscriber kind %q", r.Kind)
	}
	if len(r.ID) == 0 {
		return fmt.Errorf("empty subscriber id is invalid")
	}
	return nil
}
