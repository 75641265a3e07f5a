package subscription

// Period is the custom type to define the billing period of a subscription
type Period string

// Defining the billing periods a plan can be sold with
const (
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodYear  Period = "year"
)

// DeliveriesPerMonth is the fixed number of weekly deliveries assumed
// for a monthly billing period. Weekly and yearly periods count actual
// calendar weeks instead; the mismatch is long-standing billing policy
// and must not be unified without product sign-off.
const DeliveriesPerMonth = 4
