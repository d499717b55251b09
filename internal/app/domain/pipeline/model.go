package pipeline

import "time"

// Record tracks the goods a paid order is expected to deliver. Records are
// keyed by (environment, owner, location, intent reference); writing the same
// key again replaces the previous record.
type Record struct {
	Environment  string
	OwnerAddress string
	LocationID   string
	IntentRef    string
	Items        []Item
	Arrived      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Item is one expected delivery line.
type Item struct {
	SKU        string
	Units      int64
	SupplierID string
	ETA        time.Time
}

// Open reports whether the record still has deliveries outstanding at now.
// A record counts as arrived once its flag is set or every line's ETA has
// passed.
func (r Record) Open(now time.Time) bool {
	if r.Arrived {
		return false
	}
	for _, it := range r.Items {
		if it.ETA.After(now) {
			return true
		}
	}
	return false
}
