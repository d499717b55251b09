package plan

import "time"

// Purchasing strategies accepted from restaurant preferences.
const (
	StrategyConservative = "conservative"
	StrategyBalanced     = "balanced"
	StrategyAggressive   = "aggressive"
)

// KnownStrategy reports whether s names a supported purchasing strategy.
func KnownStrategy(s string) bool {
	switch s {
	case StrategyConservative, StrategyBalanced, StrategyAggressive:
		return true
	}
	return false
}

// Snapshot is the stock view handed to the planner. It is derived on demand
// from the catalog and the open pipeline and never persisted; two snapshots
// taken from identical inputs are identical.
type Snapshot struct {
	Environment  string
	OwnerAddress string
	LocationID   string
	TakenAt      time.Time
	HorizonDays  int
	Items        []SnapshotItem
}

// SnapshotItem is one SKU's position including pipeline goods arriving within
// the planning horizon.
type SnapshotItem struct {
	SKU             string
	Name            string
	Unit            string
	OnHand          int64
	PipelineUnits   int64
	EffectiveOnHand int64
	ParLevel        int64
	DailyUsageUnits float64
}

// Candidate is a reorder plan that survived the planner boundary: structure
// valid, quantities positive, strings trimmed. SKUs and supplier IDs are
// still unverified and must be resolved against the catalog before pricing.
type Candidate struct {
	Strategy    string
	HorizonDays int
	Orders      []Order
}

// Order groups proposed lines for a single supplier.
type Order struct {
	SupplierID string
	Items      []OrderItem
}

// OrderItem is one proposed reorder line.
type OrderItem struct {
	SKU      string
	Quantity int64
	Reason   string
}
