package inventory

import "time"

// Item is a stocked good tracked for a restaurant location. OnHand never goes
// negative; planning treats unknown prices as unpriceable rather than zero.
type Item struct {
	SKU             string
	Name            string
	Category        string
	Unit            string
	OnHand          int64
	ParLevel        int64
	DailyUsageUnits float64
	UnitCostUSD     float64
	PriceUSD        float64
	UpdatedAt       time.Time
}

// UnitPriceUSD returns the planning price for the item: the unit cost when
// set, otherwise the fallback price. The second return is false when neither
// is set, which excludes the item from payable transfers.
func (i Item) UnitPriceUSD() (float64, bool) {
	if i.UnitCostUSD > 0 {
		return i.UnitCostUSD, true
	}
	if i.PriceUSD > 0 {
		return i.PriceUSD, true
	}
	return 0, false
}

// Supplier is a payable vendor for one or more SKUs.
type Supplier struct {
	ID            string
	Name          string
	PayoutAddress string
	LeadTimeDays  int
	MinOrderUSD   float64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
