package intent

import "time"

// Broadcast outcome statuses.
const (
	OutcomeSubmitted = "submitted"
	OutcomeFailed    = "failed"
)

// How an intent reached the ledger.
const (
	ModePaid     = "paid"
	ModeProposed = "proposed"
)

// Intent is a priced, validated payment plan derived from a candidate reorder
// plan. Amounts are carried in integer cents; USD floats are for display.
type Intent struct {
	ID           string
	Ref          string
	Environment  string
	OwnerAddress string
	LocationID   string
	CreatedAt    time.Time
	PendingUntil time.Time
	Transfers    []Transfer
	TotalCents   int64
	TotalUSD     float64
	Warnings     []string
}

// Transfer is one supplier payout within an intent.
type Transfer struct {
	SupplierID    string
	SupplierName  string
	PayoutAddress string
	AmountCents   int64
	AmountUSD     float64
	Lines         []Line
}

// Line is one priced reorder line inside a transfer.
type Line struct {
	SKU           string
	Quantity      int64
	UnitCostUSD   float64
	SubtotalCents int64
	SubtotalUSD   float64
}

// Record is the durable row for an intent reference. At most one record ever
// exists per (environment, owner, location, reference); re-submissions of the
// same reference are rejected, not re-applied.
type Record struct {
	Environment  string
	OwnerAddress string
	LocationID   string
	IntentRef    string
	IntentID     string
	Mode         string
	TotalCents   int64
	TotalUSD     float64
	PendingUntil time.Time
	Transfers    []Transfer
	Outcomes     []TransferOutcome
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TransferOutcome is the per-transfer broadcast result. A failed transfer
// carries the error text; a submitted one carries the transaction hash.
type TransferOutcome struct {
	SupplierID    string
	PayoutAddress string
	AmountCents   int64
	AmountUSD     float64
	TxHash        string
	Status        string
	Error         string
}
