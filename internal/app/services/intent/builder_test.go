package intent

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	domain "github.com/stockpot-labs/supply_layer/internal/app/domain/intent"
	"github.com/stockpot-labs/supply_layer/internal/app/domain/inventory"
	"github.com/stockpot-labs/supply_layer/internal/app/domain/plan"
	"github.com/stockpot-labs/supply_layer/internal/app/storage"
)

func buildScope() storage.Scope {
	return storage.Scope{
		Environment:  "testing",
		OwnerAddress: "0xAbC0000000000000000000000000000000000001",
		LocationID:   "loc-1",
	}
}

func catalogState() State {
	return State{
		Items: []inventory.Item{
			{SKU: "beef-5kg", Name: "Beef", UnitCostUSD: 10},
			{SKU: "oil-5l", Name: "Oil", PriceUSD: 8.5},
			{SKU: "napkins", Name: "Napkins"},
		},
		Suppliers: []inventory.Supplier{
			{ID: "meatco", Name: "MeatCo", PayoutAddress: "0x00000000000000000000000000000000000000A1"},
			{ID: "drygoods", Name: "DryGoods", PayoutAddress: "0x00000000000000000000000000000000000000B2", MinOrderUSD: 100},
		},
	}
}

func TestBuildSingleTransfer(t *testing.T) {
	cand := plan.Candidate{Orders: []plan.Order{
		{SupplierID: "meatco", Items: []plan.OrderItem{{SKU: "beef-5kg", Quantity: 7}}},
	}}

	out, err := Build(catalogState(), cand, Options{Scope: buildScope(), Now: time.Unix(1700000000, 0)})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(out.Transfers) != 1 {
		t.Fatalf("expected one transfer, got %d", len(out.Transfers))
	}
	tr := out.Transfers[0]
	if tr.PayoutAddress != "0x00000000000000000000000000000000000000A1" {
		t.Fatalf("unexpected payout address %s", tr.PayoutAddress)
	}
	if tr.AmountCents != 7000 || tr.AmountUSD != 70 {
		t.Fatalf("expected $70 transfer, got cents=%d usd=%v", tr.AmountCents, tr.AmountUSD)
	}
	if len(tr.Lines) != 1 || tr.Lines[0].SubtotalCents != 7000 {
		t.Fatalf("unexpected lines: %+v", tr.Lines)
	}
	if out.TotalCents != 7000 {
		t.Fatalf("expected total 7000 cents, got %d", out.TotalCents)
	}
	if len(out.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", out.Warnings)
	}
	if !strings.HasPrefix(out.Ref, "0x") || len(out.Ref) != 66 {
		t.Fatalf("expected 32-byte hex reference, got %q", out.Ref)
	}
}

func TestBuildRejectsPlanWithNoPayableLines(t *testing.T) {
	// the only line resolves to an unpriced item, so nothing is payable
	cand := plan.Candidate{Orders: []plan.Order{
		{SupplierID: "meatco", Items: []plan.OrderItem{{SKU: "napkins", Quantity: 3}}},
	}}

	_, err := Build(catalogState(), cand, Options{Scope: buildScope()})
	if !errors.Is(err, ErrNoPayableTransfers) {
		t.Fatalf("expected ErrNoPayableTransfers, got %v", err)
	}
	var npe *NoPayableError
	if !errors.As(err, &npe) || len(npe.Warnings) == 0 {
		t.Fatalf("expected warnings explaining the drop, got %v", err)
	}
}

func TestBuildSkipsUnknownSuppliersAndSKUs(t *testing.T) {
	cand := plan.Candidate{Orders: []plan.Order{
		{SupplierID: "ghost", Items: []plan.OrderItem{{SKU: "beef-5kg", Quantity: 2}}},
		{SupplierID: "meatco", Items: []plan.OrderItem{
			{SKU: "no-such-sku", Quantity: 2},
			{SKU: "beef-5kg", Quantity: 2},
		}},
	}}

	out, err := Build(catalogState(), cand, Options{Scope: buildScope()})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(out.Transfers) != 1 || out.Transfers[0].SupplierID != "meatco" {
		t.Fatalf("expected only the meatco transfer, got %+v", out.Transfers)
	}
	if out.Transfers[0].AmountCents != 2000 {
		t.Fatalf("expected $20, got %d cents", out.Transfers[0].AmountCents)
	}
	if len(out.Warnings) != 2 {
		t.Fatalf("expected warnings for ghost supplier and unknown sku, got %v", out.Warnings)
	}
}

func TestBuildSkipsSuppliersWithoutPayoutAddress(t *testing.T) {
	state := catalogState()
	state.Suppliers = append(state.Suppliers, inventory.Supplier{ID: "cashonly", Name: "CashOnly"})
	cand := plan.Candidate{Orders: []plan.Order{
		{SupplierID: "cashonly", Items: []plan.OrderItem{{SKU: "beef-5kg", Quantity: 5}}},
	}}

	_, err := Build(state, cand, Options{Scope: buildScope()})
	if !errors.Is(err, ErrNoPayableTransfers) {
		t.Fatalf("expected ErrNoPayableTransfers, got %v", err)
	}
	var npe *NoPayableError
	if !errors.As(err, &npe) || len(npe.Warnings) != 1 {
		t.Fatalf("expected a payout-address warning, got %v", err)
	}
}

func TestBuildUsesFallbackPrice(t *testing.T) {
	cand := plan.Candidate{Orders: []plan.Order{
		{SupplierID: "meatco", Items: []plan.OrderItem{{SKU: "oil-5l", Quantity: 2}}},
	}}

	out, err := Build(catalogState(), cand, Options{Scope: buildScope()})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if out.Transfers[0].AmountCents != 1700 {
		t.Fatalf("expected fallback price 8.50 to apply, got %d cents", out.Transfers[0].AmountCents)
	}
}

func TestBuildMergesOrdersPerSupplier(t *testing.T) {
	cand := plan.Candidate{Orders: []plan.Order{
		{SupplierID: "meatco", Items: []plan.OrderItem{{SKU: "beef-5kg", Quantity: 1}}},
		{SupplierID: "drygoods", Items: []plan.OrderItem{{SKU: "oil-5l", Quantity: 1}}},
		{SupplierID: "meatco", Items: []plan.OrderItem{{SKU: "oil-5l", Quantity: 2}}},
	}}

	out, err := Build(catalogState(), cand, Options{Scope: buildScope()})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(out.Transfers) != 2 {
		t.Fatalf("expected two transfers, got %d", len(out.Transfers))
	}
	// transfers keep first-appearance order
	if out.Transfers[0].SupplierID != "meatco" || out.Transfers[1].SupplierID != "drygoods" {
		t.Fatalf("unexpected transfer order: %+v", out.Transfers)
	}
	if len(out.Transfers[0].Lines) != 2 {
		t.Fatalf("expected merged meatco lines, got %+v", out.Transfers[0].Lines)
	}
}

func TestBuildWarnsBelowSupplierMinimum(t *testing.T) {
	cand := plan.Candidate{Orders: []plan.Order{
		{SupplierID: "drygoods", Items: []plan.OrderItem{{SKU: "oil-5l", Quantity: 1}}},
	}}

	out, err := Build(catalogState(), cand, Options{Scope: buildScope()})
	if err != nil {
		t.Fatalf("build must not fail on minimum shortfall: %v", err)
	}
	if len(out.Warnings) != 1 || !strings.Contains(out.Warnings[0], "minimum") {
		t.Fatalf("expected a minimum-order warning, got %v", out.Warnings)
	}
	if len(out.Transfers) != 1 {
		t.Fatalf("transfer below minimum must still be payable, got %+v", out.Transfers)
	}
}

func TestBuildRoundsLineSubtotals(t *testing.T) {
	state := State{
		Items:     []inventory.Item{{SKU: "spice", UnitCostUSD: 3.333}},
		Suppliers: []inventory.Supplier{{ID: "meatco", Name: "MeatCo", PayoutAddress: "0xA1"}},
	}
	cand := plan.Candidate{Orders: []plan.Order{
		{SupplierID: "meatco", Items: []plan.OrderItem{{SKU: "spice", Quantity: 3}}},
	}}

	out, err := Build(state, cand, Options{Scope: buildScope()})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if out.Transfers[0].AmountCents != 1000 {
		t.Fatalf("expected 9.999 to round to 1000 cents, got %d", out.Transfers[0].AmountCents)
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	cand := plan.Candidate{Orders: []plan.Order{
		{SupplierID: "meatco", Items: []plan.OrderItem{
			{SKU: "beef-5kg", Quantity: 7},
			{SKU: "oil-5l", Quantity: 2},
		}},
	}}
	opts := Options{Scope: buildScope(), Now: time.Unix(1700000000, 0)}

	first, err := Build(catalogState(), cand, opts)
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	second, err := Build(catalogState(), cand, opts)
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("builds differ:\n%+v\n%+v", first, second)
	}
	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Fatalf("serialized intents differ")
	}
	if first.ID == "" || first.ID != second.ID || first.Ref != second.Ref {
		t.Fatalf("intent identity not stable: %s vs %s", first.ID, second.ID)
	}
}

func TestBuildSetsPendingWindow(t *testing.T) {
	cand := plan.Candidate{Orders: []plan.Order{
		{SupplierID: "meatco", Items: []plan.OrderItem{{SKU: "beef-5kg", Quantity: 1}}},
	}}
	now := time.Unix(1700000000, 0)

	out, err := Build(catalogState(), cand, Options{Scope: buildScope(), Now: now})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := out.PendingUntil.Sub(out.CreatedAt); got != DefaultPendingWindow {
		t.Fatalf("expected default pending window, got %s", got)
	}

	out, err = Build(catalogState(), cand, Options{Scope: buildScope(), Now: now, PendingWindow: time.Hour})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := out.PendingUntil.Sub(out.CreatedAt); got != time.Hour {
		t.Fatalf("expected 1h pending window, got %s", got)
	}
}
