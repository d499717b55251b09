// Package intent converts candidate reorder plans into priced, validated
// payment intents. Building is pure: the same catalog, plan, and clock always
// produce byte-identical output, including the intent id and reference.
package intent

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"

	domain "github.com/stockpot-labs/supply_layer/internal/app/domain/intent"
	"github.com/stockpot-labs/supply_layer/internal/app/domain/inventory"
	"github.com/stockpot-labs/supply_layer/internal/app/domain/plan"
	"github.com/stockpot-labs/supply_layer/internal/app/storage"
)

// ErrNoPayableTransfers is returned when nothing in the plan survives
// validation and pricing. An intent with zero transfers never exists.
var ErrNoPayableTransfers = errors.New("plan yields no payable transfers")

// DefaultPendingWindow is how long a built intent may wait for execution.
const DefaultPendingWindow = 24 * time.Hour

// NoPayableError carries the warnings explaining why every line was dropped.
// errors.Is(err, ErrNoPayableTransfers) matches it.
type NoPayableError struct {
	Warnings []string
}

func (e *NoPayableError) Error() string {
	return fmt.Sprintf("%v (%d warnings)", ErrNoPayableTransfers, len(e.Warnings))
}

func (e *NoPayableError) Is(target error) bool {
	return target == ErrNoPayableTransfers
}

// State is the catalog the builder resolves plans against.
type State struct {
	Items     []inventory.Item
	Suppliers []inventory.Supplier
}

// Options fix the inputs that would otherwise vary between runs.
type Options struct {
	Scope         storage.Scope
	Now           time.Time
	PendingWindow time.Duration
}

// Build prices a candidate plan into a payment intent. Unknown suppliers skip
// the whole order; unknown SKUs, missing prices, and non-positive quantities
// drop single lines. Every drop adds a warning. Transfers keep the plan's
// supplier order; lines keep the plan's line order. Amounts accumulate in
// integer cents, so building never loses sub-cent value to float drift.
func Build(state State, cand plan.Candidate, opts Options) (domain.Intent, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	window := opts.PendingWindow
	if window <= 0 {
		window = DefaultPendingWindow
	}

	items := make(map[string]inventory.Item, len(state.Items))
	for _, it := range state.Items {
		items[it.SKU] = it
	}
	suppliers := make(map[string]inventory.Supplier, len(state.Suppliers))
	for _, sup := range state.Suppliers {
		suppliers[sup.ID] = sup
	}

	var (
		warnings  []string
		transfers []domain.Transfer
		index     = make(map[string]int)
	)

	for _, order := range cand.Orders {
		sup, ok := suppliers[order.SupplierID]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("unknown supplier %q: order skipped", order.SupplierID))
			continue
		}
		if strings.TrimSpace(sup.PayoutAddress) == "" {
			warnings = append(warnings, fmt.Sprintf("supplier %q has no payout address: order skipped", order.SupplierID))
			continue
		}
		for _, line := range order.Items {
			if line.Quantity <= 0 {
				warnings = append(warnings, fmt.Sprintf("sku %q: non-positive quantity %d dropped", line.SKU, line.Quantity))
				continue
			}
			item, ok := items[line.SKU]
			if !ok {
				warnings = append(warnings, fmt.Sprintf("unknown sku %q: line dropped", line.SKU))
				continue
			}
			price, ok := item.UnitPriceUSD()
			if !ok {
				warnings = append(warnings, fmt.Sprintf("sku %q has no price: line dropped", line.SKU))
				continue
			}
			cents := int64(math.Round(float64(line.Quantity) * price * 100))
			if cents <= 0 {
				warnings = append(warnings, fmt.Sprintf("sku %q computes to $0: line dropped", line.SKU))
				continue
			}

			pos, ok := index[sup.ID]
			if !ok {
				pos = len(transfers)
				index[sup.ID] = pos
				transfers = append(transfers, domain.Transfer{
					SupplierID:    sup.ID,
					SupplierName:  sup.Name,
					PayoutAddress: sup.PayoutAddress,
				})
			}
			transfers[pos].Lines = append(transfers[pos].Lines, domain.Line{
				SKU:           line.SKU,
				Quantity:      line.Quantity,
				UnitCostUSD:   price,
				SubtotalCents: cents,
				SubtotalUSD:   centsToUSD(cents),
			})
			transfers[pos].AmountCents += cents
		}
	}

	payable := make([]domain.Transfer, 0, len(transfers))
	var totalCents int64
	for _, t := range transfers {
		if t.AmountCents <= 0 {
			continue
		}
		t.AmountUSD = centsToUSD(t.AmountCents)
		sup := suppliers[t.SupplierID]
		if sup.MinOrderUSD > 0 && t.AmountUSD < sup.MinOrderUSD {
			warnings = append(warnings, fmt.Sprintf(
				"transfer to %s is below the supplier minimum ($%.2f < $%.2f)",
				sup.Name, t.AmountUSD, sup.MinOrderUSD))
		}
		payable = append(payable, t)
		totalCents += t.AmountCents
	}

	if len(payable) == 0 {
		return domain.Intent{}, &NoPayableError{Warnings: warnings}
	}

	id := intentID(opts.Scope, payable, now)
	out := domain.Intent{
		ID:           id,
		Ref:          intentRef(opts.Scope, id),
		Environment:  opts.Scope.Environment,
		OwnerAddress: opts.Scope.OwnerAddress,
		LocationID:   opts.Scope.LocationID,
		CreatedAt:    now,
		PendingUntil: now.Add(window),
		Transfers:    payable,
		TotalCents:   totalCents,
		TotalUSD:     centsToUSD(totalCents),
		Warnings:     warnings,
	}
	return out, nil
}

func centsToUSD(cents int64) float64 {
	return float64(cents) / 100
}

// intentID derives a stable identifier from the scope, the payable transfers,
// and the build second.
func intentID(scope storage.Scope, transfers []domain.Transfer, now time.Time) string {
	h := sha3.NewLegacyKeccak256()
	fmt.Fprintf(h, "%s|%s|%s|%d\n", scope.Environment, strings.ToLower(scope.OwnerAddress), scope.LocationID, now.Unix())
	for _, t := range transfers {
		fmt.Fprintf(h, "%s|%s|%d\n", t.SupplierID, strings.ToLower(t.PayoutAddress), t.AmountCents)
		for _, l := range t.Lines {
			fmt.Fprintf(h, "%s|%d|%d\n", l.SKU, l.Quantity, l.SubtotalCents)
		}
	}
	sum := h.Sum(nil)
	return fmt.Sprintf("pi-%d-%s", now.Unix(), hex.EncodeToString(sum[:4]))
}

// intentRef derives the 32-byte on-chain reference for an intent id.
func intentRef(scope storage.Scope, id string) string {
	h := sha3.NewLegacyKeccak256()
	fmt.Fprintf(h, "%s|%s|%s|%s", scope.Environment, strings.ToLower(scope.OwnerAddress), scope.LocationID, id)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
