package planning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/stockpot-labs/supply_layer/internal/app/domain/inventory"
	"github.com/stockpot-labs/supply_layer/internal/app/domain/plan"
	"github.com/stockpot-labs/supply_layer/internal/app/domain/restaurant"
)

// Planner errors. Timeout and malformed both mean "no plan this round";
// neither ever yields a partial plan. Unavailable means no planner backend is
// configured at all.
var (
	ErrPlannerTimeout     = errors.New("planner timed out")
	ErrPlannerMalformed   = errors.New("planner returned no usable plan")
	ErrPlannerUnavailable = errors.New("planner not configured")
)

// PlanRequest carries everything a planner may consider when drafting a
// reorder plan.
type PlanRequest struct {
	Snapshot    plan.Snapshot
	Preferences restaurant.Preferences
	Suppliers   []inventory.Supplier
}

// Planner drafts a reorder plan from a stock snapshot.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (plan.Candidate, error)
}

// PlannerFunc adapts a function to the Planner interface.
type PlannerFunc func(ctx context.Context, req PlanRequest) (plan.Candidate, error)

func (f PlannerFunc) Plan(ctx context.Context, req PlanRequest) (plan.Candidate, error) {
	if f == nil {
		return plan.Candidate{}, ErrPlannerUnavailable
	}
	return f(ctx, req)
}

// ParseCandidate validates raw planner text into a Candidate. The text is
// untrusted: items without a SKU or a positive quantity are dropped, string
// quantities are coerced, and prose around the JSON body is tolerated. If no
// payable order survives, ErrPlannerMalformed is returned and nothing of the
// response is used.
func ParseCandidate(raw, strategy string, horizonDays int) (plan.Candidate, error) {
	payload := extractJSON(raw)
	if !gjson.Valid(payload) {
		return plan.Candidate{}, fmt.Errorf("%w: response is not JSON", ErrPlannerMalformed)
	}

	orders := gjson.Get(payload, "orders")
	if !orders.IsArray() {
		return plan.Candidate{}, fmt.Errorf("%w: missing orders array", ErrPlannerMalformed)
	}

	cand := plan.Candidate{Strategy: strategy, HorizonDays: horizonDays}
	for _, rawOrder := range orders.Array() {
		supplierID := strings.TrimSpace(rawOrder.Get("supplier_id").String())
		if supplierID == "" {
			supplierID = strings.TrimSpace(rawOrder.Get("supplier").String())
		}
		order := plan.Order{SupplierID: supplierID}
		for _, rawItem := range rawOrder.Get("items").Array() {
			sku := strings.TrimSpace(rawItem.Get("sku").String())
			qty := rawItem.Get("quantity").Int()
			if sku == "" || qty <= 0 {
				continue
			}
			order.Items = append(order.Items, plan.OrderItem{
				SKU:      sku,
				Quantity: qty,
				Reason:   strings.TrimSpace(rawItem.Get("reason").String()),
			})
		}
		if order.SupplierID == "" || len(order.Items) == 0 {
			continue
		}
		cand.Orders = append(cand.Orders, order)
	}

	if len(cand.Orders) == 0 {
		return plan.Candidate{}, fmt.Errorf("%w: no orders with positive quantities", ErrPlannerMalformed)
	}
	return cand, nil
}

// extractJSON pulls the JSON object out of planner prose and code fences.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if idx := strings.Index(raw, "```"); idx >= 0 {
		rest := raw[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			raw = rest[:end]
		} else {
			raw = rest
		}
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}
