package restaurants

import (
	"context"
	"errors"
	"testing"

	"github.com/stockpot-labs/supply_layer/internal/app/domain/inventory"
	"github.com/stockpot-labs/supply_layer/internal/app/domain/plan"
	"github.com/stockpot-labs/supply_layer/internal/app/domain/restaurant"
	"github.com/stockpot-labs/supply_layer/internal/app/storage"
	"github.com/stockpot-labs/supply_layer/internal/app/storage/memory"
)

const testOwner = "0xAbC0000000000000000000000000000000000001"

func newTestService() *Service {
	store := memory.New()
	return New(store, store, nil)
}

func register(t *testing.T, svc *Service) restaurant.Restaurant {
	t.Helper()
	r, err := svc.Register(context.Background(), restaurant.Restaurant{
		ID:           "loc-1",
		OwnerAddress: testOwner,
		Name:         "Stockpot Diner",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return r
}

func TestRegisterDefaultsStrategy(t *testing.T) {
	svc := newTestService()
	r := register(t, svc)
	if r.Preferences.Strategy != plan.StrategyBalanced {
		t.Fatalf("expected balanced default, got %q", r.Preferences.Strategy)
	}
}

func TestRegisterGeneratesID(t *testing.T) {
	svc := newTestService()
	r, err := svc.Register(context.Background(), restaurant.Restaurant{
		OwnerAddress: testOwner,
		Name:         "Walk-in Kitchen",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if r.ID == "" {
		t.Fatalf("expected generated location id")
	}
	got, err := svc.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("get generated: %v", err)
	}
	if got.Name != "Walk-in Kitchen" {
		t.Fatalf("unexpected restaurant: %+v", got)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc := newTestService()
	cases := []struct {
		name string
		r    restaurant.Restaurant
	}{
		{"missing name", restaurant.Restaurant{ID: "loc-1", OwnerAddress: testOwner}},
		{"bad owner", restaurant.Restaurant{ID: "loc-1", OwnerAddress: "nope", Name: "x"}},
		{"unknown strategy", restaurant.Restaurant{
			ID: "loc-1", OwnerAddress: testOwner, Name: "x",
			Preferences: restaurant.Preferences{Strategy: "yolo"},
		}},
		{"negative horizon", restaurant.Restaurant{
			ID: "loc-1", OwnerAddress: testOwner, Name: "x",
			Preferences: restaurant.Preferences{HorizonDays: -1},
		}},
		{"bad schedule", restaurant.Restaurant{
			ID: "loc-1", OwnerAddress: testOwner, Name: "x", Schedule: "every tuesday",
		}},
	}
	for _, tc := range cases {
		if _, err := svc.Register(context.Background(), tc.r); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestRegisterDuplicateLocation(t *testing.T) {
	svc := newTestService()
	register(t, svc)
	_, err := svc.Register(context.Background(), restaurant.Restaurant{
		ID:           "loc-1",
		OwnerAddress: testOwner,
		Name:         "Another",
	})
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestUpdateSettings(t *testing.T) {
	svc := newTestService()
	register(t, svc)

	autopilot := true
	schedule := "0 6 * * *"
	prefs := restaurant.Preferences{Strategy: plan.StrategyAggressive, HorizonDays: 14}
	updated, err := svc.UpdateSettings(context.Background(), "loc-1", Settings{
		Autopilot:   &autopilot,
		Schedule:    &schedule,
		Preferences: &prefs,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !updated.Autopilot || updated.Schedule != schedule {
		t.Fatalf("autopilot settings not applied: %+v", updated)
	}
	if updated.Preferences.Strategy != plan.StrategyAggressive || updated.Preferences.HorizonDays != 14 {
		t.Fatalf("preferences not applied: %+v", updated.Preferences)
	}
	if updated.OwnerAddress != testOwner {
		t.Fatal("ownership must not change")
	}

	bad := "not-a-schedule"
	if _, err := svc.UpdateSettings(context.Background(), "loc-1", Settings{Schedule: &bad}); err == nil {
		t.Fatal("expected schedule validation error")
	}

	if _, err := svc.UpdateSettings(context.Background(), "nowhere", Settings{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertItem(t *testing.T) {
	svc := newTestService()
	register(t, svc)

	item, err := svc.UpsertItem(context.Background(), "loc-1", inventory.Item{
		SKU:         "beef-5kg",
		OnHand:      12,
		ParLevel:    40,
		UnitCostUSD: 10,
	})
	if err != nil {
		t.Fatalf("upsert item: %v", err)
	}
	if item.Name != "beef-5kg" {
		t.Fatalf("name should default to sku, got %q", item.Name)
	}

	if _, err := svc.UpsertItem(context.Background(), "loc-1", inventory.Item{SKU: "x", OnHand: -1}); err == nil {
		t.Fatal("negative on-hand must be rejected")
	}
	if _, err := svc.UpsertItem(context.Background(), "loc-1", inventory.Item{}); err == nil {
		t.Fatal("missing sku must be rejected")
	}
	if _, err := svc.UpsertItem(context.Background(), "nowhere", inventory.Item{SKU: "x"}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown restaurant, got %v", err)
	}
}

func TestUpsertSupplier(t *testing.T) {
	svc := newTestService()
	register(t, svc)

	sup, err := svc.UpsertSupplier(context.Background(), "loc-1", inventory.Supplier{
		ID:            "meatco",
		PayoutAddress: "0x00000000000000000000000000000000000000A1",
		LeadTimeDays:  2,
	})
	if err != nil {
		t.Fatalf("upsert supplier: %v", err)
	}
	if sup.Name != "meatco" {
		t.Fatalf("name should default to id, got %q", sup.Name)
	}

	// payout address is optional but must parse when present
	if _, err := svc.UpsertSupplier(context.Background(), "loc-1", inventory.Supplier{ID: "cashonly"}); err != nil {
		t.Fatalf("supplier without payout address should register: %v", err)
	}
	if _, err := svc.UpsertSupplier(context.Background(), "loc-1", inventory.Supplier{ID: "bad", PayoutAddress: "0x12"}); err == nil {
		t.Fatal("invalid payout address must be rejected")
	}
	if _, err := svc.UpsertSupplier(context.Background(), "loc-1", inventory.Supplier{ID: "bad", LeadTimeDays: -1}); err == nil {
		t.Fatal("negative lead time must be rejected")
	}
}

func TestListCatalog(t *testing.T) {
	svc := newTestService()
	register(t, svc)

	for _, sku := range []string{"oil-5l", "beef-5kg"} {
		if _, err := svc.UpsertItem(context.Background(), "loc-1", inventory.Item{SKU: sku, UnitCostUSD: 1}); err != nil {
			t.Fatalf("upsert %s: %v", sku, err)
		}
	}
	items, err := svc.ListItems(context.Background(), "loc-1")
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != 2 || items[0].SKU != "beef-5kg" {
		t.Fatalf("expected sorted items, got %+v", items)
	}
}
