// Package restaurants manages restaurant registrations and their supply
// catalogs of inventory items and suppliers.
package restaurants

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	cron "github.com/robfig/cron/v3"

	"github.com/stockpot-labs/supply_layer/internal/app/domain/inventory"
	"github.com/stockpot-labs/supply_layer/internal/app/domain/plan"
	"github.com/stockpot-labs/supply_layer/internal/app/domain/restaurant"
	"github.com/stockpot-labs/supply_layer/internal/app/storage"
	"github.com/stockpot-labs/supply_layer/pkg/logger"
)

// Service manages restaurants and their catalogs.
type Service struct {
	restaurants storage.RestaurantStore
	catalog     storage.CatalogStore
	log         *logger.Logger
}

// New creates the restaurants service.
func New(restaurants storage.RestaurantStore, catalog storage.CatalogStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("restaurants")
	}
	return &Service{
		restaurants: restaurants,
		catalog:     catalog,
		log:         log,
	}
}

// Register enrolls a restaurant. The id doubles as the location identifier
// bound into signed requests and on-chain references, so it is immutable;
// an empty id gets a generated one.
func (s *Service) Register(ctx context.Context, r restaurant.Restaurant) (restaurant.Restaurant, error) {
	r.ID = strings.TrimSpace(r.ID)
	r.Name = strings.TrimSpace(r.Name)
	r.OwnerAddress = strings.TrimSpace(r.OwnerAddress)
	r.Schedule = strings.TrimSpace(r.Schedule)

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Name == "" {
		return restaurant.Restaurant{}, fmt.Errorf("restaurant name is required")
	}
	if !common.IsHexAddress(r.OwnerAddress) {
		return restaurant.Restaurant{}, fmt.Errorf("invalid owner address %q", r.OwnerAddress)
	}
	if err := normalizePreferences(&r.Preferences); err != nil {
		return restaurant.Restaurant{}, err
	}
	if err := validateSchedule(r.Schedule); err != nil {
		return restaurant.Restaurant{}, err
	}

	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	created, err := s.restaurants.CreateRestaurant(ctx, r)
	if err != nil {
		return restaurant.Restaurant{}, fmt.Errorf("create restaurant: %w", err)
	}
	s.log.WithFields(map[string]interface{}{
		"location": created.ID,
		"owner":    created.OwnerAddress,
	}).Info("Restaurant registered")
	return created, nil
}

// Get returns one restaurant by location id.
func (s *Service) Get(ctx context.Context, id string) (restaurant.Restaurant, error) {
	return s.restaurants.GetRestaurant(ctx, strings.TrimSpace(id))
}

// List returns every registered restaurant.
func (s *Service) List(ctx context.Context) ([]restaurant.Restaurant, error) {
	return s.restaurants.ListRestaurants(ctx)
}

// Settings carries the mutable fields of a restaurant. Nil fields are left
// unchanged.
type Settings struct {
	Name        *string
	Autopilot   *bool
	Schedule    *string
	Preferences *restaurant.Preferences
}

// UpdateSettings applies settings to a restaurant. Ownership and the
// location id never change.
func (s *Service) UpdateSettings(ctx context.Context, id string, upd Settings) (restaurant.Restaurant, error) {
	r, err := s.restaurants.GetRestaurant(ctx, strings.TrimSpace(id))
	if err != nil {
		return restaurant.Restaurant{}, err
	}

	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return restaurant.Restaurant{}, fmt.Errorf("restaurant name is required")
		}
		r.Name = name
	}
	if upd.Autopilot != nil {
		r.Autopilot = *upd.Autopilot
	}
	if upd.Schedule != nil {
		schedule := strings.TrimSpace(*upd.Schedule)
		if err := validateSchedule(schedule); err != nil {
			return restaurant.Restaurant{}, err
		}
		r.Schedule = schedule
	}
	if upd.Preferences != nil {
		prefs := *upd.Preferences
		if err := normalizePreferences(&prefs); err != nil {
			return restaurant.Restaurant{}, err
		}
		r.Preferences = prefs
	}
	r.UpdatedAt = time.Now().UTC()

	updated, err := s.restaurants.UpdateRestaurant(ctx, r)
	if err != nil {
		return restaurant.Restaurant{}, fmt.Errorf("update restaurant: %w", err)
	}
	s.log.WithField("location", updated.ID).Info("Restaurant settings updated")
	return updated, nil
}

// UpsertItem writes one inventory item for a registered restaurant.
func (s *Service) UpsertItem(ctx context.Context, locationID string, item inventory.Item) (inventory.Item, error) {
	locationID = strings.TrimSpace(locationID)
	if _, err := s.restaurants.GetRestaurant(ctx, locationID); err != nil {
		return inventory.Item{}, err
	}

	item.SKU = strings.TrimSpace(item.SKU)
	item.Name = strings.TrimSpace(item.Name)
	if item.SKU == "" {
		return inventory.Item{}, fmt.Errorf("sku is required")
	}
	if item.Name == "" {
		item.Name = item.SKU
	}
	if item.OnHand < 0 {
		return inventory.Item{}, fmt.Errorf("on-hand quantity must not be negative")
	}
	if item.ParLevel < 0 || item.DailyUsageUnits < 0 {
		return inventory.Item{}, fmt.Errorf("par level and daily usage must not be negative")
	}
	if item.UnitCostUSD < 0 || item.PriceUSD < 0 {
		return inventory.Item{}, fmt.Errorf("prices must not be negative")
	}
	item.UpdatedAt = time.Now().UTC()

	return s.catalog.UpsertItem(ctx, locationID, item)
}

// ListItems returns the restaurant's inventory sorted by SKU.
func (s *Service) ListItems(ctx context.Context, locationID string) ([]inventory.Item, error) {
	return s.catalog.ListItems(ctx, strings.TrimSpace(locationID))
}

// UpsertSupplier writes one supplier for a registered restaurant. A payout
// address is optional, but orders routed to a supplier without one are not
// payable and get dropped at intent build time.
func (s *Service) UpsertSupplier(ctx context.Context, locationID string, sup inventory.Supplier) (inventory.Supplier, error) {
	locationID = strings.TrimSpace(locationID)
	if _, err := s.restaurants.GetRestaurant(ctx, locationID); err != nil {
		return inventory.Supplier{}, err
	}

	sup.ID = strings.TrimSpace(sup.ID)
	sup.Name = strings.TrimSpace(sup.Name)
	sup.PayoutAddress = strings.TrimSpace(sup.PayoutAddress)
	if sup.ID == "" {
		return inventory.Supplier{}, fmt.Errorf("supplier id is required")
	}
	if sup.Name == "" {
		sup.Name = sup.ID
	}
	if sup.PayoutAddress != "" && !common.IsHexAddress(sup.PayoutAddress) {
		return inventory.Supplier{}, fmt.Errorf("invalid payout address %q", sup.PayoutAddress)
	}
	if sup.LeadTimeDays < 0 {
		return inventory.Supplier{}, fmt.Errorf("lead time must not be negative")
	}
	if sup.MinOrderUSD < 0 {
		return inventory.Supplier{}, fmt.Errorf("minimum order must not be negative")
	}
	sup.UpdatedAt = time.Now().UTC()
	if sup.CreatedAt.IsZero() {
		sup.CreatedAt = sup.UpdatedAt
	}

	return s.catalog.UpsertSupplier(ctx, locationID, sup)
}

// ListSuppliers returns the restaurant's suppliers sorted by id.
func (s *Service) ListSuppliers(ctx context.Context, locationID string) ([]inventory.Supplier, error) {
	return s.catalog.ListSuppliers(ctx, strings.TrimSpace(locationID))
}

func normalizePreferences(p *restaurant.Preferences) error {
	p.Strategy = strings.ToLower(strings.TrimSpace(p.Strategy))
	p.Context = strings.TrimSpace(p.Context)
	if p.Strategy == "" {
		p.Strategy = plan.StrategyBalanced
	}
	if !plan.KnownStrategy(p.Strategy) {
		return fmt.Errorf("unknown strategy %q", p.Strategy)
	}
	if p.HorizonDays < 0 {
		return fmt.Errorf("horizon days must not be negative")
	}
	return nil
}

func validateSchedule(schedule string) error {
	if schedule == "" {
		return nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid autopilot schedule %q: %w", schedule, err)
	}
	return nil
}
