package storage

import (
	"context"
	"errors"
	"time"

	"github.com/stockpot-labs/supply_layer/internal/app/domain/intent"
	"github.com/stockpot-labs/supply_layer/internal/app/domain/inventory"
	"github.com/stockpot-labs/supply_layer/internal/app/domain/pipeline"
	"github.com/stockpot-labs/supply_layer/internal/app/domain/restaurant"
)

// Sentinel errors shared by all store implementations so callers can
// distinguish missing rows and duplicate writes from infrastructure failures.
var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
)

// Scope identifies one restaurant's records within a deployment environment.
// Pipeline and intent rows never cross scopes.
type Scope struct {
	Environment  string
	OwnerAddress string
	LocationID   string
}

// RestaurantStore persists restaurant registrations.
type RestaurantStore interface {
	CreateRestaurant(ctx context.Context, r restaurant.Restaurant) (restaurant.Restaurant, error)
	UpdateRestaurant(ctx context.Context, r restaurant.Restaurant) (restaurant.Restaurant, error)
	GetRestaurant(ctx context.Context, id string) (restaurant.Restaurant, error)
	ListRestaurants(ctx context.Context) ([]restaurant.Restaurant, error)
}

// CatalogStore persists inventory items and suppliers per restaurant.
type CatalogStore interface {
	UpsertItem(ctx context.Context, locationID string, item inventory.Item) (inventory.Item, error)
	GetItem(ctx context.Context, locationID, sku string) (inventory.Item, error)
	ListItems(ctx context.Context, locationID string) ([]inventory.Item, error)

	UpsertSupplier(ctx context.Context, locationID string, sup inventory.Supplier) (inventory.Supplier, error)
	GetSupplier(ctx context.Context, locationID, id string) (inventory.Supplier, error)
	ListSuppliers(ctx context.Context, locationID string) ([]inventory.Supplier, error)
}

// PipelineStore persists expected-delivery records.
type PipelineStore interface {
	UpsertPipeline(ctx context.Context, rec pipeline.Record) (pipeline.Record, error)
	GetPipeline(ctx context.Context, scope Scope, intentRef string) (pipeline.Record, error)
	ListPipeline(ctx context.Context, scope Scope) ([]pipeline.Record, error)
	MarkArrived(ctx context.Context, scope Scope, intentRef string, at time.Time) (pipeline.Record, error)
}

// IntentStore persists intent records. CreateIntentRecord must fail when a
// record for the same scope and reference already exists; that failure is the
// idempotency signal callers rely on.
type IntentStore interface {
	CreateIntentRecord(ctx context.Context, rec intent.Record) (intent.Record, error)
	GetIntentRecord(ctx context.Context, scope Scope, intentRef string) (intent.Record, error)
	ListIntentRecords(ctx context.Context, scope Scope) ([]intent.Record, error)
	AppendOutcomes(ctx context.Context, scope Scope, intentRef string, outcomes []intent.TransferOutcome) (intent.Record, error)
}
