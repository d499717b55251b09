package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stockpot-labs/supply_layer/internal/app/domain/intent"
	"github.com/stockpot-labs/supply_layer/internal/app/domain/inventory"
	"github.com/stockpot-labs/supply_layer/internal/app/domain/pipeline"
	"github.com/stockpot-labs/supply_layer/internal/app/domain/restaurant"
	"github.com/stockpot-labs/supply_layer/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu          sync.RWMutex
	nextID      int64
	restaurants map[string]restaurant.Restaurant
	items       map[string]map[string]inventory.Item
	suppliers   map[string]map[string]inventory.Supplier
	pipelines   map[scopeKey]map[string]pipeline.Record
	intents     map[scopeKey]map[string]intent.Record
}

var _ storage.RestaurantStore = (*Store)(nil)
var _ storage.CatalogStore = (*Store)(nil)
var _ storage.PipelineStore = (*Store)(nil)
var _ storage.IntentStore = (*Store)(nil)

// scopeKey folds address case so lookups are insensitive to how the owner
// address was written.
type scopeKey struct {
	env      string
	owner    string
	location string
}

func keyOf(s storage.Scope) scopeKey {
	return scopeKey{
		env:      s.Environment,
		owner:    strings.ToLower(s.OwnerAddress),
		location: s.LocationID,
	}
}

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:      1,
		restaurants: make(map[string]restaurant.Restaurant),
		items:       make(map[string]map[string]inventory.Item),
		suppliers:   make(map[string]map[string]inventory.Supplier),
		pipelines:   make(map[scopeKey]map[string]pipeline.Record),
		intents:     make(map[scopeKey]map[string]intent.Record),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// RestaurantStore implementation ----------------------------------------------

func (s *Store) CreateRestaurant(_ context.Context, r restaurant.Restaurant) (restaurant.Restaurant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = s.nextIDLocked()
	} else if _, exists := s.restaurants[r.ID]; exists {
		return restaurant.Restaurant{}, fmt.Errorf("restaurant %s: %w", r.ID, storage.ErrAlreadyExists)
	}

	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	s.restaurants[r.ID] = r
	return r, nil
}

func (s *Store) UpdateRestaurant(_ context.Context, r restaurant.Restaurant) (restaurant.Restaurant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.restaurants[r.ID]
	if !ok {
		return restaurant.Restaurant{}, fmt.Errorf("restaurant %s: %w", r.ID, storage.ErrNotFound)
	}

	r.CreatedAt = original.CreatedAt
	r.UpdatedAt = time.Now().UTC()

	s.restaurants[r.ID] = r
	return r, nil
}

func (s *Store) GetRestaurant(_ context.Context, id string) (restaurant.Restaurant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.restaurants[id]
	if !ok {
		return restaurant.Restaurant{}, fmt.Errorf("restaurant %s: %w", id, storage.ErrNotFound)
	}
	return r, nil
}

func (s *Store) ListRestaurants(_ context.Context) ([]restaurant.Restaurant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]restaurant.Restaurant, 0, len(s.restaurants))
	for _, r := range s.restaurants {
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// CatalogStore implementation ---------------------------------------------------

func (s *Store) UpsertItem(_ context.Context, locationID string, item inventory.Item) (inventory.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.items[locationID] == nil {
		s.items[locationID] = make(map[string]inventory.Item)
	}
	item.UpdatedAt = time.Now().UTC()
	s.items[locationID][item.SKU] = item
	return item, nil
}

func (s *Store) GetItem(_ context.Context, locationID, sku string) (inventory.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[locationID][sku]
	if !ok {
		return inventory.Item{}, fmt.Errorf("item %s at %s: %w", sku, locationID, storage.ErrNotFound)
	}
	return item, nil
}

func (s *Store) ListItems(_ context.Context, locationID string) ([]inventory.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]inventory.Item, 0, len(s.items[locationID]))
	for _, item := range s.items[locationID] {
		result = append(result, item)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SKU < result[j].SKU })
	return result, nil
}

func (s *Store) UpsertSupplier(_ context.Context, locationID string, sup inventory.Supplier) (inventory.Supplier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.suppliers[locationID] == nil {
		s.suppliers[locationID] = make(map[string]inventory.Supplier)
	}
	if sup.ID == "" {
		sup.ID = s.nextIDLocked()
	}
	now := time.Now().UTC()
	if existing, ok := s.suppliers[locationID][sup.ID]; ok {
		sup.CreatedAt = existing.CreatedAt
	} else {
		sup.CreatedAt = now
	}
	sup.UpdatedAt = now
	s.suppliers[locationID][sup.ID] = sup
	return sup, nil
}

func (s *Store) GetSupplier(_ context.Context, locationID, id string) (inventory.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sup, ok := s.suppliers[locationID][id]
	if !ok {
		return inventory.Supplier{}, fmt.Errorf("supplier %s at %s: %w", id, locationID, storage.ErrNotFound)
	}
	return sup, nil
}

func (s *Store) ListSuppliers(_ context.Context, locationID string) ([]inventory.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]inventory.Supplier, 0, len(s.suppliers[locationID]))
	for _, sup := range s.suppliers[locationID] {
		result = append(result, sup)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// PipelineStore implementation --------------------------------------------------

func (s *Store) UpsertPipeline(_ context.Context, rec pipeline.Record) (pipeline.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyOf(storage.Scope{Environment: rec.Environment, OwnerAddress: rec.OwnerAddress, LocationID: rec.LocationID})
	if s.pipelines[key] == nil {
		s.pipelines[key] = make(map[string]pipeline.Record)
	}

	now := time.Now().UTC()
	if existing, ok := s.pipelines[key][rec.IntentRef]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Items = clonePipelineItems(rec.Items)

	s.pipelines[key][rec.IntentRef] = rec
	return clonePipeline(rec), nil
}

func (s *Store) GetPipeline(_ context.Context, scope storage.Scope, intentRef string) (pipeline.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.pipelines[keyOf(scope)][intentRef]
	if !ok {
		return pipeline.Record{}, fmt.Errorf("pipeline record %s: %w", intentRef, storage.ErrNotFound)
	}
	return clonePipeline(rec), nil
}

func (s *Store) ListPipeline(_ context.Context, scope storage.Scope) ([]pipeline.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.pipelines[keyOf(scope)]
	result := make([]pipeline.Record, 0, len(recs))
	for _, rec := range recs {
		result = append(result, clonePipeline(rec))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].IntentRef < result[j].IntentRef })
	return result, nil
}

func (s *Store) MarkArrived(_ context.Context, scope storage.Scope, intentRef string, at time.Time) (pipeline.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyOf(scope)
	rec, ok := s.pipelines[key][intentRef]
	if !ok {
		return pipeline.Record{}, fmt.Errorf("pipeline record %s: %w", intentRef, storage.ErrNotFound)
	}
	rec.Arrived = true
	if at.IsZero() {
		at = time.Now().UTC()
	}
	rec.UpdatedAt = at.UTC()
	s.pipelines[key][intentRef] = rec
	return clonePipeline(rec), nil
}

// IntentStore implementation ----------------------------------------------------

func (s *Store) CreateIntentRecord(_ context.Context, rec intent.Record) (intent.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyOf(storage.Scope{Environment: rec.Environment, OwnerAddress: rec.OwnerAddress, LocationID: rec.LocationID})
	if s.intents[key] == nil {
		s.intents[key] = make(map[string]intent.Record)
	}
	if _, exists := s.intents[key][rec.IntentRef]; exists {
		return intent.Record{}, fmt.Errorf("intent record %s: %w", rec.IntentRef, storage.ErrAlreadyExists)
	}

	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.Transfers = cloneTransfers(rec.Transfers)
	rec.Outcomes = cloneOutcomes(rec.Outcomes)

	s.intents[key][rec.IntentRef] = rec
	return cloneIntentRecord(rec), nil
}

func (s *Store) GetIntentRecord(_ context.Context, scope storage.Scope, intentRef string) (intent.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.intents[keyOf(scope)][intentRef]
	if !ok {
		return intent.Record{}, fmt.Errorf("intent record %s: %w", intentRef, storage.ErrNotFound)
	}
	return cloneIntentRecord(rec), nil
}

func (s *Store) ListIntentRecords(_ context.Context, scope storage.Scope) ([]intent.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.intents[keyOf(scope)]
	result := make([]intent.Record, 0, len(recs))
	for _, rec := range recs {
		result = append(result, cloneIntentRecord(rec))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) AppendOutcomes(_ context.Context, scope storage.Scope, intentRef string, outcomes []intent.TransferOutcome) (intent.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyOf(scope)
	rec, ok := s.intents[key][intentRef]
	if !ok {
		return intent.Record{}, fmt.Errorf("intent record %s: %w", intentRef, storage.ErrNotFound)
	}
	rec.Outcomes = append(rec.Outcomes, cloneOutcomes(outcomes)...)
	rec.UpdatedAt = time.Now().UTC()
	s.intents[key][intentRef] = rec
	return cloneIntentRecord(rec), nil
}

// clone helpers -----------------------------------------------------------------

func clonePipelineItems(items []pipeline.Item) []pipeline.Item {
	return append([]pipeline.Item(nil), items...)
}

func clonePipeline(rec pipeline.Record) pipeline.Record {
	rec.Items = clonePipelineItems(rec.Items)
	return rec
}

func cloneTransfers(transfers []intent.Transfer) []intent.Transfer {
	out := make([]intent.Transfer, len(transfers))
	for i, t := range transfers {
		t.Lines = append([]intent.Line(nil), t.Lines...)
		out[i] = t
	}
	return out
}

func cloneOutcomes(outcomes []intent.TransferOutcome) []intent.TransferOutcome {
	return append([]intent.TransferOutcome(nil), outcomes...)
}

func cloneIntentRecord(rec intent.Record) intent.Record {
	rec.Transfers = cloneTransfers(rec.Transfers)
	rec.Outcomes = cloneOutcomes(rec.Outcomes)
	return rec
}
