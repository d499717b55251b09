// Package planning derives deterministic stock snapshots and turns planner
// output into validated reorder candidates.
package planning

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/stockpot-labs/supply_layer/internal/app/domain/inventory"
	"github.com/stockpot-labs/supply_layer/internal/app/domain/plan"
	pipelinesvc "github.com/stockpot-labs/supply_layer/internal/app/services/pipeline"
	"github.com/stockpot-labs/supply_layer/internal/app/storage"
	"github.com/stockpot-labs/supply_layer/pkg/logger"
)

// DefaultHorizonDays is used when a restaurant has no horizon preference.
const DefaultHorizonDays = 7

// Service assembles planning snapshots from the catalog and the open pipeline.
type Service struct {
	catalog  storage.CatalogStore
	pipeline *pipelinesvc.Service
	log      *logger.Logger
}

// New constructs a snapshot service.
func New(catalog storage.CatalogStore, pipe *pipelinesvc.Service, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("planning")
	}
	return &Service{catalog: catalog, pipeline: pipe, log: log}
}

// Snapshot builds the stock view for a restaurant at now. Pipeline goods
// arriving within the horizon raise the effective stock so planning never
// double-orders what is already on a truck.
func (s *Service) Snapshot(ctx context.Context, scope storage.Scope, horizonDays int, now time.Time) (plan.Snapshot, error) {
	if horizonDays <= 0 {
		horizonDays = DefaultHorizonDays
	}
	items, err := s.catalog.ListItems(ctx, scope.LocationID)
	if err != nil {
		return plan.Snapshot{}, fmt.Errorf("list items: %w", err)
	}
	horizon := time.Duration(horizonDays) * 24 * time.Hour
	pipelineUnits, err := s.pipeline.BySKU(ctx, scope, now, horizon)
	if err != nil {
		return plan.Snapshot{}, fmt.Errorf("fold pipeline: %w", err)
	}
	return BuildSnapshot(scope, now, horizonDays, items, pipelineUnits), nil
}

// BuildSnapshot is the pure assembly behind Snapshot. Items are ordered by
// SKU so identical inputs always produce identical snapshots.
func BuildSnapshot(scope storage.Scope, now time.Time, horizonDays int, items []inventory.Item, pipelineUnits map[string]int64) plan.Snapshot {
	snap := plan.Snapshot{
		Environment:  scope.Environment,
		OwnerAddress: scope.OwnerAddress,
		LocationID:   scope.LocationID,
		TakenAt:      now.UTC(),
		HorizonDays:  horizonDays,
		Items:        make([]plan.SnapshotItem, 0, len(items)),
	}
	for _, item := range items {
		inbound := pipelineUnits[item.SKU]
		snap.Items = append(snap.Items, plan.SnapshotItem{
			SKU:             item.SKU,
			Name:            item.Name,
			Unit:            item.Unit,
			OnHand:          item.OnHand,
			PipelineUnits:   inbound,
			EffectiveOnHand: item.OnHand + inbound,
			ParLevel:        item.ParLevel,
			DailyUsageUnits: item.DailyUsageUnits,
		})
	}
	sort.Slice(snap.Items, func(i, j int) bool { return snap.Items[i].SKU < snap.Items[j].SKU })
	return snap
}
