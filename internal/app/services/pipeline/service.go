// Package pipeline tracks goods that are paid for but not yet delivered, so
// planning never double-orders stock that is already on a truck.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stockpot-labs/supply_layer/internal/app/domain/pipeline"
	"github.com/stockpot-labs/supply_layer/internal/app/storage"
	"github.com/stockpot-labs/supply_layer/pkg/logger"
)

// Service manages expected-delivery records.
type Service struct {
	store storage.PipelineStore
	log   *logger.Logger
}

// New constructs a pipeline registry service.
func New(store storage.PipelineStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("pipeline")
	}
	return &Service{store: store, log: log}
}

// Track registers the goods an intent is expected to deliver. Writing the
// same intent reference again replaces the previous record.
func (s *Service) Track(ctx context.Context, scope storage.Scope, intentRef string, items []pipeline.Item) (pipeline.Record, error) {
	intentRef = strings.TrimSpace(intentRef)
	if intentRef == "" {
		return pipeline.Record{}, fmt.Errorf("intent reference is required")
	}
	if err := validateScope(scope); err != nil {
		return pipeline.Record{}, err
	}
	for i, it := range items {
		if strings.TrimSpace(it.SKU) == "" {
			return pipeline.Record{}, fmt.Errorf("pipeline item %d: sku is required", i)
		}
		if it.Units <= 0 {
			return pipeline.Record{}, fmt.Errorf("pipeline item %d (%s): units must be positive", i, it.SKU)
		}
	}

	rec, err := s.store.UpsertPipeline(ctx, pipeline.Record{
		Environment:  scope.Environment,
		OwnerAddress: scope.OwnerAddress,
		LocationID:   scope.LocationID,
		IntentRef:    intentRef,
		Items:        items,
	})
	if err != nil {
		return pipeline.Record{}, err
	}
	s.log.WithField("intent_ref", intentRef).
		WithField("location_id", scope.LocationID).
		WithField("lines", len(items)).
		Info("pipeline record tracked")
	return rec, nil
}

// ListOpen returns records that still expect deliveries at now. Records whose
// arrival flag is set, or whose every line ETA has passed, are excluded.
func (s *Service) ListOpen(ctx context.Context, scope storage.Scope, now time.Time) ([]pipeline.Record, error) {
	recs, err := s.store.ListPipeline(ctx, scope)
	if err != nil {
		return nil, err
	}
	open := recs[:0]
	for _, rec := range recs {
		if rec.Open(now) {
			open = append(open, rec)
		}
	}
	return open, nil
}

// BySKU folds the open pipeline into per-SKU units still expected after now.
// Lines whose ETA has already passed are treated as delivered and excluded.
// A positive horizon additionally excludes lines arriving after now+horizon.
func (s *Service) BySKU(ctx context.Context, scope storage.Scope, now time.Time, horizon time.Duration) (map[string]int64, error) {
	recs, err := s.store.ListPipeline(ctx, scope)
	if err != nil {
		return nil, err
	}
	totals := make(map[string]int64)
	cutoff := now.Add(horizon)
	for _, rec := range recs {
		if rec.Arrived {
			continue
		}
		for _, it := range rec.Items {
			if !it.ETA.After(now) {
				continue
			}
			if horizon > 0 && it.ETA.After(cutoff) {
				continue
			}
			totals[it.SKU] += it.Units
		}
	}
	return totals, nil
}

// MarkArrived closes a pipeline record once its goods were received.
func (s *Service) MarkArrived(ctx context.Context, scope storage.Scope, intentRef string, at time.Time) (pipeline.Record, error) {
	intentRef = strings.TrimSpace(intentRef)
	if intentRef == "" {
		return pipeline.Record{}, fmt.Errorf("intent reference is required")
	}
	rec, err := s.store.MarkArrived(ctx, scope, intentRef, at)
	if err != nil {
		return pipeline.Record{}, err
	}
	s.log.WithField("intent_ref", intentRef).
		WithField("location_id", scope.LocationID).
		Info("pipeline record arrived")
	return rec, nil
}

func validateScope(scope storage.Scope) error {
	if strings.TrimSpace(scope.Environment) == "" {
		return fmt.Errorf("environment is required")
	}
	if strings.TrimSpace(scope.OwnerAddress) == "" {
		return fmt.Errorf("owner address is required")
	}
	if strings.TrimSpace(scope.LocationID) == "" {
		return fmt.Errorf("location id is required")
	}
	return nil
}
