// Package postgres implements the storage interfaces on PostgreSQL. Schema
// migrations are embedded and applied by Open, so a pointed-at database is
// always brought to the current version before first use.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/stockpot-labs/supply_layer/internal/app/domain/intent"
	"github.com/stockpot-labs/supply_layer/internal/app/domain/inventory"
	"github.com/stockpot-labs/supply_layer/internal/app/domain/pipeline"
	"github.com/stockpot-labs/supply_layer/internal/app/domain/restaurant"
	"github.com/stockpot-labs/supply_layer/internal/app/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.RestaurantStore = (*Store)(nil)
var _ storage.CatalogStore = (*Store)(nil)
var _ storage.PipelineStore = (*Store)(nil)
var _ storage.IntentStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return New(db), nil
}

// Migrate brings the schema to the current embedded version.
func Migrate(db *sqlx.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(db.DB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

// --- RestaurantStore ----------------------------------------------------------

type restaurantRow struct {
	ID           string    `db:"id"`
	OwnerAddress string    `db:"owner_address"`
	Name         string    `db:"name"`
	Autopilot    bool      `db:"autopilot"`
	Schedule     string    `db:"schedule"`
	Preferences  []byte    `db:"preferences"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r restaurantRow) model() restaurant.Restaurant {
	rest := restaurant.Restaurant{
		ID:           r.ID,
		OwnerAddress: r.OwnerAddress,
		Name:         r.Name,
		Autopilot:    r.Autopilot,
		Schedule:     r.Schedule,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
	if len(r.Preferences) > 0 {
		_ = json.Unmarshal(r.Preferences, &rest.Preferences)
	}
	return rest
}

func (s *Store) CreateRestaurant(ctx context.Context, r restaurant.Restaurant) (restaurant.Restaurant, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	prefsJSON, err := json.Marshal(r.Preferences)
	if err != nil {
		return restaurant.Restaurant{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO supply_restaurants (id, owner_address, name, autopilot, schedule, preferences, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.ID, r.OwnerAddress, r.Name, r.Autopilot, r.Schedule, prefsJSON, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return restaurant.Restaurant{}, fmt.Errorf("restaurant %s: %w", r.ID, storage.ErrAlreadyExists)
		}
		return restaurant.Restaurant{}, err
	}
	return r, nil
}

func (s *Store) UpdateRestaurant(ctx context.Context, r restaurant.Restaurant) (restaurant.Restaurant, error) {
	existing, err := s.GetRestaurant(ctx, r.ID)
	if err != nil {
		return restaurant.Restaurant{}, err
	}

	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = time.Now().UTC()

	prefsJSON, err := json.Marshal(r.Preferences)
	if err != nil {
		return restaurant.Restaurant{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE supply_restaurants
		SET owner_address = $2, name = $3, autopilot = $4, schedule = $5, preferences = $6, updated_at = $7
		WHERE id = $1
	`, r.ID, r.OwnerAddress, r.Name, r.Autopilot, r.Schedule, prefsJSON, r.UpdatedAt)
	if err != nil {
		return restaurant.Restaurant{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return restaurant.Restaurant{}, fmt.Errorf("restaurant %s: %w", r.ID, storage.ErrNotFound)
	}
	return r, nil
}

func (s *Store) GetRestaurant(ctx context.Context, id string) (restaurant.Restaurant, error) {
	var row restaurantRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, owner_address, name, autopilot, schedule, preferences, created_at, updated_at
		FROM supply_restaurants
		WHERE id = $1
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return restaurant.Restaurant{}, fmt.Errorf("restaurant %s: %w", id, storage.ErrNotFound)
		}
		return restaurant.Restaurant{}, err
	}
	return row.model(), nil
}

func (s *Store) ListRestaurants(ctx context.Context) ([]restaurant.Restaurant, error) {
	var rows []restaurantRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, owner_address, name, autopilot, schedule, preferences, created_at, updated_at
		FROM supply_restaurants
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}

	result := make([]restaurant.Restaurant, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.model())
	}
	return result, nil
}

// --- CatalogStore -------------------------------------------------------------

type itemRow struct {
	SKU             string    `db:"sku"`
	Name            string    `db:"name"`
	Category        string    `db:"category"`
	Unit            string    `db:"unit"`
	OnHand          int64     `db:"on_hand"`
	ParLevel        int64     `db:"par_level"`
	DailyUsageUnits float64   `db:"daily_usage_units"`
	UnitCostUSD     float64   `db:"unit_cost_usd"`
	PriceUSD        float64   `db:"price_usd"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r itemRow) model() inventory.Item {
	return inventory.Item{
		SKU:             r.SKU,
		Name:            r.Name,
		Category:        r.Category,
		Unit:            r.Unit,
		OnHand:          r.OnHand,
		ParLevel:        r.ParLevel,
		DailyUsageUnits: r.DailyUsageUnits,
		UnitCostUSD:     r.UnitCostUSD,
		PriceUSD:        r.PriceUSD,
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}

func (s *Store) UpsertItem(ctx context.Context, locationID string, item inventory.Item) (inventory.Item, error) {
	item.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO supply_items (location_id, sku, name, category, unit, on_hand, par_level, daily_usage_units, unit_cost_usd, price_usd, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (location_id, sku) DO UPDATE
		SET name = EXCLUDED.name, category = EXCLUDED.category, unit = EXCLUDED.unit,
		    on_hand = EXCLUDED.on_hand, par_level = EXCLUDED.par_level,
		    daily_usage_units = EXCLUDED.daily_usage_units,
		    unit_cost_usd = EXCLUDED.unit_cost_usd, price_usd = EXCLUDED.price_usd,
		    updated_at = EXCLUDED.updated_at
	`, locationID, item.SKU, item.Name, item.Category, item.Unit, item.OnHand, item.ParLevel,
		item.DailyUsageUnits, item.UnitCostUSD, item.PriceUSD, item.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return inventory.Item{}, fmt.Errorf("restaurant %s: %w", locationID, storage.ErrNotFound)
		}
		return inventory.Item{}, err
	}
	return item, nil
}

func (s *Store) GetItem(ctx context.Context, locationID, sku string) (inventory.Item, error) {
	var row itemRow
	err := s.db.GetContext(ctx, &row, `
		SELECT sku, name, category, unit, on_hand, par_level, daily_usage_units, unit_cost_usd, price_usd, updated_at
		FROM supply_items
		WHERE location_id = $1 AND sku = $2
	`, locationID, sku)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return inventory.Item{}, fmt.Errorf("item %s at %s: %w", sku, locationID, storage.ErrNotFound)
		}
		return inventory.Item{}, err
	}
	return row.model(), nil
}

func (s *Store) ListItems(ctx context.Context, locationID string) ([]inventory.Item, error) {
	var rows []itemRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT sku, name, category, unit, on_hand, par_level, daily_usage_units, unit_cost_usd, price_usd, updated_at
		FROM supply_items
		WHERE location_id = $1
		ORDER BY sku
	`, locationID)
	if err != nil {
		return nil, err
	}

	result := make([]inventory.Item, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.model())
	}
	return result, nil
}

type supplierRow struct {
	ID            string    `db:"id"`
	Name          string    `db:"name"`
	PayoutAddress string    `db:"payout_address"`
	LeadTimeDays  int       `db:"lead_time_days"`
	MinOrderUSD   float64   `db:"min_order_usd"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r supplierRow) model() inventory.Supplier {
	return inventory.Supplier{
		ID:            r.ID,
		Name:          r.Name,
		PayoutAddress: r.PayoutAddress,
		LeadTimeDays:  r.LeadTimeDays,
		MinOrderUSD:   r.MinOrderUSD,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

func (s *Store) UpsertSupplier(ctx context.Context, locationID string, sup inventory.Supplier) (inventory.Supplier, error) {
	if sup.ID == "" {
		sup.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sup.CreatedAt = now
	sup.UpdatedAt = now

	// created_at is only written on first insert; a conflicting row keeps its
	// original creation time.
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO supply_suppliers (location_id, id, name, payout_address, lead_time_days, min_order_usd, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (location_id, id) DO UPDATE
		SET name = EXCLUDED.name, payout_address = EXCLUDED.payout_address,
		    lead_time_days = EXCLUDED.lead_time_days, min_order_usd = EXCLUDED.min_order_usd,
		    updated_at = EXCLUDED.updated_at
		RETURNING created_at
	`, locationID, sup.ID, sup.Name, sup.PayoutAddress, sup.LeadTimeDays, sup.MinOrderUSD, sup.CreatedAt, sup.UpdatedAt).Scan(&createdAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return inventory.Supplier{}, fmt.Errorf("restaurant %s: %w", locationID, storage.ErrNotFound)
		}
		return inventory.Supplier{}, err
	}
	sup.CreatedAt = createdAt.UTC()
	return sup, nil
}

func (s *Store) GetSupplier(ctx context.Context, locationID, id string) (inventory.Supplier, error) {
	var row supplierRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, name, payout_address, lead_time_days, min_order_usd, created_at, updated_at
		FROM supply_suppliers
		WHERE location_id = $1 AND id = $2
	`, locationID, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return inventory.Supplier{}, fmt.Errorf("supplier %s at %s: %w", id, locationID, storage.ErrNotFound)
		}
		return inventory.Supplier{}, err
	}
	return row.model(), nil
}

func (s *Store) ListSuppliers(ctx context.Context, locationID string) ([]inventory.Supplier, error) {
	var rows []supplierRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, name, payout_address, lead_time_days, min_order_usd, created_at, updated_at
		FROM supply_suppliers
		WHERE location_id = $1
		ORDER BY id
	`, locationID)
	if err != nil {
		return nil, err
	}

	result := make([]inventory.Supplier, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.model())
	}
	return result, nil
}

// --- PipelineStore ------------------------------------------------------------

type pipelineRow struct {
	Environment  string    `db:"environment"`
	OwnerAddress string    `db:"owner_address"`
	LocationID   string    `db:"location_id"`
	IntentRef    string    `db:"intent_ref"`
	Items        []byte    `db:"items"`
	Arrived      bool      `db:"arrived"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r pipelineRow) model() pipeline.Record {
	rec := pipeline.Record{
		Environment:  r.Environment,
		OwnerAddress: r.OwnerAddress,
		LocationID:   r.LocationID,
		IntentRef:    r.IntentRef,
		Arrived:      r.Arrived,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
	if len(r.Items) > 0 {
		_ = json.Unmarshal(r.Items, &rec.Items)
	}
	return rec
}

const pipelineScopeClause = `environment = $1 AND lower(owner_address) = lower($2) AND location_id = $3`

func (s *Store) UpsertPipeline(ctx context.Context, rec pipeline.Record) (pipeline.Record, error) {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	itemsJSON, err := json.Marshal(rec.Items)
	if err != nil {
		return pipeline.Record{}, err
	}

	var createdAt time.Time
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO supply_pipeline (environment, owner_address, location_id, intent_ref, items, arrived, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (environment, lower(owner_address), location_id, intent_ref) DO UPDATE
		SET items = EXCLUDED.items, arrived = EXCLUDED.arrived, updated_at = EXCLUDED.updated_at
		RETURNING created_at
	`, rec.Environment, rec.OwnerAddress, rec.LocationID, rec.IntentRef, itemsJSON, rec.Arrived, rec.CreatedAt, rec.UpdatedAt).Scan(&createdAt)
	if err != nil {
		return pipeline.Record{}, err
	}
	rec.CreatedAt = createdAt.UTC()
	return rec, nil
}

func (s *Store) GetPipeline(ctx context.Context, scope storage.Scope, intentRef string) (pipeline.Record, error) {
	var row pipelineRow
	err := s.db.GetContext(ctx, &row, `
		SELECT environment, owner_address, location_id, intent_ref, items, arrived, created_at, updated_at
		FROM supply_pipeline
		WHERE `+pipelineScopeClause+` AND intent_ref = $4
	`, scope.Environment, scope.OwnerAddress, scope.LocationID, intentRef)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return pipeline.Record{}, fmt.Errorf("pipeline record %s: %w", intentRef, storage.ErrNotFound)
		}
		return pipeline.Record{}, err
	}
	return row.model(), nil
}

func (s *Store) ListPipeline(ctx context.Context, scope storage.Scope) ([]pipeline.Record, error) {
	var rows []pipelineRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT environment, owner_address, location_id, intent_ref, items, arrived, created_at, updated_at
		FROM supply_pipeline
		WHERE `+pipelineScopeClause+`
		ORDER BY intent_ref
	`, scope.Environment, scope.OwnerAddress, scope.LocationID)
	if err != nil {
		return nil, err
	}

	result := make([]pipeline.Record, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.model())
	}
	return result, nil
}

func (s *Store) MarkArrived(ctx context.Context, scope storage.Scope, intentRef string, at time.Time) (pipeline.Record, error) {
	if at.IsZero() {
		at = time.Now()
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE supply_pipeline
		SET arrived = TRUE, updated_at = $5
		WHERE `+pipelineScopeClause+` AND intent_ref = $4
	`, scope.Environment, scope.OwnerAddress, scope.LocationID, intentRef, at.UTC())
	if err != nil {
		return pipeline.Record{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return pipeline.Record{}, fmt.Errorf("pipeline record %s: %w", intentRef, storage.ErrNotFound)
	}
	return s.GetPipeline(ctx, scope, intentRef)
}

// --- IntentStore ----------------------------------------------------------------

type intentRow struct {
	Environment  string       `db:"environment"`
	OwnerAddress string       `db:"owner_address"`
	LocationID   string       `db:"location_id"`
	IntentRef    string       `db:"intent_ref"`
	IntentID     string       `db:"intent_id"`
	Mode         string       `db:"mode"`
	TotalCents   int64        `db:"total_cents"`
	TotalUSD     float64      `db:"total_usd"`
	PendingUntil sql.NullTime `db:"pending_until"`
	Transfers    []byte       `db:"transfers"`
	Outcomes     []byte       `db:"outcomes"`
	CreatedAt    time.Time    `db:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at"`
}

func (r intentRow) model() intent.Record {
	rec := intent.Record{
		Environment:  r.Environment,
		OwnerAddress: r.OwnerAddress,
		LocationID:   r.LocationID,
		IntentRef:    r.IntentRef,
		IntentID:     r.IntentID,
		Mode:         r.Mode,
		TotalCents:   r.TotalCents,
		TotalUSD:     r.TotalUSD,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
	if r.PendingUntil.Valid {
		rec.PendingUntil = r.PendingUntil.Time.UTC()
	}
	if len(r.Transfers) > 0 {
		_ = json.Unmarshal(r.Transfers, &rec.Transfers)
	}
	if len(r.Outcomes) > 0 {
		_ = json.Unmarshal(r.Outcomes, &rec.Outcomes)
	}
	return rec
}

const intentColumns = `environment, owner_address, location_id, intent_ref, intent_id, mode, total_cents, total_usd, pending_until, transfers, outcomes, created_at, updated_at`

func (s *Store) CreateIntentRecord(ctx context.Context, rec intent.Record) (intent.Record, error) {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	transfersJSON, err := json.Marshal(rec.Transfers)
	if err != nil {
		return intent.Record{}, err
	}
	outcomesJSON, err := json.Marshal(rec.Outcomes)
	if err != nil {
		return intent.Record{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO supply_intents (`+intentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, rec.Environment, rec.OwnerAddress, rec.LocationID, rec.IntentRef, rec.IntentID, rec.Mode,
		rec.TotalCents, rec.TotalUSD, toNullTime(rec.PendingUntil), transfersJSON, outcomesJSON,
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return intent.Record{}, fmt.Errorf("intent record %s: %w", rec.IntentRef, storage.ErrAlreadyExists)
		}
		return intent.Record{}, err
	}
	return rec, nil
}

func (s *Store) GetIntentRecord(ctx context.Context, scope storage.Scope, intentRef string) (intent.Record, error) {
	var row intentRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+intentColumns+`
		FROM supply_intents
		WHERE `+pipelineScopeClause+` AND intent_ref = $4
	`, scope.Environment, scope.OwnerAddress, scope.LocationID, intentRef)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return intent.Record{}, fmt.Errorf("intent record %s: %w", intentRef, storage.ErrNotFound)
		}
		return intent.Record{}, err
	}
	return row.model(), nil
}

func (s *Store) ListIntentRecords(ctx context.Context, scope storage.Scope) ([]intent.Record, error) {
	var rows []intentRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+intentColumns+`
		FROM supply_intents
		WHERE `+pipelineScopeClause+`
		ORDER BY created_at
	`, scope.Environment, scope.OwnerAddress, scope.LocationID)
	if err != nil {
		return nil, err
	}

	result := make([]intent.Record, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.model())
	}
	return result, nil
}

func (s *Store) AppendOutcomes(ctx context.Context, scope storage.Scope, intentRef string, outcomes []intent.TransferOutcome) (intent.Record, error) {
	rec, err := s.GetIntentRecord(ctx, scope, intentRef)
	if err != nil {
		return intent.Record{}, err
	}

	rec.Outcomes = append(rec.Outcomes, outcomes...)
	rec.UpdatedAt = time.Now().UTC()

	outcomesJSON, err := json.Marshal(rec.Outcomes)
	if err != nil {
		return intent.Record{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE supply_intents
		SET outcomes = $5, updated_at = $6
		WHERE `+pipelineScopeClause+` AND intent_ref = $4
	`, scope.Environment, scope.OwnerAddress, scope.LocationID, intentRef, outcomesJSON, rec.UpdatedAt)
	if err != nil {
		return intent.Record{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return intent.Record{}, fmt.Errorf("intent record %s: %w", intentRef, storage.ErrNotFound)
	}
	return rec, nil
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
