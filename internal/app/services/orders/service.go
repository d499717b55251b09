// Package orders runs the proposal pipeline end to end: snapshot, plan,
// price, record, broadcast, track. It also relays owner-signed order
// management calls to the treasury contract.
package orders

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stockpot-labs/supply_layer/internal/app/cache"
	"github.com/stockpot-labs/supply_layer/internal/app/domain/intent"
	"github.com/stockpot-labs/supply_layer/internal/app/domain/inventory"
	"github.com/stockpot-labs/supply_layer/internal/app/domain/pipeline"
	"github.com/stockpot-labs/supply_layer/internal/app/domain/plan"
	"github.com/stockpot-labs/supply_layer/internal/app/domain/restaurant"
	"github.com/stockpot-labs/supply_layer/internal/app/metrics"
	"github.com/stockpot-labs/supply_layer/internal/app/services/auth"
	"github.com/stockpot-labs/supply_layer/internal/app/services/broadcast"
	intentsvc "github.com/stockpot-labs/supply_layer/internal/app/services/intent"
	pipelinesvc "github.com/stockpot-labs/supply_layer/internal/app/services/pipeline"
	"github.com/stockpot-labs/supply_layer/internal/app/services/planning"
	"github.com/stockpot-labs/supply_layer/internal/app/storage"
	"github.com/stockpot-labs/supply_layer/internal/chain"
	"github.com/stockpot-labs/supply_layer/internal/config"
	"github.com/stockpot-labs/supply_layer/pkg/logger"
)

// Actions bound into signed requests. The signed message must contain the
// action token verbatim; a signature over one action authorizes nothing else.
const (
	ActionPropose            = "propose-orders"
	ActionExecuteOrder       = "execute-order"
	ActionCancelOrder        = "cancel-order"
	ActionSetIntentApproval  = "set-intent-approval"
	ActionSetRequireApproval = "set-require-approval"
	ActionSetAgent           = "set-agent"
)

var (
	// ErrInvalidRequest marks request input rejected before any side effect.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrAlreadyApplied is returned when an intent reference was recorded by
	// an earlier run. The earlier record stands; nothing is re-broadcast.
	ErrAlreadyApplied = errors.New("intent reference already applied")

	// ErrNotAgent is returned when an autonomous run is requested for an
	// owner who has not authorized the funding account as their agent.
	ErrNotAgent = errors.New("funding account is not an authorized agent")

	// ErrChainDisabled is returned when an operation needs the ledger but no
	// RPC endpoint is configured.
	ErrChainDisabled = errors.New("ledger integration not configured")

	// ErrOrderClosed is returned for execute/cancel on an order that was
	// already executed or canceled.
	ErrOrderClosed = errors.New("order already closed")

	// ErrOrderNotReady is returned for execute before the order's pending
	// window has elapsed.
	ErrOrderNotReady = errors.New("order not yet executable")
)

// maxOrderScan bounds how many on-chain orders a registry-less listing will
// read. Only the newest window is scanned.
const maxOrderScan = 256

// Config holds proposal pipeline configuration.
type Config struct {
	Environment   config.Environment
	PendingWindow time.Duration
	CacheTTL      time.Duration
}

// Deps collects the collaborators of the orders service. Treasury and
// Broadcaster may be nil; ledger-touching operations then fail with
// ErrChainDisabled while registry reads keep working.
type Deps struct {
	Verifier    *auth.Verifier
	Planning    *planning.Service
	Planner     planning.Planner
	Restaurants storage.RestaurantStore
	Catalog     storage.CatalogStore
	Intents     storage.IntentStore
	Pipeline    *pipelinesvc.Service
	Treasury    *chain.Treasury
	Broadcaster *broadcast.Broadcaster
	Log         *logger.Logger
}

// Service orchestrates proposal runs and order management.
type Service struct {
	cfg         Config
	verifier    *auth.Verifier
	planning    *planning.Service
	planner     planning.Planner
	restaurants storage.RestaurantStore
	catalog     storage.CatalogStore
	intents     storage.IntentStore
	pipeline    *pipelinesvc.Service
	treasury    *chain.Treasury
	broadcaster *broadcast.Broadcaster
	listings    *cache.Group
	log         *logger.Logger
	now         func() time.Time
}

// New constructs the orders service.
func New(cfg Config, deps Deps) *Service {
	if cfg.PendingWindow <= 0 {
		cfg.PendingWindow = intentsvc.DefaultPendingWindow
	}
	log := deps.Log
	if log == nil {
		log = logger.NewDefault("orders")
	}
	return &Service{
		cfg:         cfg,
		verifier:    deps.Verifier,
		planning:    deps.Planning,
		planner:     deps.Planner,
		restaurants: deps.Restaurants,
		catalog:     deps.Catalog,
		intents:     deps.Intents,
		pipeline:    deps.Pipeline,
		treasury:    deps.Treasury,
		broadcaster: deps.Broadcaster,
		listings:    cache.New(cfg.CacheTTL),
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ProposeRequest asks for one proposal run. Strategy, HorizonDays and Context
// override the restaurant's stored preferences for this run only. AgentRun
// marks an autonomous run: no signature is checked, agent authority on the
// treasury contract is checked instead.
type ProposeRequest struct {
	LocationID  string
	Auth        auth.Request
	AgentRun    bool
	Strategy    string
	HorizonDays int
	Context     string
}

// ProposeResult carries the recorded intent and the pricing warnings that did
// not block the run.
type ProposeResult struct {
	Record   intent.Record
	Warnings []string
}

// Propose executes one proposal run for a restaurant: derive the snapshot,
// draft a plan, price it into an intent, record the intent reference, then
// broadcast one treasury call per supplier transfer. The record is written
// before broadcasting so a duplicate reference can never pay twice; broadcast
// failures are recorded per transfer against the already-written record.
func (s *Service) Propose(ctx context.Context, req ProposeRequest) (ProposeResult, error) {
	r, err := s.restaurants.GetRestaurant(ctx, req.LocationID)
	if err != nil {
		return ProposeResult{}, err
	}
	if s.cfg.Environment == config.EnvProduction {
		return ProposeResult{}, broadcast.ErrEnvironmentBlocked
	}
	if err := s.chainReady(); err != nil {
		return ProposeResult{}, err
	}

	owner := common.HexToAddress(r.OwnerAddress)
	if req.AgentRun {
		ok, err := s.treasury.IsAgentFor(ctx, owner, s.broadcaster.From())
		if err != nil {
			return ProposeResult{}, fmt.Errorf("check agent authority: %w", err)
		}
		if !ok {
			return ProposeResult{}, fmt.Errorf("%s: %w", r.ID, ErrNotAgent)
		}
	} else if err := s.authorize(ctx, r, req.Auth, ActionPropose); err != nil {
		return ProposeResult{}, err
	}

	prefs, err := s.mergePreferences(r, req)
	if err != nil {
		return ProposeResult{}, err
	}

	now := s.now()
	scope := s.scopeFor(r)
	snap, err := s.planning.Snapshot(ctx, scope, prefs.HorizonDays, now)
	if err != nil {
		return ProposeResult{}, fmt.Errorf("take snapshot: %w", err)
	}
	suppliers, err := s.catalog.ListSuppliers(ctx, r.ID)
	if err != nil {
		return ProposeResult{}, fmt.Errorf("list suppliers: %w", err)
	}

	planStart := time.Now()
	cand, err := s.planner.Plan(ctx, planning.PlanRequest{
		Snapshot:    snap,
		Preferences: prefs,
		Suppliers:   suppliers,
	})
	metrics.RecordPlannerRequest(plannerStatus(err), time.Since(planStart))
	if err != nil {
		return ProposeResult{}, fmt.Errorf("draft plan: %w", err)
	}

	items, err := s.catalog.ListItems(ctx, r.ID)
	if err != nil {
		return ProposeResult{}, fmt.Errorf("list items: %w", err)
	}
	built, err := intentsvc.Build(
		intentsvc.State{Items: items, Suppliers: suppliers},
		cand,
		intentsvc.Options{Scope: scope, Now: now, PendingWindow: s.cfg.PendingWindow},
	)
	if err != nil {
		if errors.Is(err, intentsvc.ErrNoPayableTransfers) {
			metrics.RecordProposalRun("", "no_payable")
		}
		return ProposeResult{}, err
	}

	mode, calls, err := s.packTransfers(ctx, r, owner, built)
	if err != nil {
		return ProposeResult{}, err
	}

	rec, err := s.intents.CreateIntentRecord(ctx, intent.Record{
		Environment:  scope.Environment,
		OwnerAddress: scope.OwnerAddress,
		LocationID:   scope.LocationID,
		IntentRef:    built.Ref,
		IntentID:     built.ID,
		Mode:         mode,
		TotalCents:   built.TotalCents,
		TotalUSD:     built.TotalUSD,
		PendingUntil: built.PendingUntil,
		Transfers:    built.Transfers,
	})
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return ProposeResult{}, fmt.Errorf("intent %s: %w", built.Ref, ErrAlreadyApplied)
		}
		return ProposeResult{}, fmt.Errorf("record intent: %w", err)
	}

	results, submitErr := s.broadcaster.Submit(ctx, calls)
	outcomes := s.buildOutcomes(built.Transfers, results, submitErr)
	if updated, err := s.intents.AppendOutcomes(ctx, scope, built.Ref, outcomes); err != nil {
		s.log.WithError(err).WithField("intent_ref", built.Ref).Error("Outcome persistence failed")
		rec.Outcomes = append(rec.Outcomes, outcomes...)
	} else {
		rec = updated
	}

	if submitErr != nil {
		metrics.RecordProposalRun(mode, "failed")
		return ProposeResult{Record: rec, Warnings: built.Warnings}, fmt.Errorf("broadcast batch: %w", submitErr)
	}

	s.trackPipeline(ctx, scope, built, suppliers, outcomes, now)

	submitted := 0
	for _, out := range outcomes {
		if out.Status == intent.OutcomeSubmitted {
			submitted++
		}
	}
	status := "submitted"
	if submitted == 0 {
		status = "failed"
	} else if submitted < len(outcomes) {
		status = "partial"
	}
	metrics.RecordProposalRun(mode, status)

	s.log.WithFields(map[string]interface{}{
		"location_id": r.ID,
		"intent_ref":  built.Ref,
		"mode":        mode,
		"transfers":   len(built.Transfers),
		"submitted":   submitted,
		"total_cents": built.TotalCents,
	}).Info("Proposal run completed")

	return ProposeResult{Record: rec, Warnings: built.Warnings}, nil
}

// GetIntent returns one recorded intent by reference.
func (s *Service) GetIntent(ctx context.Context, locationID, intentRef string) (intent.Record, error) {
	r, err := s.restaurants.GetRestaurant(ctx, locationID)
	if err != nil {
		return intent.Record{}, err
	}
	return s.intents.GetIntentRecord(ctx, s.scopeFor(r), strings.TrimSpace(intentRef))
}

// Listing is the read model for a restaurant's orders. Records come from the
// local registry; OnChain is the fallback scan used when the registry has no
// rows for the scope.
type Listing struct {
	Source  string
	Records []intent.Record
	OnChain []OpenOrder
}

// OpenOrder is one open treasury order read back from the contract.
type OpenOrder struct {
	OrderID      string
	Supplier     string
	AmountCents  int64
	AmountUSD    float64
	ExecuteAfter time.Time
	Executable   bool
	IntentRef    string
}

// ListOpenOrders lists a restaurant's orders, serving repeated reads from a
// short-TTL cache. The local registry is authoritative; the contract is only
// scanned when the registry holds nothing for the scope, so a fresh deploy
// pointed at an existing treasury still sees its open orders.
func (s *Service) ListOpenOrders(ctx context.Context, locationID string) (Listing, error) {
	r, err := s.restaurants.GetRestaurant(ctx, locationID)
	if err != nil {
		return Listing{}, err
	}
	scope := s.scopeFor(r)
	key := strings.Join([]string{"orders", scope.Environment, strings.ToLower(scope.OwnerAddress), scope.LocationID}, "|")
	v, err := s.listings.Do(ctx, key, func(ctx context.Context) (interface{}, error) {
		return s.buildListing(ctx, r, scope)
	})
	if err != nil {
		return Listing{}, err
	}
	return v.(Listing), nil
}

// RelayResult reports a relayed management call.
type RelayResult struct {
	TxHash string
}

// ExecuteOrder relays execution of a matured proposed order. The order must
// belong to the restaurant's owner and location, still be open, and its
// pending window must have elapsed.
func (s *Service) ExecuteOrder(ctx context.Context, locationID, orderID string, authReq auth.Request) (RelayResult, error) {
	r, id, err := s.relayChecks(ctx, locationID, orderID, authReq, ActionExecuteOrder)
	if err != nil {
		return RelayResult{}, err
	}
	ord, err := s.ownedOrder(ctx, r, id)
	if err != nil {
		return RelayResult{}, err
	}
	if !ord.Executable(s.now()) {
		return RelayResult{}, fmt.Errorf("order %s executable after %s: %w",
			orderID, time.Unix(int64(ord.ExecuteAfter), 0).UTC().Format(time.RFC3339), ErrOrderNotReady)
	}
	data, err := s.treasury.PackExecuteOrder(id)
	if err != nil {
		return RelayResult{}, fmt.Errorf("encode execute: %w", err)
	}
	return s.relay(ctx, "execute-order", data)
}

// CancelOrder relays cancellation of an open proposed order.
func (s *Service) CancelOrder(ctx context.Context, locationID, orderID string, authReq auth.Request) (RelayResult, error) {
	r, id, err := s.relayChecks(ctx, locationID, orderID, authReq, ActionCancelOrder)
	if err != nil {
		return RelayResult{}, err
	}
	if _, err := s.ownedOrder(ctx, r, id); err != nil {
		return RelayResult{}, err
	}
	data, err := s.treasury.PackCancelOrder(id)
	if err != nil {
		return RelayResult{}, fmt.Errorf("encode cancel: %w", err)
	}
	return s.relay(ctx, "cancel-order", data)
}

// SetIntentApproval relays per-intent approval for the owner.
func (s *Service) SetIntentApproval(ctx context.Context, locationID, intentRef string, approved bool, authReq auth.Request) (RelayResult, error) {
	r, err := s.restaurants.GetRestaurant(ctx, locationID)
	if err != nil {
		return RelayResult{}, err
	}
	if err := s.chainReady(); err != nil {
		return RelayResult{}, err
	}
	if err := s.authorize(ctx, r, authReq, ActionSetIntentApproval); err != nil {
		return RelayResult{}, err
	}
	ref, err := chain.RefFromHex(intentRef)
	if err != nil {
		return RelayResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	data, err := s.treasury.PackSetIntentApproval(ref, approved)
	if err != nil {
		return RelayResult{}, fmt.Errorf("encode approval: %w", err)
	}
	return s.relay(ctx, "set-intent-approval", data)
}

// SetRequireApproval relays the owner's standing execution policy.
func (s *Service) SetRequireApproval(ctx context.Context, locationID string, required bool, authReq auth.Request) (RelayResult, error) {
	r, err := s.restaurants.GetRestaurant(ctx, locationID)
	if err != nil {
		return RelayResult{}, err
	}
	if err := s.chainReady(); err != nil {
		return RelayResult{}, err
	}
	if err := s.authorize(ctx, r, authReq, ActionSetRequireApproval); err != nil {
		return RelayResult{}, err
	}
	data, err := s.treasury.PackSetRequireApprovalForExecution(required)
	if err != nil {
		return RelayResult{}, fmt.Errorf("encode policy: %w", err)
	}
	return s.relay(ctx, "set-require-approval", data)
}

// SetAgent relays agent authorization for the owner. Autopilot runs require
// the funding account to be set as an agent first.
func (s *Service) SetAgent(ctx context.Context, locationID, agent string, allowed bool, authReq auth.Request) (RelayResult, error) {
	r, err := s.restaurants.GetRestaurant(ctx, locationID)
	if err != nil {
		return RelayResult{}, err
	}
	if err := s.chainReady(); err != nil {
		return RelayResult{}, err
	}
	if err := s.authorize(ctx, r, authReq, ActionSetAgent); err != nil {
		return RelayResult{}, err
	}
	agent = strings.TrimSpace(agent)
	if !common.IsHexAddress(agent) {
		return RelayResult{}, fmt.Errorf("%w: agent address %q malformed", ErrInvalidRequest, agent)
	}
	data, err := s.treasury.PackSetAgent(common.HexToAddress(agent), allowed)
	if err != nil {
		return RelayResult{}, fmt.Errorf("encode agent: %w", err)
	}
	return s.relay(ctx, "set-agent", data)
}

// ---- internals ----------------------------------------------------------------

func (s *Service) chainReady() error {
	if s.treasury == nil || s.broadcaster == nil {
		return ErrChainDisabled
	}
	return nil
}

func (s *Service) scopeFor(r restaurant.Restaurant) storage.Scope {
	return storage.Scope{
		Environment:  string(s.cfg.Environment),
		OwnerAddress: r.OwnerAddress,
		LocationID:   r.ID,
	}
}

// authorize verifies a signed request against server-side truth. Action,
// environment and location are overwritten before verification so the signed
// message must bind what the server will actually do, not what the client
// claimed.
func (s *Service) authorize(ctx context.Context, r restaurant.Restaurant, req auth.Request, action string) error {
	if !strings.EqualFold(strings.TrimSpace(req.OwnerAddress), r.OwnerAddress) {
		return fmt.Errorf("%w: signer is not the registered owner", auth.ErrUnbound)
	}
	req.Action = action
	req.Environment = string(s.cfg.Environment)
	req.LocationID = r.ID
	return s.verifier.Verify(ctx, req)
}

func (s *Service) mergePreferences(r restaurant.Restaurant, req ProposeRequest) (restaurant.Preferences, error) {
	prefs := r.Preferences
	if strat := strings.ToLower(strings.TrimSpace(req.Strategy)); strat != "" {
		if !plan.KnownStrategy(strat) {
			return restaurant.Preferences{}, fmt.Errorf("%w: unknown strategy %q", ErrInvalidRequest, req.Strategy)
		}
		prefs.Strategy = strat
	}
	if prefs.Strategy == "" {
		prefs.Strategy = plan.StrategyBalanced
	}
	if req.HorizonDays < 0 {
		return restaurant.Preferences{}, fmt.Errorf("%w: horizon days must not be negative", ErrInvalidRequest)
	}
	if req.HorizonDays > 0 {
		prefs.HorizonDays = req.HorizonDays
	}
	if prefs.HorizonDays <= 0 {
		prefs.HorizonDays = planning.DefaultHorizonDays
	}
	if note := strings.TrimSpace(req.Context); note != "" {
		if prefs.Context != "" {
			prefs.Context += "\n"
		}
		prefs.Context += note
	}
	return prefs, nil
}

// packTransfers picks the settlement mode from the owner's standing policy
// and encodes one treasury call per transfer.
func (s *Service) packTransfers(ctx context.Context, r restaurant.Restaurant, owner common.Address, built intent.Intent) (string, []broadcast.Call, error) {
	requireApproval, err := s.treasury.RequireApprovalForExecution(ctx, owner)
	if err != nil {
		return "", nil, fmt.Errorf("read approval policy: %w", err)
	}
	mode := intent.ModePaid
	if requireApproval {
		mode = intent.ModeProposed
	}

	ref, err := chain.RefFromHex(built.Ref)
	if err != nil {
		return "", nil, fmt.Errorf("intent reference: %w", err)
	}
	restRef := chain.RestaurantRef(r.ID)

	calls := make([]broadcast.Call, 0, len(built.Transfers))
	for _, t := range built.Transfers {
		supplier := common.HexToAddress(t.PayoutAddress)
		amount := chain.TokenAmountFromCents(t.AmountCents)
		var data []byte
		if mode == intent.ModeProposed {
			data, err = s.treasury.PackProposeOrderFor(owner, supplier, amount, uint64(built.PendingUntil.Unix()), ref, restRef)
		} else {
			data, err = s.treasury.PackPayOrderFor(owner, supplier, amount, ref, restRef)
		}
		if err != nil {
			return "", nil, fmt.Errorf("encode transfer for %s: %w", t.SupplierID, err)
		}
		calls = append(calls, broadcast.Call{To: s.treasury.Address(), Data: data, Label: t.SupplierID})
	}
	return mode, calls, nil
}

// buildOutcomes pairs transfers with their broadcast results. A batch-level
// submit error fails every transfer; per-call results fail only their own.
func (s *Service) buildOutcomes(transfers []intent.Transfer, results []broadcast.Result, submitErr error) []intent.TransferOutcome {
	outcomes := make([]intent.TransferOutcome, 0, len(transfers))
	for i, t := range transfers {
		out := intent.TransferOutcome{
			SupplierID:    t.SupplierID,
			PayoutAddress: t.PayoutAddress,
			AmountCents:   t.AmountCents,
			AmountUSD:     t.AmountUSD,
		}
		switch {
		case submitErr != nil:
			out.Status = intent.OutcomeFailed
			out.Error = submitErr.Error()
		case i < len(results) && results[i].Err != nil:
			out.Status = intent.OutcomeFailed
			out.Error = results[i].Err.Error()
		case i < len(results):
			out.Status = intent.OutcomeSubmitted
			out.TxHash = results[i].TxHash
		default:
			out.Status = intent.OutcomeFailed
			out.Error = "no broadcast result"
		}
		metrics.RecordBroadcastTransfer(out.Status)
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// trackPipeline registers expected deliveries for the transfers that reached
// the ledger. Tracking failures are logged, never fatal: the payment already
// happened and must stay recorded.
func (s *Service) trackPipeline(ctx context.Context, scope storage.Scope, built intent.Intent, suppliers []inventory.Supplier, outcomes []intent.TransferOutcome, now time.Time) {
	submitted := make(map[string]bool, len(outcomes))
	for _, out := range outcomes {
		if out.Status == intent.OutcomeSubmitted {
			submitted[out.SupplierID] = true
		}
	}
	leads := make(map[string]int, len(suppliers))
	for _, sup := range suppliers {
		leads[sup.ID] = sup.LeadTimeDays
	}

	var items []pipeline.Item
	for _, t := range built.Transfers {
		if !submitted[t.SupplierID] {
			continue
		}
		lead := leads[t.SupplierID]
		if lead <= 0 {
			lead = 1
		}
		eta := now.Add(time.Duration(lead) * 24 * time.Hour)
		for _, line := range t.Lines {
			items = append(items, pipeline.Item{
				SKU:        line.SKU,
				Units:      line.Quantity,
				SupplierID: t.SupplierID,
				ETA:        eta,
			})
		}
	}
	if len(items) == 0 {
		return
	}
	if _, err := s.pipeline.Track(ctx, scope, built.Ref, items); err != nil {
		s.log.WithError(err).WithField("intent_ref", built.Ref).Warn("Pipeline tracking failed")
	}
}

func (s *Service) buildListing(ctx context.Context, r restaurant.Restaurant, scope storage.Scope) (Listing, error) {
	recs, err := s.intents.ListIntentRecords(ctx, scope)
	if err != nil {
		return Listing{}, err
	}
	if len(recs) > 0 || s.treasury == nil {
		return Listing{Source: "registry", Records: recs}, nil
	}
	open, err := s.scanOpenOrders(ctx, r)
	if err != nil {
		return Listing{}, err
	}
	return Listing{Source: "chain", OnChain: open}, nil
}

func (s *Service) scanOpenOrders(ctx context.Context, r restaurant.Restaurant) ([]OpenOrder, error) {
	total, err := s.treasury.NextOrderID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read order count: %w", err)
	}
	if !total.IsInt64() {
		return nil, fmt.Errorf("order count %s out of range", total)
	}
	count := total.Int64()
	start := int64(0)
	if count > maxOrderScan {
		start = count - maxOrderScan
	}

	owner := common.HexToAddress(r.OwnerAddress)
	restRef := chain.RestaurantRef(r.ID)
	now := s.now()

	var open []OpenOrder
	for i := start; i < count; i++ {
		ord, err := s.treasury.PendingOrder(ctx, big.NewInt(i))
		if err != nil {
			return nil, fmt.Errorf("read order %d: %w", i, err)
		}
		if ord.Owner != owner || ord.RestaurantID != restRef || !ord.Open() {
			continue
		}
		cents := chain.CentsFromTokenAmount(ord.Amount)
		open = append(open, OpenOrder{
			OrderID:      strconv.FormatInt(i, 10),
			Supplier:     ord.Supplier.Hex(),
			AmountCents:  cents,
			AmountUSD:    float64(cents) / 100,
			ExecuteAfter: time.Unix(int64(ord.ExecuteAfter), 0).UTC(),
			Executable:   ord.Executable(now),
			IntentRef:    chain.RefToHex(ord.Ref),
		})
	}
	return open, nil
}

// relayChecks runs the shared preamble of execute/cancel: restaurant lookup,
// chain availability, signed-request verification and order id parsing.
func (s *Service) relayChecks(ctx context.Context, locationID, orderID string, authReq auth.Request, action string) (restaurant.Restaurant, *big.Int, error) {
	r, err := s.restaurants.GetRestaurant(ctx, locationID)
	if err != nil {
		return restaurant.Restaurant{}, nil, err
	}
	if err := s.chainReady(); err != nil {
		return restaurant.Restaurant{}, nil, err
	}
	if err := s.authorize(ctx, r, authReq, action); err != nil {
		return restaurant.Restaurant{}, nil, err
	}
	id, ok := new(big.Int).SetString(strings.TrimSpace(orderID), 10)
	if !ok || id.Sign() < 0 {
		return restaurant.Restaurant{}, nil, fmt.Errorf("%w: order id %q is not a number", ErrInvalidRequest, orderID)
	}
	return r, id, nil
}

// ownedOrder reads an order and checks it belongs to this restaurant. Orders
// outside the scope read as not found so order ids cannot be probed across
// owners.
func (s *Service) ownedOrder(ctx context.Context, r restaurant.Restaurant, id *big.Int) (chain.PendingOrder, error) {
	ord, err := s.treasury.PendingOrder(ctx, id)
	if err != nil {
		return chain.PendingOrder{}, fmt.Errorf("read order %s: %w", id, err)
	}
	if ord.Owner != common.HexToAddress(r.OwnerAddress) || ord.RestaurantID != chain.RestaurantRef(r.ID) {
		return chain.PendingOrder{}, fmt.Errorf("order %s: %w", id, storage.ErrNotFound)
	}
	if !ord.Open() {
		return chain.PendingOrder{}, fmt.Errorf("order %s: %w", id, ErrOrderClosed)
	}
	return ord, nil
}

func (s *Service) relay(ctx context.Context, label string, data []byte) (RelayResult, error) {
	results, err := s.broadcaster.Submit(ctx, []broadcast.Call{{To: s.treasury.Address(), Data: data, Label: label}})
	if err != nil {
		return RelayResult{}, err
	}
	if len(results) != 1 {
		return RelayResult{}, fmt.Errorf("broadcast returned %d results, want 1", len(results))
	}
	if results[0].Err != nil {
		metrics.RecordBroadcastTransfer(intent.OutcomeFailed)
		return RelayResult{}, fmt.Errorf("%s: %w", label, results[0].Err)
	}
	metrics.RecordBroadcastTransfer(intent.OutcomeSubmitted)
	return RelayResult{TxHash: results[0].TxHash}, nil
}

func plannerStatus(err error) string {
	switch {
	case err == nil:
		return "drafted"
	case errors.Is(err, planning.ErrPlannerTimeout):
		return "timeout"
	case errors.Is(err, planning.ErrPlannerMalformed):
		return "malformed"
	default:
		return "error"
	}
}
