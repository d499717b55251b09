package app

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/stockpot-labs/supply_layer/internal/app/domain/plan"
	"github.com/stockpot-labs/supply_layer/internal/app/services/auth"
	autopilotsvc "github.com/stockpot-labs/supply_layer/internal/app/services/autopilot"
	"github.com/stockpot-labs/supply_layer/internal/app/services/broadcast"
	orderssvc "github.com/stockpot-labs/supply_layer/internal/app/services/orders"
	pipelinesvc "github.com/stockpot-labs/supply_layer/internal/app/services/pipeline"
	planningsvc "github.com/stockpot-labs/supply_layer/internal/app/services/planning"
	restaurantsvc "github.com/stockpot-labs/supply_layer/internal/app/services/restaurants"
	"github.com/stockpot-labs/supply_layer/internal/app/storage"
	"github.com/stockpot-labs/supply_layer/internal/app/storage/memory"
	"github.com/stockpot-labs/supply_layer/internal/app/system"
	"github.com/stockpot-labs/supply_layer/internal/chain"
	"github.com/stockpot-labs/supply_layer/internal/config"
	"github.com/stockpot-labs/supply_layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Restaurants storage.RestaurantStore
	Catalog     storage.CatalogStore
	Intents     storage.IntentStore
	Pipeline    storage.PipelineStore

	// Replays backs signature replay detection. Nil keeps the verifier's
	// process-local store.
	Replays auth.ReplayStore
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger
	cfg     *config.Config

	Restaurants *restaurantsvc.Service
	Planning    *planningsvc.Service
	Pipeline    *pipelinesvc.Service
	Orders      *orderssvc.Service
}

// New builds a fully initialised application with the provided stores. A nil
// config yields a testing-profile application with no ledger or planner
// backend, which is what the handler tests run against.
func New(cfg *config.Config, stores Stores, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if cfg == nil {
		cfg = &config.Config{Environment: config.EnvTesting}
	}
	if !cfg.Environment.Valid() {
		return nil, fmt.Errorf("unknown environment %q", cfg.Environment)
	}

	mem := memory.New()
	if stores.Restaurants == nil {
		stores.Restaurants = mem
	}
	if stores.Catalog == nil {
		stores.Catalog = mem
	}
	if stores.Intents == nil {
		stores.Intents = mem
	}
	if stores.Pipeline == nil {
		stores.Pipeline = mem
	}

	manager := system.NewManager()

	restaurantService := restaurantsvc.New(stores.Restaurants, stores.Catalog, log)
	pipelineService := pipelinesvc.New(stores.Pipeline, log)
	planningService := planningsvc.New(stores.Catalog, pipelineService, log)
	verifier := auth.NewVerifier(auth.Config{FreshnessWindow: cfg.Auth.FreshnessWindow}, stores.Replays, log)

	treasury, caster, err := buildChain(cfg, log)
	if err != nil {
		return nil, err
	}

	ordersService := orderssvc.New(orderssvc.Config{
		Environment:   cfg.Environment,
		PendingWindow: cfg.Payments.PendingWindow,
		CacheTTL:      cfg.Cache.TTL,
	}, orderssvc.Deps{
		Verifier:    verifier,
		Planning:    planningService,
		Planner:     buildPlanner(cfg, log),
		Restaurants: stores.Restaurants,
		Catalog:     stores.Catalog,
		Intents:     stores.Intents,
		Pipeline:    pipelineService,
		Treasury:    treasury,
		Broadcaster: caster,
		Log:         log,
	})

	for _, name := range []string{"restaurants", "planning", "orders"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}

	if cfg.Autopilot.Enabled {
		runner := autopilotsvc.New(stores.Restaurants, ordersService, cfg.Autopilot.TickInterval, log)
		if err := manager.Register(runner); err != nil {
			return nil, fmt.Errorf("register autopilot: %w", err)
		}
	} else {
		log.Info("autopilot disabled")
	}

	return &Application{
		manager:     manager,
		log:         log,
		cfg:         cfg,
		Restaurants: restaurantService,
		Planning:    planningService,
		Pipeline:    pipelineService,
		Orders:      ordersService,
	}, nil
}

// buildChain wires the treasury binding and the broadcaster from chain
// configuration. Either may come back nil: without an RPC endpoint and
// treasury address there are no ledger reads, and without a funding key
// nothing can be signed. The orders service degrades accordingly.
func buildChain(cfg *config.Config, log *logger.Logger) (*chain.Treasury, *broadcast.Broadcaster, error) {
	rpcURL := strings.TrimSpace(cfg.Chain.RPCURL)
	if rpcURL == "" {
		log.Warn("SUPPLY_CHAIN_RPC_URL not set; ledger integration disabled")
		return nil, nil, nil
	}
	if strings.TrimSpace(cfg.Chain.TreasuryAddress) == "" {
		log.Warn("SUPPLY_TREASURY_ADDRESS not set; ledger integration disabled")
		return nil, nil, nil
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := chain.Dial(dialCtx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial chain rpc: %w", err)
	}

	treasury, err := chain.NewTreasury(chain.TreasuryConfig{
		Address:     cfg.Chain.TreasuryAddress,
		CallTimeout: cfg.Chain.CallTimeout,
	}, client)
	if err != nil {
		return nil, nil, fmt.Errorf("bind treasury: %w", err)
	}

	keyHex := strings.TrimPrefix(strings.TrimSpace(cfg.Chain.FundingKey), "0x")
	if keyHex == "" {
		log.Warn("SUPPLY_FUNDING_KEY not set; ledger reads only, nothing will be broadcast")
		return treasury, nil, nil
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, nil, fmt.Errorf("parse funding key: %w", err)
	}

	caster, err := broadcast.New(broadcast.Config{
		Environment:    cfg.Environment,
		ChainID:        big.NewInt(cfg.Chain.ChainID),
		GasLimit:       cfg.Chain.GasLimit,
		FeeBumpPercent: cfg.Broadcast.FeeBumpPercent,
		SubmitTimeout:  cfg.Broadcast.SubmitTimeout,
	}, client, key, log)
	if err != nil {
		return nil, nil, fmt.Errorf("build broadcaster: %w", err)
	}
	return treasury, caster, nil
}

// buildPlanner wires the LLM planner, or a stub that reports the planner as
// unavailable when no endpoint is configured.
func buildPlanner(cfg *config.Config, log *logger.Logger) planningsvc.Planner {
	url := strings.TrimSpace(cfg.Planner.URL)
	if url == "" {
		log.Warn("SUPPLY_PLANNER_URL not set; proposal planning disabled")
		return planningsvc.PlannerFunc(nil)
	}

	llmCfg := planningsvc.LLMConfig{
		URL:         url,
		APIKey:      cfg.Planner.APIKey,
		Model:       cfg.Planner.Model,
		Timeout:     cfg.Planner.Timeout,
		ContentPath: cfg.Planner.ContentPath,
	}
	if path := strings.TrimSpace(cfg.Planner.ProfilePath); path != "" {
		profile, err := config.LoadPlannerProfile(path)
		if err != nil {
			log.WithError(err).Warn("load planner profile")
		} else {
			llmCfg.SystemPrompt = profile.SystemPrompt
			llmCfg.StrategyHints = profile.Strategies
		}
	}

	httpClient := &http.Client{Timeout: llmCfg.Timeout + 10*time.Second}
	planner, err := planningsvc.NewLLMPlanner(llmCfg, httpClient, log)
	if err != nil {
		log.WithError(err).Warn("configure planner")
		return planningsvc.PlannerFunc(func(context.Context, planningsvc.PlanRequest) (plan.Candidate, error) {
			return plan.Candidate{}, planningsvc.ErrPlannerUnavailable
		})
	}
	return planner
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Config returns the configuration the application was built with.
func (a *Application) Config() *config.Config {
	return a.cfg
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
