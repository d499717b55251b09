// Package autopilot drives scheduled autonomous proposal runs. Each
// restaurant carries a cron schedule; when it fires, the runner executes the
// same pipeline an owner would trigger by hand, authorized through the
// treasury agent allowance instead of a signature.
package autopilot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stockpot-labs/supply_layer/internal/app/domain/restaurant"
	"github.com/stockpot-labs/supply_layer/internal/app/metrics"
	intentsvc "github.com/stockpot-labs/supply_layer/internal/app/services/intent"
	"github.com/stockpot-labs/supply_layer/internal/app/services/orders"
	"github.com/stockpot-labs/supply_layer/internal/app/storage"
	"github.com/stockpot-labs/supply_layer/internal/app/system"
	"github.com/stockpot-labs/supply_layer/pkg/logger"
)

const (
	defaultSchedule   = "@daily"
	defaultRunTimeout = 2 * time.Minute
)

// Proposer executes one proposal run. Satisfied by the orders service.
type Proposer interface {
	Propose(ctx context.Context, req orders.ProposeRequest) (orders.ProposeResult, error)
}

var _ system.Service = (*Runner)(nil)

// Runner polls the restaurant registry and fires agent proposal runs for
// every location whose schedule has come due since the previous tick.
type Runner struct {
	restaurants storage.RestaurantStore
	proposer    Proposer
	interval    time.Duration
	runTimeout  time.Duration
	log         *logger.Logger
	now         func() time.Time

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	schedules map[string]scheduleState
}

// scheduleState remembers the expression a firing time was computed from, so
// an edited schedule re-arms instead of firing off the stale time.
type scheduleState struct {
	expr string
	next time.Time
}

// New creates a lifecycle-managed autopilot runner ticking every interval.
func New(restaurants storage.RestaurantStore, proposer Proposer, interval time.Duration, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.NewDefault("autopilot")
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Runner{
		restaurants: restaurants,
		proposer:    proposer,
		interval:    interval,
		runTimeout:  defaultRunTimeout,
		log:         log,
		now:         time.Now,
		schedules:   make(map[string]scheduleState),
	}
}

func (r *Runner) Name() string { return "autopilot" }

func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.tick(runCtx)
			}
		}
	}()

	r.log.Info("autopilot runner started")
	return nil
}

func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.log.Info("autopilot runner stopped")
	return nil
}

func (r *Runner) tick(ctx context.Context) {
	if r.proposer == nil {
		return
	}
	rs, err := r.restaurants.ListRestaurants(ctx)
	if err != nil {
		r.log.WithError(err).Warn("autopilot tick failed")
		return
	}

	now := r.now()
	for _, rest := range rs {
		if !rest.Autopilot {
			continue
		}
		if !r.due(rest, now) {
			continue
		}
		r.run(ctx, rest)
	}
}

// due reports whether the restaurant's schedule fired since the last check.
// A restaurant seen for the first time is armed for its next firing rather
// than run immediately, so a process restart does not re-propose everything.
func (r *Runner) due(rest restaurant.Restaurant, now time.Time) bool {
	expr := strings.TrimSpace(rest.Schedule)
	if expr == "" {
		expr = defaultSchedule
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		r.log.WithField("location_id", rest.ID).WithError(err).Warn("Unparseable autopilot schedule")
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.schedules[rest.ID]
	if !ok || st.expr != expr {
		r.schedules[rest.ID] = scheduleState{expr: expr, next: sched.Next(now)}
		return false
	}
	if now.Before(st.next) {
		return false
	}
	r.schedules[rest.ID] = scheduleState{expr: expr, next: sched.Next(now)}
	return true
}

func (r *Runner) run(ctx context.Context, rest restaurant.Restaurant) {
	ctx, cancel := context.WithTimeout(ctx, r.runTimeout)
	defer cancel()

	start := time.Now()
	res, err := r.proposer.Propose(ctx, orders.ProposeRequest{
		LocationID: rest.ID,
		AgentRun:   true,
	})
	elapsed := time.Since(start)

	switch {
	case err == nil:
		metrics.RecordAutopilotRun(rest.ID, elapsed, true)
		r.log.WithFields(map[string]interface{}{
			"location_id": rest.ID,
			"intent_ref":  res.Record.IntentRef,
			"mode":        res.Record.Mode,
			"total_cents": res.Record.TotalCents,
		}).Info("Autopilot run completed")
	case errors.Is(err, intentsvc.ErrNoPayableTransfers):
		// a plan with nothing worth buying is a normal outcome
		metrics.RecordAutopilotRun(rest.ID, elapsed, true)
		r.log.WithField("location_id", rest.ID).Info("Autopilot run proposed no orders")
	default:
		metrics.RecordAutopilotRun(rest.ID, elapsed, false)
		r.log.WithField("location_id", rest.ID).WithError(err).Error("Autopilot run failed")
	}
}
