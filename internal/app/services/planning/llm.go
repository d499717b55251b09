package planning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"

	"github.com/stockpot-labs/supply_layer/internal/app/domain/plan"
	"github.com/stockpot-labs/supply_layer/internal/retry"
	"github.com/stockpot-labs/supply_layer/pkg/logger"
)

const defaultSystemPrompt = "You are a restaurant supply planner. Given current stock, " +
	"incoming deliveries and par levels, draft reorders that keep the kitchen stocked " +
	"through the planning horizon without overbuying. Reply with JSON only, shaped as " +
	`{"orders":[{"supplier_id":"...","items":[{"sku":"...","quantity":1,"reason":"..."}]}]}.`

// LLMConfig configures the hosted-model planner.
type LLMConfig struct {
	URL     string
	APIKey  string
	Model   string
	Timeout time.Duration
	// ContentPath locates the planner text inside the provider envelope.
	ContentPath string
	// SystemPrompt overrides the built-in instructions.
	SystemPrompt string
	// StrategyHints appends per-strategy guidance to the system prompt.
	StrategyHints map[string]string
	Retry         retry.Config
}

// LLMPlanner drafts plans by calling a chat-completions endpoint. The
// response is treated as untrusted input; only what survives ParseCandidate
// is used.
type LLMPlanner struct {
	cfg    LLMConfig
	client *http.Client
	log    *logger.Logger
}

var _ Planner = (*LLMPlanner)(nil)

// NewLLMPlanner constructs a planner client.
func NewLLMPlanner(cfg LLMConfig, client *http.Client, log *logger.Logger) (*LLMPlanner, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		return nil, fmt.Errorf("planner url required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if strings.TrimSpace(cfg.ContentPath) == "" {
		cfg.ContentPath = "$.choices[0].message.content"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialBackoff == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if client == nil {
		client = &http.Client{}
	}
	if log == nil {
		log = logger.NewDefault("planner")
	}
	return &LLMPlanner{cfg: cfg, client: client, log: log}, nil
}

// Plan sends the snapshot to the model and validates the response. The call
// is bounded by the configured timeout; hitting it yields ErrPlannerTimeout.
func (p *LLMPlanner) Plan(ctx context.Context, req PlanRequest) (plan.Candidate, error) {
	prompt, err := buildPrompt(req)
	if err != nil {
		return plan.Candidate{}, fmt.Errorf("build prompt: %w", err)
	}

	system := p.cfg.SystemPrompt
	if hint := p.cfg.StrategyHints[req.Preferences.Strategy]; hint != "" {
		system += " " + hint
	}

	payload, err := json.Marshal(map[string]interface{}{
		"model":       p.cfg.Model,
		"temperature": 0,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": prompt},
		},
	})
	if err != nil {
		return plan.Candidate{}, fmt.Errorf("encode planner request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	var raw []byte
	err = retry.Do(callCtx, p.cfg.Retry, retryablePlannerError, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if p.cfg.APIKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
		}
		resp, err := p.client.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return &plannerStatusError{code: resp.StatusCode}
		}
		raw = body
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return plan.Candidate{}, fmt.Errorf("%w after %s", ErrPlannerTimeout, p.cfg.Timeout)
		}
		return plan.Candidate{}, fmt.Errorf("planner request: %w", err)
	}

	content, err := extractContent(raw, p.cfg.ContentPath)
	if err != nil {
		return plan.Candidate{}, fmt.Errorf("%w: %v", ErrPlannerMalformed, err)
	}

	cand, err := ParseCandidate(content, req.Preferences.Strategy, req.Snapshot.HorizonDays)
	if err != nil {
		return plan.Candidate{}, err
	}
	p.log.WithField("location_id", req.Snapshot.LocationID).
		WithField("orders", len(cand.Orders)).
		Info("reorder plan drafted")
	return cand, nil
}

// extractContent locates the planner text inside the provider envelope.
func extractContent(raw []byte, path string) (string, error) {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	v, err := jsonpath.Get(path, doc)
	if err != nil {
		return "", fmt.Errorf("locate content at %s: %w", path, err)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("content at %s is not text", path)
	}
	return s, nil
}

func buildPrompt(req PlanRequest) (string, error) {
	stock, err := json.Marshal(snapshotLines(req.Snapshot))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Planning horizon: %d days. Strategy: %s.\n", req.Snapshot.HorizonDays, req.Preferences.Strategy)
	if ctxNote := strings.TrimSpace(req.Preferences.Context); ctxNote != "" {
		fmt.Fprintf(&b, "Owner notes: %s\n", ctxNote)
	}
	b.WriteString("Suppliers:\n")
	for _, sup := range req.Suppliers {
		fmt.Fprintf(&b, "- id=%s name=%q lead_time_days=%d min_order_usd=%.2f\n",
			sup.ID, sup.Name, sup.LeadTimeDays, sup.MinOrderUSD)
	}
	fmt.Fprintf(&b, "Stock (effective_on_hand already counts incoming deliveries):\n%s\n", stock)
	b.WriteString("Draft the reorders.")
	return b.String(), nil
}

type promptLine struct {
	SKU             string  `json:"sku"`
	Name            string  `json:"name"`
	Unit            string  `json:"unit"`
	OnHand          int64   `json:"on_hand"`
	Inbound         int64   `json:"inbound"`
	EffectiveOnHand int64   `json:"effective_on_hand"`
	ParLevel        int64   `json:"par_level"`
	DailyUsage      float64 `json:"daily_usage"`
}

func snapshotLines(snap plan.Snapshot) []promptLine {
	lines := make([]promptLine, 0, len(snap.Items))
	for _, it := range snap.Items {
		lines = append(lines, promptLine{
			SKU:             it.SKU,
			Name:            it.Name,
			Unit:            it.Unit,
			OnHand:          it.OnHand,
			Inbound:         it.PipelineUnits,
			EffectiveOnHand: it.EffectiveOnHand,
			ParLevel:        it.ParLevel,
			DailyUsage:      it.DailyUsageUnits,
		})
	}
	return lines
}

type plannerStatusError struct {
	code int
}

func (e *plannerStatusError) Error() string {
	return fmt.Sprintf("planner status %d", e.code)
}

func retryablePlannerError(err error) bool {
	var se *plannerStatusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= http.StatusInternalServerError
	}
	return retry.IsNetworkError(err)
}
