package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	app "github.com/stockpot-labs/supply_layer/internal/app"
	"github.com/stockpot-labs/supply_layer/internal/app/domain/inventory"
	"github.com/stockpot-labs/supply_layer/internal/app/domain/restaurant"
	"github.com/stockpot-labs/supply_layer/internal/app/metrics"
	"github.com/stockpot-labs/supply_layer/internal/app/services/auth"
	"github.com/stockpot-labs/supply_layer/internal/app/services/broadcast"
	intentsvc "github.com/stockpot-labs/supply_layer/internal/app/services/intent"
	orderssvc "github.com/stockpot-labs/supply_layer/internal/app/services/orders"
	planningsvc "github.com/stockpot-labs/supply_layer/internal/app/services/planning"
	restaurantsvc "github.com/stockpot-labs/supply_layer/internal/app/services/restaurants"
	"github.com/stockpot-labs/supply_layer/internal/app/storage"
	"github.com/stockpot-labs/supply_layer/internal/chain"
	"github.com/stockpot-labs/supply_layer/internal/config"
	"github.com/stockpot-labs/supply_layer/pkg/logger"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app     *app.Application
	audit   *auditLog
	started time.Time
}

// NewHandler returns a mux exposing the core REST API without middleware.
// Tests and embedders that bring their own auth use this directly.
func NewHandler(application *app.Application) http.Handler {
	return newMux(application, nil)
}

// NewServer assembles the production handler: the REST mux wrapped with
// bearer auth and audit capture, rate limiting, CORS, and Prometheus
// instrumentation.
func NewServer(application *app.Application, cfg *config.Config, log *logger.Logger) (http.Handler, error) {
	if cfg == nil {
		cfg = application.Config()
	}
	if log == nil {
		log = logger.NewDefault("httpapi")
	}

	sink, err := newFileAuditSink(cfg.Audit.LogFile)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	audit := newAuditLog(0, sink)

	tokens := cfg.Server.Tokens()
	if len(tokens) == 0 {
		log.Warn("SUPPLY_API_TOKENS not set; API requests are not authenticated")
	}

	var h http.Handler = newMux(application, audit)
	h = wrapWithAuth(h, tokens, audit)
	h = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst).wrap(h)
	h = wrapWithCORS(h, cfg.Server.Origins())
	return metrics.InstrumentHandler(h), nil
}

func newMux(application *app.Application, audit *auditLog) http.Handler {
	h := &handler{app: application, audit: audit, started: time.Now()}
	mux := http.NewServeMux()
	mux.HandleFunc("/restaurants", h.restaurants)
	mux.HandleFunc("/restaurants/", h.restaurantResources)
	mux.HandleFunc("/audit", h.auditEntries)
	mux.HandleFunc("/healthz", h.healthz)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// signedRequest is the wire form of an owner-signed authorization. The
// environment, location, and action are bound server-side from the route.
type signedRequest struct {
	OwnerAddress string `json:"owner_address"`
	Message      string `json:"message"`
	Signature    string `json:"signature"`
	IssuedAt     int64  `json:"issued_at"`
}

func (p signedRequest) authRequest() auth.Request {
	return auth.Request{
		OwnerAddress: p.OwnerAddress,
		Message:      p.Message,
		Signature:    p.Signature,
		IssuedAt:     p.IssuedAt,
	}
}

type preferencesPayload struct {
	Strategy    string `json:"strategy"`
	HorizonDays int    `json:"horizon_days"`
	Context     string `json:"context"`
}

func (p preferencesPayload) model() restaurant.Preferences {
	return restaurant.Preferences{
		Strategy:    p.Strategy,
		HorizonDays: p.HorizonDays,
		Context:     p.Context,
	}
}

// scopeFor keys reads the same way proposal runs key their writes, so intent
// and pipeline lookups land on the records the orders service produced.
func (h *handler) scopeFor(r restaurant.Restaurant) storage.Scope {
	return storage.Scope{
		Environment:  string(h.app.Config().Environment),
		OwnerAddress: r.OwnerAddress,
		LocationID:   r.ID,
	}
}

func (h *handler) restaurants(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			ID           string              `json:"id"`
			OwnerAddress string              `json:"owner_address"`
			Name         string              `json:"name"`
			Autopilot    bool                `json:"autopilot"`
			Schedule     string              `json:"schedule"`
			Preferences  *preferencesPayload `json:"preferences"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		rest := restaurant.Restaurant{
			ID:           payload.ID,
			OwnerAddress: payload.OwnerAddress,
			Name:         payload.Name,
			Autopilot:    payload.Autopilot,
			Schedule:     payload.Schedule,
		}
		if payload.Preferences != nil {
			rest.Preferences = payload.Preferences.model()
		}
		created, err := h.app.Restaurants.Register(r.Context(), rest)
		if err != nil {
			writeError(w, statusFor(err, http.StatusBadRequest), err)
			return
		}
		writeJSON(w, http.StatusCreated, created)

	case http.MethodGet:
		all, err := h.app.Restaurants.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, all)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) restaurantResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/restaurants"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	locationID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			rest, err := h.app.Restaurants.Get(r.Context(), locationID)
			if err != nil {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeJSON(w, http.StatusOK, rest)
		case http.MethodPatch:
			var payload struct {
				Name        *string             `json:"name"`
				Autopilot   *bool               `json:"autopilot"`
				Schedule    *string             `json:"schedule"`
				Preferences *preferencesPayload `json:"preferences"`
			}
			if err := decodeJSON(r.Body, &payload); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			upd := restaurantsvc.Settings{
				Name:      payload.Name,
				Autopilot: payload.Autopilot,
				Schedule:  payload.Schedule,
			}
			if payload.Preferences != nil {
				prefs := payload.Preferences.model()
				upd.Preferences = &prefs
			}
			updated, err := h.app.Restaurants.UpdateSettings(r.Context(), locationID, upd)
			if err != nil {
				writeError(w, statusFor(err, http.StatusBadRequest), err)
				return
			}
			writeJSON(w, http.StatusOK, updated)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	switch parts[1] {
	case "inventory":
		h.locationInventory(w, r, locationID)
	case "suppliers":
		h.locationSuppliers(w, r, locationID)
	case "snapshot":
		h.locationSnapshot(w, r, locationID)
	case "proposals":
		h.locationProposals(w, r, locationID, parts[2:])
	case "orders":
		h.locationOrders(w, r, locationID, parts[2:])
	case "approvals":
		h.locationApprovals(w, r, locationID)
	case "agents":
		h.locationAgents(w, r, locationID)
	case "settings":
		h.locationSettings(w, r, locationID, parts[2:])
	case "pipeline":
		h.locationPipeline(w, r, locationID, parts[2:])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) locationInventory(w http.ResponseWriter, r *http.Request, locationID string) {
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			SKU             string  `json:"sku"`
			Name            string  `json:"name"`
			Category        string  `json:"category"`
			Unit            string  `json:"unit"`
			OnHand          int64   `json:"on_hand"`
			ParLevel        int64   `json:"par_level"`
			DailyUsageUnits float64 `json:"daily_usage_units"`
			UnitCostUSD     float64 `json:"unit_cost_usd"`
			PriceUSD        float64 `json:"price_usd"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		item, err := h.app.Restaurants.UpsertItem(r.Context(), locationID, inventory.Item{
			SKU:             payload.SKU,
			Name:            payload.Name,
			Category:        payload.Category,
			Unit:            payload.Unit,
			OnHand:          payload.OnHand,
			ParLevel:        payload.ParLevel,
			DailyUsageUnits: payload.DailyUsageUnits,
			UnitCostUSD:     payload.UnitCostUSD,
			PriceUSD:        payload.PriceUSD,
		})
		if err != nil {
			writeError(w, statusFor(err, http.StatusBadRequest), err)
			return
		}
		writeJSON(w, http.StatusOK, item)

	case http.MethodGet:
		items, err := h.app.Restaurants.ListItems(r.Context(), locationID)
		if err != nil {
			writeError(w, statusFor(err, http.StatusInternalServerError), err)
			return
		}
		writeJSON(w, http.StatusOK, items)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) locationSuppliers(w http.ResponseWriter, r *http.Request, locationID string) {
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			ID            string  `json:"id"`
			Name          string  `json:"name"`
			PayoutAddress string  `json:"payout_address"`
			LeadTimeDays  int     `json:"lead_time_days"`
			MinOrderUSD   float64 `json:"min_order_usd"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		sup, err := h.app.Restaurants.UpsertSupplier(r.Context(), locationID, inventory.Supplier{
			ID:            payload.ID,
			Name:          payload.Name,
			PayoutAddress: payload.PayoutAddress,
			LeadTimeDays:  payload.LeadTimeDays,
			MinOrderUSD:   payload.MinOrderUSD,
		})
		if err != nil {
			writeError(w, statusFor(err, http.StatusBadRequest), err)
			return
		}
		writeJSON(w, http.StatusOK, sup)

	case http.MethodGet:
		sups, err := h.app.Restaurants.ListSuppliers(r.Context(), locationID)
		if err != nil {
			writeError(w, statusFor(err, http.StatusInternalServerError), err)
			return
		}
		writeJSON(w, http.StatusOK, sups)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) locationSnapshot(w http.ResponseWriter, r *http.Request, locationID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rest, err := h.app.Restaurants.Get(r.Context(), locationID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	horizon, _ := strconv.Atoi(r.URL.Query().Get("horizon_days"))
	snap, err := h.app.Planning.Snapshot(r.Context(), h.scopeFor(rest), horizon, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) locationProposals(w http.ResponseWriter, r *http.Request, locationID string, rest []string) {
	switch {
	case len(rest) == 0:
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var payload struct {
			Auth        signedRequest `json:"auth"`
			AgentRun    bool          `json:"agent_run"`
			Strategy    string        `json:"strategy"`
			HorizonDays int           `json:"horizon_days"`
			Context     string        `json:"context"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		res, err := h.app.Orders.Propose(r.Context(), orderssvc.ProposeRequest{
			LocationID:  locationID,
			Auth:        payload.Auth.authRequest(),
			AgentRun:    payload.AgentRun,
			Strategy:    payload.Strategy,
			HorizonDays: payload.HorizonDays,
			Context:     payload.Context,
		})
		if err != nil {
			var noPay *intentsvc.NoPayableError
			if errors.As(err, &noPay) {
				writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
					"error":    err.Error(),
					"warnings": noPay.Warnings,
				})
				return
			}
			if res.Record.IntentRef != "" {
				// The intent was recorded before the batch failed. Hand the
				// record back so the caller can see which transfers burned
				// the reference.
				writeJSON(w, http.StatusBadGateway, map[string]interface{}{
					"error":  err.Error(),
					"record": res.Record,
				})
				return
			}
			writeError(w, statusFor(err, http.StatusBadRequest), err)
			return
		}
		writeJSON(w, http.StatusCreated, res)

	case len(rest) == 1:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rec, err := h.app.Orders.GetIntent(r.Context(), locationID, rest[0])
		if err != nil {
			writeError(w, statusFor(err, http.StatusInternalServerError), err)
			return
		}
		writeJSON(w, http.StatusOK, rec)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) locationOrders(w http.ResponseWriter, r *http.Request, locationID string, rest []string) {
	switch {
	case len(rest) == 0:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		listing, err := h.app.Orders.ListOpenOrders(r.Context(), locationID)
		if err != nil {
			writeError(w, statusFor(err, http.StatusInternalServerError), err)
			return
		}
		writeJSON(w, http.StatusOK, listing)

	case len(rest) == 2:
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var payload struct {
			Auth signedRequest `json:"auth"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		var (
			res orderssvc.RelayResult
			err error
		)
		switch rest[1] {
		case "execute":
			res, err = h.app.Orders.ExecuteOrder(r.Context(), locationID, rest[0], payload.Auth.authRequest())
		case "cancel":
			res, err = h.app.Orders.CancelOrder(r.Context(), locationID, rest[0], payload.Auth.authRequest())
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			writeError(w, statusFor(err, http.StatusBadRequest), err)
			return
		}
		writeJSON(w, http.StatusOK, res)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) locationApprovals(w http.ResponseWriter, r *http.Request, locationID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		IntentRef string        `json:"intent_ref"`
		Approved  bool          `json:"approved"`
		Auth      signedRequest `json:"auth"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.app.Orders.SetIntentApproval(r.Context(), locationID, payload.IntentRef, payload.Approved, payload.Auth.authRequest())
	if err != nil {
		writeError(w, statusFor(err, http.StatusBadRequest), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) locationAgents(w http.ResponseWriter, r *http.Request, locationID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		AgentAddress string        `json:"agent_address"`
		Allowed      bool          `json:"allowed"`
		Auth         signedRequest `json:"auth"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.app.Orders.SetAgent(r.Context(), locationID, payload.AgentAddress, payload.Allowed, payload.Auth.authRequest())
	if err != nil {
		writeError(w, statusFor(err, http.StatusBadRequest), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) locationSettings(w http.ResponseWriter, r *http.Request, locationID string, rest []string) {
	if len(rest) != 1 || rest[0] != "approval" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Required bool          `json:"required"`
		Auth     signedRequest `json:"auth"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.app.Orders.SetRequireApproval(r.Context(), locationID, payload.Required, payload.Auth.authRequest())
	if err != nil {
		writeError(w, statusFor(err, http.StatusBadRequest), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) locationPipeline(w http.ResponseWriter, r *http.Request, locationID string, rest []string) {
	switch {
	case len(rest) == 0:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		restData, err := h.app.Restaurants.Get(r.Context(), locationID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		records, err := h.app.Pipeline.ListOpen(r.Context(), h.scopeFor(restData), time.Now().UTC())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, records)

	case len(rest) == 2 && rest[1] == "arrived":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var payload struct {
			ArrivedAt string `json:"arrived_at"`
		}
		// The body is optional; an empty POST marks arrival now.
		if err := decodeJSON(r.Body, &payload); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		at := time.Now().UTC()
		if payload.ArrivedAt != "" {
			parsed, err := time.Parse(time.RFC3339, payload.ArrivedAt)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("parse arrived_at: %w", err))
				return
			}
			at = parsed.UTC()
		}
		restData, err := h.app.Restaurants.Get(r.Context(), locationID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		rec, err := h.app.Pipeline.MarkArrived(r.Context(), h.scopeFor(restData), rest[0], at)
		if err != nil {
			writeError(w, statusFor(err, http.StatusBadRequest), err)
			return
		}
		writeJSON(w, http.StatusOK, rec)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) auditEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.audit == nil {
		writeJSON(w, http.StatusOK, []auditEntry{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, h.audit.listLimit(limit))
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"status":         "ok",
		"environment":    string(h.app.Config().Environment),
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats["memory_used_percent"] = vm.UsedPercent
	}
	if up, err := host.Uptime(); err == nil {
		stats["host_uptime_seconds"] = up
	}
	writeJSON(w, http.StatusOK, stats)
}

// statusFor maps service errors onto HTTP statuses. fallback is the
// endpoint's default for anything unrecognized.
func statusFor(err error, fallback int) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrReplay):
		return http.StatusConflict
	case errors.Is(err, auth.ErrExpired),
		errors.Is(err, auth.ErrUnbound),
		errors.Is(err, auth.ErrBadSignature):
		return http.StatusUnauthorized
	case errors.Is(err, orderssvc.ErrAlreadyApplied),
		errors.Is(err, orderssvc.ErrOrderClosed),
		errors.Is(err, orderssvc.ErrOrderNotReady),
		errors.Is(err, storage.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, intentsvc.ErrNoPayableTransfers):
		return http.StatusUnprocessableEntity
	case errors.Is(err, planningsvc.ErrPlannerTimeout),
		errors.Is(err, planningsvc.ErrPlannerMalformed):
		return http.StatusBadGateway
	case errors.Is(err, planningsvc.ErrPlannerUnavailable),
		errors.Is(err, orderssvc.ErrChainDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, broadcast.ErrEnvironmentBlocked),
		errors.Is(err, orderssvc.ErrNotAgent):
		return http.StatusForbidden
	case errors.Is(err, orderssvc.ErrInvalidRequest),
		errors.Is(err, broadcast.ErrMalformedCall):
		return http.StatusBadRequest
	case chain.IsTransient(err):
		// retries exhausted on an RPC or backend outage
		return http.StatusServiceUnavailable
	default:
		return fallback
	}
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
