package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/roamrate/roamrate/internal/bandit"
	"github.com/roamrate/roamrate/internal/outcomes"
	"github.com/roamrate/roamrate/internal/pricing"
	"github.com/roamrate/roamrate/internal/registry"
	"github.com/roamrate/roamrate/internal/telemetry"
)

// Handlers holds the service dependencies for every endpoint.
type Handlers struct {
	// Version is reported by the health endpoint.
	Version string

	pipeline *pricing.Pipeline
	store    *outcomes.Store
	models   *registry.Registry
	bandits  *bandit.Manager
	metrics  *telemetry.Metrics
	hub      *Hub
	logger   zerolog.Logger
	started  time.Time
}

// NewHandlers wires the endpoint dependencies. Any of them may be nil; the
// corresponding endpoint then reports unavailable instead of panicking.
func NewHandlers(pipeline *pricing.Pipeline, store *outcomes.Store, models *registry.Registry, bandits *bandit.Manager, metrics *telemetry.Metrics, hub *Hub, logger zerolog.Logger) *Handlers {
	return &Handlers{
		Version:  "dev",
		pipeline: pipeline,
		store:    store,
		models:   models,
		bandits:  bandits,
		metrics:  metrics,
		hub:      hub,
		logger:   logger,
		started:  time.Now(),
	}
}

func (h *Handlers) closeStreams() {
	if h.hub != nil {
		h.hub.Close()
	}
}

// quoteRequest is the wire form of a scoring request. Boolean toggles that
// default to on are pointers so an omitted field reads as true.
type quoteRequest struct {
	PropertyID string `json:"property_id"`
	UserID     string `json:"user_id"`
	SessionID  string `json:"session_id"`
	StayDate   string `json:"stay_date"`
	QuoteTime  string `json:"quote_time"`

	Product struct {
		Type         string `json:"type"`
		Refundable   bool   `json:"refundable"`
		LengthOfStay int    `json:"length_of_stay"`
	} `json:"product"`

	Inventory struct {
		Capacity  int `json:"capacity"`
		Remaining int `json:"remaining"`
	} `json:"inventory"`

	Market *struct {
		P10 float64 `json:"p10"`
		P50 float64 `json:"p50"`
		P90 float64 `json:"p90"`
	} `json:"market,omitempty"`

	Context struct {
		Season    string `json:"season"`
		DayOfWeek int    `json:"day_of_week"`
		IsHoliday bool   `json:"is_holiday"`
		Weather   struct {
			Temperature   float64 `json:"temperature"`
			Precipitation float64 `json:"precipitation"`
		} `json:"weather"`
	} `json:"context"`

	Toggles struct {
		Aggressive       bool  `json:"aggressive"`
		Conservative     bool  `json:"conservative"`
		UseML            *bool `json:"use_ml,omitempty"`
		UseCompetitors   *bool `json:"use_competitors,omitempty"`
		ApplySeasonality *bool `json:"apply_seasonality,omitempty"`
	} `json:"toggles"`

	AllowedPriceGrid []float64 `json:"allowed_price_grid,omitempty"`
}

func (qr quoteRequest) toRequest() (pricing.Request, error) {
	stay, err := parseWhen(qr.StayDate)
	if err != nil {
		return pricing.Request{}, &pricing.InputError{Field: "stay_date", Msg: err.Error()}
	}
	quoteAt, err := parseWhen(qr.QuoteTime)
	if err != nil {
		return pricing.Request{}, &pricing.InputError{Field: "quote_time", Msg: err.Error()}
	}

	req := pricing.Request{
		PropertyID: qr.PropertyID,
		UserID:     qr.UserID,
		SessionID:  qr.SessionID,
		StayDate:   stay,
		QuoteTime:  quoteAt,
		Product: pricing.Product{
			Type:         qr.Product.Type,
			Refundable:   qr.Product.Refundable,
			LengthOfStay: qr.Product.LengthOfStay,
		},
		Inventory: pricing.Inventory{
			Capacity:  qr.Inventory.Capacity,
			Remaining: qr.Inventory.Remaining,
		},
		Context: pricing.StayContext{
			Season:    qr.Context.Season,
			DayOfWeek: qr.Context.DayOfWeek,
			IsHoliday: qr.Context.IsHoliday,
			Weather: pricing.Weather{
				TemperatureC:    qr.Context.Weather.Temperature,
				PrecipitationMM: qr.Context.Weather.Precipitation,
			},
		},
		Toggles: pricing.Toggles{
			Aggressive:       qr.Toggles.Aggressive,
			Conservative:     qr.Toggles.Conservative,
			UseML:            boolOr(qr.Toggles.UseML, true),
			UseCompetitors:   boolOr(qr.Toggles.UseCompetitors, true),
			ApplySeasonality: boolOr(qr.Toggles.ApplySeasonality, true),
		},
		AllowedPriceGrid: qr.AllowedPriceGrid,
	}
	if qr.Market != nil {
		req.Market = &pricing.Market{P10: qr.Market.P10, P50: qr.Market.P50, P90: qr.Market.P90}
	}
	return req, nil
}

// parseWhen accepts RFC 3339 timestamps and bare dates.
func parseWhen(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("required")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// Quote handles POST /v1/quote.
func (h *Handlers) Quote(w http.ResponseWriter, r *http.Request) {
	if h.pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, "pricing unavailable")
		return
	}
	var qr quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&qr); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	req, err := qr.toRequest()
	if err == nil {
		var quote pricing.Quote
		quote, err = h.pipeline.Score(r.Context(), req)
		if err == nil {
			writeJSON(w, http.StatusOK, quote)
			return
		}
	}
	var ierr *pricing.InputError
	if errors.As(err, &ierr) {
		writeError(w, http.StatusBadRequest, ierr.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// outcomeRequest is the wire form of an outcome batch.
type outcomeRequest struct {
	PropertyID string `json:"property_id"`
	Outcomes   []struct {
		Timestamp   string             `json:"timestamp"`
		QuotedPrice float64            `json:"quoted_price"`
		Accepted    bool               `json:"accepted"`
		FinalPrice  *float64           `json:"final_price,omitempty"`
		ActionID    string             `json:"action_id,omitempty"`
		Context     map[string]float64 `json:"context,omitempty"`
	} `json:"outcomes"`
}

// outcomeResponse reports an ingest batch: processed counts every record in
// the request, stored/invalid/duplicates partition what the ledger did with
// them.
type outcomeResponse struct {
	Success    bool `json:"success"`
	Processed  int  `json:"processed"`
	Stored     int  `json:"stored"`
	Invalid    int  `json:"invalid"`
	Duplicates int  `json:"duplicates"`
}

// SubmitOutcomes handles POST /v1/outcomes. Outcomes carrying a bandit
// action id also settle that action's reward.
func (h *Handlers) SubmitOutcomes(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "outcome store unavailable")
		return
	}
	var or outcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&or); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if or.PropertyID == "" {
		writeError(w, http.StatusBadRequest, "property_id is required")
		return
	}

	batch := make([]outcomes.Outcome, 0, len(or.Outcomes))
	for _, o := range or.Outcomes {
		ts, err := parseWhen(o.Timestamp)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid timestamp: "+o.Timestamp)
			return
		}
		batch = append(batch, outcomes.Outcome{
			PropertyID:  or.PropertyID,
			Timestamp:   ts,
			QuotedPrice: o.QuotedPrice,
			Accepted:    o.Accepted,
			FinalPrice:  o.FinalPrice,
			ActionID:    o.ActionID,
			Context:     o.Context,
		})
	}

	result, err := h.store.Append(r.Context(), or.PropertyID, batch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if h.metrics != nil {
		h.metrics.RecordAppend(result.Stored, result.Invalid, result.Duplicates)
	}

	// Settle bandit rewards. A missing or already-settled action is not the
	// caller's problem; it is logged and skipped.
	if h.bandits != nil {
		for _, o := range batch {
			if o.ActionID == "" {
				continue
			}
			revenue := o.QuotedPrice
			if o.FinalPrice != nil {
				revenue = *o.FinalPrice
			}
			if err := h.bandits.Update(or.PropertyID, o.ActionID, o.Accepted, revenue); err != nil {
				h.logger.Debug().Err(err).Str("action", o.ActionID).Msg("bandit reward not applied")
			}
		}
	}

	writeJSON(w, http.StatusOK, outcomeResponse{
		Success:    true,
		Processed:  len(batch),
		Stored:     result.Stored,
		Invalid:    result.Invalid,
		Duplicates: result.Duplicates,
	})
}

// ModelInfo handles GET /v1/models/{property_id}.
func (h *Handlers) ModelInfo(w http.ResponseWriter, r *http.Request) {
	if h.models == nil {
		writeError(w, http.StatusServiceUnavailable, "model registry unavailable")
		return
	}
	propertyID := mux.Vars(r)["property_id"]
	info := h.models.Info(r.Context(), propertyID)
	if len(info) == 0 {
		writeError(w, http.StatusNotFound, "no models for property "+propertyID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"property_id": propertyID,
		"models":      info,
	})
}

// Health handles GET /v1/health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{
		"pricing": availability(h.pipeline != nil),
		"store":   availability(h.store != nil),
		"models":  availability(h.models != nil),
	}
	if h.store != nil {
		if _, err := h.store.Properties(r.Context()); err != nil {
			components["store"] = "error: " + err.Error()
		}
	}

	status := "ok"
	code := http.StatusOK
	for _, v := range components {
		if v != "ok" {
			status = "degraded"
		}
	}
	writeJSON(w, code, map[string]any{
		"status":         status,
		"version":        h.Version,
		"components":     components,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"time":           time.Now().UTC().Format(time.RFC3339),
	})
}

// QuoteStream handles GET /v1/quotes/stream.
func (h *Handlers) QuoteStream(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming unavailable")
		return
	}
	h.hub.ServeWS(w, r)
}

// NotFound handles unmatched routes.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "no such endpoint: "+r.URL.Path)
}

func availability(ok bool) string {
	if ok {
		return "ok"
	}
	return "disabled"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
