package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/roamrate/roamrate/internal/bandit"
	"github.com/roamrate/roamrate/internal/compete"
	"github.com/roamrate/roamrate/internal/experiment"
	"github.com/roamrate/roamrate/internal/features"
	"github.com/roamrate/roamrate/internal/registry"
	"github.com/roamrate/roamrate/internal/telemetry"
)

// CompetitorSource is the slice of the gateway the pipeline needs.
type CompetitorSource interface {
	GetBand(ctx context.Context, propertyID, date string) compete.Result
}

// ModelScorer is the slice of the model registry the pipeline needs.
type ModelScorer interface {
	Predict(ctx context.Context, propertyID string, feats map[string]float64, modelType, version string) (float64, error)
}

// Router decides whether a request is in the ML variant of an experiment.
type Router interface {
	ShouldUseML(propertyID, userID, sessionID string) (bool, *experiment.Decision)
}

// ArmSelector picks a price-delta arm for bandit-routed traffic.
type ArmSelector interface {
	Select(propertyID string, btx bandit.Context) bandit.Action
}

// QuoteLogEntry is the audit record emitted per quote.
type QuoteLogEntry struct {
	PropertyID   string        `json:"property_id"`
	UserID       string        `json:"user_id"`
	Price        float64       `json:"price"`
	Method       string        `json:"method"`
	Variant      string        `json:"variant,omitempty"`
	ExperimentID string        `json:"experiment_id,omitempty"`
	ArmID        string        `json:"arm_id,omitempty"`
	Reasons      []string      `json:"reasons"`
	Latency      time.Duration `json:"latency"`
	QuotedAt     time.Time     `json:"quoted_at"`
}

// QuoteSink receives quote log entries, typically the stream hub.
type QuoteSink interface {
	LogQuote(entry QuoteLogEntry)
}

// Config tunes the pipeline.
type Config struct {
	BanditEnabled bool `yaml:"bandit_enabled"`
	// ConservativeFloorBase selects what the event floor anchors at:
	// property_base or pre_bandit.
	ConservativeFloorBase string `yaml:"conservative_floor_base"`
}

// DefaultConfig returns the standard pipeline settings.
func DefaultConfig() Config {
	return Config{ConservativeFloorBase: FloorPropertyBase}
}

// Pipeline scores pricing requests. All collaborators except the catalog are
// optional: a nil collaborator disables that capability and the pipeline
// degrades through the rule-based path.
type Pipeline struct {
	catalog     Catalog
	competitors CompetitorSource
	models      ModelScorer
	router      Router
	arms        ArmSelector
	sink        QuoteSink
	metrics     *telemetry.Metrics
	cfg         Config
	logger      zerolog.Logger
}

// New creates a pipeline around the property catalog.
func New(catalog Catalog, cfg Config, logger zerolog.Logger) *Pipeline {
	if cfg.ConservativeFloorBase == "" {
		cfg.ConservativeFloorBase = FloorPropertyBase
	}
	return &Pipeline{catalog: catalog, cfg: cfg, logger: logger}
}

// WithCompetitors attaches the competitor gateway.
func (p *Pipeline) WithCompetitors(src CompetitorSource) *Pipeline { p.competitors = src; return p }

// WithModels attaches the model registry.
func (p *Pipeline) WithModels(m ModelScorer) *Pipeline { p.models = m; return p }

// WithRouter attaches the experiment manager.
func (p *Pipeline) WithRouter(r Router) *Pipeline { p.router = r; return p }

// WithBandit attaches the arm selector.
func (p *Pipeline) WithBandit(a ArmSelector) *Pipeline { p.arms = a; return p }

// WithSink attaches the quote log sink.
func (p *Pipeline) WithSink(s QuoteSink) *Pipeline { p.sink = s; return p }

// WithMetrics attaches the telemetry set.
func (p *Pipeline) WithMetrics(m *telemetry.Metrics) *Pipeline { p.metrics = m; return p }

// Score prices one request. Validation failures return an *InputError and no
// quote; any internal failure past validation degrades and still quotes.
func (p *Pipeline) Score(ctx context.Context, req Request) (quote Quote, err error) {
	start := time.Now()
	if verr := Validate(req); verr != nil {
		return Quote{}, verr
	}

	prop, ok := p.catalog.Property(req.PropertyID)
	if !ok {
		return Quote{}, inputErr("property_id", "unknown property %q", req.PropertyID)
	}

	// Everything past validation must produce a quote. A panic inside the
	// scoring cascade falls back to the property base price.
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("property", req.PropertyID).
				Interface("panic", r).
				Msg("pricing cascade panicked, serving fallback quote")
			quote = p.fallbackQuote(prop, req)
			err = nil
			p.observe(MethodFallback, "fallback", start)
		}
	}()

	quote = p.score(ctx, req, prop)

	status := "ok"
	if len(quote.Safety.Degradations) > 0 {
		status = "degraded"
	}
	p.observe(quote.Safety.PricingMethod, status, start)
	p.logQuote(req, quote, time.Since(start))
	return quote, nil
}

func (p *Pipeline) score(ctx context.Context, req Request, prop Property) Quote {
	var degradations []string

	leadDays := features.LeadDays(req.StayDate, req.QuoteTime)
	occ := features.OccupancyRate(req.Inventory.Capacity, req.Inventory.Remaining)

	// Competitor band: request-supplied market wins, then the gateway.
	var band *compete.Band
	switch {
	case req.Market != nil:
		band = &compete.Band{P10: req.Market.P10, P50: req.Market.P50, P90: req.Market.P90, Source: "request"}
	case req.Toggles.UseCompetitors && p.competitors != nil:
		res := p.competitors.GetBand(ctx, req.PropertyID, req.StayDate.Format("2006-01-02"))
		if res.OK {
			b := res.Band
			band = &b
			if res.Degraded != "" {
				degradations = append(degradations, "competitor data stale: "+res.Degraded)
			}
		} else if res.Degraded != "" {
			degradations = append(degradations, "competitor data unavailable: "+res.Degraded)
		}
		if p.metrics != nil {
			p.metrics.RecordCompetitorFetch(fetchResult(res))
		}
	}

	rec := features.Assemble(features.Inputs{
		PropertyID:    req.PropertyID,
		StayDate:      req.StayDate,
		QuoteTime:     req.QuoteTime,
		Timezone:      prop.Timezone,
		LengthOfStay:  req.Product.LengthOfStay,
		Refundable:    req.Product.Refundable,
		Capacity:      req.Inventory.Capacity,
		Remaining:     req.Inventory.Remaining,
		Season:        req.Context.Season,
		IsHoliday:     req.Context.IsHoliday,
		TempC:         req.Context.Weather.TemperatureC,
		PrecipMM:      req.Context.Weather.PrecipitationMM,
		CompetitorP10: bandP10(band),
		CompetitorP50: bandP50(band),
		CompetitorP90: bandP90(band),
		HasCompetitor: band != nil,
	})

	// Routing: an experiment assignment beats the toggle; the bandit only
	// engages on ML-routed traffic.
	useML := req.Toggles.UseML && p.models != nil
	var decision *experiment.Decision
	if p.router != nil {
		if routedML, dec := p.router.ShouldUseML(req.PropertyID, req.UserID, req.SessionID); dec != nil {
			decision = dec
			useML = routedML && p.models != nil
			if p.metrics != nil {
				p.metrics.VariantAssignments.WithLabelValues(dec.ExperimentID, dec.Variant).Inc()
			}
		}
	}

	base := prop.BasePrice
	if b := bandP50(band); b > 0 {
		base = b
	}

	method := MethodRuleBased
	var convProb *float64
	price := 0.0
	if useML {
		if prob, perr := p.models.Predict(ctx, req.PropertyID, rec.Map(), registry.ModelConversion, registry.Latest); perr == nil {
			pv := prob
			convProb = &pv
			method = MethodMLElasticity
			price = MLPrice(base, prob, rec, leadDays, req.Product.LengthOfStay, req.Toggles.ApplySeasonality)
		} else {
			degradations = append(degradations, "ml unavailable: "+perr.Error())
			p.logger.Warn().Err(perr).Str("property", req.PropertyID).Msg("model predict failed, degrading to rules")
			useML = false
		}
	}
	if method == MethodRuleBased {
		price = RulePrice(base, rec, leadDays, req.Product.LengthOfStay, req.Product.Refundable, req.Toggles)
	}
	preBandit := price

	// Bandit delta on ML-routed traffic.
	var action *bandit.Action
	if useML && p.cfg.BanditEnabled && p.arms != nil {
		a := p.arms.Select(req.PropertyID, bandit.Context{
			IsHoliday:     req.Context.IsHoliday,
			Occupancy:     occ,
			CompetitorP50: bandP50(band),
			BasePrice:     base,
		})
		action = &a
		price *= 1 + a.DeltaPct/100
		if p.metrics != nil {
			p.metrics.BanditSelections.WithLabelValues(a.ArmID, a.Policy).Inc()
		}
	}

	// Guardrails.
	floor := 0.0
	if req.Toggles.Conservative && (req.Context.IsHoliday || occ > 0.9) {
		switch p.cfg.ConservativeFloorBase {
		case FloorPreBandit:
			floor = 0.8 * preBandit
		default:
			floor = 0.8 * prop.BasePrice
		}
	}
	price, clamps := applyGuardrails(price, guardrailInput{
		Min:           prop.MinPrice,
		Max:           prop.MaxPrice,
		CompetitorP50: bandP50(band),
		EventFloor:    floor,
	})
	price = round2(price)

	// The alternative rungs reflect the pre-snap center.
	center := price
	if len(req.AllowedPriceGrid) > 0 {
		if snapped := snapToGrid(price, req.AllowedPriceGrid); snapped != price {
			price = snapped
			clamps = append(clamps, ClampGridSnap)
		}
	}
	for _, c := range clamps {
		if p.metrics != nil {
			p.metrics.RecordClamp(c)
		}
	}

	signal := 0.2
	if method == MethodMLElasticity && convProb != nil {
		signal = 0.3 * *convProb
	}
	occEnd := occ + signal
	if occEnd > 1 {
		occEnd = 1
	}

	quote := Quote{
		Price:          price,
		PriceGrid:      priceGrid(center, prop.MinPrice, prop.MaxPrice),
		ConfidenceBand: confidenceBand(price, leadDays, prop.MinPrice, prop.MaxPrice),
		Expected:       Expected{OccNow: occ, OccEndBucket: occEnd},
		Reasons:        p.reasons(rec, band, price, convProb, leadDays, req, degradations),
		Safety: Safety{
			PricingMethod:    method,
			MLConversionProb: convProb,
			OccupancyRate:    occ,
			LeadDays:         leadDays,
			Season:           req.Context.Season,
			DayOfWeek:        int(rec.Get("day_of_week")),
			CompetitorData:   band,
			ClampsApplied:    clamps,
			Degradations:     degradations,
		},
	}
	if decision != nil {
		quote.Safety.ExperimentID = decision.ExperimentID
		quote.Safety.Variant = decision.Variant
	}
	if action != nil {
		quote.Safety.BanditActionID = action.ID
		quote.Safety.BanditArmID = action.ArmID
	}
	if p.metrics != nil {
		p.metrics.QuotedPrice.WithLabelValues(req.PropertyID).Observe(price)
	}
	return quote
}

// reasons builds the ordered justification list: competitive positioning,
// method note, then the multiplier signals, then degradations.
func (p *Pipeline) reasons(rec features.Record, band *compete.Band, price float64, convProb *float64, leadDays int, req Request, degradations []string) []string {
	var out []string

	if p50 := bandP50(band); p50 > 0 {
		switch {
		case price > p50*1.05:
			out = append(out, fmt.Sprintf("Premium positioning: %.2f vs competitor median %.2f", price, p50))
		case price < p50*0.95:
			out = append(out, fmt.Sprintf("Value positioning: %.2f vs competitor median %.2f", price, p50))
		default:
			out = append(out, fmt.Sprintf("Competitive parity with market median %.2f", p50))
		}
	}

	if convProb != nil {
		out = append(out, fmt.Sprintf("ML elasticity: conversion %.2f, factor x%.2f", *convProb, elasticityFactor(*convProb)))
	}

	s := signalsFrom(rec, leadDays, req.Product.LengthOfStay, req.Toggles.ApplySeasonality)
	out = append(out, signalReasons(rec, s, leadDays, req.Product.LengthOfStay, req.Toggles)...)
	out = append(out, degradations...)
	return out
}

func (p *Pipeline) fallbackQuote(prop Property, req Request) Quote {
	occ := features.OccupancyRate(req.Inventory.Capacity, req.Inventory.Remaining)
	price := round2(prop.BasePrice)
	return Quote{
		Price:          price,
		PriceGrid:      priceGrid(price, prop.MinPrice, prop.MaxPrice),
		ConfidenceBand: BandRange{Lower: clampTo(price*0.8, prop.MinPrice, prop.MaxPrice), Upper: clampTo(price*1.2, prop.MinPrice, prop.MaxPrice)},
		Expected:       Expected{OccNow: occ, OccEndBucket: occ},
		Reasons:        []string{"Fallback pricing due to calculation error"},
		Safety: Safety{
			PricingMethod: MethodFallback,
			OccupancyRate: occ,
			LeadDays:      features.LeadDays(req.StayDate, req.QuoteTime),
			Season:        req.Context.Season,
		},
	}
}

func (p *Pipeline) observe(method, status string, start time.Time) {
	if p.metrics == nil {
		return
	}
	p.metrics.QuoteRequests.WithLabelValues(method, status).Inc()
	p.metrics.QuoteDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

func (p *Pipeline) logQuote(req Request, q Quote, latency time.Duration) {
	entry := QuoteLogEntry{
		PropertyID:   req.PropertyID,
		UserID:       req.UserID,
		Price:        q.Price,
		Method:       q.Safety.PricingMethod,
		Variant:      q.Safety.Variant,
		ExperimentID: q.Safety.ExperimentID,
		ArmID:        q.Safety.BanditArmID,
		Reasons:      q.Reasons,
		Latency:      latency,
		QuotedAt:     time.Now().UTC(),
	}
	p.logger.Info().
		Str("property", entry.PropertyID).
		Float64("price", entry.Price).
		Str("method", entry.Method).
		Dur("latency", latency).
		Msg("quote issued")
	if p.sink != nil {
		p.sink.LogQuote(entry)
	}
}

func fetchResult(res compete.Result) string {
	switch {
	case res.OK && res.Degraded == "":
		return "ok"
	case res.OK:
		return "stale"
	default:
		return "degraded"
	}
}

func bandP10(b *compete.Band) float64 {
	if b == nil {
		return 0
	}
	return b.P10
}

func bandP50(b *compete.Band) float64 {
	if b == nil {
		return 0
	}
	return b.P50
}

func bandP90(b *compete.Band) float64 {
	if b == nil {
		return 0
	}
	return b.P90
}
