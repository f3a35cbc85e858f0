package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"imagegen-quota/internal/cache"
	"imagegen-quota/internal/clock"
	"imagegen-quota/internal/generator"
	"imagegen-quota/internal/license"
	"imagegen-quota/internal/metrics"
	"imagegen-quota/internal/quota"
)

const LicenseKeyHeader = "X-License-Key"

// Limiter is the slice of quota.Coordinator the HTTP layer uses.
type Limiter interface {
	CheckLimits(ctx context.Context, licenseID string) (quota.Result, error)
	IncrementUsage(ctx context.Context, licenseID string) error
	GetUsageStats(ctx context.Context, licenseID string) (quota.UsageStats, error)
	GetLimitConfig(tier license.Tier) license.TierConfig
	CanUseProducts(tier license.Tier, count int) bool
	IsImageSizeAllowed(tier license.Tier, sizeKB int) bool
	RegisterFree(ctx context.Context, domain string) (license.License, bool, error)
	FindByKey(ctx context.Context, key string) (license.License, error)
}

type Generator interface {
	Generate(ctx context.Context, req generator.Request) (generator.Image, error)
}

type Options struct {
	// Keys caches license key -> license ID lookups. Optional.
	Keys    *cache.Cache[string]
	Clock   clock.Clock
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
}

type API struct {
	limiter Limiter
	gen     Generator
	keys    *cache.Cache[string]
	clk     clock.Clock
	log     zerolog.Logger
	metrics *metrics.Metrics
	promh   http.Handler
}

func New(l Limiter, gen Generator, opts Options) *API {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &API{
		limiter: l,
		gen:     gen,
		keys:    opts.Keys,
		clk:     opts.Clock,
		log:     opts.Logger.With().Str("component", "httpapi").Logger(),
		metrics: opts.Metrics,
		promh:   opts.MetricsHandler,
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if a.promh != nil {
		r.Method(http.MethodGet, "/metrics", a.promh)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/register", a.handleRegister)
		r.Get("/tiers", a.handleTiers)
		r.Get("/tiers/{tier}", a.handleTier)

		r.Group(func(r chi.Router) {
			r.Use(a.requireLicense)
			r.Get("/usage", a.handleUsage)
			r.With(a.enforceLimits).Post("/generate", a.handleGenerate)
		})
	})
	return r
}

type errorResponse struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason"`
}

type registerReq struct {
	Domain string `json:"domain"`
}

type licenseView struct {
	ID           string     `json:"id"`
	Key          string     `json:"key"`
	Domain       string     `json:"domain"`
	Tier         string     `json:"tier"`
	Status       string     `json:"status"`
	MonthlyLimit int        `json:"monthly_limit"`
	CurrentUsage int        `json:"current_usage"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

func viewOf(l license.License) licenseView {
	return licenseView{
		ID:           l.ID,
		Key:          l.Key,
		Domain:       l.Domain,
		Tier:         string(l.Tier),
		Status:       string(l.Status),
		MonthlyLimit: l.MonthlyLimit,
		CurrentUsage: l.CurrentUsage,
		ExpiresAt:    l.ExpiresAt,
	}
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerReq
	if !decodeJSON(w, r, &req) {
		return
	}
	lic, created, err := a.limiter.RegisterFree(r.Context(), req.Domain)
	if errors.Is(err, quota.ErrInvalidInput) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Reason: "domain_required"})
		return
	}
	if err != nil {
		a.log.Error().Err(err).Str("domain", req.Domain).Msg("free registration failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Reason: "server_error"})
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"ok": true, "created": created, "license": viewOf(lic)})
}

func (a *API) handleTiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tiers": license.Tiers()})
}

// handleTier answers for any name; unknown tiers report the free tier.
func (a *API) handleTier(w http.ResponseWriter, r *http.Request) {
	cfg := a.limiter.GetLimitConfig(license.Tier(chi.URLParam(r, "tier")))
	writeJSON(w, http.StatusOK, cfg)
}

type usageView struct {
	quota.UsageStats
	TimeUntilNextRequestMS int64 `json:"time_until_next_request_ms"`
}

func (a *API) handleUsage(w http.ResponseWriter, r *http.Request) {
	id := licenseIDFrom(r.Context())
	stats, err := a.limiter.GetUsageStats(r.Context(), id)
	if errors.Is(err, quota.ErrNotFound) {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Reason: string(quota.ReasonNotFound)})
		return
	}
	if err != nil {
		a.log.Error().Err(err).Str("license_id", id).Msg("usage stats failed")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Reason: string(quota.ReasonInternal)})
		return
	}
	writeJSON(w, http.StatusOK, usageView{UsageStats: stats, TimeUntilNextRequestMS: stats.TimeUntilNextRequest.Milliseconds()})
}

type generateReq struct {
	Prompt       string `json:"prompt"`
	ProductCount int    `json:"product_count"`
}

type generateResp struct {
	OK                   bool            `json:"ok"`
	Image                generator.Image `json:"image"`
	RemainingGenerations int             `json:"remaining_generations"`
}

func (a *API) handleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res := resultFrom(ctx)

	var req generateReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Reason: "prompt_required"})
		return
	}
	if req.ProductCount <= 0 {
		req.ProductCount = 1
	}
	if !a.limiter.CanUseProducts(res.Tier, req.ProductCount) {
		writeJSON(w, http.StatusForbidden, errorResponse{Reason: "Product limit exceeded for tier"})
		return
	}

	cfg := a.limiter.GetLimitConfig(res.Tier)
	img, err := a.gen.Generate(ctx, generator.Request{
		LicenseID:    res.LicenseID,
		Prompt:       req.Prompt,
		ProductCount: req.ProductCount,
		MaxSizeKB:    cfg.ImageMaxSizeKB,
	})
	if err != nil {
		a.log.Warn().Err(err).Str("license_id", res.LicenseID).Msg("generation failed, usage not charged")
		writeJSON(w, http.StatusBadGateway, errorResponse{Reason: "generation_failed"})
		return
	}
	if !a.limiter.IsImageSizeAllowed(res.Tier, img.SizeKB) {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Reason: "Image exceeds tier size limit"})
		return
	}

	// The image is delivered at this point; a metering failure is logged,
	// never turned into an error response.
	remaining := res.RemainingGenerations
	if err := a.limiter.IncrementUsage(ctx, res.LicenseID); err != nil {
		a.metrics.IncMeteringFailure()
		a.log.Error().Err(err).Str("license_id", res.LicenseID).Msg("usage increment failed after generation")
	} else {
		if remaining > 0 {
			remaining--
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	}
	writeJSON(w, http.StatusOK, generateResp{OK: true, Image: img, RemainingGenerations: remaining})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Reason: "bad_json"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
