package httpapi

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"imagegen-quota/internal/quota"
)

type ctxKey int

const (
	licenseIDKey ctxKey = iota
	resultKey
)

func licenseIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(licenseIDKey).(string)
	return id
}

func resultFrom(ctx context.Context) quota.Result {
	res, _ := ctx.Value(resultKey).(quota.Result)
	return res
}

// requireLicense resolves the X-License-Key header to a license ID.
func (a *API) requireLicense(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(LicenseKeyHeader))
		if key == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Reason: "missing_license_key"})
			return
		}
		id, err := a.resolveKey(r.Context(), key)
		if errors.Is(err, quota.ErrNotFound) {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Reason: string(quota.ReasonNotFound)})
			return
		}
		if err != nil {
			a.log.Error().Err(err).Msg("license key lookup failed")
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Reason: string(quota.ReasonInternal)})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), licenseIDKey, id)))
	})
}

func (a *API) resolveKey(ctx context.Context, key string) (string, error) {
	if a.keys != nil {
		if id, ok := a.keys.Get(key); ok {
			return id, nil
		}
	}
	lic, err := a.limiter.FindByKey(ctx, key)
	if err != nil {
		return "", err
	}
	if a.keys != nil {
		a.keys.Set(key, lic.ID)
	}
	return lic.ID, nil
}

// enforceLimits runs CheckLimits and stops the request on any denial.
func (a *API) enforceLimits(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := licenseIDFrom(r.Context())
		res, err := a.limiter.CheckLimits(r.Context(), id)
		if err != nil {
			a.log.Error().Err(err).Str("license_id", id).Msg("limit check error")
		}
		a.setRateLimitHeaders(w, res)
		if !res.Allowed {
			writeJSON(w, statusFor(res), deniedResponse(res))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), resultKey, res)))
	})
}

func statusFor(res quota.Result) int {
	if res.Allowed {
		return http.StatusOK
	}
	switch res.Reason {
	case quota.ReasonNotFound:
		return http.StatusUnauthorized
	case quota.ReasonNotActive, quota.ReasonExpired:
		return http.StatusForbidden
	case quota.ReasonQuotaExceeded, quota.ReasonRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}

type deniedBody struct {
	OK                   bool      `json:"ok"`
	Reason               string    `json:"reason"`
	RemainingGenerations int       `json:"remaining_generations"`
	RemainingTimeMS      int64     `json:"remaining_time_ms"`
	ResetDate            time.Time `json:"reset_date"`
	CurrentUsage         int       `json:"current_usage"`
	MonthlyLimit         int       `json:"monthly_limit"`
}

func deniedResponse(res quota.Result) deniedBody {
	return deniedBody{
		Reason:               string(res.Reason),
		RemainingGenerations: res.RemainingGenerations,
		RemainingTimeMS:      res.RemainingTime.Milliseconds(),
		ResetDate:            res.ResetDate,
		CurrentUsage:         res.CurrentUsage,
		MonthlyLimit:         res.MonthlyLimit,
	}
}

// setRateLimitHeaders writes X-RateLimit-* for any known license and
// Retry-After for quota and rate denials.
func (a *API) setRateLimitHeaders(w http.ResponseWriter, res quota.Result) {
	if res.MonthlyLimit == 0 {
		return
	}
	now := a.clk.Now()
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.MonthlyLimit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.RemainingGenerations))

	reset := res.ResetDate
	if res.Reason == quota.ReasonRateLimited {
		reset = now.Add(res.RemainingTime)
	}
	if !reset.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
	}

	switch res.Reason {
	case quota.ReasonRateLimited:
		h.Set("Retry-After", retryAfter(res.RemainingTime))
	case quota.ReasonQuotaExceeded:
		h.Set("Retry-After", retryAfter(res.ResetDate.Sub(now)))
	}
}

func retryAfter(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return strconv.FormatInt(int64(math.Ceil(d.Seconds())), 10)
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}
