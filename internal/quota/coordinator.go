// Package quota decides whether a license may generate an image right now
// and meters the generations it does make.
//
// A check runs an ordered list of steps and stops at the first denial:
// license lookup, status, expiry, monthly reset, monthly quota, rate window.
// Status problems therefore always win over quota, and quota over the rate
// window, so each denial reason maps to a distinct HTTP status upstream.
//
// Usage is charged with a conditional increment in the store ("increment iff
// current_usage < monthly_limit") so concurrent requests for one license can
// not push usage past its limit.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"imagegen-quota/internal/cache"
	"imagegen-quota/internal/clock"
	"imagegen-quota/internal/license"
	"imagegen-quota/internal/metrics"
	"imagegen-quota/internal/store"
)

type Options struct {
	Clock clock.Clock
	// Licenses caches license records by ID. Optional.
	Licenses *cache.Cache[license.License]
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

type Coordinator struct {
	st      store.Store
	ledger  *Ledger
	tracker *Tracker
	clk     clock.Clock
	cache   *cache.Cache[license.License]
	log     zerolog.Logger
	metrics *metrics.Metrics
	checks  []check

	// cacheEpoch counts invalidations. A fill that started before one is
	// dropped so a slow read can not re-cache a record an admin just changed.
	cacheMu    sync.Mutex
	cacheEpoch uint64
}

func New(st store.Store, opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	c := &Coordinator{
		st:      st,
		ledger:  NewLedger(st, opts.Clock),
		tracker: NewTracker(st, opts.Clock),
		clk:     opts.Clock,
		cache:   opts.Licenses,
		log:     opts.Logger.With().Str("component", "quota").Logger(),
		metrics: opts.Metrics,
	}
	c.checks = []check{
		c.checkLicense,
		c.checkStatus,
		c.checkExpiry,
		c.resetIfDue,
		c.checkQuota,
		c.checkRateWindow,
	}
	return c
}

// evaluation carries the state one CheckLimits call builds up.
type evaluation struct {
	id  string
	now time.Time
	lic license.License
	cfg license.TierConfig
	res Result
}

// outcome is what a check step returns: continue, or deny with a reason.
type outcome struct {
	deny   bool
	reason Reason
	state  State
}

var proceed = outcome{}

func denied(r Reason, s State) outcome { return outcome{deny: true, reason: r, state: s} }

type check func(ctx context.Context, ev *evaluation) (outcome, error)

// CheckLimits runs the ordered checks for a license. Storage failures deny
// the request (ReasonInternal) and are returned alongside the result.
func (c *Coordinator) CheckLimits(ctx context.Context, licenseID string) (Result, error) {
	start := time.Now()
	ev := &evaluation{id: licenseID, now: c.clk.Now()}
	ev.res.LicenseID = licenseID

	res, err := c.run(ctx, ev)
	c.metrics.ObserveCheck(string(res.Tier), string(res.State), time.Since(start))
	if err != nil {
		c.log.Error().Err(err).Str("license_id", licenseID).Msg("limit check failed, denying")
	} else if !res.Allowed {
		c.log.Debug().Str("license_id", licenseID).Str("reason", string(res.Reason)).Msg("request denied")
	}
	return res, err
}

func (c *Coordinator) run(ctx context.Context, ev *evaluation) (Result, error) {
	for _, step := range c.checks {
		out, err := step(ctx, ev)
		if err != nil {
			ev.res.Allowed = false
			ev.res.Reason = ReasonInternal
			ev.res.State = StateInternalError
			return ev.res, fmt.Errorf("%w: %w", ErrInternal, err)
		}
		if out.deny {
			ev.res.Allowed = false
			ev.res.Reason = out.reason
			ev.res.State = out.state
			return ev.res, nil
		}
	}
	ev.res.Allowed = true
	ev.res.State = StateActiveOK
	return ev.res, nil
}

func (c *Coordinator) checkLicense(ctx context.Context, ev *evaluation) (outcome, error) {
	lic, err := c.loadLicense(ctx, ev.id)
	if errors.Is(err, ErrNotFound) {
		return denied(ReasonNotFound, StateNotFound), nil
	}
	if err != nil {
		return proceed, err
	}
	ev.lic = lic
	ev.cfg = license.ConfigFor(lic.Tier)
	ev.fill()
	return proceed, nil
}

func (c *Coordinator) checkStatus(_ context.Context, ev *evaluation) (outcome, error) {
	switch ev.lic.Status {
	case license.StatusActive:
		return proceed, nil
	case license.StatusExpired:
		return denied(ReasonNotActive, StateExpired), nil
	default:
		return denied(ReasonNotActive, StateSuspended), nil
	}
}

func (c *Coordinator) checkExpiry(_ context.Context, ev *evaluation) (outcome, error) {
	if ev.lic.IsExpired(ev.now) {
		return denied(ReasonExpired, StateExpired), nil
	}
	return proceed, nil
}

// resetIfDue rolls the month over in the store. The record the store returns
// replaces the possibly cached one, so status and expiry are checked again.
func (c *Coordinator) resetIfDue(ctx context.Context, ev *evaluation) (outcome, error) {
	if !ev.lic.ShouldResetUsage(ev.now) {
		return proceed, nil
	}
	since := c.epoch()
	reset, err := c.ledger.ResetIfDue(ctx, &ev.lic)
	if errors.Is(err, ErrNotFound) {
		c.forget(ev.id)
		return denied(ReasonNotFound, StateNotFound), nil
	}
	if err != nil {
		return proceed, err
	}
	c.remember(ev.lic, since)
	ev.cfg = license.ConfigFor(ev.lic.Tier)
	ev.fill()
	if reset {
		c.metrics.AddResets(1)
		c.log.Info().Str("license_id", ev.id).Msg("monthly usage reset")
	}
	if out, err := c.checkStatus(ctx, ev); err != nil || out.deny {
		return out, err
	}
	return c.checkExpiry(ctx, ev)
}

func (c *Coordinator) checkQuota(_ context.Context, ev *evaluation) (outcome, error) {
	if ev.lic.CurrentUsage >= ev.lic.MonthlyLimit {
		ev.res.RemainingGenerations = 0
		ev.res.RemainingTime = 0
		return denied(ReasonQuotaExceeded, StateActiveQuotaExceeded), nil
	}
	return proceed, nil
}

func (c *Coordinator) checkRateWindow(ctx context.Context, ev *evaluation) (outcome, error) {
	w, err := c.tracker.FindOrCreate(ctx, ev.id, ev.cfg.RateLimit)
	if err != nil {
		return proceed, err
	}
	if !w.CanMakeRequest(ev.now) {
		ev.res.RemainingTime = w.TimeUntilReset(ev.now)
		return denied(ReasonRateLimited, StateActiveRateLimited), nil
	}
	return proceed, nil
}

func (ev *evaluation) fill() {
	ev.res.Tier = ev.lic.Tier
	ev.res.CurrentUsage = ev.lic.CurrentUsage
	ev.res.MonthlyLimit = ev.lic.MonthlyLimit
	ev.res.RemainingGenerations = ev.lic.RemainingGenerations()
	ev.res.ResetDate = ev.lic.NextResetDate()
}

// IncrementUsage charges one generation and records a rate window request.
// Call it only after the generation was delivered.
func (c *Coordinator) IncrementUsage(ctx context.Context, licenseID string) error {
	lic, err := c.ledger.Load(ctx, licenseID)
	if err != nil {
		return err
	}
	if _, err := c.ledger.ResetIfDue(ctx, &lic); err != nil {
		return err
	}
	since := c.epoch()
	updated, err := c.ledger.Increment(ctx, licenseID)
	if err != nil {
		c.forget(licenseID)
		return err
	}
	c.remember(updated, since)

	cfg := license.ConfigFor(updated.Tier)
	if _, err := c.tracker.Record(ctx, licenseID, cfg.RateLimit); err != nil {
		return err
	}
	c.metrics.IncGeneration(string(updated.Tier))
	return nil
}

// GetUsageStats reports usage as of now without modifying anything. A month
// rollover that has not been persisted yet shows as zero usage.
func (c *Coordinator) GetUsageStats(ctx context.Context, licenseID string) (UsageStats, error) {
	lic, err := c.loadLicense(ctx, licenseID)
	if err != nil {
		return UsageStats{}, err
	}
	now := c.clk.Now()
	lic.ResetMonthlyUsage(now)

	stats := UsageStats{
		LicenseID:            lic.ID,
		Tier:                 lic.Tier,
		Status:               lic.Status,
		CurrentUsage:         lic.CurrentUsage,
		MonthlyLimit:         lic.MonthlyLimit,
		RemainingGenerations: lic.RemainingGenerations(),
		ResetDate:            lic.NextResetDate(),
		ExpiresAt:            lic.ExpiresAt,
		RemainingRequests:    license.MaxRequestsPerWindow,
	}

	w, err := c.st.FindRateWindow(ctx, licenseID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return UsageStats{}, fmt.Errorf("load rate window %s: %w", licenseID, err)
	default:
		// Evaluate against the current tier's window, as the next check would.
		w.WindowDuration = license.ConfigFor(lic.Tier).RateLimit
		stats.TimeUntilNextRequest = w.TimeUntilReset(now)
		stats.RemainingRequests = w.RemainingRequests(now)
		stats.LastRequest = w.LastRequest
	}
	return stats, nil
}

func (c *Coordinator) GetLimitConfig(tier license.Tier) license.TierConfig {
	return license.ConfigFor(tier)
}

func (c *Coordinator) CanUseProducts(tier license.Tier, count int) bool {
	return license.ConfigFor(tier).MaxProducts.Allows(count)
}

func (c *Coordinator) IsImageSizeAllowed(tier license.Tier, sizeKB int) bool {
	return sizeKB <= license.ConfigFor(tier).ImageMaxSizeKB
}

// ResetMonthlyUsageForAll resets every active license whose last reset
// predates the current month. Safe to re-run; returns how many were reset.
func (c *Coordinator) ResetMonthlyUsageForAll(ctx context.Context) (int, error) {
	now := c.clk.Now()
	due, err := c.st.LicensesNeedingReset(ctx, license.MonthStart(now))
	if err != nil {
		return 0, fmt.Errorf("list licenses needing reset: %w", err)
	}
	var (
		n    int
		errs []error
	)
	for _, lic := range due {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		reset, err := c.ledger.ResetIfDue(ctx, &lic)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if reset {
			c.forget(lic.ID)
			n++
		}
	}
	c.metrics.AddResets(n)
	c.log.Info().Int("reset", n).Int("due", len(due)).Msg("monthly usage sweep finished")
	return n, errors.Join(errs...)
}

func (c *Coordinator) loadLicense(ctx context.Context, id string) (license.License, error) {
	if c.cache != nil {
		if lic, ok := c.cache.Get(id); ok {
			return lic, nil
		}
	}
	since := c.epoch()
	lic, err := c.ledger.Load(ctx, id)
	if err != nil {
		return license.License{}, err
	}
	c.remember(lic, since)
	return lic, nil
}

func (c *Coordinator) epoch() uint64 {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	return c.cacheEpoch
}

// remember caches lic unless something was forgotten after since was taken.
func (c *Coordinator) remember(lic license.License, since uint64) {
	if c.cache == nil {
		return
	}
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if c.cacheEpoch == since {
		c.cache.Set(lic.ID, lic)
	}
}

func (c *Coordinator) forget(id string) {
	if c.cache == nil {
		return
	}
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cacheEpoch++
	c.cache.Delete(id)
}
