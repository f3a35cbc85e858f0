package quota

import (
	"context"
	"errors"
	"fmt"

	"imagegen-quota/internal/clock"
	"imagegen-quota/internal/license"
	"imagegen-quota/internal/store"
)

// Ledger applies the monthly usage rules to stored licenses.
type Ledger struct {
	st  store.Store
	clk clock.Clock
}

func NewLedger(st store.Store, clk clock.Clock) *Ledger {
	return &Ledger{st: st, clk: clk}
}

func (l *Ledger) Load(ctx context.Context, id string) (license.License, error) {
	lic, err := l.st.FindLicenseByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return license.License{}, ErrNotFound
	}
	if err != nil {
		return license.License{}, fmt.Errorf("load license %s: %w", id, err)
	}
	return lic, nil
}

// ResetIfDue starts a new month for lic when its last reset predates the
// current month. The store applies the reset only if the stored record is
// still due, and *lic is replaced by the stored record either way, so a stale
// copy never overwrites newer status or usage. Reports whether this call
// performed the reset.
func (l *Ledger) ResetIfDue(ctx context.Context, lic *license.License) (bool, error) {
	now := l.clk.Now()
	if !lic.ShouldResetUsage(now) {
		return false, nil
	}
	stored, applied, err := l.st.ResetUsage(ctx, lic.ID, license.MonthStart(now), now)
	if errors.Is(err, store.ErrNotFound) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("reset license %s: %w", lic.ID, err)
	}
	*lic = stored
	return applied, nil
}

// Increment charges one generation. The store only applies it while usage is
// below the monthly limit; otherwise ErrQuotaExceeded.
func (l *Ledger) Increment(ctx context.Context, id string) (license.License, error) {
	lic, applied, err := l.st.IncrementUsage(ctx, id, l.clk.Now())
	if errors.Is(err, store.ErrNotFound) {
		return license.License{}, ErrNotFound
	}
	if err != nil {
		return license.License{}, fmt.Errorf("increment usage %s: %w", id, err)
	}
	if !applied {
		return lic, ErrQuotaExceeded
	}
	return lic, nil
}
