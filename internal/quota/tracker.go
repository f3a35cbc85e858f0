package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"imagegen-quota/internal/clock"
	"imagegen-quota/internal/license"
	"imagegen-quota/internal/store"
)

// Tracker owns the per-license rate window.
type Tracker struct {
	st  store.Store
	clk clock.Clock
}

func NewTracker(st store.Store, clk clock.Clock) *Tracker {
	return &Tracker{st: st, clk: clk}
}

// FindOrCreate loads the window for a license, creating an empty one on
// first use. A window stored with a different duration (tier change) gets
// the new duration in place; its request count is kept.
func (t *Tracker) FindOrCreate(ctx context.Context, licenseID string, d time.Duration) (license.RateWindow, error) {
	w, err := t.st.FindRateWindow(ctx, licenseID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		w = license.NewRateWindow(licenseID, d, t.clk.Now())
	case err != nil:
		return license.RateWindow{}, fmt.Errorf("load rate window %s: %w", licenseID, err)
	case w.WindowDuration == d:
		return w, nil
	default:
		w.WindowDuration = d
	}
	if err := t.st.SaveRateWindow(ctx, w); err != nil {
		return license.RateWindow{}, fmt.Errorf("save rate window %s: %w", licenseID, err)
	}
	return w, nil
}

func (t *Tracker) Record(ctx context.Context, licenseID string, d time.Duration) (license.RateWindow, error) {
	w, err := t.FindOrCreate(ctx, licenseID, d)
	if err != nil {
		return license.RateWindow{}, err
	}
	w.RecordRequest(t.clk.Now())
	if err := t.st.SaveRateWindow(ctx, w); err != nil {
		return license.RateWindow{}, fmt.Errorf("record request %s: %w", licenseID, err)
	}
	return w, nil
}
