package license

import (
	"encoding/json"
	"time"
)

// MaxRequestsPerWindow is fixed: one generation per rate window.
const MaxRequestsPerWindow = 1

type RateWindow struct {
	LicenseID      string
	WindowDuration time.Duration
	WindowStart    time.Time
	RequestCount   int
	LastRequest    *time.Time
}

func NewRateWindow(licenseID string, d time.Duration, now time.Time) RateWindow {
	return RateWindow{LicenseID: licenseID, WindowDuration: d, WindowStart: now.UTC()}
}

func (w RateWindow) Elapsed(now time.Time) bool {
	return now.Sub(w.WindowStart) >= w.WindowDuration
}

func (w RateWindow) CanMakeRequest(now time.Time) bool {
	return w.Elapsed(now) || w.RequestCount < MaxRequestsPerWindow
}

func (w *RateWindow) RecordRequest(now time.Time) {
	now = now.UTC()
	if w.Elapsed(now) {
		w.WindowStart = now
		w.RequestCount = 1
	} else {
		w.RequestCount++
	}
	w.LastRequest = &now
}

func (w RateWindow) RemainingRequests(now time.Time) int {
	if w.Elapsed(now) {
		return MaxRequestsPerWindow
	}
	if r := MaxRequestsPerWindow - w.RequestCount; r > 0 {
		return r
	}
	return 0
}

func (w RateWindow) TimeUntilReset(now time.Time) time.Duration {
	if d := w.WindowDuration - now.Sub(w.WindowStart); d > 0 {
		return d
	}
	return 0
}

type rateWindowJSON struct {
	LicenseID        string     `json:"license_id"`
	WindowDurationMS int64      `json:"window_duration_ms"`
	WindowStart      time.Time  `json:"window_start"`
	RequestCount     int        `json:"request_count"`
	LastRequest      *time.Time `json:"last_request,omitempty"`
}

func (w RateWindow) MarshalJSON() ([]byte, error) {
	return json.Marshal(rateWindowJSON{
		LicenseID:        w.LicenseID,
		WindowDurationMS: w.WindowDuration.Milliseconds(),
		WindowStart:      w.WindowStart,
		RequestCount:     w.RequestCount,
		LastRequest:      w.LastRequest,
	})
}

func (w *RateWindow) UnmarshalJSON(b []byte) error {
	var raw rateWindowJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*w = RateWindow{
		LicenseID:      raw.LicenseID,
		WindowDuration: time.Duration(raw.WindowDurationMS) * time.Millisecond,
		WindowStart:    raw.WindowStart,
		RequestCount:   raw.RequestCount,
		LastRequest:    raw.LastRequest,
	}
	return nil
}
