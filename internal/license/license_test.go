package license

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var march = time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)

func activeLicense() License {
	return License{
		ID:           "lic-1",
		Tier:         TierFree,
		Status:       StatusActive,
		MonthlyLimit: 10,
		LastReset:    march,
	}
}

func TestLicense_ShouldResetUsage(t *testing.T) {
	lic := activeLicense()

	cases := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"same instant", march, false},
		{"end of same month", time.Date(2025, 3, 31, 23, 59, 59, 0, time.UTC), false},
		{"first of next month", time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), true},
		{"same month next year", time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC), true},
		{"29 days later, same month", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 29), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, lic.ShouldResetUsage(tc.now))
		})
	}
}

func TestLicense_ResetMonthlyUsageIsIdempotentWithinMonth(t *testing.T) {
	lic := activeLicense()
	lic.CurrentUsage = 7

	april := time.Date(2025, 4, 2, 8, 0, 0, 0, time.UTC)
	require.True(t, lic.ResetMonthlyUsage(april))
	assert.Equal(t, 0, lic.CurrentUsage)
	assert.Equal(t, april, lic.LastReset)

	lic.CurrentUsage = 3
	assert.False(t, lic.ResetMonthlyUsage(april.Add(time.Hour)))
	assert.Equal(t, 3, lic.CurrentUsage)
}

func TestLicense_CanGenerate(t *testing.T) {
	past := march.Add(-time.Hour)

	lic := activeLicense()
	assert.True(t, lic.CanGenerate(march))

	lic.CurrentUsage = 10
	assert.False(t, lic.CanGenerate(march))

	lic = activeLicense()
	lic.Status = StatusSuspended
	assert.False(t, lic.CanGenerate(march))

	lic = activeLicense()
	lic.ExpiresAt = &past
	assert.True(t, lic.IsExpired(march))
	assert.False(t, lic.CanGenerate(march))
}

func TestLicense_RemainingGenerationsNeverNegative(t *testing.T) {
	lic := activeLicense()
	lic.CurrentUsage = 12
	assert.Equal(t, 0, lic.RemainingGenerations())

	lic.CurrentUsage = 4
	assert.Equal(t, 6, lic.RemainingGenerations())
}

func TestLicense_NextResetDate(t *testing.T) {
	lic := activeLicense()
	assert.Equal(t, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), lic.NextResetDate())

	lic.LastReset = time.Date(2025, 12, 31, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), lic.NextResetDate())
}

func TestRateWindow_OneRequestPerWindow(t *testing.T) {
	w := NewRateWindow("lic-1", 30*time.Second, march)
	assert.True(t, w.CanMakeRequest(march))
	assert.Equal(t, 1, w.RemainingRequests(march))

	w.RecordRequest(march)
	later := march.Add(10 * time.Second)
	assert.False(t, w.CanMakeRequest(later))
	assert.Equal(t, 0, w.RemainingRequests(later))
	assert.Equal(t, 20*time.Second, w.TimeUntilReset(later))

	w.RecordRequest(later)
	assert.Equal(t, 0, w.RemainingRequests(later), "remaining never goes negative")

	elapsed := march.Add(30 * time.Second)
	assert.True(t, w.CanMakeRequest(elapsed))
	assert.Equal(t, time.Duration(0), w.TimeUntilReset(elapsed))

	w.RecordRequest(elapsed)
	assert.Equal(t, elapsed, w.WindowStart)
	assert.Equal(t, 1, w.RequestCount)
	require.NotNil(t, w.LastRequest)
	assert.Equal(t, elapsed, *w.LastRequest)
}

func TestRateWindow_JSONUsesMilliseconds(t *testing.T) {
	w := NewRateWindow("lic-1", 15*time.Second, march)
	b, err := json.Marshal(w)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"window_duration_ms":15000`)

	var back RateWindow
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, 15*time.Second, back.WindowDuration)
	assert.True(t, back.WindowStart.Equal(march))
}

func TestConfigFor_UnknownFallsBackToFree(t *testing.T) {
	cfg := ConfigFor("enterprise")
	assert.Equal(t, TierFree, cfg.Tier)
	assert.Equal(t, 10, cfg.MonthlyGenerations)
	assert.Equal(t, 60*time.Second, cfg.RateLimit)

	n, ok := cfg.MaxProducts.Max()
	assert.True(t, ok)
	assert.Equal(t, 3, n)
}

func TestTierTable(t *testing.T) {
	basic := ConfigFor(TierProBasic)
	assert.Equal(t, 100, basic.MonthlyGenerations)
	assert.Equal(t, 30*time.Second, basic.RateLimit)
	assert.True(t, basic.MaxProducts.IsUnlimited())
	assert.Equal(t, 5120, basic.ImageMaxSizeKB)

	premium := ConfigFor(TierProPremium)
	assert.Equal(t, 500, premium.MonthlyGenerations)
	assert.Equal(t, 15*time.Second, premium.RateLimit)
	assert.Equal(t, 10240, premium.ImageMaxSizeKB)
}

func TestProductLimit(t *testing.T) {
	assert.True(t, Limited(3).Allows(3))
	assert.False(t, Limited(3).Allows(4))
	assert.True(t, Unlimited().Allows(1_000_000))

	b, err := json.Marshal(ConfigFor(TierProBasic))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"max_products":"unlimited"`)
	assert.Contains(t, string(b), `"rate_limit_seconds":30`)

	var p ProductLimit
	require.NoError(t, json.Unmarshal([]byte(`5`), &p))
	assert.Equal(t, Limited(5), p)
	require.NoError(t, json.Unmarshal([]byte(`"unlimited"`), &p))
	assert.True(t, p.IsUnlimited())
	assert.Error(t, json.Unmarshal([]byte(`"lots"`), &p))
}

func TestNewKey(t *testing.T) {
	free, err := NewKey(TierFree)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(free, "AIMG-FREE-"))

	pro, err := NewKey(TierProPremium)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(pro, "AIMG-PRO-"))
	assert.NotEqual(t, free, pro)
}
