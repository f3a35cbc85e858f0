package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagegen-quota/internal/license"
)

func newBBolt(t *testing.T) Store {
	t.Helper()
	st, err := OpenBBolt(filepath.Join(t.TempDir(), "data", "quota.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newRedis(t *testing.T) Store {
	t.Helper()
	addr := os.Getenv("QUOTA_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("QUOTA_TEST_REDIS_ADDR not set")
	}
	st, err := OpenRedis(context.Background(), RedisConfig{Addr: addr, Prefix: "quotatest:" + uuid.NewString() + ":"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestBBoltStore(t *testing.T) { runStoreSuite(t, newBBolt) }

func TestRedisStore(t *testing.T) { runStoreSuite(t, newRedis) }

func sampleLicense(domain string, created time.Time) license.License {
	return license.License{
		ID:           uuid.NewString(),
		Key:          "AIMG-FREE-" + uuid.NewString(),
		Domain:       domain,
		Tier:         license.TierFree,
		Status:       license.StatusActive,
		MonthlyLimit: 2,
		LastReset:    created,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func runStoreSuite(t *testing.T, open func(*testing.T) Store) {
	ctx := context.Background()
	now := time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC)

	t.Run("create and find", func(t *testing.T) {
		st := open(t)
		lic := sampleLicense("Shop.Example.com", now)
		require.NoError(t, st.CreateLicense(ctx, lic))

		byID, err := st.FindLicenseByID(ctx, lic.ID)
		require.NoError(t, err)
		assert.Equal(t, lic.Key, byID.Key)

		byKey, err := st.FindLicenseByKey(ctx, lic.Key)
		require.NoError(t, err)
		assert.Equal(t, lic.ID, byKey.ID)

		byDomain, err := st.FindLicenseByDomain(ctx, "shop.example.com")
		require.NoError(t, err)
		assert.Equal(t, lic.ID, byDomain.ID)

		assert.ErrorIs(t, st.CreateLicense(ctx, lic), ErrConflict)
	})

	t.Run("missing records", func(t *testing.T) {
		st := open(t)
		_, err := st.FindLicenseByID(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = st.FindLicenseByKey(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = st.FindRateWindow(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, st.SaveLicense(ctx, sampleLicense("", now)), ErrNotFound)
	})

	t.Run("conditional increment stops at limit", func(t *testing.T) {
		st := open(t)
		lic := sampleLicense("a.example", now)
		require.NoError(t, st.CreateLicense(ctx, lic))

		got, applied, err := st.IncrementUsage(ctx, lic.ID, now)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, 1, got.CurrentUsage)

		got, applied, err = st.IncrementUsage(ctx, lic.ID, now)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, 2, got.CurrentUsage)

		got, applied, err = st.IncrementUsage(ctx, lic.ID, now)
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, 2, got.CurrentUsage)

		_, _, err = st.IncrementUsage(ctx, "missing", now)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent increments never exceed limit", func(t *testing.T) {
		st := open(t)
		lic := sampleLicense("race.example", now)
		lic.MonthlyLimit = 5
		require.NoError(t, st.CreateLicense(ctx, lic))

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			applied int
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := st.IncrementUsage(ctx, lic.ID, now)
				if err == nil && ok {
					mu.Lock()
					applied++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 5, applied)
		got, err := st.FindLicenseByID(ctx, lic.ID)
		require.NoError(t, err)
		assert.Equal(t, 5, got.CurrentUsage)
	})

	t.Run("licenses needing reset", func(t *testing.T) {
		st := open(t)
		stale := sampleLicense("stale.example", now.AddDate(0, -1, 0))
		fresh := sampleLicense("fresh.example", now)
		suspended := sampleLicense("suspended.example", now.AddDate(0, -2, 0))
		suspended.Status = license.StatusSuspended
		for _, l := range []license.License{stale, fresh, suspended} {
			require.NoError(t, st.CreateLicense(ctx, l))
		}

		due, err := st.LicensesNeedingReset(ctx, license.MonthStart(now))
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, stale.ID, due[0].ID)

		all, err := st.ListLicenses(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("reset usage only applies once per month", func(t *testing.T) {
		st := open(t)
		lic := sampleLicense("reset.example", now.AddDate(0, -1, 0))
		lic.CurrentUsage = 2
		require.NoError(t, st.CreateLicense(ctx, lic))
		monthStart := license.MonthStart(now)

		got, applied, err := st.ResetUsage(ctx, lic.ID, monthStart, now)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, 0, got.CurrentUsage)
		assert.True(t, got.LastReset.Equal(now))

		_, _, err = st.IncrementUsage(ctx, lic.ID, now)
		require.NoError(t, err)

		got, applied, err = st.ResetUsage(ctx, lic.ID, monthStart, now.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, applied, "already reset this month")
		assert.Equal(t, 1, got.CurrentUsage, "usage counted after the reset survives")

		_, _, err = st.ResetUsage(ctx, "missing", monthStart, now)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("create for domain keeps the first license", func(t *testing.T) {
		st := open(t)
		first := sampleLicense("Claim.Example", now)
		got, created, err := st.CreateLicenseForDomain(ctx, first)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, first.ID, got.ID)

		got, created, err = st.CreateLicenseForDomain(ctx, sampleLicense("claim.example", now))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, got.ID)

		_, _, err = st.CreateLicenseForDomain(ctx, sampleLicense("  ", now))
		assert.Error(t, err)

		all, err := st.ListLicenses(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("concurrent create for domain stores one license", func(t *testing.T) {
		st := open(t)
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := st.CreateLicenseForDomain(ctx, sampleLicense("busy.example", now))
				if err == nil && ok {
					mu.Lock()
					created++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, created)
		all, err := st.ListLicenses(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("rate window round trip", func(t *testing.T) {
		st := open(t)
		w := license.NewRateWindow("lic-1", 30*time.Second, now)
		w.RecordRequest(now)
		require.NoError(t, st.SaveRateWindow(ctx, w))

		got, err := st.FindRateWindow(ctx, "lic-1")
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, got.WindowDuration)
		assert.Equal(t, 1, got.RequestCount)
		require.NotNil(t, got.LastRequest)
		assert.True(t, got.LastRequest.Equal(now))
	})
}
