package store

import (
	"context"
	"errors"
	"time"

	"imagegen-quota/internal/license"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// Store is the persistence boundary for licenses and their rate windows.
type Store interface {
	Close() error

	CreateLicense(ctx context.Context, lic license.License) error
	// CreateLicenseForDomain stores lic unless its domain already has a
	// license, in which case that one is returned with created=false.
	CreateLicenseForDomain(ctx context.Context, lic license.License) (stored license.License, created bool, err error)
	SaveLicense(ctx context.Context, lic license.License) error
	FindLicenseByID(ctx context.Context, id string) (license.License, error)
	FindLicenseByKey(ctx context.Context, key string) (license.License, error)
	// FindLicenseByDomain returns the most recently created license for a domain.
	FindLicenseByDomain(ctx context.Context, domain string) (license.License, error)
	ListLicenses(ctx context.Context) ([]license.License, error)
	// LicensesNeedingReset lists active licenses last reset before monthStart.
	LicensesNeedingReset(ctx context.Context, monthStart time.Time) ([]license.License, error)

	// IncrementUsage adds one generation iff current_usage < monthly_limit,
	// atomically. The bool reports whether the increment was applied.
	IncrementUsage(ctx context.Context, id string, now time.Time) (license.License, bool, error)
	// ResetUsage zeroes usage and stamps last_reset=now iff the stored
	// last_reset is before monthStart, atomically. The stored record is
	// returned either way.
	ResetUsage(ctx context.Context, id string, monthStart, now time.Time) (license.License, bool, error)

	FindRateWindow(ctx context.Context, licenseID string) (license.RateWindow, error)
	SaveRateWindow(ctx context.Context, w license.RateWindow) error
}
