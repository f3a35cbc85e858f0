package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"imagegen-quota/internal/license"
)

const (
	bucketLicenses = "licenses"
	bucketKeys     = "license_keys"
	bucketDomains  = "license_domains"
	bucketWindows  = "rate_windows"
)

type BBoltStore struct {
	db *bbolt.DB
}

func OpenBBolt(path string) (*BBoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	st := &BBoltStore{db: db}
	if err := st.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketLicenses, bucketKeys, bucketDomains, bucketWindows} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *BBoltStore) Close() error { return s.db.Close() }

func (s *BBoltStore) CreateLicense(_ context.Context, lic license.License) error {
	if lic.ID == "" || lic.Key == "" {
		return fmt.Errorf("license id and key are required")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return insertLicense(tx, lic)
	})
}

func (s *BBoltStore) CreateLicenseForDomain(_ context.Context, lic license.License) (license.License, bool, error) {
	if lic.ID == "" || lic.Key == "" {
		return license.License{}, false, fmt.Errorf("license id and key are required")
	}
	d := normalizeDomain(lic.Domain)
	if d == "" {
		return license.License{}, false, fmt.Errorf("license domain is required")
	}
	var (
		stored  license.License
		created bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if id := tx.Bucket([]byte(bucketDomains)).Get([]byte(d)); id != nil {
			var err error
			stored, err = getLicense(tx, string(id))
			return err
		}
		if err := insertLicense(tx, lic); err != nil {
			return err
		}
		stored, created = lic, true
		return nil
	})
	if err != nil {
		return license.License{}, false, err
	}
	return stored, created, nil
}

func (s *BBoltStore) SaveLicense(_ context.Context, lic license.License) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := getLicense(tx, lic.ID); err != nil {
			return err
		}
		return putLicense(tx, lic)
	})
}

func (s *BBoltStore) FindLicenseByID(_ context.Context, id string) (license.License, error) {
	var lic license.License
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		lic, err = getLicense(tx, id)
		return err
	})
	return lic, err
}

func (s *BBoltStore) FindLicenseByKey(_ context.Context, key string) (license.License, error) {
	return s.findIndexed(bucketKeys, strings.TrimSpace(key))
}

func (s *BBoltStore) FindLicenseByDomain(_ context.Context, domain string) (license.License, error) {
	return s.findIndexed(bucketDomains, normalizeDomain(domain))
}

func (s *BBoltStore) findIndexed(bucket, value string) (license.License, error) {
	var lic license.License
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket([]byte(bucket)).Get([]byte(value))
		if id == nil {
			return ErrNotFound
		}
		var err error
		lic, err = getLicense(tx, string(id))
		return err
	})
	return lic, err
}

func (s *BBoltStore) ListLicenses(_ context.Context) ([]license.License, error) {
	var out []license.License
	if err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketLicenses)).ForEach(func(_, v []byte) error {
			var lic license.License
			if err := json.Unmarshal(v, &lic); err != nil {
				return err
			}
			out = append(out, lic)
			return nil
		})
	}); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *BBoltStore) LicensesNeedingReset(ctx context.Context, monthStart time.Time) ([]license.License, error) {
	all, err := s.ListLicenses(ctx)
	if err != nil {
		return nil, err
	}
	return filterNeedingReset(all, monthStart), nil
}

func (s *BBoltStore) IncrementUsage(_ context.Context, id string, now time.Time) (license.License, bool, error) {
	var (
		lic     license.License
		applied bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		lic, err = getLicense(tx, id)
		if err != nil {
			return err
		}
		if lic.CurrentUsage >= lic.MonthlyLimit {
			return nil
		}
		lic.IncrementUsage(now)
		applied = true
		return putLicense(tx, lic)
	})
	if err != nil {
		return license.License{}, false, err
	}
	return lic, applied, nil
}

func (s *BBoltStore) ResetUsage(_ context.Context, id string, monthStart, now time.Time) (license.License, bool, error) {
	var (
		lic     license.License
		applied bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		lic, err = getLicense(tx, id)
		if err != nil {
			return err
		}
		if !lic.LastReset.Before(monthStart) {
			return nil
		}
		lic.StartMonth(now)
		applied = true
		return putLicense(tx, lic)
	})
	if err != nil {
		return license.License{}, false, err
	}
	return lic, applied, nil
}

func (s *BBoltStore) FindRateWindow(_ context.Context, licenseID string) (license.RateWindow, error) {
	var w license.RateWindow
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(bucketWindows)).Get([]byte(licenseID))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &w)
	})
	return w, err
}

func (s *BBoltStore) SaveRateWindow(_ context.Context, w license.RateWindow) error {
	buf, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketWindows)).Put([]byte(w.LicenseID), buf)
	})
}

func insertLicense(tx *bbolt.Tx, lic license.License) error {
	if tx.Bucket([]byte(bucketLicenses)).Get([]byte(lic.ID)) != nil {
		return fmt.Errorf("license %s: %w", lic.ID, ErrConflict)
	}
	keys := tx.Bucket([]byte(bucketKeys))
	if keys.Get([]byte(lic.Key)) != nil {
		return fmt.Errorf("license key: %w", ErrConflict)
	}
	if err := keys.Put([]byte(lic.Key), []byte(lic.ID)); err != nil {
		return err
	}
	if d := normalizeDomain(lic.Domain); d != "" {
		if err := tx.Bucket([]byte(bucketDomains)).Put([]byte(d), []byte(lic.ID)); err != nil {
			return err
		}
	}
	return putLicense(tx, lic)
}

func getLicense(tx *bbolt.Tx, id string) (license.License, error) {
	v := tx.Bucket([]byte(bucketLicenses)).Get([]byte(id))
	if v == nil {
		return license.License{}, ErrNotFound
	}
	var lic license.License
	if err := json.Unmarshal(v, &lic); err != nil {
		return license.License{}, err
	}
	return lic, nil
}

func putLicense(tx *bbolt.Tx, lic license.License) error {
	buf, err := json.Marshal(lic)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(bucketLicenses)).Put([]byte(lic.ID), buf)
}

func filterNeedingReset(all []license.License, monthStart time.Time) []license.License {
	var out []license.License
	for _, lic := range all {
		if lic.Status == license.StatusActive && lic.LastReset.Before(monthStart) {
			out = append(out, lic)
		}
	}
	return out
}

func normalizeDomain(d string) string {
	return strings.ToLower(strings.TrimSpace(d))
}
