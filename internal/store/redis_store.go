package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"imagegen-quota/internal/license"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key, e.g. "quota:".
	Prefix string
}

// RedisStore keeps licenses as JSON strings. It lets several quotad
// processes share one set of counters.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// incrementScript performs "increment iff current_usage < monthly_limit" in
// one server-side step. Returns {applied, json}; applied is -1 when missing.
var incrementScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return {-1, ''}
end
local lic = cjson.decode(raw)
if lic.current_usage >= lic.monthly_limit then
  return {0, raw}
end
lic.current_usage = lic.current_usage + 1
lic.updated_at = ARGV[1]
local out = cjson.encode(lic)
redis.call('SET', KEYS[1], out)
return {1, out}
`)

func OpenRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return &RedisStore{client: client, prefix: cfg.Prefix}, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) licenseKey(id string) string { return s.prefix + "license:" + id }
func (s *RedisStore) keyIndex(key string) string { return s.prefix + "license_key:" + key }
func (s *RedisStore) domainIndex(d string) string { return s.prefix + "license_domain:" + d }
func (s *RedisStore) windowKey(id string) string { return s.prefix + "rate_window:" + id }
func (s *RedisStore) allLicensesKey() string { return s.prefix + "licenses" }

func (s *RedisStore) CreateLicense(ctx context.Context, lic license.License) error {
	if lic.ID == "" || lic.Key == "" {
		return fmt.Errorf("license id and key are required")
	}
	buf, err := json.Marshal(lic)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.keyIndex(lic.Key), lic.ID, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("license key: %w", ErrConflict)
	}
	ok, err = s.client.SetNX(ctx, s.licenseKey(lic.ID), buf, 0).Result()
	if err != nil || !ok {
		_ = s.client.Del(ctx, s.keyIndex(lic.Key)).Err()
		if err != nil {
			return err
		}
		return fmt.Errorf("license %s: %w", lic.ID, ErrConflict)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, s.allLicensesKey(), lic.ID)
		if d := normalizeDomain(lic.Domain); d != "" {
			p.Set(ctx, s.domainIndex(d), lic.ID, 0)
		}
		return nil
	})
	return err
}

// CreateLicenseForDomain claims the domain index with SETNX before writing the
// record, so concurrent registrations for one domain agree on a single license.
func (s *RedisStore) CreateLicenseForDomain(ctx context.Context, lic license.License) (license.License, bool, error) {
	if lic.ID == "" || lic.Key == "" {
		return license.License{}, false, fmt.Errorf("license id and key are required")
	}
	d := normalizeDomain(lic.Domain)
	if d == "" {
		return license.License{}, false, fmt.Errorf("license domain is required")
	}
	ok, err := s.client.SetNX(ctx, s.domainIndex(d), lic.ID, 0).Result()
	if err != nil {
		return license.License{}, false, err
	}
	if !ok {
		existing, err := s.findIndexed(ctx, s.domainIndex(d))
		if errors.Is(err, ErrNotFound) {
			// The claim is held but the record is not written yet.
			return license.License{}, false, fmt.Errorf("domain %s is being registered: %w", d, ErrConflict)
		}
		if err != nil {
			return license.License{}, false, err
		}
		return existing, false, nil
	}
	if err := s.CreateLicense(ctx, lic); err != nil {
		_ = s.client.Del(ctx, s.domainIndex(d)).Err()
		return license.License{}, false, err
	}
	return lic, true, nil
}

func (s *RedisStore) SaveLicense(ctx context.Context, lic license.License) error {
	buf, err := json.Marshal(lic)
	if err != nil {
		return err
	}
	// XX: only overwrite an existing record.
	ok, err := s.client.SetXX(ctx, s.licenseKey(lic.ID), buf, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) FindLicenseByID(ctx context.Context, id string) (license.License, error) {
	raw, err := s.client.Get(ctx, s.licenseKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return license.License{}, ErrNotFound
	}
	if err != nil {
		return license.License{}, err
	}
	var lic license.License
	if err := json.Unmarshal(raw, &lic); err != nil {
		return license.License{}, err
	}
	return lic, nil
}

func (s *RedisStore) FindLicenseByKey(ctx context.Context, key string) (license.License, error) {
	return s.findIndexed(ctx, s.keyIndex(strings.TrimSpace(key)))
}

func (s *RedisStore) FindLicenseByDomain(ctx context.Context, domain string) (license.License, error) {
	return s.findIndexed(ctx, s.domainIndex(normalizeDomain(domain)))
}

func (s *RedisStore) findIndexed(ctx context.Context, indexKey string) (license.License, error) {
	id, err := s.client.Get(ctx, indexKey).Result()
	if errors.Is(err, redis.Nil) {
		return license.License{}, ErrNotFound
	}
	if err != nil {
		return license.License{}, err
	}
	return s.FindLicenseByID(ctx, id)
}

func (s *RedisStore) ListLicenses(ctx context.Context) ([]license.License, error) {
	ids, err := s.client.SMembers(ctx, s.allLicensesKey()).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.licenseKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]license.License, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var lic license.License
		if err := json.Unmarshal([]byte(str), &lic); err != nil {
			return nil, err
		}
		out = append(out, lic)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *RedisStore) LicensesNeedingReset(ctx context.Context, monthStart time.Time) ([]license.License, error) {
	all, err := s.ListLicenses(ctx)
	if err != nil {
		return nil, err
	}
	return filterNeedingReset(all, monthStart), nil
}

func (s *RedisStore) IncrementUsage(ctx context.Context, id string, now time.Time) (license.License, bool, error) {
	res, err := incrementScript.Run(ctx, s.client, []string{s.licenseKey(id)}, now.UTC().Format(time.RFC3339Nano)).Slice()
	if err != nil {
		return license.License{}, false, err
	}
	if len(res) != 2 {
		return license.License{}, false, fmt.Errorf("unexpected increment reply: %v", res)
	}
	applied, _ := res[0].(int64)
	if applied < 0 {
		return license.License{}, false, ErrNotFound
	}
	raw, _ := res[1].(string)
	var lic license.License
	if err := json.Unmarshal([]byte(raw), &lic); err != nil {
		return license.License{}, false, err
	}
	return lic, applied == 1, nil
}

const maxResetAttempts = 5

// ResetUsage runs an optimistic WATCH transaction on the license key. A
// concurrent increment aborts the EXEC and the condition is evaluated again.
func (s *RedisStore) ResetUsage(ctx context.Context, id string, monthStart, now time.Time) (license.License, bool, error) {
	key := s.licenseKey(id)
	var (
		lic     license.License
		applied bool
	)
	txf := func(tx *redis.Tx) error {
		applied = false
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		lic = license.License{}
		if err := json.Unmarshal(raw, &lic); err != nil {
			return err
		}
		if !lic.LastReset.Before(monthStart) {
			return nil
		}
		lic.StartMonth(now)
		buf, err := json.Marshal(lic)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, buf, 0)
			return nil
		})
		if err != nil {
			return err
		}
		applied = true
		return nil
	}
	for i := 0; i < maxResetAttempts; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return license.License{}, false, err
		}
		return lic, applied, nil
	}
	return license.License{}, false, fmt.Errorf("reset license %s: gave up after %d attempts", id, maxResetAttempts)
}

func (s *RedisStore) FindRateWindow(ctx context.Context, licenseID string) (license.RateWindow, error) {
	raw, err := s.client.Get(ctx, s.windowKey(licenseID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return license.RateWindow{}, ErrNotFound
	}
	if err != nil {
		return license.RateWindow{}, err
	}
	var w license.RateWindow
	if err := json.Unmarshal(raw, &w); err != nil {
		return license.RateWindow{}, err
	}
	return w, nil
}

func (s *RedisStore) SaveRateWindow(ctx context.Context, w license.RateWindow) error {
	buf, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.windowKey(w.LicenseID), buf, 0).Err()
}
