package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"imagegen-quota/internal/license"
	"imagegen-quota/internal/store"
)

var ErrInvalidInput = errors.New("invalid input")

// RegisterFree returns the license for domain, creating a free one on first
// call. The bool is true when a license was created. Concurrent calls for one
// domain all get the same license.
func (c *Coordinator) RegisterFree(ctx context.Context, domain string) (license.License, bool, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return license.License{}, false, fmt.Errorf("%w: domain is required", ErrInvalidInput)
	}
	existing, err := c.st.FindLicenseByDomain(ctx, domain)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return license.License{}, false, fmt.Errorf("find license for %s: %w", domain, err)
	}
	lic, err := c.newLicense(domain, license.TierFree, nil, "auto-registered")
	if err != nil {
		return license.License{}, false, err
	}
	stored, created, err := c.st.CreateLicenseForDomain(ctx, lic)
	if err != nil {
		return license.License{}, false, fmt.Errorf("create license: %w", err)
	}
	if created {
		c.log.Info().Str("license_id", stored.ID).Str("tier", string(stored.Tier)).Str("domain", stored.Domain).Msg("license registered")
	}
	return stored, created, nil
}

// RegisterLicense creates a license on tier for domain.
func (c *Coordinator) RegisterLicense(ctx context.Context, domain string, tier license.Tier, expiresAt *time.Time, note string) (license.License, error) {
	lic, err := c.newLicense(domain, tier, expiresAt, note)
	if err != nil {
		return license.License{}, err
	}
	if err := c.st.CreateLicense(ctx, lic); err != nil {
		return license.License{}, fmt.Errorf("create license: %w", err)
	}
	c.log.Info().Str("license_id", lic.ID).Str("tier", string(tier)).Str("domain", lic.Domain).Msg("license registered")
	return lic, nil
}

func (c *Coordinator) newLicense(domain string, tier license.Tier, expiresAt *time.Time, note string) (license.License, error) {
	if _, ok := license.ParseTier(string(tier)); !ok {
		return license.License{}, fmt.Errorf("%w: unknown tier %q", ErrInvalidInput, tier)
	}
	key, err := license.NewKey(tier)
	if err != nil {
		return license.License{}, err
	}
	now := c.clk.Now().UTC()
	return license.License{
		ID:           license.NewID(),
		Key:          key,
		Domain:       strings.ToLower(strings.TrimSpace(domain)),
		Tier:         tier,
		Status:       license.StatusActive,
		MonthlyLimit: license.ConfigFor(tier).MonthlyGenerations,
		LastReset:    now,
		ExpiresAt:    expiresAt,
		Note:         note,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// ChangeTier moves a license to another tier and adopts that tier's monthly
// limit. Usage and the rate window's request count carry over.
func (c *Coordinator) ChangeTier(ctx context.Context, id string, tier license.Tier) (license.License, error) {
	if _, ok := license.ParseTier(string(tier)); !ok {
		return license.License{}, fmt.Errorf("%w: unknown tier %q", ErrInvalidInput, tier)
	}
	return c.update(ctx, id, func(lic *license.License) {
		lic.Tier = tier
		lic.MonthlyLimit = license.ConfigFor(tier).MonthlyGenerations
	})
}

func (c *Coordinator) SetStatus(ctx context.Context, id string, status license.Status) (license.License, error) {
	if _, ok := license.ParseStatus(string(status)); !ok {
		return license.License{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	return c.update(ctx, id, func(lic *license.License) {
		lic.Status = status
	})
}

func (c *Coordinator) FindByKey(ctx context.Context, key string) (license.License, error) {
	lic, err := c.st.FindLicenseByKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return license.License{}, ErrNotFound
	}
	return lic, err
}

func (c *Coordinator) List(ctx context.Context) ([]license.License, error) {
	return c.st.ListLicenses(ctx)
}

func (c *Coordinator) update(ctx context.Context, id string, mutate func(*license.License)) (license.License, error) {
	lic, err := c.ledger.Load(ctx, id)
	if err != nil {
		return license.License{}, err
	}
	mutate(&lic)
	lic.UpdatedAt = c.clk.Now().UTC()
	if err := c.st.SaveLicense(ctx, lic); err != nil {
		return license.License{}, fmt.Errorf("save license %s: %w", id, err)
	}
	c.forget(id)
	return lic, nil
}
