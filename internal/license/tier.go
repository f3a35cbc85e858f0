package license

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type Tier string

const (
	TierFree       Tier = "free"
	TierProBasic   Tier = "pro_basic"
	TierProPremium Tier = "pro_premium"
)

func ParseTier(s string) (Tier, bool) {
	switch Tier(s) {
	case TierFree, TierProBasic, TierProPremium:
		return Tier(s), true
	}
	return "", false
}

// ProductLimit is either Unlimited or Limited(n).
type ProductLimit struct {
	n         int
	unlimited bool
}

func Unlimited() ProductLimit { return ProductLimit{unlimited: true} }

func Limited(n int) ProductLimit { return ProductLimit{n: n} }

func (p ProductLimit) IsUnlimited() bool { return p.unlimited }

// Max returns the bound and false when the limit is unlimited.
func (p ProductLimit) Max() (int, bool) {
	if p.unlimited {
		return 0, false
	}
	return p.n, true
}

func (p ProductLimit) Allows(count int) bool {
	return p.unlimited || count <= p.n
}

func (p ProductLimit) String() string {
	if p.unlimited {
		return "unlimited"
	}
	return strconv.Itoa(p.n)
}

func (p ProductLimit) MarshalJSON() ([]byte, error) {
	if p.unlimited {
		return []byte(`"unlimited"`), nil
	}
	return json.Marshal(p.n)
}

func (p *ProductLimit) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s != "unlimited" {
			return fmt.Errorf("invalid product limit %q", s)
		}
		*p = Unlimited()
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid product limit: %w", err)
	}
	*p = Limited(n)
	return nil
}

type TierConfig struct {
	Tier               Tier          `json:"tier"`
	MonthlyGenerations int           `json:"monthly_generations"`
	RateLimit          time.Duration `json:"-"`
	MaxProducts        ProductLimit  `json:"max_products"`
	ImageMaxSizeKB     int           `json:"image_max_size_kb"`
}

func (c TierConfig) MarshalJSON() ([]byte, error) {
	type alias TierConfig
	return json.Marshal(struct {
		alias
		RateLimitSeconds int64 `json:"rate_limit_seconds"`
	}{alias(c), int64(c.RateLimit / time.Second)})
}

var tiers = map[Tier]TierConfig{
	TierFree: {
		Tier:               TierFree,
		MonthlyGenerations: 10,
		RateLimit:          60 * time.Second,
		MaxProducts:        Limited(3),
		ImageMaxSizeKB:     2048,
	},
	TierProBasic: {
		Tier:               TierProBasic,
		MonthlyGenerations: 100,
		RateLimit:          30 * time.Second,
		MaxProducts:        Unlimited(),
		ImageMaxSizeKB:     5120,
	},
	TierProPremium: {
		Tier:               TierProPremium,
		MonthlyGenerations: 500,
		RateLimit:          15 * time.Second,
		MaxProducts:        Unlimited(),
		ImageMaxSizeKB:     10240,
	},
}

// ConfigFor looks up a tier; anything unknown gets the free tier.
func ConfigFor(t Tier) TierConfig {
	if c, ok := tiers[t]; ok {
		return c
	}
	return tiers[TierFree]
}

func Tiers() []TierConfig {
	return []TierConfig{tiers[TierFree], tiers[TierProBasic], tiers[TierProPremium]}
}
