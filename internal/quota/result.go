package quota

import (
	"errors"
	"time"

	"imagegen-quota/internal/license"
)

var (
	ErrNotFound      = errors.New("license not found")
	ErrUnauthorized  = errors.New("license not active")
	ErrExpired       = errors.New("license expired")
	ErrQuotaExceeded = errors.New("monthly limit exceeded")
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrInternal      = errors.New("internal error")
)

// Reason is the human-readable denial reason returned to callers.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonNotFound      Reason = "License not found"
	ReasonNotActive     Reason = "License not active"
	ReasonExpired       Reason = "License expired"
	ReasonQuotaExceeded Reason = "Monthly limit exceeded"
	ReasonRateLimited   Reason = "Rate limit exceeded"
	ReasonInternal      Reason = "Internal error"
)

// State is the license state as observed through CheckLimits.
type State string

const (
	StateActiveOK            State = "ACTIVE_OK"
	StateActiveRateLimited   State = "ACTIVE_RATE_LIMITED"
	StateActiveQuotaExceeded State = "ACTIVE_QUOTA_EXCEEDED"
	StateExpired             State = "EXPIRED"
	StateSuspended           State = "SUSPENDED"
	StateNotFound            State = "NOT_FOUND"
	StateInternalError       State = "INTERNAL_ERROR"
)

type Result struct {
	Allowed              bool
	Reason               Reason
	State                State
	LicenseID            string
	Tier                 license.Tier
	RemainingGenerations int
	// RemainingTime is how long until a denied request could succeed. Zero
	// for quota denials, which wait for ResetDate instead.
	RemainingTime time.Duration
	ResetDate     time.Time
	CurrentUsage  int
	MonthlyLimit  int
}

// Err maps a denial to its sentinel error; nil when allowed.
func (r Result) Err() error {
	if r.Allowed {
		return nil
	}
	switch r.Reason {
	case ReasonNotFound:
		return ErrNotFound
	case ReasonNotActive:
		return ErrUnauthorized
	case ReasonExpired:
		return ErrExpired
	case ReasonQuotaExceeded:
		return ErrQuotaExceeded
	case ReasonRateLimited:
		return ErrRateLimited
	default:
		return ErrInternal
	}
}

type UsageStats struct {
	LicenseID            string         `json:"license_id"`
	Tier                 license.Tier   `json:"tier"`
	Status               license.Status `json:"status"`
	CurrentUsage         int            `json:"current_usage"`
	MonthlyLimit         int            `json:"monthly_limit"`
	RemainingGenerations int            `json:"remaining_generations"`
	ResetDate            time.Time      `json:"reset_date"`
	ExpiresAt            *time.Time     `json:"expires_at,omitempty"`
	RemainingRequests    int            `json:"remaining_requests"`
	TimeUntilNextRequest time.Duration  `json:"-"`
	LastRequest          *time.Time     `json:"last_request,omitempty"`
}
