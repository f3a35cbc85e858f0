package license

import "time"

type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusExpired   Status = "expired"
)

func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusActive, StatusSuspended, StatusExpired:
		return Status(s), true
	}
	return "", false
}

// License is the persisted subscription record. Behaviour lives in plain
// functions taking the current time; storage is somebody else's job.
type License struct {
	ID           string     `json:"id"`
	Key          string     `json:"key"`
	Domain       string     `json:"domain"`
	Tier         Tier       `json:"tier"`
	Status       Status     `json:"status"`
	MonthlyLimit int        `json:"monthly_limit"`
	CurrentUsage int        `json:"current_usage"`
	LastReset    time.Time  `json:"last_reset"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Note         string     `json:"note,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (l License) IsExpired(now time.Time) bool {
	return l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}

// ShouldResetUsage is true once now falls in a different calendar month
// (UTC) than the last reset.
func (l License) ShouldResetUsage(now time.Time) bool {
	ny, nm, _ := now.UTC().Date()
	ly, lm, _ := l.LastReset.UTC().Date()
	return ny != ly || nm != lm
}

// ResetMonthlyUsage zeroes usage when a new month has started and reports
// whether anything changed. A second call in the same month is a no-op.
func (l *License) ResetMonthlyUsage(now time.Time) bool {
	if !l.ShouldResetUsage(now) {
		return false
	}
	l.StartMonth(now)
	return true
}

// StartMonth zeroes usage and stamps the reset time unconditionally.
func (l *License) StartMonth(now time.Time) {
	l.CurrentUsage = 0
	l.LastReset = now.UTC()
	l.UpdatedAt = now.UTC()
}

func (l License) CanGenerate(now time.Time) bool {
	return l.Status == StatusActive && !l.IsExpired(now) && l.CurrentUsage < l.MonthlyLimit
}

func (l License) RemainingGenerations() int {
	if r := l.MonthlyLimit - l.CurrentUsage; r > 0 {
		return r
	}
	return 0
}

func (l *License) IncrementUsage(now time.Time) {
	l.CurrentUsage++
	l.UpdatedAt = now.UTC()
}

// NextResetDate is midnight UTC on the first day of the month after LastReset.
func (l License) NextResetDate() time.Time {
	return MonthStart(l.LastReset).AddDate(0, 1, 0)
}

func MonthStart(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}
