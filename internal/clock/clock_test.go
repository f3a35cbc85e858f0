package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReal_KeepsMonotonicReading(t *testing.T) {
	// time.Time.String appends "m=" only when a monotonic reading is present.
	assert.Contains(t, Real{}.Now().String(), "m=")
}

func TestManual(t *testing.T) {
	start := time.Date(2025, 1, 31, 23, 59, 0, 0, time.FixedZone("IRST", 12600))
	m := NewManual(start)
	assert.Equal(t, time.UTC, m.Now().Location())
	assert.True(t, m.Now().Equal(start))

	m.Advance(2 * time.Minute)
	assert.True(t, m.Now().Equal(start.Add(2*time.Minute)))

	next := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	m.Set(next)
	assert.Equal(t, next, m.Now())
}
