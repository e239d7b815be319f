package retry

import (
	"math/rand"
	"time"
)

// DefaultMaxRetries and DefaultSchedule are the engine defaults.
const DefaultMaxRetries = 5

var DefaultSchedule = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
	3600 * time.Second,
	7200 * time.Second,
}

// Schedule computes next_deferred_ts for a transient failure, or
// reports that retries are exhausted (caller must then emit
// PermanentFailure("max retries exceeded")).
type Schedule struct {
	Steps      []time.Duration
	MaxRetries int
	Rand       *rand.Rand // injectable for deterministic tests
}

// NewSchedule builds a Schedule with the default steps. A nil source
// is seeded from the current time.
func NewSchedule(src rand.Source) *Schedule {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Schedule{
		Steps:      DefaultSchedule,
		MaxRetries: DefaultMaxRetries,
		Rand:       rand.New(src),
	}
}

// Next returns the deferred-until timestamp for the given retryCount
// (the count *before* this attempt), and whether retries remain.
func (s *Schedule) Next(now time.Time, retryCount int) (time.Time, bool) {
	if retryCount >= s.MaxRetries {
		return time.Time{}, false
	}

	idx := retryCount
	if idx >= len(s.Steps) {
		idx = len(s.Steps) - 1
	}
	base := s.Steps[idx]

	jitterFrac := 0.2
	delta := float64(base) * jitterFrac * (2*s.Rand.Float64() - 1)
	delay := base + time.Duration(delta)
	if delay < 0 {
		delay = 0
	}

	return now.Add(delay), true
}
