package liveness

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsNonResponsive(t *testing.T) {
	now := time.Date(2022, 3, 14, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		description string
		lastCheckIn time.Time
		interval    time.Duration
		expected    bool
	}{
		{
			description: "Should be responsive while within the interval",
			lastCheckIn: now.Add(-time.Hour),
			interval:    24 * time.Hour,
			expected:    false,
		},
		{
			description: "Should be responsive exactly at the expiry boundary",
			lastCheckIn: now.Add(-24 * time.Hour),
			interval:    24 * time.Hour,
			expected:    false,
		},
		{
			description: "Should be non-responsive once the interval has lapsed",
			lastCheckIn: now.Add(-90000 * time.Second),
			interval:    86400 * time.Second,
			expected:    true,
		},
		{
			description: "Should be non-responsive when user never checked in",
			lastCheckIn: time.Time{},
			interval:    24 * time.Hour,
			expected:    true,
		},
	}

	for _, tcase := range cases {
		t.Run(tcase.description, func(t *testing.T) {
			assert.Equal(t, tcase.expected, IsNonResponsive(tcase.lastCheckIn, tcase.interval, now))
		})
	}
}

func TestTimeRemaining(t *testing.T) {
	now := time.Date(2022, 3, 14, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 23*time.Hour,
		TimeRemaining(now.Add(-time.Hour), 24*time.Hour, now))

	assert.Equal(t, time.Duration(0),
		TimeRemaining(now.Add(-90000*time.Second), 86400*time.Second, now),
		"Remaining time should floor at 0 once overdue")

	assert.Equal(t, time.Duration(0),
		TimeRemaining(time.Time{}, 24*time.Hour, now),
		"A user that never checked in has no time remaining")
}

func TestFormatRemaining(t *testing.T) {
	cases := []struct {
		remaining time.Duration
		expected  string
	}{
		{-time.Hour, "Overdue"},
		{0, "Overdue"},
		{50 * time.Hour, "2d 2h"},
		{24 * time.Hour, "1d 0h"},
		{90 * time.Minute, "1h 30m"},
		{59 * time.Second, "0h 0m"},
	}

	for _, tcase := range cases {
		t.Run(fmt.Sprintf("Should render %v as %q", tcase.remaining, tcase.expected), func(t *testing.T) {
			assert.Equal(t, tcase.expected, FormatRemaining(tcase.remaining))
		})
	}
}
