// Package liveness holds the pure check-in expiry calculations shared by the
// sync engine, watchdog & API handlers. Callers pass in 'now', so results are
// deterministic & easy to test.
package liveness

import (
	"fmt"
	"time"
)

// A zero lastCheckIn means the user has never checked in.

// ExpiresAt returns the time a user's check-in lapses
func ExpiresAt(lastCheckIn time.Time, interval time.Duration) time.Time {
	return lastCheckIn.Add(interval)
}

// IsNonResponsive reports whether a user's check-in has lapsed as of 'now'.
// A user that has never checked in is treated as non-responsive right away.
func IsNonResponsive(lastCheckIn time.Time, interval time.Duration, now time.Time) bool {
	if lastCheckIn.IsZero() {
		return true
	}

	return now.After(ExpiresAt(lastCheckIn, interval))
}

// TimeRemaining returns how long until the check-in lapses, floored at 0
func TimeRemaining(lastCheckIn time.Time, interval time.Duration, now time.Time) time.Duration {
	if lastCheckIn.IsZero() {
		return 0
	}

	remaining := ExpiresAt(lastCheckIn, interval).Sub(now)
	if remaining < 0 {
		return 0
	}

	return remaining
}

// FormatRemaining renders a countdown for display e.g. "2d 4h" or "1h 30m".
// Anything at or below zero renders as "Overdue".
func FormatRemaining(remaining time.Duration) string {
	if remaining <= 0 {
		return "Overdue"
	}

	days := int(remaining.Hours()) / 24
	hours := int(remaining.Hours()) % 24
	minutes := int(remaining.Minutes()) % 60

	if days >= 1 {
		return fmt.Sprintf("%vd %vh", days, hours)
	}

	return fmt.Sprintf("%vh %vm", hours, minutes)
}
