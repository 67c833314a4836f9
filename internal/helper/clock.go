package helper

import "time"

// Clock returns the current time. Components take a Clock so tests can pin
// the time used for retry and timeout calculations.
type Clock func() time.Time

// SystemClock returns the current UTC time.
func SystemClock() time.Time { return time.Now().UTC() }

// FixedClock returns a Clock that always returns t.
func FixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

// Truncate shortens s to at most n characters.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
