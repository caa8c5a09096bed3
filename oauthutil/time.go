package oauthutil

import "time"

// Clock is the time source used for all expiry math.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time {
	return time.Now()
}

// CurrentTimestamp returns the current time as unix seconds.
func CurrentTimestamp() int64 {
	return time.Now().Unix()
}

// Timestamp returns the clock's current time as unix seconds.
// A nil clock falls back to the system clock.
func Timestamp(c Clock) int64 {
	if c == nil {
		return CurrentTimestamp()
	}
	return c.Now().Unix()
}

// IsExpired reports whether expiresAt (unix seconds) has passed.
// Zero means "never expires".
func IsExpired(expiresAt int64) bool {
	return IsExpiredAt(expiresAt, CurrentTimestamp())
}

// IsExpiredAt is IsExpired against an explicit "now".
func IsExpiredAt(expiresAt, now int64) bool {
	return expiresAt > 0 && expiresAt <= now
}

// ExpiresAt returns now+ttl, or 0 (never) when ttl is not positive.
func ExpiresAt(now, ttl int64) int64 {
	if ttl <= 0 {
		return 0
	}
	return now + ttl
}
