package store

import "time"

// ToMillis converts a timestamp into the stores' native epoch-millisecond
// representation. The zero time maps to 0.
func ToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis converts a stored epoch-millisecond value back into UTC time.
// 0 maps to the zero time.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
