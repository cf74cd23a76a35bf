package store

import (
	"database/sql"
	"time"
)

// Millis converts a time to the stored Unix-millisecond representation.
func Millis(t time.Time) int64 { return t.UnixMilli() }

// FromMillis converts a stored Unix-millisecond value back to a UTC time.
func FromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// NullableMillis converts an optional time for insertion; nil maps to SQL NULL.
func NullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

// TimePtr converts a scanned nullable column to *time.Time.
func TimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := FromMillis(v.Int64)
	return &t
}
