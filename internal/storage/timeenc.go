package storage

import (
	"database/sql"
	"time"
)

// Timestamps are persisted as integer unix milliseconds so that every
// time comparison in SQL is integer arithmetic against an injected clock.

// Millis encodes a time for storage.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// TimeAt decodes a stored timestamp.
func TimeAt(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// NullMillis encodes an optional time.
func NullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

// TimePtr decodes an optional stored timestamp.
func TimePtr(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t
}

// NullString encodes an optional string column.
func NullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// StringOr decodes an optional string column.
func StringOr(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}
