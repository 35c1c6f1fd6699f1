package domain

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client error classes. Every parse failure below wraps exactly one of them.
var (
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrInvalidTimestamp  = errors.New("invalid timestamp")
	ErrInvalidDate       = errors.New("invalid date")
)

// FieldError represents a single field's validation error.
type FieldError struct {
	Field string `json:"field"`
	Msg   string `json:"message"`
	Err   error  `json:"-"`
}

func (e FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Msg) }

func (e FieldError) Unwrap() error { return e.Err }

// ParseIdentifier accepts any textual UUID form (canonical, braced, urn or
// bare 32 hex digits).
func ParseIdentifier(field, raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, FieldError{Field: field, Msg: "required", Err: ErrInvalidIdentifier}
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, FieldError{Field: field, Msg: "UUID incorrectly formatted", Err: ErrInvalidIdentifier}
	}
	return id, nil
}

// ParseEpochSeconds parses a collect override timestamp given as (possibly
// fractional) Unix seconds.
func ParseEpochSeconds(field, raw string) (time.Time, error) {
	bad := func(msg string) (time.Time, error) {
		return time.Time{}, FieldError{Field: field, Msg: msg, Err: ErrInvalidTimestamp}
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return bad("timestamp incorrectly formatted")
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > float64(maxTimestamp.Unix()) {
		return bad("timestamp out of range")
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

// ValidateTimestamp checks an already-decoded instant against the same
// bounds ParseEpochSeconds enforces.
func ValidateTimestamp(field string, ts time.Time) error {
	if ts.IsZero() || ts.Before(time.Unix(0, 0)) || ts.After(maxTimestamp) {
		return FieldError{Field: field, Msg: "timestamp out of range", Err: ErrInvalidTimestamp}
	}
	return nil
}

var bareTime = regexp.MustCompile(`^T?\d{2}:\d{2}(:\d{2}(\.\d+)?)?([Zz]|[+-]\d{2}:?\d{2})?$`)

// Accepted ISO 8601 layouts, most specific first. Datetimes without an
// offset are interpreted as UTC.
var dateLayouts = []string{
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02T15",
	DayLayout,
	"20060102",
}

// ParseQueryDay parses a date or datetime and truncates it to its UTC
// calendar day. Offsets are applied before truncation.
func ParseQueryDay(field, raw string) (Day, error) {
	bad := func(msg string) (Day, error) {
		return Day{}, FieldError{Field: field, Msg: msg, Err: ErrInvalidDate}
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return bad("required")
	}
	if bareTime.MatchString(raw) {
		return bad("ISO 8601 timestamp requires a date")
	}
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return DayOf(t), nil
		}
	}
	return bad("ISO 8601 timestamp incorrectly formatted")
}
