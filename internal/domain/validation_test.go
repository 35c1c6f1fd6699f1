package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIdentifier(t *testing.T) {
	valid := uuid.New()

	tests := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"canonical", valid.String(), true},
		{"braced", "{" + valid.String() + "}", true},
		{"urn", "urn:uuid:" + valid.String(), true},
		{"missing", "", false},
		{"truncated", valid.String()[3:], false},
		{"garbage", "not-a-uuid", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ParseIdentifier("cid", tt.raw)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, valid, id)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidIdentifier)

			var fe FieldError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, "cid", fe.Field)
		})
	}
}

func TestParseEpochSeconds(t *testing.T) {
	ts, err := ParseEpochSeconds("d", "1615000000")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2021, time.March, 6, 3, 6, 40, 0, time.UTC), ts)

	ts, err = ParseEpochSeconds("d", "1615000000.5")
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, time.Duration(ts.Nanosecond()))

	for _, raw := range []string{"2020-09-31", "2020-121-23", "2021-01-01T55:12:12", "asdf", "NaN", "-Inf", "-1", "1e30"} {
		_, err := ParseEpochSeconds("d", raw)
		assert.ErrorIs(t, err, ErrInvalidTimestamp, raw)
	}
}

func TestValidateTimestamp(t *testing.T) {
	assert.NoError(t, ValidateTimestamp("d", time.Now()))
	assert.ErrorIs(t, ValidateTimestamp("d", time.Time{}), ErrInvalidTimestamp)
	assert.ErrorIs(t, ValidateTimestamp("d", time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC)), ErrInvalidTimestamp)
}

func TestParseQueryDay(t *testing.T) {
	want := NewDay(2026, time.October, 19)

	ok := []string{
		"2026-10-19",
		"20261019",
		"2026-10-19T10:11:12",
		"2026-10-19 10:11:12.123456",
		"2026-10-19T10:11:12.123456Z",
		"2026-10-19T10:11:12+00:00",
		// Both offsets land on the 19th once converted to UTC.
		"2026-10-18T23:30:00-05:00",
		"2026-10-20T01:00:00+03:00",
	}
	for _, raw := range ok {
		d, err := ParseQueryDay("d", raw)
		require.NoError(t, err, raw)
		assert.True(t, d.Equal(want), "%s parsed as %s", raw, d)
	}

	bad := []string{"", "10:11:12", "10:11:12.123456", "T10:11", "2020-09-31", "asdf", "2026-13-01"}
	for _, raw := range bad {
		_, err := ParseQueryDay("d", raw)
		assert.ErrorIs(t, err, ErrInvalidDate, raw)
	}
}

func TestParseQueryDay_BareTimeMessage(t *testing.T) {
	_, err := ParseQueryDay("d", "12:00:00")
	var fe FieldError
	require.True(t, errors.As(err, &fe))
	assert.Contains(t, fe.Msg, "requires a date")
}

func TestParseQueryDay_EarliestDate(t *testing.T) {
	d, err := ParseQueryDay("d", "0001-01-01")
	require.NoError(t, err)
	assert.False(t, d.IsZero())
	assert.Equal(t, "0001-01-01", d.String())
}
