package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event is one reported visit: an opaque 128-bit identifier and the UTC
// instant it was reported for. Events are never mutated once recorded.
type Event struct {
	ID        uuid.UUID `json:"cid"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent normalizes ts to UTC.
func NewEvent(id uuid.UUID, ts time.Time) Event {
	return Event{ID: id, Timestamp: ts.UTC()}
}

// Day returns the UTC calendar day the event belongs to.
func (e Event) Day() Day { return DayOf(e.Timestamp) }

// Limits shared by the validation helpers and the service.
const (
	DefaultQueryHorizonDays    = 60
	DefaultRebuildLookbackDays = 100
	DefaultSketchTTL           = 60 * 24 * time.Hour
)

// maxTimestamp is the last instant accepted as a collect override.
var maxTimestamp = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)
