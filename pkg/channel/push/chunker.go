package push

import (
	"errors"
	"fmt"
	"time"

	"github.com/roomsync/platform/pkg/common/models"
)

// DefaultMaxChunkDays is the largest span the provider accepts in one push.
// Lowering it is always safe; raising it risks provider-side rejection.
//
// Spans are measured as end - start, so a request of up to this many days
// goes out as a single call. The final chunk sends its end date inclusive
// and may therefore cover DefaultMaxChunkDays+1 calendar days on the wire;
// earlier chunks stop the day before the next one starts.
const DefaultMaxChunkDays = 50

const dateLayout = "2006-01-02"

var ErrInvalidRange = errors.New("invalid date range")

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween counts calendar days from start to end.
func DaysBetween(start, end time.Time) int {
	return int(Day(end).Sub(Day(start)).Hours() / 24)
}

// Partition splits [start, end] into consecutive chunks of at most maxDays
// days. Chunks share their boundaries: each chunk's End is the next one's
// Start, and the last chunk ends on end.
func Partition(start, end time.Time, maxDays int) ([]models.PushChunk, error) {
	if maxDays <= 0 {
		maxDays = DefaultMaxChunkDays
	}
	start, end = Day(start), Day(end)
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end %s is before start %s", ErrInvalidRange, end.Format(dateLayout), start.Format(dateLayout))
	}

	if DaysBetween(start, end) <= maxDays {
		return []models.PushChunk{{Index: 0, Start: start, End: end, Final: true}}, nil
	}

	var chunks []models.PushChunk
	for cursor := start; cursor.Before(end); {
		next := cursor.AddDate(0, 0, maxDays)
		if next.After(end) {
			next = end
		}
		chunks = append(chunks, models.PushChunk{Index: len(chunks), Start: cursor, End: next})
		cursor = next
	}
	chunks[len(chunks)-1].Final = true
	return chunks, nil
}

// wireRange is the inclusive from/to pair sent for a chunk. Non-final chunks
// stop the day before the next chunk starts.
func wireRange(c models.PushChunk) (string, string) {
	to := c.End
	if !c.Final {
		to = c.End.AddDate(0, 0, -1)
	}
	return c.Start.Format(dateLayout), to.Format(dateLayout)
}
