package gather

import (
	"context"
	"fmt"
	"time"

	"ocdispatch/internal/util"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run performs the configured gathering. It returns when the work is
	// done or ctx is cancelled.
	Run(ctx context.Context) error
}

// DateRange is an inclusive range of calendar dates.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// ParseDateRange parses YYYY-MM-DD bounds. An empty end defaults to the
// current UTC date and an empty start to end.
func ParseDateRange(start, end string, now time.Time) (DateRange, error) {
	var r DateRange
	var err error
	if end == "" {
		r.End = util.Truncate(now.UTC())
	} else if r.End, err = util.ParseDate(end); err != nil {
		return DateRange{}, fmt.Errorf("end date: %w", err)
	}
	if start == "" {
		r.Start = r.End
	} else if r.Start, err = util.ParseDate(start); err != nil {
		return DateRange{}, fmt.Errorf("start date: %w", err)
	}
	return r, nil
}

// Days returns every date of r, ascending. A reversed range is empty.
func (r DateRange) Days() []time.Time {
	return util.Days(r.Start, r.End)
}

func (r DateRange) String() string {
	return r.Start.Format(util.DateLayout) + ".." + r.End.Format(util.DateLayout)
}
