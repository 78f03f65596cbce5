package api

import (
	"time"

	"ocdispatch/internal/domain"
	"ocdispatch/internal/util"
	"ocdispatch/pkg/ocdispatch"
)

func newRunView(r *domain.RunReport) ocdispatch.RunView {
	v := ocdispatch.RunView{
		Start:               r.Start.Format(util.DateLayout),
		End:                 r.End.Format(util.DateLayout),
		DurationMS:          r.Duration.Milliseconds(),
		DaysProcessed:       r.DaysProcessed(),
		DaysFailed:          len(r.FailedDays()),
		DaysSkipped:         r.DaysSkipped(),
		ObservationsWritten: r.ObservationsWritten(),
		ObservationsFailed:  r.ObservationsFailed(),
		Days:                make([]ocdispatch.DayView, len(r.Days)),
	}
	for i, d := range r.Days {
		v.Days[i] = ocdispatch.DayView{
			Date:         d.Date.Format(util.DateLayout),
			State:        string(d.State),
			Records:      d.Records,
			Malformed:    d.Malformed,
			Observations: d.Observations,
			Written:      d.Write.Succeeded,
			Failed:       d.Write.Failed,
			Skipped:      d.Write.Skipped,
			Reason:       domain.Reason(d.Err),
			DurationMS:   d.Duration.Milliseconds(),
		}
		if d.Err != nil {
			v.Days[i].Error = d.Err.Error()
		}
	}
	return v
}

func formatUptime(d time.Duration) string {
	return d.Round(time.Second).String()
}
