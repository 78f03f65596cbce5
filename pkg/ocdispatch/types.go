package ocdispatch

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// RunView is the /api/runs/latest body.
type RunView struct {
	Start               string    `json:"start"`
	End                 string    `json:"end"`
	DurationMS          int64     `json:"duration_ms"`
	DaysProcessed       int       `json:"days_processed"`
	DaysFailed          int       `json:"days_failed"`
	DaysSkipped         int       `json:"days_skipped"`
	ObservationsWritten int       `json:"observations_written"`
	ObservationsFailed  int       `json:"observations_failed"`
	Days                []DayView `json:"days"`
}

// DayView is one day of a RunView.
type DayView struct {
	Date         string `json:"date"`
	State        string `json:"state"`
	Records      int    `json:"records"`
	Malformed    int    `json:"malformed"`
	Observations int    `json:"observations"`
	Written      int    `json:"written"`
	Failed       int    `json:"failed"`
	Skipped      int    `json:"skipped"`
	Reason       string `json:"reason,omitempty"`
	Error        string `json:"error,omitempty"`
	DurationMS   int64  `json:"duration_ms"`
}
