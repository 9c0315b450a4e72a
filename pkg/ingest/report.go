package ingest

import "time"

/*
A report is the record of what one run did. Like an audit log entry it is
built up while the run progresses and never touched again once the run
has finished.
*/

// SourceReport is the outcome of one source within a run.
type SourceReport struct {
	Source    string    `json:"source"`
	Attempted bool      `json:"attempted"`
	Fetched   int       `json:"fetched"`
	New       int       `json:"new"`
	Changed   int       `json:"changed"`
	Unchanged int       `json:"unchanged"`
	Refreshed int       `json:"refreshed"`
	Recorded  int       `json:"recorded"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	Err error `json:"-"`
}

func (s SourceReport) Failed() bool {
	return s.Err != nil
}

// Report summarizes one run across all selected sources.
type Report struct {
	ID        string         `json:"id"`
	Query     string         `json:"query"`
	Policy    Policy         `json:"policy"`
	State     State          `json:"state"`
	Partial   bool           `json:"partial"`
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time"`
	Sources   []SourceReport `json:"sources"`

	TotalFetched   int `json:"total_fetched"`
	TotalNew       int `json:"total_new"`
	TotalChanged   int `json:"total_changed"`
	TotalUnchanged int `json:"total_unchanged"`
	Succeeded      int `json:"succeeded"`
	Failed         int `json:"failed"`
}

// Entry returns the report entry for a source.
func (r Report) Entry(source string) (SourceReport, bool) {
	for _, s := range r.Sources {
		if s.Source == source {
			return s, true
		}
	}
	return SourceReport{}, false
}

func (r *Report) aggregate() {
	r.TotalFetched, r.TotalNew, r.TotalChanged, r.TotalUnchanged = 0, 0, 0, 0
	r.Succeeded, r.Failed = 0, 0
	for _, s := range r.Sources {
		r.TotalFetched += s.Fetched
		r.TotalNew += s.New
		r.TotalChanged += s.Changed
		r.TotalUnchanged += s.Unchanged
		switch {
		case s.Failed():
			r.Failed++
		case s.Attempted:
			r.Succeeded++
		}
	}
}
