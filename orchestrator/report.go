package orchestrator

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"skinsync/models"
	"skinsync/storage"
)

// Report is the outcome of one push or pull against one host.
type Report struct {
	RunID      string
	Host       string
	Direction  string
	Selected   []models.Category
	Succeeded  []models.Category
	Failed     []models.Category
	Skipped    []string
	Backup     string
	StartedAt  time.Time
	FinishedAt time.Time

	errs *multierror.Error
}

func newReport(runID, host, direction string, sel models.Selection, started time.Time) Report {
	return Report{
		RunID:     runID,
		Host:      host,
		Direction: direction,
		Selected:  sel.Categories(),
		StartedAt: started,
	}
}

// OK reports whether every selected category transferred.
func (r Report) OK() bool {
	return len(r.Succeeded) > 0 && len(r.Failed) == 0
}

// Status maps the report onto a history run status.
func (r Report) Status() string {
	switch {
	case r.OK():
		return storage.RunStatusOK
	case len(r.Succeeded) > 0:
		return storage.RunStatusPartial
	default:
		return storage.RunStatusFailed
	}
}

// Err returns every per-category failure and warning, or nil.
func (r Report) Err() error {
	return r.errs.ErrorOrNil()
}

func (r *Report) succeed(c models.Category) {
	r.Succeeded = append(r.Succeeded, c)
}

func (r *Report) fail(c models.Category, err error) {
	for _, f := range r.Failed {
		if f == c {
			r.errs = multierror.Append(r.errs, err)
			return
		}
	}
	r.Failed = append(r.Failed, c)
	r.errs = multierror.Append(r.errs, err)
}

// failRemaining marks every selected category without an outcome as failed.
func (r *Report) failRemaining(err error) {
	done := make(map[models.Category]bool, len(r.Succeeded)+len(r.Failed))
	for _, c := range r.Succeeded {
		done[c] = true
	}
	for _, c := range r.Failed {
		done[c] = true
	}
	for _, c := range r.Selected {
		if !done[c] {
			r.Failed = append(r.Failed, c)
		}
	}
	r.errs = multierror.Append(r.errs, err)
}

// note records a failure that does not affect any category outcome.
func (r *Report) note(err error) {
	r.errs = multierror.Append(r.errs, err)
}

func (r Report) detail() string {
	if err := r.Err(); err != nil {
		return err.Error()
	}
	return ""
}

// BatchResult summarizes PushAll or PullAll.
type BatchResult struct {
	Total     int
	Succeeded int
	Backup    string
	Reports   []Report
}

// String renders the "N of M succeeded" summary.
func (b BatchResult) String() string {
	return fmt.Sprintf("%d of %d succeeded", b.Succeeded, b.Total)
}
