package pipeline

import (
	"strconv"
	"sync"
	"time"

	"github.com/kebairia/hostsave/internal/notify"
)

// RunOutcome accumulates step errors across the run. Soft errors are
// counted and reported; a fatal error stops the pipeline. Safe for
// concurrent use by the database fan-out.
type RunOutcome struct {
	mu        sync.Mutex
	startedAt time.Time
	fatal     error
	fatalStep string
	soft      int
	steps     []notify.StepError
}

func NewOutcome(startedAt time.Time) *RunOutcome {
	return &RunOutcome{startedAt: startedAt}
}

// AddSoft records a non-fatal step failure.
func (o *RunOutcome) AddSoft(step string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.soft++
	o.steps = append(o.steps, notify.StepError{Step: step, Error: err.Error()})
}

// AddSoftCount folds in failures that were already itemized elsewhere,
// such as the verifier's per-artifact count.
func (o *RunOutcome) AddSoftCount(step string, n int) {
	if n <= 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.soft += n
	o.steps = append(o.steps, notify.StepError{Step: step, Error: pluralFailures(n)})
}

// SetFatal records the error that aborts the run. The first fatal wins.
func (o *RunOutcome) SetFatal(step string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fatal == nil {
		o.fatal = err
		o.fatalStep = step
		o.steps = append(o.steps, notify.StepError{Step: step, Error: err.Error()})
	}
}

func (o *RunOutcome) Fatal() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fatal
}

func (o *RunOutcome) SoftCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.soft
}

// StepErrors returns a copy of the ordered failure list.
func (o *RunOutcome) StepErrors() []notify.StepError {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]notify.StepError, len(o.steps))
	copy(out, o.steps)
	return out
}

// Status classifies the outcome for notification and the run report.
func (o *RunOutcome) Status() notify.Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return notify.StatusFor(o.fatal != nil, o.soft)
}

// ExitCode maps the outcome to the process exit code: zero only for a
// run with no fatal error and no soft errors.
func (o *RunOutcome) ExitCode() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fatal != nil || o.soft > 0 {
		return 1
	}
	return 0
}

func pluralFailures(n int) string {
	if n == 1 {
		return "1 failure"
	}
	return strconv.Itoa(n) + " failures"
}
