package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kebairia/hostsave/internal/notify"
)

// Report is the JSON record of one run, written into the host subtree
// so the share carries its own history.
type Report struct {
	Host        string             `json:"host"`
	Site        string             `json:"site,omitempty"`
	Status      notify.Status      `json:"status"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt time.Time          `json:"completed_at"`
	Duration    string             `json:"duration"`
	Artifacts   int                `json:"artifacts"`
	SoftErrors  int                `json:"soft_errors"`
	StepErrors  []notify.StepError `json:"step_errors,omitempty"`
}

// buildReport snapshots the outcome at completion time.
func buildReport(rc *RunContext, outcome *RunOutcome, artifacts int, completedAt time.Time) Report {
	return Report{
		Host:        rc.Cfg.Host,
		Site:        rc.Cfg.Site,
		Status:      outcome.Status(),
		StartedAt:   rc.Now,
		CompletedAt: completedAt,
		Duration:    completedAt.Sub(rc.Now).Round(time.Millisecond).String(),
		Artifacts:   artifacts,
		SoftErrors:  outcome.SoftCount(),
		StepErrors:  outcome.StepErrors(),
	}
}

// Write stores the report as run-{date}.json under dir.
func (r Report) Write(dir, date string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report dir %q: %w", dir, err)
	}
	path := filepath.Join(dir, "run-"+date+".json")

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report %q: %w", path, err)
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(r); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}
