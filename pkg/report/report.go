package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// TargetResult holds the final counters of one target of a run.
type TargetResult struct {
	TargetID  string `json:"targetId" bigquery:"target_id"`
	Sent      int    `json:"sent" bigquery:"sent"`
	Succeeded int    `json:"succeeded" bigquery:"succeeded"`
	Failed    int    `json:"failed" bigquery:"failed"`
	Total     int    `json:"total" bigquery:"total"`
}

// Report is the final record of a dispatch run. The bigquery tags drive the inferred
// table schema of the BigQueryReporter.
type Report struct {
	RunID      string         `json:"runId" bigquery:"run_id"`
	StartedAt  time.Time      `json:"startedAt" bigquery:"started_at"`
	FinishedAt time.Time      `json:"finishedAt" bigquery:"finished_at"`
	Cancelled  bool           `json:"cancelled" bigquery:"cancelled"`
	Abandoned  bool           `json:"abandoned" bigquery:"abandoned"`
	Templated  bool           `json:"templated" bigquery:"templated"`
	Iterations int            `json:"iterations" bigquery:"iterations"`
	IntervalMs int64          `json:"intervalMs" bigquery:"interval_ms"`
	Sent       int            `json:"sent" bigquery:"sent"`
	Succeeded  int            `json:"succeeded" bigquery:"succeeded"`
	Failed     int            `json:"failed" bigquery:"failed"`
	Total      int            `json:"total" bigquery:"total"`
	Targets    []TargetResult `json:"targets" bigquery:"targets"`
}

// Summary is the one line terminal feedback of a run.
func (r Report) Summary() string {
	return fmt.Sprintf("%d succeeded, %d failed out of %d", r.Succeeded, r.Failed, r.Total)
}

// Reporter receives the report of every finished run. A reporter error never changes
// the outcome of the run it describes.
type Reporter interface {
	Report(ctx context.Context, rep Report) error
}

// LogReporter writes the summary line of each run to a zerolog logger.
type LogReporter struct {
	logger zerolog.Logger
}

func NewLogReporter(logger zerolog.Logger) *LogReporter {
	return &LogReporter{logger: logger.With().Str("component", "LogReporter").Logger()}
}

func (l *LogReporter) Report(_ context.Context, rep Report) error {
	event := l.logger.Info()
	if rep.Failed > 0 || rep.Cancelled {
		event = l.logger.Warn()
	}
	event.
		Str("run_id", rep.RunID).
		Int("succeeded", rep.Succeeded).
		Int("failed", rep.Failed).
		Int("total", rep.Total).
		Bool("cancelled", rep.Cancelled).
		Bool("abandoned", rep.Abandoned).
		Dur("elapsed", rep.FinishedAt.Sub(rep.StartedAt)).
		Msg(rep.Summary())
	return nil
}

// MultiReporter fans a report out to several reporters and joins their errors.
type MultiReporter []Reporter

func (m MultiReporter) Report(ctx context.Context, rep Report) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Report(ctx, rep); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
