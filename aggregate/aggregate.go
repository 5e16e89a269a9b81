package aggregate

import (
	"context"
	"time"

	"go.ntppool.org/common/logger"
)

// Result is the outcome of Run.
type Result struct {
	Report   *Report
	Previous *Report
	Name     string
}

// Run builds a report from opts, diffed against the writer's current
// latest report, and writes it. On any error the existing latest
// report is left untouched.
func Run(ctx context.Context, opts Options, w *Writer) (*Result, error) {
	log := logger.FromContext(ctx)

	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	if opts.Previous == nil {
		prev, err := LoadReport(w.LatestPath())
		if err != nil {
			log.WarnContext(ctx, "ignoring previous report", "err", err)
		}
		opts.Previous = prev
	}

	report, err := Build(ctx, opts)
	if err != nil {
		return nil, err
	}

	name, err := w.Write(ctx, report, opts.Now)
	if err != nil {
		return nil, err
	}

	return &Result{Report: report, Previous: opts.Previous, Name: name}, nil
}
