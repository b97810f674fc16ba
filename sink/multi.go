package sink

import (
	"context"

	"github.com/permsweep/permsweep/audit"
)

// Multi fans rows out to several sinks in order. The first failure
// aborts the append; sinks earlier in the list may already have the
// rows, which is fine because every sink is append-only and resumes
// re-emit nothing.
type Multi struct {
	sinks []audit.RowSink
}

// NewMulti combines sinks into one
func NewMulti(sinks ...audit.RowSink) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) AppendRows(ctx context.Context, rows []audit.Record) error {
	for _, s := range m.sinks {
		if err := s.AppendRows(ctx, rows); err != nil {
			return err
		}
	}
	return nil
}

// StartJob forwards job preparation to every capable sink
func (m *Multi) StartJob(ctx context.Context, jobID string) error {
	for _, s := range m.sinks {
		if starter, ok := s.(audit.JobStarter); ok {
			if err := starter.StartJob(ctx, jobID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Summary delegates to the first sink that can aggregate
func (m *Multi) Summary(ctx context.Context) (*audit.Summary, error) {
	for _, s := range m.sinks {
		if summarizer, ok := s.(audit.Summarizer); ok {
			return summarizer.Summary(ctx)
		}
	}
	return nil, nil
}
