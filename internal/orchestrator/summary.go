package orchestrator

import (
	"time"

	"go.uber.org/zap/zapcore"
)

// Summary counts how the items of one Run ended. Every item lands in
// exactly one of Persisted, Discarded, Skipped, Gated, Quarantined, Empty
// or Failed.
type Summary struct {
	Stage       string        `json:"stage"`
	Items       int           `json:"items"`
	Persisted   int           `json:"persisted"`
	Discarded   int           `json:"discarded"`
	Skipped     int           `json:"skipped"`
	Gated       int           `json:"gated"`
	Quarantined int           `json:"quarantined"`
	Empty       int           `json:"empty"`
	Failed      int           `json:"failed"`
	Retried     int           `json:"retried"`
	Replaced    int           `json:"replaced"`
	PeakFetches int           `json:"peak_fetches"`
	Duration    time.Duration `json:"duration_ns"`
}

// Finished is the number of items accounted for.
func (s Summary) Finished() int {
	return s.Persisted + s.Discarded + s.Skipped + s.Gated + s.Quarantined + s.Empty + s.Failed
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (s Summary) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("stage", s.Stage)
	enc.AddInt("items", s.Items)
	enc.AddInt("persisted", s.Persisted)
	enc.AddInt("discarded", s.Discarded)
	enc.AddInt("skipped", s.Skipped)
	enc.AddInt("gated", s.Gated)
	enc.AddInt("quarantined", s.Quarantined)
	enc.AddInt("empty", s.Empty)
	enc.AddInt("failed", s.Failed)
	enc.AddInt("retried", s.Retried)
	enc.AddInt("replaced", s.Replaced)
	enc.AddInt("peak_fetches", s.PeakFetches)
	enc.AddDuration("duration", s.Duration)
	return nil
}

// Add combines two summaries of the same stage, as when one stage runs
// several batches.
func (s Summary) Add(o Summary) Summary {
	s.Items += o.Items
	s.Persisted += o.Persisted
	s.Discarded += o.Discarded
	s.Skipped += o.Skipped
	s.Gated += o.Gated
	s.Quarantined += o.Quarantined
	s.Empty += o.Empty
	s.Failed += o.Failed
	s.Retried += o.Retried
	s.Replaced += o.Replaced
	s.PeakFetches = max(s.PeakFetches, o.PeakFetches)
	s.Duration += o.Duration
	if s.Stage == "" {
		s.Stage = o.Stage
	}
	return s
}
