package store

// Recorder persists detection results and fired alerts for later analysis.
type Recorder interface {
	RecordResult(r *Result) error
	RecordAlert(a *Alert) error
	Close() error
}

// NoopRecorder is used when no database is configured.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (n *NoopRecorder) RecordResult(_ *Result) error { return nil }
func (n *NoopRecorder) RecordAlert(_ *Alert) error   { return nil }
func (n *NoopRecorder) Close() error                 { return nil }
