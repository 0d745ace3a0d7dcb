package ports

import (
	"time"

	"github.com/poolmux/poolmux/internal/core/domain"
)

// OutcomeEvent describes one finished execution attempt for observers:
// metrics, audit streams, log pipelines.
type OutcomeEvent struct {
	AccountID string
	Proxy     string
	Kind      domain.OutcomeKind
	Transient bool
	Duration  time.Duration
	At        time.Time
	Err       string
}

// EventSink receives outcome events. Emit must never block the dispatch
// path: implementations buffer or drop.
type EventSink interface {
	Emit(event OutcomeEvent)
}

// MultiSink fans an event out to every member sink.
type MultiSink []EventSink

func (m MultiSink) Emit(event OutcomeEvent) {
	for _, s := range m {
		s.Emit(event)
	}
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Emit(OutcomeEvent) {}
