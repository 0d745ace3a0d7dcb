package redis

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/poolmux/poolmux/internal/core/ports"
)

const streamOutcomes = "poolmux:outcomes"
const sinkBuffer = 256
const streamMaxLen = 10000

// EventSink appends outcome events to a Redis stream. Emit never blocks
// the dispatch path: events queue into a bounded buffer and are dropped,
// counted, when the writer cannot keep up.
type EventSink struct {
	client  *redis.Client
	events  chan ports.OutcomeEvent
	dropped atomic.Uint64
	logger  zerolog.Logger
}

func NewEventSink(client *redis.Client, logger zerolog.Logger) *EventSink {
	return &EventSink{
		client: client,
		events: make(chan ports.OutcomeEvent, sinkBuffer),
		logger: logger,
	}
}

// Emit queues an event for the stream writer, dropping it when the
// buffer is full.
func (s *EventSink) Emit(event ports.OutcomeEvent) {
	select {
	case s.events <- event:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports how many events were lost to a full buffer.
func (s *EventSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Run drains the buffer into the stream until the context is cancelled.
func (s *EventSink) Run(ctx context.Context) {
	s.logger.Info().Str("stream", streamOutcomes).Msg("outcome event sink started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Uint64("dropped", s.dropped.Load()).Msg("outcome event sink stopped")
			return
		case event := <-s.events:
			if err := s.append(ctx, event); err != nil {
				s.logger.Warn().Err(err).Msg("outcome event not appended")
			}
		}
	}
}

func (s *EventSink) append(ctx context.Context, event ports.OutcomeEvent) error {
	writeCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	return s.client.XAdd(writeCtx, &redis.XAddArgs{
		Stream: streamOutcomes,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"account_id":  event.AccountID,
			"proxy":       event.Proxy,
			"kind":        string(event.Kind),
			"transient":   event.Transient,
			"duration_ms": event.Duration.Milliseconds(),
			"at":          event.At.Format(time.RFC3339Nano),
			"error":       event.Err,
		},
	}).Err()
}
