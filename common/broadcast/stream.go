package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/flowforge/common/models"
)

// StreamOptions shape one consumer's view of an execution stream
type StreamOptions struct {
	// Replay is emitted before live events (already-persisted events
	// fetched by the caller, typically filtered by after_sequence)
	Replay []models.StreamEvent

	// MaxDuration bounds the whole stream; zero means no bound
	MaxDuration time.Duration
}

// StreamExecution returns a channel that yields a connected event,
// any replayed events, then live events with heartbeats during idle
// periods. The channel closes on a terminal event, on context
// cancellation, or when MaxDuration elapses.
func (b *Broadcaster) StreamExecution(ctx context.Context, executionID uuid.UUID, opts StreamOptions) <-chan models.StreamEvent {
	out := make(chan models.StreamEvent, b.bufSize)
	live, cancel := b.Subscribe(executionID)

	go func() {
		defer close(out)
		defer cancel()

		deadline := make(<-chan time.Time)
		if opts.MaxDuration > 0 {
			timer := time.NewTimer(opts.MaxDuration)
			defer timer.Stop()
			deadline = timer.C
		}

		emit := func(event models.StreamEvent) bool {
			select {
			case out <- event:
				return true
			case <-ctx.Done():
				return false
			case <-deadline:
				return false
			}
		}

		if !emit(syntheticEvent(executionID, "connected", map[string]any{
			"execution_id": executionID.String(),
		})) {
			return
		}
		for _, event := range opts.Replay {
			if !emit(event) {
				return
			}
			if IsTerminalEvent(event.EventType) {
				return
			}
		}

		heartbeat := time.NewTicker(b.heartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-deadline:
				emitNonBlocking(out, syntheticEvent(executionID, "stream_timeout", nil))
				return
			case <-heartbeat.C:
				if !emit(syntheticEvent(executionID, "heartbeat", nil)) {
					return
				}
			case event, ok := <-live:
				if !ok {
					return
				}
				heartbeat.Reset(b.heartbeat)
				if !emit(event) {
					return
				}
				if IsTerminalEvent(event.EventType) {
					return
				}
			}
		}
	}()
	return out
}

// syntheticEvent builds a stream-control event that carries sequence
// zero and is never persisted
func syntheticEvent(executionID uuid.UUID, eventType string, data map[string]any) models.StreamEvent {
	if data == nil {
		data = map[string]any{}
	}
	encoded, _ := json.Marshal(data)
	return models.StreamEvent{
		EventID:     uuid.New(),
		ExecutionID: executionID,
		EventType:   eventType,
		Data:        encoded,
		Timestamp:   time.Now().UTC(),
	}
}

func emitNonBlocking(out chan<- models.StreamEvent, event models.StreamEvent) {
	select {
	case out <- event:
	default:
	}
}
