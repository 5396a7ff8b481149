package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/flowforge/common/logger"
	"github.com/flowforge/flowforge/common/models"
)

func testBroadcaster(opts ...Option) *Broadcaster {
	return New(logger.New("error", "json"), opts...)
}

type memoryStore struct {
	mu     sync.Mutex
	events []models.StreamEvent
}

func (s *memoryStore) SaveStreamEvent(ctx context.Context, event *models.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *event)
	return nil
}

func drain(t *testing.T, ch <-chan models.StreamEvent, n int) []models.StreamEvent {
	t.Helper()
	var out []models.StreamEvent
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case event, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, event)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestBroadcaster_SequenceIsMonotonicAndGapFree(t *testing.T) {
	b := testBroadcaster()
	executionID := uuid.New()
	events, cancel := b.Subscribe(executionID)
	defer cancel()

	for i := 0; i < 5; i++ {
		b.Send(executionID, "node_started", map[string]any{"i": i})
	}

	got := drain(t, events, 5)
	for i, event := range got {
		if event.Sequence != int64(i+1) {
			t.Errorf("event %d: expected sequence %d, got %d", i, i+1, event.Sequence)
		}
		if event.ExecutionID != executionID {
			t.Errorf("event %d: wrong execution ID", i)
		}
	}
}

func TestBroadcaster_IndependentSequencesPerExecution(t *testing.T) {
	b := testBroadcaster()
	first, second := uuid.New(), uuid.New()

	ch1, cancel1 := b.Subscribe(first)
	defer cancel1()
	ch2, cancel2 := b.Subscribe(second)
	defer cancel2()

	b.Send(first, "node_started", nil)
	b.Send(first, "node_complete", nil)
	b.Send(second, "node_started", nil)

	if got := drain(t, ch1, 2); got[1].Sequence != 2 {
		t.Errorf("first execution: expected sequence 2, got %d", got[1].Sequence)
	}
	if got := drain(t, ch2, 1); got[0].Sequence != 1 {
		t.Errorf("second execution: expected its own sequence 1, got %d", got[0].Sequence)
	}
}

func TestBroadcaster_TerminalEventClosesSubscribers(t *testing.T) {
	b := testBroadcaster()
	executionID := uuid.New()
	events, cancel := b.Subscribe(executionID)
	defer cancel()

	b.Send(executionID, "workflow_complete", map[string]any{"output": "done"})

	got := drain(t, events, 1)
	if got[0].EventType != "workflow_complete" {
		t.Fatalf("expected terminal event, got %s", got[0].EventType)
	}

	select {
	case _, ok := <-events:
		if ok {
			t.Error("channel must be closed after a terminal event")
		}
	case <-time.After(time.Second):
		t.Error("channel not closed after terminal event")
	}

	// Late subscribers to a finished execution get a closed channel
	late, lateCancel := b.Subscribe(executionID)
	defer lateCancel()
	select {
	case _, ok := <-late:
		if ok {
			t.Error("late subscription must start closed")
		}
	default:
		// A fresh channel for the same ID means the execution record
		// was cleaned up; a new run may reuse the broadcaster.
	}
}

func TestBroadcaster_SlowSubscriberDropsNewest(t *testing.T) {
	b := testBroadcaster(WithBufferSize(2))
	executionID := uuid.New()
	events, cancel := b.Subscribe(executionID)
	defer cancel()

	// No reader attached: the queue holds 2, the third is dropped
	b.Send(executionID, "a", nil)
	b.Send(executionID, "b", nil)
	b.Send(executionID, "c", nil)

	got := drain(t, events, 2)
	if got[0].EventType != "a" || got[1].EventType != "b" {
		t.Errorf("expected oldest events kept, got %s/%s", got[0].EventType, got[1].EventType)
	}
	select {
	case event := <-events:
		t.Errorf("expected the newest event dropped, got %s", event.EventType)
	default:
	}
}

func TestBroadcaster_PersistsThroughStore(t *testing.T) {
	store := &memoryStore{}
	b := testBroadcaster(WithStore(store))
	executionID := uuid.New()

	b.Send(executionID, "node_started", map[string]any{"nodeId": "n1"})
	b.Send(executionID, "workflow_complete", nil)

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.events) != 2 {
		t.Fatalf("expected 2 persisted events, got %d", len(store.events))
	}
	if store.events[0].Sequence != 1 || store.events[1].Sequence != 2 {
		t.Errorf("persisted sequences wrong: %d, %d", store.events[0].Sequence, store.events[1].Sequence)
	}
}

func TestBroadcaster_SendAfterTerminalIsDropped(t *testing.T) {
	store := &memoryStore{}
	b := testBroadcaster(WithStore(store))
	executionID := uuid.New()
	events, cancel := b.Subscribe(executionID)
	defer cancel()

	b.Send(executionID, "workflow_complete", nil)
	drain(t, events, 1)

	// The channel entry is deleted after terminal, so this starts a
	// fresh sequence; no subscriber sees it.
	b.Send(executionID, "node_started", nil)
	if count := b.SubscriberCount(executionID); count != 0 {
		t.Errorf("expected no subscribers after terminal, got %d", count)
	}
}

func TestStreamExecution_ConnectedThenLiveThenTerminal(t *testing.T) {
	b := testBroadcaster()
	executionID := uuid.New()

	stream := b.StreamExecution(context.Background(), executionID, StreamOptions{})

	first := drain(t, stream, 1)
	if first[0].EventType != "connected" {
		t.Fatalf("expected connected first, got %s", first[0].EventType)
	}

	b.Send(executionID, "node_started", nil)
	b.Send(executionID, "workflow_complete", nil)

	rest := drain(t, stream, 2)
	if rest[0].EventType != "node_started" || rest[1].EventType != "workflow_complete" {
		t.Errorf("unexpected stream order: %s, %s", rest[0].EventType, rest[1].EventType)
	}

	select {
	case _, ok := <-stream:
		if ok {
			t.Error("stream must close after terminal event")
		}
	case <-time.After(time.Second):
		t.Error("stream not closed after terminal event")
	}
}

func TestStreamExecution_ReplayBeforeLive(t *testing.T) {
	b := testBroadcaster()
	executionID := uuid.New()

	replay := []models.StreamEvent{
		{ExecutionID: executionID, EventType: "node_started", Sequence: 1},
		{ExecutionID: executionID, EventType: "node_complete", Sequence: 2},
	}
	stream := b.StreamExecution(context.Background(), executionID, StreamOptions{Replay: replay})

	got := drain(t, stream, 3)
	if got[0].EventType != "connected" {
		t.Errorf("expected connected first, got %s", got[0].EventType)
	}
	if got[1].Sequence != 1 || got[2].Sequence != 2 {
		t.Errorf("replay out of order: %d, %d", got[1].Sequence, got[2].Sequence)
	}
}

func TestStreamExecution_ReplayStopsAtTerminal(t *testing.T) {
	b := testBroadcaster()
	executionID := uuid.New()

	replay := []models.StreamEvent{
		{ExecutionID: executionID, EventType: "workflow_complete", Sequence: 9},
	}
	stream := b.StreamExecution(context.Background(), executionID, StreamOptions{Replay: replay})

	drain(t, stream, 2)
	select {
	case _, ok := <-stream:
		if ok {
			t.Error("stream must end after a terminal replay event")
		}
	case <-time.After(time.Second):
		t.Error("stream not closed after terminal replay event")
	}
}

func TestStreamExecution_HeartbeatDuringIdle(t *testing.T) {
	b := testBroadcaster(WithHeartbeatInterval(20 * time.Millisecond))
	executionID := uuid.New()

	stream := b.StreamExecution(context.Background(), executionID, StreamOptions{})

	got := drain(t, stream, 3)
	if got[0].EventType != "connected" {
		t.Fatalf("expected connected first, got %s", got[0].EventType)
	}
	for _, event := range got[1:] {
		if event.EventType != "heartbeat" {
			t.Errorf("expected heartbeat during idle, got %s", event.EventType)
		}
	}
}

func TestStreamExecution_ContextCancelEndsStream(t *testing.T) {
	b := testBroadcaster()
	executionID := uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	stream := b.StreamExecution(ctx, executionID, StreamOptions{})
	drain(t, stream, 1)
	cancel()

	select {
	case _, ok := <-stream:
		if ok {
			t.Error("stream must close on context cancellation")
		}
	case <-time.After(time.Second):
		t.Error("stream not closed on context cancellation")
	}
}

func TestIsTerminalEvent(t *testing.T) {
	for eventType, want := range map[string]bool{
		"workflow_complete": true,
		"workflow_error":    true,
		"node_complete":     false,
		"heartbeat":         false,
	} {
		if got := IsTerminalEvent(eventType); got != want {
			t.Errorf("IsTerminalEvent(%s) = %v, want %v", eventType, got, want)
		}
	}
}
