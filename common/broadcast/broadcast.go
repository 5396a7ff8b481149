package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/flowforge/common/logger"
	"github.com/flowforge/flowforge/common/models"
	"github.com/flowforge/flowforge/common/redis"
)

const (
	// DefaultBufferSize is the per-subscriber queue depth
	DefaultBufferSize = 100

	// DefaultHeartbeatInterval keeps idle streams alive
	DefaultHeartbeatInterval = 15 * time.Second
)

// Terminal event types end a stream
var terminalEvents = map[string]struct{}{
	"workflow_complete": {},
	"workflow_error":    {},
}

// IsTerminalEvent reports whether an event type ends the stream
func IsTerminalEvent(eventType string) bool {
	_, ok := terminalEvents[eventType]
	return ok
}

// Store persists events so late subscribers can replay them
type Store interface {
	SaveStreamEvent(ctx context.Context, event *models.StreamEvent) error
}

// Broadcaster fans execution events out to any number of subscribers.
// Every event gets a per-execution, gap-free sequence number; slow
// subscribers lose the newest event rather than stalling the run.
type Broadcaster struct {
	mu       sync.RWMutex
	channels map[uuid.UUID]*channel

	store     Store
	redis     *redis.Client
	log       *logger.Logger
	bufSize   int
	heartbeat time.Duration
}

type channel struct {
	mu          sync.Mutex
	sequence    int64
	subscribers map[int64]chan models.StreamEvent
	nextSubID   int64
	closed      bool
}

// Option configures a Broadcaster
type Option func(*Broadcaster)

// WithStore enables event persistence for replay
func WithStore(store Store) Option {
	return func(b *Broadcaster) { b.store = store }
}

// WithRedisMirror publishes every event to execution:events:<id>,
// letting other processes (the websocket gateway) pick them up
func WithRedisMirror(client *redis.Client) Option {
	return func(b *Broadcaster) { b.redis = client }
}

// WithBufferSize sets the per-subscriber queue depth
func WithBufferSize(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// WithHeartbeatInterval sets the idle keep-alive period
func WithHeartbeatInterval(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.heartbeat = d
		}
	}
}

func New(log *logger.Logger, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		channels:  make(map[uuid.UUID]*channel),
		log:       log,
		bufSize:   DefaultBufferSize,
		heartbeat: DefaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broadcaster) channelFor(executionID uuid.UUID) *channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[executionID]
	if !ok {
		ch = &channel{subscribers: make(map[int64]chan models.StreamEvent)}
		b.channels[executionID] = ch
	}
	return ch
}

// Send implements the engine's event sink. It assigns the next
// sequence number, persists the event, fans it out, and mirrors it
// to redis when configured. Terminal events close the channel.
func (b *Broadcaster) Send(executionID uuid.UUID, eventType string, data map[string]any) {
	ch := b.channelFor(executionID)

	encoded, err := json.Marshal(data)
	if err != nil {
		b.log.Error("encode stream event", "execution_id", executionID, "event_type", eventType, "error", err)
		encoded = []byte("{}")
	}

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.sequence++
	event := models.StreamEvent{
		EventID:     uuid.New(),
		ExecutionID: executionID,
		EventType:   eventType,
		Data:        encoded,
		Sequence:    ch.sequence,
		Timestamp:   time.Now().UTC(),
	}
	for subID, sub := range ch.subscribers {
		select {
		case sub <- event:
		default:
			b.log.Warn("subscriber queue full, dropping event",
				"execution_id", executionID, "subscriber", subID,
				"event_type", eventType, "sequence", event.Sequence)
		}
	}
	terminal := IsTerminalEvent(eventType)
	if terminal {
		ch.closed = true
		for _, sub := range ch.subscribers {
			close(sub)
		}
		ch.subscribers = make(map[int64]chan models.StreamEvent)
	}
	ch.mu.Unlock()

	if b.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := b.store.SaveStreamEvent(ctx, &event); err != nil {
			b.log.Error("persist stream event", "execution_id", executionID, "error", err)
		}
		cancel()
	}
	if b.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		payload, _ := json.Marshal(event)
		if err := b.redis.PublishEvent(ctx, redisChannel(executionID), string(payload)); err != nil {
			b.log.Error("mirror stream event", "execution_id", executionID, "error", err)
		}
		cancel()
	}

	if terminal {
		b.mu.Lock()
		delete(b.channels, executionID)
		b.mu.Unlock()
	}
}

// Subscribe attaches a queue to an execution's event stream. The
// returned cancel function must be called when the consumer leaves;
// the channel is closed on cancel or on a terminal event.
func (b *Broadcaster) Subscribe(executionID uuid.UUID) (<-chan models.StreamEvent, func()) {
	ch := b.channelFor(executionID)

	ch.mu.Lock()
	defer ch.mu.Unlock()

	sub := make(chan models.StreamEvent, b.bufSize)
	if ch.closed {
		close(sub)
		return sub, func() {}
	}

	subID := ch.nextSubID
	ch.nextSubID++
	ch.subscribers[subID] = sub

	cancel := func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		if existing, ok := ch.subscribers[subID]; ok {
			delete(ch.subscribers, subID)
			close(existing)
		}
	}
	return sub, cancel
}

// SubscriberCount reports active subscribers for an execution
func (b *Broadcaster) SubscriberCount(executionID uuid.UUID) int {
	b.mu.RLock()
	ch, ok := b.channels[executionID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.subscribers)
}

func redisChannel(executionID uuid.UUID) string {
	return fmt.Sprintf("execution:events:%s", executionID)
}

// RedisChannelPattern matches every execution's mirrored channel
const RedisChannelPattern = "execution:events:*"
