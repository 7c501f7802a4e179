// Package events fans board events out to every connected subscriber.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ccui-dev/ccui/internal/logger"
	"github.com/ccui-dev/ccui/internal/models"
)

// HeartbeatEvent keeps idle SSE connections alive.
const HeartbeatEvent models.EventType = "heartbeat"

const (
	// DefaultBufferSize is how many messages a subscriber may fall behind.
	DefaultBufferSize = 100
	// GracePeriod protects freshly connected subscribers from being dropped
	// while they are still sending their initial state.
	GracePeriod = 2 * time.Second
)

// HeartbeatPayload is sent with HeartbeatEvent.
type HeartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
	Uptime    int64 `json:"uptime"`
}

// Message wraps an event with delivery metadata.
type Message struct {
	Event     models.BoardEvent `json:"event"`
	Timestamp int64             `json:"timestamp"`
	ID        string            `json:"id"`
}

type subscriber struct {
	ch          chan Message
	kind        string
	connectedAt time.Time
}

// Hub is the board event broker. Publish never blocks: a subscriber whose
// buffer is full is disconnected once its grace period is over.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	startTime   time.Time
	bufferSize  int
	now         func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]*subscriber),
		startTime:   time.Now(),
		bufferSize:  DefaultBufferSize,
		now:         time.Now,
	}
}

// Subscribe registers a subscriber. The returned channel is closed when the
// subscriber is removed, either by Unsubscribe or for falling behind.
func (h *Hub) Subscribe(kind string) (string, <-chan Message) {
	id := uuid.New().String()
	ch := make(chan Message, h.bufferSize)

	h.mu.Lock()
	h.subscribers[id] = &subscriber{ch: ch, kind: kind, connectedAt: h.now()}
	count := len(h.subscribers)
	h.mu.Unlock()

	logger.Debugf("📡 %s subscriber %s connected (%d total)", kind, id, count)
	return id, ch
}

// Unsubscribe removes a subscriber. It is safe to call more than once.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub, ok := h.subscribers[id]; ok {
		close(sub.ch)
		delete(h.subscribers, id)
		logger.Debugf("📡 %s subscriber %s disconnected", sub.kind, id)
	}
}

// Count is the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Publish delivers event to every subscriber.
func (h *Hub) Publish(event models.BoardEvent) {
	if event.Type == "" {
		logger.Warnf("⚠️ refusing to publish event with empty type")
		return
	}
	msg := h.wrap(event)

	var slow []string
	h.mu.RLock()
	for id, sub := range h.subscribers {
		select {
		case sub.ch <- msg:
		default:
			if h.now().Sub(sub.connectedAt) < GracePeriod {
				logger.Debugf("subscriber %s in grace period, keeping it", id)
				continue
			}
			slow = append(slow, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range slow {
		logger.Warnf("⚠️ dropping slow subscriber %s", id)
		h.Unsubscribe(id)
	}
}

// Heartbeat builds a heartbeat message for a single subscriber.
func (h *Hub) Heartbeat() Message {
	now := h.now()
	return h.wrap(models.BoardEvent{
		Type: HeartbeatEvent,
		Payload: HeartbeatPayload{
			Timestamp: now.UnixMilli(),
			Uptime:    now.Sub(h.startTime).Milliseconds(),
		},
	})
}

func (h *Hub) wrap(event models.BoardEvent) Message {
	return Message{
		Event:     event,
		Timestamp: h.now().UnixMilli(),
		ID:        uuid.New().String(),
	}
}
