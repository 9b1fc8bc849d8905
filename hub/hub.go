// Package hub fans outbound events out to connected participant channels.
//
// Every channel belongs to one participant class. Publish encodes the payload
// once and queues the frozen bytes on every channel of the target class.
// Queues are bounded: when a channel's queue is full the event is dropped for
// that channel only. Delivery is best-effort; the next periodic update
// supersedes whatever a slow channel missed.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"flight-for-life/metrics"
	"flight-for-life/utils"

	"github.com/google/uuid"
)

// Class is the participant class of a channel.
type Class string

const (
	ControlEngine  Class = "control-engine"
	InferenceAgent Class = "inference-agent"
	Dashboard      Class = "dashboard"
)

func (c Class) Valid() bool {
	switch c {
	case ControlEngine, InferenceAgent, Dashboard:
		return true
	}
	return false
}

// Sender is the transport side of a channel. socketio.Conn satisfies it.
type Sender interface {
	ID() string
	Emit(event string, v ...interface{})
}

var (
	ErrChannelExists   = errors.New("channel already joined")
	ErrChannelNotFound = errors.New("channel not found")
	ErrHubClosed       = errors.New("hub is closed")
	ErrInvalidClass    = errors.New("invalid participant class")
)

const DefaultQueueSize = 64

// Event is a queued outbound message. Payload is immutable once queued.
type Event struct {
	Name    string
	Payload json.RawMessage
}

// NewEvent freezes payload into an Event.
func NewEvent(name string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", name, err)
	}
	return Event{Name: name, Payload: data}, nil
}

// ChannelInfo describes a connected participant channel.
type ChannelInfo struct {
	Handle      string    `json:"handle"`
	ConnID      string    `json:"conn_id"`
	Class       Class     `json:"class"`
	ConnectedAt time.Time `json:"connected_at"`
	Sent        uint64    `json:"sent"`
	Dropped     uint64    `json:"dropped"`
}

type channel struct {
	info   ChannelInfo
	sender Sender
	queue  chan Event
	done   chan struct{}

	mu      sync.Mutex
	sent    uint64
	dropped uint64
}

// Hub is the broadcast hub. The zero value is not usable; call New.
type Hub struct {
	mu        sync.RWMutex
	channels  map[string]*channel
	closed    bool
	queueSize int
	metrics   *metrics.Metrics
	logger    *slog.Logger
	wg        sync.WaitGroup
}

type Option func(*Hub)

// WithQueueSize sets the per-channel outbound queue length.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

func New(opts ...Option) *Hub {
	h := &Hub{
		channels:  make(map[string]*channel),
		queueSize: DefaultQueueSize,
		logger:    utils.GetLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func channelKey(class Class, connID string) string {
	return string(class) + "/" + connID
}

// Join registers a connected channel under class and starts its delivery
// goroutine. The initial events are queued before the channel becomes
// visible to Publish, so they are delivered ahead of any broadcast. It
// returns the channel handle.
func (h *Hub) Join(class Class, s Sender, initial ...Event) (string, error) {
	if !class.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidClass, class)
	}
	if s == nil {
		return "", errors.New("nil sender")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return "", ErrHubClosed
	}
	key := channelKey(class, s.ID())
	if _, exists := h.channels[key]; exists {
		return "", ErrChannelExists
	}

	ch := &channel{
		info: ChannelInfo{
			Handle:      uuid.NewString(),
			ConnID:      s.ID(),
			Class:       class,
			ConnectedAt: time.Now().UTC(),
		},
		sender: s,
		queue:  make(chan Event, h.queueSize),
		done:   make(chan struct{}),
	}
	for _, ev := range initial {
		select {
		case ch.queue <- ev:
			ch.sent++
		default:
			ch.dropped++
		}
	}
	h.channels[key] = ch
	h.metrics.ChannelJoined(string(class))

	h.wg.Add(1)
	go h.deliver(ch)

	h.logger.InfoContext(context.Background(), "participant joined",
		slog.String("class", string(class)),
		slog.String("socketID", s.ID()),
		slog.String("handle", ch.info.Handle),
	)
	return ch.info.Handle, nil
}

// Leave removes a channel from the delivery set. Events still queued for it
// are dropped.
func (h *Hub) Leave(class Class, connID string) error {
	h.mu.Lock()
	key := channelKey(class, connID)
	ch, ok := h.channels[key]
	if !ok {
		h.mu.Unlock()
		return ErrChannelNotFound
	}
	delete(h.channels, key)
	h.mu.Unlock()

	close(ch.done)
	h.metrics.ChannelLeft(string(class))
	h.logger.InfoContext(context.Background(), "participant left",
		slog.String("class", string(class)),
		slog.String("socketID", connID),
		slog.String("handle", ch.info.Handle),
	)
	return nil
}

func (h *Hub) deliver(ch *channel) {
	defer h.wg.Done()
	for {
		select {
		case <-ch.done:
			return
		case ev := <-ch.queue:
			// a Leave racing with a dequeue wins
			select {
			case <-ch.done:
				return
			default:
			}
			ch.sender.Emit(ev.Name, ev.Payload)
		}
	}
}

// Publish queues event for every connected channel of class and returns how
// many channels it was queued for.
func (h *Hub) Publish(class Class, event string, payload any) (int, error) {
	ev, err := NewEvent(event, payload)
	if err != nil {
		return 0, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return 0, ErrHubClosed
	}

	queued := 0
	for _, ch := range h.channels {
		if ch.info.Class != class {
			continue
		}
		select {
		case ch.queue <- ev:
			queued++
			ch.mu.Lock()
			ch.sent++
			ch.mu.Unlock()
			h.metrics.Delivered(string(class), event)
		default:
			ch.mu.Lock()
			ch.dropped++
			ch.mu.Unlock()
			h.metrics.Dropped(string(class), event)
			h.logger.Debug("dropped event for slow channel",
				slog.String("event", event),
				slog.String("socketID", ch.info.ConnID),
			)
		}
	}
	return queued, nil
}

// Channels lists connected channels ordered by connection time.
func (h *Hub) Channels() []ChannelInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]ChannelInfo, 0, len(h.channels))
	for _, ch := range h.channels {
		info := ch.info
		ch.mu.Lock()
		info.Sent, info.Dropped = ch.sent, ch.dropped
		ch.mu.Unlock()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].Handle < out[j].Handle
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Count returns the number of connected channels of class.
func (h *Hub) Count(class Class) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, ch := range h.channels {
		if ch.info.Class == class {
			n++
		}
	}
	return n
}

// Close disconnects every channel and waits for delivery goroutines to exit.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	h.closed = true
	chans := h.channels
	h.channels = make(map[string]*channel)
	h.mu.Unlock()

	for _, ch := range chans {
		close(ch.done)
		h.metrics.ChannelLeft(string(ch.info.Class))
	}
	h.wg.Wait()
	return nil
}
