package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dojo-tracker/capture/internal/errs"
	"github.com/dojo-tracker/capture/internal/models"
	"github.com/dojo-tracker/capture/internal/session"
)

const (
	// PingInterval and PongWait are used for heartbeat (seconds).
	PingInterval = 30
	PongWait     = 60

	outboxSize = 256
)

// Hub maintains session_id -> set of watching connections and broadcasts
// session notifications to them. With Redis configured, events are also
// published so watchers attached to other agent instances see them.
type Hub struct {
	sessions map[uuid.UUID]map[string]*Client
	subs     map[uuid.UUID]func()
	mu       sync.RWMutex
	logger   *zap.Logger
	redis    RedisPublisher
	redisSub RedisSubscriber

	qmu       sync.Mutex
	queue     []outgoing // in publish order, drained by one goroutine when redis is set
	stopped   bool       // publisher gone; Publish broadcasts locally
	wake      chan struct{}
	quit      chan struct{}
	closeOnce sync.Once
	drained   chan struct{}
}

type outgoing struct {
	sessionID uuid.UUID
	event     string
	data      []byte
}

// RedisPublisher publishes session events for cross-instance watchers.
type RedisPublisher interface {
	PublishSessionEvent(sessionID uuid.UUID, event string, payload []byte) error
}

// RedisSubscriber subscribes to a session channel and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeSession(sessionID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// NewHub creates a hub. redisPub and redisSub may be nil. With a publisher the
// hub runs a goroutine until Close.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		sessions: make(map[uuid.UUID]map[string]*Client),
		subs:     make(map[uuid.UUID]func()),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
		quit:     make(chan struct{}),
		drained:  make(chan struct{}),
	}
	if redisPub != nil {
		h.wake = make(chan struct{}, 1)
		go h.publishLoop()
	} else {
		close(h.drained)
	}
	return h
}

// Close stops the publisher goroutine. Queued events are delivered locally, in order.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.quit) })
	<-h.drained
}

func (h *Hub) publishLoop() {
	defer close(h.drained)
	for {
		select {
		case <-h.wake:
			h.qmu.Lock()
			batch := h.queue
			h.queue = nil
			h.qmu.Unlock()
			for _, out := range batch {
				h.publishRemote(out)
			}
		case <-h.quit:
			h.qmu.Lock()
			for _, out := range h.queue {
				h.Broadcast(out.sessionID, out.event, json.RawMessage(out.data))
			}
			h.queue = nil
			h.stopped = true
			h.qmu.Unlock()
			return
		}
	}
}

func (h *Hub) publishRemote(out outgoing) {
	if err := h.redis.PublishSessionEvent(out.sessionID, out.event, out.data); err != nil {
		h.logger.Warn("redis publish failed, broadcasting locally", zap.Error(err))
		h.Broadcast(out.sessionID, out.event, json.RawMessage(out.data))
	}
}

// Register adds a watcher. The first watcher of a session starts its Redis subscription.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[c.SessionID] == nil {
		h.sessions[c.SessionID] = make(map[string]*Client)
		if h.redisSub != nil {
			id := c.SessionID
			cancel, err := h.redisSub.SubscribeSession(id, func(event string, payload []byte) {
				h.Broadcast(id, event, json.RawMessage(payload))
			})
			if err != nil {
				h.logger.Warn("redis subscribe failed", zap.String("session_id", id.String()), zap.Error(err))
			} else {
				h.subs[id] = cancel
			}
		}
	}
	h.sessions[c.SessionID][c.ID] = c
	h.logger.Debug("watcher joined session", zap.String("client_id", c.ID), zap.String("session_id", c.SessionID.String()))
}

// Unregister removes a watcher and stops the Redis subscription with the last one.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.sessions[c.SessionID]
	if !ok {
		return
	}
	delete(m, c.ID)
	if len(m) == 0 {
		delete(h.sessions, c.SessionID)
		if cancel, ok := h.subs[c.SessionID]; ok {
			cancel()
			delete(h.subs, c.SessionID)
		}
	}
	h.logger.Debug("watcher left session", zap.String("client_id", c.ID), zap.String("session_id", c.SessionID.String()))
}

// Watchers returns the number of local connections watching a session.
func (h *Hub) Watchers(sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// Broadcast sends a message to local watchers of a session. Slow watchers drop messages.
func (h *Hub) Broadcast(sessionID uuid.UUID, event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return
		}
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.sessions[sessionID] {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// Publish delivers an event once to every watcher without blocking on I/O.
// With Redis the event is queued for the publisher goroutine and the subscriber
// callback performs the local broadcast, so local watchers are not sent it twice.
// A full queue drops progress events, which later ones supersede; other events
// are always queued so watchers see them in order.
func (h *Hub) Publish(sessionID uuid.UUID, event string, payload interface{}) {
	if h.redis == nil {
		h.Broadcast(sessionID, event, payload)
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.qmu.Lock()
	if h.stopped {
		h.Broadcast(sessionID, event, json.RawMessage(data))
		h.qmu.Unlock()
		return
	}
	if len(h.queue) >= outboxSize && event == progressEvent {
		h.qmu.Unlock()
		h.logger.Debug("redis outbox full, dropping progress event", zap.String("session_id", sessionID.String()))
		return
	}
	h.queue = append(h.queue, outgoing{sessionID: sessionID, event: event, data: data})
	h.qmu.Unlock()
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// SendTo sends a message to a single watcher.
func (h *Hub) SendTo(sessionID uuid.UUID, clientID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.mu.RLock()
	c, ok := h.sessions[sessionID][clientID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case c.send <- WSMessage{Event: event, Data: data}:
	default:
	}
}

// Event is the wire form of a session notification.
type Event struct {
	SessionID uuid.UUID               `json:"session_id"`
	State     models.SessionState     `json:"state"`
	Progress  int                     `json:"progress"`
	Segments  int                     `json:"segments,omitempty"`
	Video     *models.VideoDescriptor `json:"video,omitempty"`
	Error     string                  `json:"error,omitempty"`
	ErrorKind errs.Kind               `json:"error_kind,omitempty"`
	CanRetry  bool                    `json:"can_retry,omitempty"`
}

// EventName is the message name for a notification kind, e.g. "session.progress".
func EventName(k session.NotificationKind) string { return "session." + string(k) }

var progressEvent = EventName(session.NotifyProgress)

// Listener returns a session listener that publishes every notification.
func (h *Hub) Listener() session.Listener {
	return func(n session.Notification) {
		ev := Event{
			SessionID: n.SessionID,
			State:     n.State,
			Progress:  n.Progress,
			Segments:  n.Segments,
			Video:     n.Descriptor,
		}
		if n.Err != nil {
			ev.Error = n.Err.Error()
			ev.ErrorKind = errs.KindOf(n.Err)
			ev.CanRetry = errs.AssetSurvives(n.Err) && n.State == models.StatePreviewing
		}
		h.Publish(n.SessionID, EventName(n.Kind), ev)
	}
}
