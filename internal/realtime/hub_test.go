package realtime

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dojo-tracker/capture/internal/errs"
	"github.com/dojo-tracker/capture/internal/models"
	"github.com/dojo-tracker/capture/internal/session"
)

func watcher(sessionID uuid.UUID) *Client {
	return &Client{ID: uuid.NewString(), SessionID: sessionID, send: make(chan WSMessage, 8)}
}

type fakeRedis struct {
	mu        sync.Mutex
	published []string
	handlers  map[uuid.UUID]func(string, []byte)
	cancelled int
	failPub   bool
}

func (f *fakeRedis) PublishSessionEvent(id uuid.UUID, event string, payload []byte) error {
	f.mu.Lock()
	f.published = append(f.published, event)
	h := f.handlers[id]
	fail := f.failPub
	f.mu.Unlock()
	if fail {
		return errors.New("redis down")
	}
	if h != nil {
		h(event, payload)
	}
	return nil
}

func (f *fakeRedis) SubscribeSession(id uuid.UUID, handler func(string, []byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[uuid.UUID]func(string, []byte))
	}
	f.handlers[id] = handler
	return func() {
		f.mu.Lock()
		f.cancelled++
		delete(f.handlers, id)
		f.mu.Unlock()
	}, nil
}

func TestBroadcastReachesOnlySessionWatchers(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	a, b := uuid.New(), uuid.New()
	wa, wb := watcher(a), watcher(b)
	hub.Register(wa)
	hub.Register(wb)

	hub.Broadcast(a, "session.state", map[string]string{"state": "recording"})

	require.Len(t, wa.send, 1)
	assert.Empty(t, wb.send)
	msg := <-wa.send
	assert.Equal(t, "session.state", msg.Event)
	assert.JSONEq(t, `{"state":"recording"}`, string(msg.Data))

	hub.Unregister(wa)
	assert.Equal(t, 0, hub.Watchers(a))
	assert.Equal(t, 1, hub.Watchers(b))
}

func TestPublishGoesThroughRedisOnce(t *testing.T) {
	r := &fakeRedis{}
	hub := NewHub(nil, r, r)
	id := uuid.New()
	w := watcher(id)
	hub.Register(w)

	hub.Publish(id, "session.progress", Event{SessionID: id, Progress: 47})

	require.Eventually(t, func() bool { return len(w.send) == 1 }, time.Second, 5*time.Millisecond)
	hub.Close()
	assert.Len(t, w.send, 1, "redis subscriber performs the only local delivery")
	assert.Equal(t, []string{"session.progress"}, r.published)

	hub.Unregister(w)
	assert.Equal(t, 1, r.cancelled)
}

func TestPublishFallsBackToLocalWhenRedisFails(t *testing.T) {
	r := &fakeRedis{failPub: true}
	hub := NewHub(nil, r, r)
	id := uuid.New()
	w := watcher(id)
	hub.Register(w)

	hub.Publish(id, "session.state", Event{SessionID: id})
	require.Eventually(t, func() bool { return len(w.send) == 1 }, time.Second, 5*time.Millisecond)
	hub.Close()
}

type slowRedis struct {
	release  chan struct{}
	mu       sync.Mutex
	sent     []string
	payloads [][]byte
}

func (s *slowRedis) PublishSessionEvent(_ uuid.UUID, event string, payload []byte) error {
	<-s.release
	s.mu.Lock()
	s.sent = append(s.sent, event)
	s.payloads = append(s.payloads, payload)
	s.mu.Unlock()
	return nil
}

func TestListenerDoesNotWaitForRedis(t *testing.T) {
	r := &slowRedis{release: make(chan struct{})}
	hub := NewHub(nil, r, nil)
	id := uuid.New()
	l := hub.Listener()

	start := time.Now()
	for i := 0; i <= 100; i++ {
		l(session.Notification{SessionID: id, Kind: session.NotifyProgress, Progress: i})
	}
	assert.Less(t, time.Since(start), time.Second)

	close(r.release)
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.sent) == 101
	}, 2*time.Second, 10*time.Millisecond)
	hub.Close()
}

func TestPublishOverflowKeepsOrder(t *testing.T) {
	r := &slowRedis{release: make(chan struct{})}
	hub := NewHub(nil, r, nil)
	id := uuid.New()
	w := &Client{ID: uuid.NewString(), SessionID: id, send: make(chan WSMessage, outboxSize*4)}
	hub.Register(w)

	total := outboxSize * 3
	for i := 0; i < total; i++ {
		hub.Publish(id, "session.progress", Event{SessionID: id, Progress: i})
	}
	hub.Publish(id, "session.completed", Event{SessionID: id, State: models.StateCompleted})
	assert.Empty(t, w.send, "no local delivery while redis is only slow")

	close(r.release)
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.sent) > 0 && r.sent[len(r.sent)-1] == "session.completed"
	}, 2*time.Second, 10*time.Millisecond)
	hub.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Less(t, len(r.sent), total, "overflowing progress events are dropped")
	last := -1
	for i, event := range r.sent[:len(r.sent)-1] {
		require.Equal(t, "session.progress", event)
		var ev Event
		require.NoError(t, json.Unmarshal(r.payloads[i], &ev))
		assert.Greater(t, ev.Progress, last)
		last = ev.Progress
	}
}

func TestCloseFlushesQueuedEventsLocallyInOrder(t *testing.T) {
	r := &fakeRedis{}
	hub := NewHub(nil, r, nil)
	id := uuid.New()
	w := watcher(id)
	hub.Register(w)
	hub.Close()

	hub.Publish(id, "session.state", Event{SessionID: id, State: models.StateUploading})
	hub.Publish(id, "session.completed", Event{SessionID: id, State: models.StateCompleted})
	require.Len(t, w.send, 2)
	assert.Equal(t, "session.state", (<-w.send).Event)
	assert.Equal(t, "session.completed", (<-w.send).Event)
}

func TestListenerMapsNotifications(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	id := uuid.New()
	w := watcher(id)
	hub.Register(w)

	l := hub.Listener()
	l(session.Notification{SessionID: id, State: models.StatePreviewing, Kind: session.NotifyError,
		Err: errs.Server(500, "disk full")})

	msg := <-w.send
	assert.Equal(t, "session.error", msg.Event)
	var ev Event
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, models.StatePreviewing, ev.State)
	assert.Equal(t, errs.KindNetwork, ev.ErrorKind)
	assert.True(t, ev.CanRetry)
	assert.Contains(t, ev.Error, "disk full")
}

type staticSnapshots map[uuid.UUID]session.Snapshot

func (s staticSnapshots) Snapshot(id uuid.UUID) (session.Snapshot, bool) {
	snap, ok := s[id]
	return snap, ok
}

func TestServeWsStreamsSnapshotAndEvents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub(nil, nil, nil)
	id := uuid.New()
	snaps := staticSnapshots{id: {ID: id, State: models.StateRecording, Segments: 3}}

	r := gin.New()
	r.GET("/ws", ServeWs(hub, snaps, zap.NewNop()))
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?session_id=" + id.String()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "session.snapshot", msg.Event)
	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(msg.Data, &snap))
	assert.Equal(t, 3, snap.Segments)

	require.Eventually(t, func() bool { return hub.Watchers(id) == 1 }, time.Second, 5*time.Millisecond)
	hub.Broadcast(id, "session.segment", Event{SessionID: id, Segments: 4})
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "session.segment", msg.Event)

	resp := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(resp)
	c.Request = httptest.NewRequest("GET", "/ws?session_id="+uuid.NewString(), nil)
	ServeWs(hub, snaps, zap.NewNop())(c)
	assert.Equal(t, 404, resp.Code)
}
