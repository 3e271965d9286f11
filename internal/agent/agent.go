// Package agent exposes capture sessions to a local UI over HTTP and WebSocket.
package agent

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/dojo-tracker/capture/internal/device"
	"github.com/dojo-tracker/capture/internal/mediastore"
	"github.com/dojo-tracker/capture/internal/models"
	"github.com/dojo-tracker/capture/internal/realtime"
	"github.com/dojo-tracker/capture/internal/session"
)

const (
	defaultRetain = 5 * time.Minute
	defaultIdle   = 30 * time.Minute
)

// Options wire the agent to the pipeline. DepsFor and PlayerFor receive the
// caller's Media Store bearer token.
type Options struct {
	DepsFor            func(bearer string) session.Deps
	PlayerFor          func(bearer string) mediastore.Player
	DeviceStatus       func() device.Status // optional
	Hub                *realtime.Hub        // optional
	CORSAllowedOrigins string
	Retain             time.Duration // how long finished sessions stay readable
	IdleTimeout        time.Duration // unused sessions waiting for input are closed after this
	Log                *zap.Logger
}

// Agent owns the live sessions of this host.
type Agent struct {
	opts   Options
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tagKey []byte

	mu       sync.RWMutex
	sessions map[uuid.UUID]*entry
}

// entry is a session plus a keyed digest of its owner's bearer.
type entry struct {
	ctrl     *session.Controller
	owner    []byte
	lastSeen atomic.Int64 // unix nanos of the owner's last request
}

func (e *entry) touch() { e.lastSeen.Store(time.Now().UnixNano()) }

// New creates an agent. Sessions run until they finish or ctx is cancelled.
func New(ctx context.Context, opts Options) *Agent {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Retain <= 0 {
		opts.Retain = defaultRetain
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdle
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic("agent: read random key: " + err.Error())
	}
	ctx, cancel := context.WithCancel(ctx)
	a := &Agent{
		opts:     opts,
		log:      opts.Log,
		ctx:      ctx,
		cancel:   cancel,
		tagKey:   key,
		sessions: make(map[uuid.UUID]*entry),
	}
	a.wg.Add(1)
	go a.sweep()
	return a
}

func (a *Agent) ownerTag(bearer string) []byte {
	h, err := blake2b.New256(a.tagKey)
	if err != nil {
		panic("agent: blake2b key: " + err.Error())
	}
	h.Write([]byte(bearer))
	return h.Sum(nil)
}

func (e *entry) ownedBy(tag []byte) bool {
	return subtle.ConstantTimeCompare(e.owner, tag) == 1
}

// Open starts a session on behalf of the holder of bearer.
func (a *Agent) Open(bearer string) *session.Controller {
	ctrl := session.New(a.opts.DepsFor(bearer))
	if a.opts.Hub != nil {
		ctrl.Subscribe(a.opts.Hub.Listener())
	}
	e := &entry{ctrl: ctrl, owner: a.ownerTag(bearer)}
	e.touch()
	a.mu.Lock()
	a.sessions[ctrl.ID()] = e
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := ctrl.Run(a.ctx); err != nil {
			a.log.Error("session run", zap.String("session_id", ctrl.ID().String()), zap.Error(err))
		}
		time.AfterFunc(a.opts.Retain, func() { a.forget(ctrl.ID()) })
	}()
	a.log.Info("session opened", zap.String("session_id", ctrl.ID().String()))
	return ctrl
}

// Lookup returns the session and whether bearer owns it.
func (a *Agent) Lookup(id uuid.UUID, bearer string) (ctrl *session.Controller, owner bool) {
	tag := a.ownerTag(bearer)
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.sessions[id]
	if !ok {
		return nil, false
	}
	if !e.ownedBy(tag) {
		return e.ctrl, false
	}
	e.touch()
	return e.ctrl, true
}

// Snapshot implements realtime.Snapshots.
func (a *Agent) Snapshot(id uuid.UUID) (session.Snapshot, bool) {
	a.mu.RLock()
	e, ok := a.sessions[id]
	a.mu.RUnlock()
	if !ok {
		return session.Snapshot{}, false
	}
	return e.ctrl.Snapshot(), true
}

// Snapshots lists the sessions owned by bearer, oldest change first.
func (a *Agent) Snapshots(bearer string) []session.Snapshot {
	tag := a.ownerTag(bearer)
	a.mu.RLock()
	out := make([]session.Snapshot, 0, len(a.sessions))
	for _, e := range a.sessions {
		if e.ownedBy(tag) {
			out = append(out, e.ctrl.Snapshot())
		}
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ModifiedAt.Before(out[j].ModifiedAt) })
	return out
}

// sweep closes sessions that wait for input with neither a state change nor an
// owner request for IdleTimeout. Recording and uploading sessions are never idle.
func (a *Agent) sweep() {
	defer a.wg.Done()
	every := a.opts.IdleTimeout / 2
	if every > time.Minute {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case now := <-t.C:
			for _, ctrl := range a.idle(now) {
				a.log.Info("closing idle session", zap.String("session_id", ctrl.ID().String()))
				_ = ctrl.Close()
			}
		}
	}
}

func (a *Agent) idle(now time.Time) []*session.Controller {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []*session.Controller
	for _, e := range a.sessions {
		s := e.ctrl.Snapshot()
		if s.Pending != "" || (s.State != models.StateSourceSelection && s.State != models.StatePreviewing) {
			continue
		}
		last := time.Unix(0, e.lastSeen.Load())
		if s.ModifiedAt.After(last) {
			last = s.ModifiedAt
		}
		if now.Sub(last) >= a.opts.IdleTimeout {
			out = append(out, e.ctrl)
		}
	}
	return out
}

func (a *Agent) forget(id uuid.UUID) {
	a.mu.Lock()
	delete(a.sessions, id)
	a.mu.Unlock()
}

// Shutdown closes every session and waits until their devices and transfers
// are released, or ctx expires.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.cancel()
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
