// Package session runs one capture-and-upload session as an explicit state
// machine driven by a single event loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dojo-tracker/capture/internal/device"
	"github.com/dojo-tracker/capture/internal/errs"
	"github.com/dojo-tracker/capture/internal/models"
	"github.com/dojo-tracker/capture/internal/recorder"
	"github.com/dojo-tracker/capture/internal/upload"
	"github.com/dojo-tracker/capture/internal/validation"
)

const (
	eventBuffer        = 64
	defaultStopTimeout = 30 * time.Second

	pendingAcquire  = "acquiring"
	pendingFinalize = "finalizing"
)

// Recording is a live encode driven by the controller.
type Recording interface {
	Segments() <-chan models.MediaSegment
	Stop(ctx context.Context) (*models.MediaAsset, error)
	Discard()
}

// StartFunc starts a recording on a leased device. On error the caller keeps the lease.
type StartFunc func(h *device.Handle) (Recording, error)

// EngineStart adapts a recorder engine.
func EngineStart(e *recorder.Engine) StartFunc {
	return func(h *device.Handle) (Recording, error) {
		r, err := e.Start(h)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// Devices grants the exclusive capture lease.
type Devices interface {
	Acquire(ctx context.Context, c device.Constraints) (*device.Handle, error)
	Release(h *device.Handle)
}

// Gate turns a selected file into an asset or rejects it.
type Gate interface {
	Asset(c validation.Candidate) (*models.MediaAsset, error)
}

// Deps are the components one session drives.
type Deps struct {
	Devices     Devices
	Record      StartFunc
	Gate        Gate
	Sender      upload.Sender
	Constraints device.Constraints
	StopTimeout time.Duration
	Log         *zap.Logger
}

// NotificationKind says what changed.
type NotificationKind string

const (
	NotifyState     NotificationKind = "state"
	NotifySegment   NotificationKind = "segment"
	NotifyProgress  NotificationKind = "progress"
	NotifyCompleted NotificationKind = "completed"
	NotifyError     NotificationKind = "error"
)

// Notification is delivered to listeners from the event loop.
type Notification struct {
	SessionID  uuid.UUID
	State      models.SessionState
	Kind       NotificationKind
	Progress   int
	Segments   int
	Descriptor *models.VideoDescriptor
	Err        error
}

// Listener observes a session. It runs on the loop goroutine and must not block.
type Listener func(Notification)

// AssetInfo describes the asset held for preview.
type AssetInfo struct {
	ID        uuid.UUID     `json:"id"`
	Origin    models.Origin `json:"origin"`
	MimeType  string        `json:"mime_type"`
	Filename  string        `json:"filename"`
	Size      int64         `json:"size"`
	CreatedAt time.Time     `json:"created_at"`
}

// Snapshot is a consistent copy of session state for polling.
type Snapshot struct {
	ID         uuid.UUID               `json:"id"`
	State      models.SessionState     `json:"state"`
	Pending    string                  `json:"pending,omitempty"`
	Segments   int                     `json:"segments"`
	Progress   int                     `json:"progress"`
	Attempt    int                     `json:"attempt,omitempty"`
	Asset      *AssetInfo              `json:"asset,omitempty"`
	Video      *models.VideoDescriptor `json:"video,omitempty"`
	Error      string                  `json:"error,omitempty"`
	ErrorKind  errs.Kind               `json:"error_kind,omitempty"`
	CanRetry   bool                    `json:"can_retry"`
	ModifiedAt time.Time               `json:"modified_at"`
}

// sessionContext is owned by the loop goroutine.
type sessionContext struct {
	state    models.SessionState
	gen      uint64
	pending  string
	handle   *device.Handle
	rec      Recording
	segments int
	asset    *models.MediaAsset
	job      *models.UploadJob
	transfer *upload.Transfer
	lastErr  error
}

// Controller owns one session.
type Controller struct {
	id   uuid.UUID
	deps Deps
	log  *zap.Logger

	events  chan event
	done    chan struct{}
	running atomic.Bool

	postMu sync.RWMutex
	closed bool

	mu        sync.RWMutex
	listeners []Listener
	snap      Snapshot
	asset     *models.MediaAsset
}

// New creates a controller in SourceSelection. Call Run to start it.
func New(deps Deps) *Controller {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.StopTimeout <= 0 {
		deps.StopTimeout = defaultStopTimeout
	}
	id := uuid.New()
	c := &Controller{
		id:     id,
		deps:   deps,
		log:    deps.Log.With(zap.String("session_id", id.String())),
		events: make(chan event, eventBuffer),
		done:   make(chan struct{}),
	}
	c.snap = Snapshot{ID: id, State: models.StateSourceSelection, ModifiedAt: time.Now().UTC()}
	return c
}

// ID identifies the session.
func (c *Controller) ID() uuid.UUID { return c.id }

// Done closes when the session reaches a terminal state and its resources are released.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Subscribe registers l for every later notification.
func (c *Controller) Subscribe(l Listener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// Snapshot returns the latest published state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.snap
	if s.Asset != nil {
		a := *s.Asset
		s.Asset = &a
	}
	return s
}

// Asset returns the asset held for preview, if any.
func (c *Controller) Asset() *models.MediaAsset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.asset
}

// ChooseCapture asks for the capture device and starts recording on it.
func (c *Controller) ChooseCapture() error { return c.submit(chooseCaptureEvent{}) }

// ChooseFile validates a local file and previews it.
func (c *Controller) ChooseFile(cand validation.Candidate) error {
	return c.submit(chooseFileEvent{candidate: cand})
}

// Stop finalizes the recording into an asset for preview.
func (c *Controller) Stop() error { return c.submit(stopEvent{}) }

// Cancel abandons the recording or the upload in progress.
func (c *Controller) Cancel() error { return c.submit(cancelEvent{}) }

// Discard drops the previewed asset so the user can retake.
func (c *Controller) Discard() error { return c.submit(discardEvent{}) }

// Confirm uploads the previewed asset with meta. After a failed upload it
// resends the same asset.
func (c *Controller) Confirm(meta models.Metadata) error {
	return c.submit(confirmEvent{meta: meta})
}

// Close releases everything the session holds and ends it as Cancelled.
func (c *Controller) Close() error { return c.submit(closeEvent{}) }

// submit only enqueues; the outcome arrives as a notification. It fails once
// the session has finished.
func (c *Controller) submit(ev event) error {
	if !c.post(ev) {
		return errs.New(errs.ErrInvalidTransition, "session is closed")
	}
	return nil
}

// post enqueues ev unless the loop has exited. Events accepted here are
// either handled by the loop or disposed of by its exit drain.
func (c *Controller) post(ev event) bool {
	c.postMu.RLock()
	defer c.postMu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// Run processes events until the session is terminal. Cancelling ctx closes the session.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("session: already running")
	}
	sc := &sessionContext{state: models.StateSourceSelection}
	c.publish(sc)
	c.log.Info("session started")

	for !sc.state.Terminal() {
		select {
		case <-ctx.Done():
			c.handle(ctx, sc, closeEvent{})
		case ev := <-c.events:
			c.handle(ctx, sc, ev)
		}
	}

	close(c.done)
	c.postMu.Lock()
	c.closed = true
	c.postMu.Unlock()
	for {
		select {
		case ev := <-c.events:
			c.dispose(ev)
		default:
			c.log.Info("session finished", zap.String("state", string(sc.state)))
			return nil
		}
	}
}

func (c *Controller) handle(ctx context.Context, sc *sessionContext, ev event) {
	switch e := ev.(type) {
	case chooseCaptureEvent:
		if sc.state != models.StateSourceSelection || sc.pending != "" {
			c.reject(sc, ev)
			return
		}
		c.beginAcquire(ctx, sc)

	case acquiredEvent:
		if e.gen != sc.gen || sc.pending != pendingAcquire {
			c.dispose(e)
			return
		}
		sc.pending = ""
		if e.err != nil {
			c.fail(sc, e.err)
			return
		}
		sc.handle, sc.rec, sc.segments = e.handle, e.rec, 0
		c.forwardSegments(sc.gen, e.rec)
		c.transition(sc, models.StateRecording, ev)

	case chooseFileEvent:
		if sc.state != models.StateSourceSelection || sc.pending != "" {
			c.reject(sc, ev)
			return
		}
		asset, err := c.deps.Gate.Asset(e.candidate)
		if err != nil {
			c.fail(sc, err)
			return
		}
		sc.asset = asset
		c.transition(sc, models.StatePreviewing, ev)

	case segmentEvent:
		if e.gen != sc.gen || sc.state != models.StateRecording {
			return
		}
		sc.segments++
		c.publish(sc)
		c.notify(sc, Notification{Kind: NotifySegment, Segments: sc.segments})

	case recordingEndedEvent:
		if e.gen != sc.gen || sc.state != models.StateRecording || sc.pending != "" {
			return
		}
		c.log.Info("recording input ended, finalizing")
		c.beginStop(ctx, sc)

	case stopEvent:
		if sc.state != models.StateRecording || sc.pending != "" {
			c.reject(sc, ev)
			return
		}
		c.beginStop(ctx, sc)

	case stoppedEvent:
		if e.gen != sc.gen || sc.pending != pendingFinalize {
			return
		}
		sc.pending, sc.rec, sc.handle = "", nil, nil
		if e.err != nil {
			c.transition(sc, models.StateSourceSelection, ev)
			c.fail(sc, e.err)
			return
		}
		sc.asset = e.asset
		c.transition(sc, models.StatePreviewing, ev)

	case cancelEvent:
		c.cancel(sc, ev)

	case discardEvent:
		if sc.state != models.StatePreviewing {
			c.reject(sc, ev)
			return
		}
		sc.asset, sc.job = nil, nil
		c.transition(sc, models.StateSourceSelection, ev)

	case confirmEvent:
		if sc.state != models.StatePreviewing {
			c.reject(sc, ev)
			return
		}
		c.beginUpload(ctx, sc, e.meta)

	case progressEvent:
		if e.gen != sc.gen || sc.state != models.StateUploading {
			return
		}
		if sc.job.Advance(e.percent) {
			c.publish(sc)
			c.notify(sc, Notification{Kind: NotifyProgress, Progress: sc.job.Progress})
		}

	case uploadedEvent:
		if e.gen != sc.gen || sc.state != models.StateUploading {
			return
		}
		sc.transfer = nil
		if e.err != nil {
			_ = sc.job.Fail(e.err)
			if !errs.AssetSurvives(e.err) {
				sc.asset, sc.job = nil, nil
				c.transition(sc, models.StateSourceSelection, ev)
			} else {
				c.transition(sc, models.StatePreviewing, ev)
			}
			c.fail(sc, e.err)
			return
		}
		_ = sc.job.Succeed(e.desc)
		c.transition(sc, models.StateCompleted, ev)
		c.notify(sc, Notification{Kind: NotifyCompleted, Progress: sc.job.Progress, Descriptor: e.desc})

	case closeEvent:
		c.releaseAll(sc)
		c.transition(sc, models.StateCancelled, ev)
	}
}

func (c *Controller) beginAcquire(ctx context.Context, sc *sessionContext) {
	sc.gen++
	sc.pending = pendingAcquire
	sc.lastErr = nil
	c.publish(sc)
	c.notify(sc, Notification{Kind: NotifyState})

	gen, devices, start, constraints := sc.gen, c.deps.Devices, c.deps.Record, c.deps.Constraints
	go func() {
		ev := acquiredEvent{gen: gen}
		h, err := devices.Acquire(ctx, constraints)
		if err == nil {
			var rec Recording
			if rec, err = start(h); err != nil {
				devices.Release(h)
			} else {
				ev.handle, ev.rec = h, rec
			}
		}
		ev.err = err
		if !c.post(ev) {
			c.dispose(ev)
		}
	}()
}

func (c *Controller) forwardSegments(gen uint64, rec Recording) {
	go func() {
		for seg := range rec.Segments() {
			c.post(segmentEvent{gen: gen, seg: seg})
		}
		c.post(recordingEndedEvent{gen: gen})
	}()
}

func (c *Controller) beginStop(ctx context.Context, sc *sessionContext) {
	sc.pending = pendingFinalize
	c.publish(sc)
	c.notify(sc, Notification{Kind: NotifyState})

	gen, rec, timeout := sc.gen, sc.rec, c.deps.StopTimeout
	go func() {
		sctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		asset, err := rec.Stop(sctx)
		c.post(stoppedEvent{gen: gen, asset: asset, err: err})
	}()
}

func (c *Controller) beginUpload(ctx context.Context, sc *sessionContext, meta models.Metadata) {
	meta = meta.WithDefaults(time.Now())
	if sc.job != nil && sc.job.Status == models.UploadFailed {
		_ = sc.job.Retry(meta)
	} else {
		sc.job = models.NewUploadJob(sc.asset, meta)
	}
	_ = sc.job.Begin()

	sc.gen++
	sc.lastErr = nil
	gen := sc.gen
	tr := c.deps.Sender.Send(ctx, sc.asset, sc.job.Metadata)
	sc.transfer = tr
	c.log.Info("upload queued", zap.Stringer("job", sc.job), zap.Int64("bytes", sc.asset.Size()))
	c.transition(sc, models.StateUploading, confirmEvent{})

	go func() {
		for p := range tr.Progress() {
			c.post(progressEvent{gen: gen, percent: p})
		}
		desc, err := tr.Wait()
		c.post(uploadedEvent{gen: gen, desc: desc, err: err})
	}()
}

func (c *Controller) cancel(sc *sessionContext, ev event) {
	switch {
	case sc.state == models.StateSourceSelection && sc.pending == pendingAcquire:
		sc.gen++
		sc.pending = ""
		c.publish(sc)
		c.notify(sc, Notification{Kind: NotifyState})
	case sc.state == models.StateRecording:
		sc.gen++
		sc.pending = ""
		if sc.rec != nil {
			sc.rec.Discard()
		}
		sc.rec, sc.handle, sc.segments = nil, nil, 0
		c.transition(sc, models.StateSourceSelection, ev)
	case sc.state == models.StateUploading:
		sc.gen++
		if sc.transfer != nil {
			sc.transfer.Cancel()
			sc.transfer = nil
		}
		_ = sc.job.Cancel()
		c.transition(sc, models.StateCancelled, ev)
	default:
		c.reject(sc, ev)
	}
}

// releaseAll frees every resource the session holds. Errors from components
// being torn down are not surfaced.
func (c *Controller) releaseAll(sc *sessionContext) {
	sc.gen++
	sc.pending = ""
	switch {
	case sc.rec != nil:
		sc.rec.Discard()
	case sc.handle != nil:
		c.deps.Devices.Release(sc.handle)
	}
	sc.rec, sc.handle = nil, nil
	if sc.transfer != nil {
		sc.transfer.Cancel()
		sc.transfer = nil
	}
	if sc.job != nil {
		_ = sc.job.Cancel()
	}
	sc.asset = nil
}

// dispose releases resources carried by an outcome nobody will consume.
func (c *Controller) dispose(ev event) {
	e, ok := ev.(acquiredEvent)
	if !ok {
		return
	}
	switch {
	case e.rec != nil:
		e.rec.Discard()
	case e.handle != nil:
		c.deps.Devices.Release(e.handle)
	}
	c.log.Debug("stale acquisition released", zap.Uint64("generation", e.gen))
}

func (c *Controller) transition(sc *sessionContext, to models.SessionState, ev event) {
	from := sc.state
	sc.state = to
	// A failure that caused this transition is recorded by fail afterwards.
	sc.lastErr = nil
	if to != models.StateRecording {
		sc.segments = 0
	}
	c.log.Info("session transition", zap.String("from", string(from)), zap.String("to", string(to)), zap.String("event", ev.name()))
	c.publish(sc)
	n := Notification{Kind: NotifyState, Segments: sc.segments}
	if sc.job != nil {
		n.Progress = sc.job.Progress
	}
	c.notify(sc, n)
}

func (c *Controller) fail(sc *sessionContext, err error) {
	sc.lastErr = err
	c.log.Warn("session error", zap.String("state", string(sc.state)), zap.String("kind", string(errs.KindOf(err))), zap.Error(err))
	c.publish(sc)
	c.notify(sc, Notification{Kind: NotifyError, Err: err})
}

func (c *Controller) reject(sc *sessionContext, ev event) {
	err := errs.New(errs.ErrInvalidTransition, fmt.Sprintf("%s is not allowed while %s", ev.name(), describe(sc)))
	c.log.Debug("event rejected", zap.String("event", ev.name()), zap.String("state", string(sc.state)))
	c.notify(sc, Notification{Kind: NotifyError, Err: err})
}

func describe(sc *sessionContext) string {
	if sc.pending != "" {
		return string(sc.state) + " (" + sc.pending + ")"
	}
	return string(sc.state)
}

func (c *Controller) publish(sc *sessionContext) {
	s := Snapshot{
		ID:         c.id,
		State:      sc.state,
		Pending:    sc.pending,
		Segments:   sc.segments,
		ModifiedAt: time.Now().UTC(),
	}
	if sc.asset != nil {
		s.Asset = &AssetInfo{
			ID:        sc.asset.ID(),
			Origin:    sc.asset.Origin(),
			MimeType:  sc.asset.MimeType(),
			Filename:  sc.asset.Filename(),
			Size:      sc.asset.Size(),
			CreatedAt: sc.asset.CreatedAt(),
		}
	}
	if sc.job != nil {
		s.Progress = sc.job.Progress
		s.Attempt = sc.job.Attempt
		s.Video = sc.job.Descriptor
	}
	if sc.lastErr != nil {
		s.Error = sc.lastErr.Error()
		s.ErrorKind = errs.KindOf(sc.lastErr)
		s.CanRetry = sc.asset != nil && errs.AssetSurvives(sc.lastErr)
	}
	c.mu.Lock()
	c.snap = s
	c.asset = sc.asset
	c.mu.Unlock()
}

func (c *Controller) notify(sc *sessionContext, n Notification) {
	n.SessionID = c.id
	n.State = sc.state
	c.mu.RLock()
	ls := append([]Listener(nil), c.listeners...)
	c.mu.RUnlock()
	for _, l := range ls {
		l(n)
	}
}
