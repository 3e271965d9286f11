package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dojo-tracker/capture/internal/device"
	"github.com/dojo-tracker/capture/internal/errs"
	"github.com/dojo-tracker/capture/internal/models"
	"github.com/dojo-tracker/capture/internal/upload"
	"github.com/dojo-tracker/capture/internal/validation"
)

const waitFor = 2 * time.Second

type nopStream struct{}

func (nopStream) Read([]byte) (int, error) { return 0, io.EOF }
func (nopStream) Close() error             { return nil }

// camera is a device driver whose Open can fail or block.
type camera struct {
	err  error
	gate chan struct{}
}

func (c *camera) Open(context.Context, device.Constraints) (device.Stream, error) {
	if c.gate != nil {
		<-c.gate
	}
	if c.err != nil {
		return nil, c.err
	}
	return nopStream{}, nil
}

// fakeRecording emits whatever the test pushes and releases the lease on Stop or Discard.
type fakeRecording struct {
	arb *device.Arbitrator
	h   *device.Handle
	out chan models.MediaSegment

	mu        sync.Mutex
	segs      []models.MediaSegment
	closed    bool
	stopErr   error
	discarded atomic.Bool
	hold      chan struct{}
	stopped   chan struct{}
}

func (r *fakeRecording) push(data string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	seg := models.MediaSegment{Seq: len(r.segs), Data: []byte(data)}
	r.segs = append(r.segs, seg)
	r.out <- seg
}

func (r *fakeRecording) end() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.out)
	}
}

func (r *fakeRecording) Segments() <-chan models.MediaSegment { return r.out }

func (r *fakeRecording) Stop(context.Context) (*models.MediaAsset, error) {
	if r.stopped != nil {
		defer close(r.stopped)
	}
	if r.hold != nil {
		<-r.hold
	}
	r.end()
	r.arb.Release(r.h)
	if r.stopErr != nil {
		return nil, r.stopErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return models.NewRecordedAsset(r.segs, "video/webm", "recorded-technique.webm"), nil
}

func (r *fakeRecording) Discard() {
	r.discarded.Store(true)
	r.end()
	r.arb.Release(r.h)
}

// scriptedSender replays progress values and then returns the next outcome.
type scriptedSender struct {
	mu       sync.Mutex
	progress []int
	outcomes []error
	block    bool
	assets   []*models.MediaAsset
	metas    []models.Metadata
}

func (s *scriptedSender) Send(ctx context.Context, asset *models.MediaAsset, meta models.Metadata) *upload.Transfer {
	s.mu.Lock()
	s.assets = append(s.assets, asset)
	s.metas = append(s.metas, meta)
	var outcome error
	if len(s.outcomes) > 0 {
		outcome, s.outcomes = s.outcomes[0], s.outcomes[1:]
	}
	progress, block := s.progress, s.block
	s.mu.Unlock()

	return upload.Start(ctx, func(ctx context.Context, report func(int)) (*models.VideoDescriptor, error) {
		for _, p := range progress {
			report(p)
		}
		if block {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		if outcome != nil {
			return nil, outcome
		}
		return &models.VideoDescriptor{ID: "vid-1", Title: meta.Title, TechniqueName: meta.TechniqueName}, nil
	})
}

func (s *scriptedSender) sent() []*models.MediaAsset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.MediaAsset(nil), s.assets...)
}

type harness struct {
	ctrl    *Controller
	arb     *device.Arbitrator
	sender  *scriptedSender
	starts  atomic.Int32
	rec     atomic.Pointer[fakeRecording]
	startFn func(h *device.Handle) (Recording, error)

	mu    sync.Mutex
	notes []Notification
}

func newHarness(t *testing.T, cam *camera, sender *scriptedSender) *harness {
	t.Helper()
	h := &harness{arb: device.NewArbitrator(cam, "", nil), sender: sender}
	deps := Deps{
		Devices: h.arb,
		Record: func(handle *device.Handle) (Recording, error) {
			h.starts.Add(1)
			if h.startFn != nil {
				return h.startFn(handle)
			}
			r := &fakeRecording{arb: h.arb, h: handle, out: make(chan models.MediaSegment, 64)}
			h.rec.Store(r)
			return r, nil
		},
		Gate:        validation.NewGate(0),
		Sender:      sender,
		Constraints: device.Constraints{Width: 1280, Height: 720, FrameRate: 30, Audio: true},
	}
	h.ctrl = New(deps)
	h.ctrl.Subscribe(func(n Notification) {
		h.mu.Lock()
		h.notes = append(h.notes, n)
		h.mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.ctrl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.ctrl.Done()
	})
	return h
}

func (h *harness) waitState(t *testing.T, want models.SessionState) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		snap = h.ctrl.Snapshot()
		return snap.State == want && snap.Pending == ""
	}, waitFor, 5*time.Millisecond, "waiting for %s", want)
	return snap
}

func (h *harness) notifications() []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Notification(nil), h.notes...)
}

func (h *harness) waitError(t *testing.T, target error) Notification {
	t.Helper()
	var found Notification
	require.Eventually(t, func() bool {
		for _, n := range h.notifications() {
			if n.Kind == NotifyError && errors.Is(n.Err, target) {
				found = n
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)
	return found
}

func videoFile(size int64) validation.Candidate {
	return validation.Candidate{Path: "/tmp/kata.mp4", Name: "kata.mp4", ContentType: "video/mp4", Size: size}
}

func TestRecordPreviewUploadComplete(t *testing.T) {
	h := newHarness(t, &camera{}, &scriptedSender{progress: []int{40, 100}})

	require.NoError(t, h.ctrl.ChooseCapture())
	h.waitState(t, models.StateRecording)
	assert.True(t, h.arb.Held())

	rec := h.rec.Load()
	rec.push("seg-a|")
	rec.push("seg-b|")
	require.Eventually(t, func() bool { return h.ctrl.Snapshot().Segments == 2 }, waitFor, 5*time.Millisecond)

	require.NoError(t, h.ctrl.Stop())
	snap := h.waitState(t, models.StatePreviewing)
	assert.False(t, h.arb.Held(), "device released on leaving Recording")
	require.NotNil(t, snap.Asset)
	assert.Equal(t, models.OriginRecorded, snap.Asset.Origin)

	b, err := h.ctrl.Asset().Bytes()
	require.NoError(t, err)
	assert.Equal(t, "seg-a|seg-b|", string(b))

	require.NoError(t, h.ctrl.Confirm(models.Metadata{TechniqueName: "Armbar", Style: "BJJ", IsPrivate: true}))
	snap = h.waitState(t, models.StateCompleted)
	assert.Equal(t, 100, snap.Progress)
	require.NotNil(t, snap.Video)
	assert.Equal(t, "vid-1", snap.Video.ID)

	<-h.ctrl.Done()
	var completed *Notification
	for _, n := range h.notifications() {
		if n.Kind == NotifyCompleted {
			n := n
			completed = &n
		}
	}
	require.NotNil(t, completed)
	assert.Equal(t, "vid-1", completed.Descriptor.ID)
	assert.True(t, h.ctrl.Snapshot().State.Terminal())
}

func TestSelectedFileProgressScenario(t *testing.T) {
	h := newHarness(t, &camera{}, &scriptedSender{progress: []int{12, 47, 88, 100}})

	require.NoError(t, h.ctrl.ChooseFile(videoFile(50*1024*1024)))
	snap := h.waitState(t, models.StatePreviewing)
	assert.Equal(t, models.OriginSelectedFile, snap.Asset.Origin)
	assert.Equal(t, int64(50*1024*1024), snap.Asset.Size)

	require.NoError(t, h.ctrl.Confirm(models.Metadata{TechniqueName: "Kata"}))
	h.waitState(t, models.StateCompleted)
	<-h.ctrl.Done()

	var seen []int
	for _, n := range h.notifications() {
		switch {
		case n.Kind == NotifyState && n.State == models.StateUploading:
			seen = append(seen, n.Progress)
		case n.Kind == NotifyProgress:
			seen = append(seen, n.Progress)
		}
	}
	assert.Equal(t, []int{0, 12, 47, 88, 100}, seen)
	assert.Equal(t, 0, int(h.starts.Load()), "no device used for a selected file")
	assert.Regexp(t, `^Kata - \d{4}-\d{2}-\d{2}$`, h.sender.metas[0].Title)
}

func TestPermissionDeniedStaysInSourceSelection(t *testing.T) {
	h := newHarness(t, &camera{err: errs.ErrPermissionDenied}, &scriptedSender{})

	require.NoError(t, h.ctrl.ChooseCapture())
	n := h.waitError(t, errs.ErrPermissionDenied)
	assert.Equal(t, models.StateSourceSelection, n.State)

	snap := h.waitState(t, models.StateSourceSelection)
	assert.Equal(t, errs.KindDevice, snap.ErrorKind)
	assert.False(t, snap.CanRetry)
	assert.False(t, h.arb.Held())

	// The file path remains available.
	require.NoError(t, h.ctrl.ChooseFile(videoFile(1024)))
	h.waitState(t, models.StatePreviewing)
}

func TestEncodingUnsupportedReleasesDevice(t *testing.T) {
	h := newHarness(t, &camera{}, &scriptedSender{})
	h.startFn = func(*device.Handle) (Recording, error) {
		return nil, errs.New(errs.ErrEncodingUnsupported, "no encoder")
	}

	require.NoError(t, h.ctrl.ChooseCapture())
	h.waitError(t, errs.ErrEncodingUnsupported)
	snap := h.waitState(t, models.StateSourceSelection)
	assert.Equal(t, errs.KindEncoding, snap.ErrorKind)
	assert.False(t, h.arb.Held())
}

func TestCancelDuringRecording(t *testing.T) {
	h := newHarness(t, &camera{}, &scriptedSender{})

	require.NoError(t, h.ctrl.ChooseCapture())
	h.waitState(t, models.StateRecording)
	rec := h.rec.Load()
	rec.push("partial")

	require.NoError(t, h.ctrl.Cancel())
	snap := h.waitState(t, models.StateSourceSelection)

	assert.True(t, rec.discarded.Load())
	assert.False(t, h.arb.Held())
	assert.Nil(t, snap.Asset)
	assert.Nil(t, h.ctrl.Asset())
	assert.Empty(t, h.sender.sent())
}

func TestRecordingInputEndFinalizes(t *testing.T) {
	h := newHarness(t, &camera{}, &scriptedSender{})

	require.NoError(t, h.ctrl.ChooseCapture())
	h.waitState(t, models.StateRecording)
	rec := h.rec.Load()
	rec.push("only")
	rec.end()

	snap := h.waitState(t, models.StatePreviewing)
	assert.Equal(t, int64(4), snap.Asset.Size)
	assert.False(t, h.arb.Held())
}

func TestFinalizeFailureReturnsToSourceSelection(t *testing.T) {
	h := newHarness(t, &camera{}, &scriptedSender{})
	h.startFn = func(handle *device.Handle) (Recording, error) {
		return &fakeRecording{arb: h.arb, h: handle, out: make(chan models.MediaSegment, 1),
			stopErr: errs.New(errs.ErrEncodingFailed, "no media")}, nil
	}

	require.NoError(t, h.ctrl.ChooseCapture())
	h.waitState(t, models.StateRecording)
	require.NoError(t, h.ctrl.Stop())

	h.waitError(t, errs.ErrEncodingFailed)
	snap := h.waitState(t, models.StateSourceSelection)
	assert.False(t, snap.CanRetry)
	assert.False(t, h.arb.Held())
}

func TestRetryAfterFailureResendsSameAsset(t *testing.T) {
	sender := &scriptedSender{outcomes: []error{errs.New(errs.ErrOffline, "connection lost")}}
	h := newHarness(t, &camera{}, sender)

	require.NoError(t, h.ctrl.ChooseCapture())
	h.waitState(t, models.StateRecording)
	h.rec.Load().push("take-1")
	require.NoError(t, h.ctrl.Stop())
	h.waitState(t, models.StatePreviewing)

	require.NoError(t, h.ctrl.Confirm(models.Metadata{TechniqueName: "Kimura"}))
	h.waitError(t, errs.ErrOffline)
	snap := h.waitState(t, models.StatePreviewing)
	assert.True(t, snap.CanRetry)
	assert.Equal(t, errs.KindNetwork, snap.ErrorKind)
	require.NotNil(t, snap.Asset)

	require.NoError(t, h.ctrl.Confirm(models.Metadata{TechniqueName: "Kimura", Title: "Second try"}))
	snap = h.waitState(t, models.StateCompleted)

	sent := sender.sent()
	require.Len(t, sent, 2)
	assert.Same(t, sent[0], sent[1], "retry uploads the retained asset")
	assert.Equal(t, int32(1), h.starts.Load(), "no re-recording")
	assert.Equal(t, 2, snap.Attempt)
	assert.Equal(t, "Second try", sender.metas[1].Title)
}

func TestInvalidFileKeepsSourceSelection(t *testing.T) {
	h := newHarness(t, &camera{}, &scriptedSender{})

	require.NoError(t, h.ctrl.ChooseFile(validation.Candidate{Name: "belt.png", ContentType: "image/png", Size: 10}))
	h.waitError(t, errs.ErrWrongType)

	require.NoError(t, h.ctrl.ChooseFile(videoFile(validation.DefaultMaxBytes+1)))
	h.waitError(t, errs.ErrTooLarge)
	snap := h.waitState(t, models.StateSourceSelection)
	assert.Equal(t, errs.KindValidation, snap.ErrorKind)

	require.NoError(t, h.ctrl.ChooseFile(videoFile(validation.DefaultMaxBytes)))
	snap = h.waitState(t, models.StatePreviewing)
	assert.Empty(t, snap.Error)
	assert.Empty(t, snap.ErrorKind)
	assert.False(t, snap.CanRetry)
}

func TestDiscardAfterUploadFailureClearsError(t *testing.T) {
	sender := &scriptedSender{outcomes: []error{errs.Server(503, "store is down")}}
	h := newHarness(t, &camera{}, sender)

	require.NoError(t, h.ctrl.ChooseFile(videoFile(10)))
	h.waitState(t, models.StatePreviewing)
	require.NoError(t, h.ctrl.Confirm(models.Metadata{TechniqueName: "Kata"}))
	h.waitError(t, errs.ErrServer)
	snap := h.waitState(t, models.StatePreviewing)
	assert.Equal(t, errs.KindNetwork, snap.ErrorKind)

	require.NoError(t, h.ctrl.Discard())
	snap = h.waitState(t, models.StateSourceSelection)
	assert.Nil(t, snap.Asset)
	assert.Empty(t, snap.Error)
	assert.Empty(t, snap.ErrorKind)
	assert.False(t, snap.CanRetry)
}

func TestDiscardReturnsToSourceSelection(t *testing.T) {
	h := newHarness(t, &camera{}, &scriptedSender{})

	require.NoError(t, h.ctrl.ChooseFile(videoFile(10)))
	h.waitState(t, models.StatePreviewing)
	require.NoError(t, h.ctrl.Discard())

	snap := h.waitState(t, models.StateSourceSelection)
	assert.Nil(t, snap.Asset)
}

func TestInvalidEventIsRejectedWithoutStateChange(t *testing.T) {
	h := newHarness(t, &camera{}, &scriptedSender{})

	require.NoError(t, h.ctrl.Stop())
	n := h.waitError(t, errs.ErrInvalidTransition)
	assert.Equal(t, models.StateSourceSelection, n.State)
	assert.Equal(t, errs.KindState, errs.KindOf(n.Err))

	require.NoError(t, h.ctrl.Confirm(models.Metadata{}))
	assert.Equal(t, models.StateSourceSelection, h.ctrl.Snapshot().State)
	assert.Empty(t, h.sender.sent())
}

func TestCancelUploadEndsCancelled(t *testing.T) {
	sender := &scriptedSender{progress: []int{30}, block: true}
	h := newHarness(t, &camera{}, sender)

	require.NoError(t, h.ctrl.ChooseFile(videoFile(10)))
	h.waitState(t, models.StatePreviewing)
	require.NoError(t, h.ctrl.Confirm(models.Metadata{}))
	require.Eventually(t, func() bool { return h.ctrl.Snapshot().Progress == 30 }, waitFor, 5*time.Millisecond)

	require.NoError(t, h.ctrl.Cancel())
	h.waitState(t, models.StateCancelled)

	select {
	case <-h.ctrl.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not finish")
	}
	for _, n := range h.notifications() {
		assert.NotEqual(t, NotifyCompleted, n.Kind)
	}
	assert.ErrorIs(t, h.ctrl.Stop(), errs.ErrInvalidTransition)
}

func TestCloseReleasesDevice(t *testing.T) {
	h := newHarness(t, &camera{}, &scriptedSender{})

	require.NoError(t, h.ctrl.ChooseCapture())
	h.waitState(t, models.StateRecording)
	require.NoError(t, h.ctrl.Close())

	<-h.ctrl.Done()
	assert.Equal(t, models.StateCancelled, h.ctrl.Snapshot().State)
	assert.False(t, h.arb.Held())
	assert.True(t, h.rec.Load().discarded.Load())
}

func TestCancelledAcquisitionIsReleased(t *testing.T) {
	cam := &camera{gate: make(chan struct{})}
	h := newHarness(t, cam, &scriptedSender{})

	require.NoError(t, h.ctrl.ChooseCapture())
	require.Eventually(t, func() bool { return h.ctrl.Snapshot().Pending == pendingAcquire }, waitFor, 5*time.Millisecond)
	require.NoError(t, h.ctrl.Cancel())
	h.waitState(t, models.StateSourceSelection)

	close(cam.gate)
	require.Eventually(t, func() bool {
		r := h.rec.Load()
		return r != nil && r.discarded.Load() && !h.arb.Held()
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, models.StateSourceSelection, h.ctrl.Snapshot().State)
}

func TestContextCancelClosesSession(t *testing.T) {
	arb := device.NewArbitrator(&camera{}, "", nil)
	ctrl := New(Deps{
		Devices: arb,
		Record: func(handle *device.Handle) (Recording, error) {
			return &fakeRecording{arb: arb, h: handle, out: make(chan models.MediaSegment, 1)}, nil
		},
		Gate:   validation.NewGate(0),
		Sender: &scriptedSender{},
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	require.NoError(t, ctrl.ChooseCapture())
	require.Eventually(t, func() bool { return ctrl.Snapshot().State == models.StateRecording }, waitFor, 5*time.Millisecond)
	cancel()

	require.NoError(t, <-done)
	assert.Equal(t, models.StateCancelled, ctrl.Snapshot().State)
	assert.False(t, arb.Held())
	assert.Error(t, ctrl.Run(context.Background()), "a controller runs once")
}

// holdStop makes every recording block in Stop until release is closed.
func (h *harness) holdStop(release chan struct{}) {
	h.startFn = func(handle *device.Handle) (Recording, error) {
		r := &fakeRecording{
			arb:     h.arb,
			h:       handle,
			out:     make(chan models.MediaSegment, 64),
			hold:    release,
			stopped: make(chan struct{}),
		}
		h.rec.Store(r)
		return r, nil
	}
}

func TestCancelWhileFinalizing(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, &camera{}, &scriptedSender{})
	h.holdStop(release)

	require.NoError(t, h.ctrl.ChooseCapture())
	h.waitState(t, models.StateRecording)
	rec := h.rec.Load()
	rec.push("half a kata")
	require.NoError(t, h.ctrl.Stop())
	require.Eventually(t, func() bool { return h.ctrl.Snapshot().Pending == pendingFinalize }, waitFor, 5*time.Millisecond)

	require.NoError(t, h.ctrl.Cancel())
	snap := h.waitState(t, models.StateSourceSelection)
	assert.Nil(t, snap.Asset)
	assert.True(t, rec.discarded.Load())
	assert.False(t, h.arb.Held())

	close(release)
	<-rec.stopped
	time.Sleep(20 * time.Millisecond)
	snap = h.ctrl.Snapshot()
	assert.Equal(t, models.StateSourceSelection, snap.State, "late finalize result is ignored")
	assert.Nil(t, snap.Asset)
	assert.False(t, h.arb.Held())

	require.NoError(t, h.ctrl.ChooseCapture())
	h.waitState(t, models.StateRecording)
	assert.Equal(t, int32(2), h.starts.Load())
}

func TestCloseWhileFinalizing(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := newHarness(t, &camera{}, &scriptedSender{})
	h.holdStop(release)

	require.NoError(t, h.ctrl.ChooseCapture())
	h.waitState(t, models.StateRecording)
	require.NoError(t, h.ctrl.Stop())
	require.Eventually(t, func() bool { return h.ctrl.Snapshot().Pending == pendingFinalize }, waitFor, 5*time.Millisecond)

	require.NoError(t, h.ctrl.Close())
	select {
	case <-h.ctrl.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not finish")
	}
	snap := h.ctrl.Snapshot()
	assert.Equal(t, models.StateCancelled, snap.State)
	assert.Nil(t, snap.Asset)
	assert.False(t, h.arb.Held())
	assert.True(t, h.rec.Load().discarded.Load())
}

func TestUnreadableFileIsNotRetryable(t *testing.T) {
	sender := &scriptedSender{outcomes: []error{errs.New(errs.ErrAssetUnreadable, "selected file can no longer be read")}}
	h := newHarness(t, &camera{}, sender)

	require.NoError(t, h.ctrl.ChooseFile(videoFile(10)))
	h.waitState(t, models.StatePreviewing)
	require.NoError(t, h.ctrl.Confirm(models.Metadata{TechniqueName: "Armbar"}))

	n := h.waitError(t, errs.ErrAssetUnreadable)
	assert.Equal(t, models.StateSourceSelection, n.State)
	snap := h.waitState(t, models.StateSourceSelection)
	assert.Nil(t, snap.Asset)
	assert.False(t, snap.CanRetry)
	assert.Equal(t, errs.KindValidation, snap.ErrorKind)

	require.NoError(t, h.ctrl.Confirm(models.Metadata{TechniqueName: "Armbar"}))
	h.waitError(t, errs.ErrInvalidTransition)
	assert.Len(t, sender.sent(), 1)
}
