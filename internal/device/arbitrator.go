// Package device arbitrates exclusive access to the single capture device
// (camera plus microphone) on this host.
package device

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dojo-tracker/capture/internal/errs"
)

// Constraints describe the stream requested from the hardware.
type Constraints struct {
	Width     int
	Height    int
	FrameRate int
	Audio     bool
}

// Stream is a running hardware capture. Close stops the hardware; it may block
// until the underlying process has exited.
type Stream interface {
	io.ReadCloser
}

// Driver opens the physical device. Implementations return errs.ErrPermissionDenied
// or errs.ErrDeviceUnavailable (possibly wrapped) for access failures.
type Driver interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Handle is an exclusive lease on the capture device.
type Handle struct {
	ID          uuid.UUID
	Constraints Constraints
	AcquiredAt  time.Time

	stream Stream
	arb    *Arbitrator
	once   sync.Once
}

// Read reads captured media from the hardware stream.
func (h *Handle) Read(p []byte) (int, error) { return h.stream.Read(p) }

// Arbitrator owns the single capture device and refuses concurrent acquisition.
type Arbitrator struct {
	driver Driver
	lock   *flock.Flock // nil disables the cross-process lock
	log    *zap.Logger

	mu   sync.Mutex
	held *Handle
}

// NewArbitrator creates an arbitrator. lockPath may be empty to skip the
// cross-process lock (tests, single-process tools).
func NewArbitrator(driver Driver, lockPath string, log *zap.Logger) *Arbitrator {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Arbitrator{driver: driver, log: log}
	if lockPath != "" {
		a.lock = flock.New(lockPath)
	}
	return a
}

// Acquire opens the device and returns the only live handle.
func (a *Arbitrator) Acquire(ctx context.Context, c Constraints) (*Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.held != nil {
		return nil, errs.New(errs.ErrDeviceUnavailable, "capture device is already in use")
	}
	if a.lock != nil {
		locked, err := a.lock.TryLock()
		if err != nil {
			return nil, errs.Wrap(errs.ErrDeviceUnavailable, "capture device lock failed", err)
		}
		if !locked {
			return nil, errs.New(errs.ErrDeviceUnavailable, "capture device is in use by another process")
		}
	}

	stream, err := a.driver.Open(ctx, c)
	if err != nil {
		a.unlock()
		return nil, classifyOpenError(err)
	}

	h := &Handle{
		ID:          uuid.New(),
		Constraints: c,
		AcquiredAt:  time.Now(),
		stream:      stream,
		arb:         a,
	}
	a.held = h
	a.log.Info("capture device acquired", zap.String("handle_id", h.ID.String()),
		zap.Int("width", c.Width), zap.Int("height", c.Height), zap.Bool("audio", c.Audio))
	return h, nil
}

// Release stops the hardware stream and frees the device. It is idempotent and
// safe to call from several goroutines; ownership is returned only after the
// stream has stopped.
func (a *Arbitrator) Release(h *Handle) {
	if h == nil || h.arb != a {
		return
	}
	h.once.Do(func() {
		if err := h.stream.Close(); err != nil {
			a.log.Warn("capture stream close", zap.String("handle_id", h.ID.String()), zap.Error(err))
		}
		a.mu.Lock()
		if a.held == h {
			a.held = nil
		}
		a.unlock()
		a.mu.Unlock()
		a.log.Info("capture device released", zap.String("handle_id", h.ID.String()),
			zap.Duration("held_for", time.Since(h.AcquiredAt)))
	})
}

// Held reports whether a handle is outstanding.
func (a *Arbitrator) Held() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.held != nil
}

func (a *Arbitrator) unlock() {
	if a.lock == nil {
		return
	}
	if err := a.lock.Unlock(); err != nil {
		a.log.Warn("capture device unlock", zap.Error(err))
	}
}

func classifyOpenError(err error) error {
	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, errs.ErrPermissionDenied):
		return errs.Wrap(errs.ErrPermissionDenied, "camera access was denied", err)
	case errors.Is(err, errs.ErrDeviceUnavailable):
		return errs.Wrap(errs.ErrDeviceUnavailable, "no capture device available", err)
	}
	return errs.Wrap(errs.ErrDeviceUnavailable, "open capture device", err)
}
