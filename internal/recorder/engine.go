// Package recorder drives a leased capture device through an encoder and
// finalizes the emitted segments into one media asset.
package recorder

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dojo-tracker/capture/internal/device"
	"github.com/dojo-tracker/capture/internal/errs"
	"github.com/dojo-tracker/capture/internal/models"
)

const (
	defaultSegmentBytes = 256 * 1024
	segmentBuffer       = 16
)

// Releaser returns a device lease. *device.Arbitrator implements it.
type Releaser interface {
	Release(h *device.Handle)
}

// Encoder turns raw capture into an encoded container stream.
type Encoder interface {
	Supports(c Codec) bool
	Start(c Codec, input io.Reader) (Encoding, error)
}

// Encoding is one running encode. Read yields encoded bytes and returns io.EOF
// once the input has ended and the output is flushed.
type Encoding interface {
	io.Reader
	Wait() error
	Abort()
}

// Engine starts recordings on leased devices.
type Engine struct {
	enc          Encoder
	rel          Releaser
	codecs       []Codec
	segmentBytes int
	maxDuration  time.Duration
	log          *zap.Logger
}

// NewEngine creates a recording engine. codecs is the negotiation order.
func NewEngine(enc Encoder, rel Releaser, codecs []Codec, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		enc:          enc,
		rel:          rel,
		codecs:       codecs,
		segmentBytes: defaultSegmentBytes,
		log:          log,
	}
}

// SetSegmentBytes sets the maximum size of one emitted segment.
func (e *Engine) SetSegmentBytes(n int) {
	if n > 0 {
		e.segmentBytes = n
	}
}

// SetMaxDuration ends the input feed automatically after d. Zero disables the limit.
func (e *Engine) SetMaxDuration(d time.Duration) { e.maxDuration = d }

// Start negotiates a codec and begins encoding from h. The device is not
// released on failure; the caller still owns h.
func (e *Engine) Start(h *device.Handle) (*Recording, error) {
	for _, c := range e.codecs {
		if !e.enc.Supports(c) {
			e.log.Debug("codec not supported", zap.String("codec", c.Name))
			continue
		}
		in := &feed{src: h}
		enc, err := e.enc.Start(c, in)
		if err != nil {
			e.log.Warn("encoder start failed", zap.String("codec", c.Name), zap.Error(err))
			continue
		}
		r := &Recording{
			handle:  h,
			codec:   c,
			enc:     enc,
			in:      in,
			rel:     e.rel,
			out:     make(chan models.MediaSegment, segmentBuffer),
			done:    make(chan struct{}),
			aborted: make(chan struct{}),
			started: time.Now(),
			log:     e.log.With(zap.String("handle_id", h.ID.String()), zap.String("codec", c.Name)),
		}
		if e.maxDuration > 0 {
			r.limit = time.AfterFunc(e.maxDuration, in.close)
		}
		go r.pump(e.segmentBytes)
		r.log.Info("recording started")
		return r, nil
	}
	return nil, errs.New(errs.ErrEncodingUnsupported, "no supported video encoding is available")
}

// Recording is one active encode. Segments must be drained by the caller.
type Recording struct {
	handle *device.Handle
	codec  Codec
	enc    Encoding
	in     *feed
	rel    Releaser
	limit  *time.Timer
	log    *zap.Logger

	out     chan models.MediaSegment
	done    chan struct{}
	aborted chan struct{}
	started time.Time

	mu       sync.Mutex
	segments []models.MediaSegment
	readErr  error

	finishOnce sync.Once
	discarded  atomic.Bool
}

// Codec returns the negotiated codec.
func (r *Recording) Codec() Codec { return r.codec }

// Segments delivers encoded segments in emission order. The channel closes
// when the encode ends; it is never restarted.
func (r *Recording) Segments() <-chan models.MediaSegment { return r.out }

// Stop ends the input feed, waits for the encoder to flush, and concatenates
// every emitted segment into one asset. The device is released afterwards
// whether or not finalizing succeeded.
func (r *Recording) Stop(ctx context.Context) (*models.MediaAsset, error) {
	if r.discarded.Load() {
		return nil, errs.New(errs.ErrCancelled, "recording was discarded")
	}
	r.stopLimit()
	r.in.close()

	select {
	case <-r.done:
	case <-ctx.Done():
		r.abort()
		<-r.done
		r.finish()
		go func() { _ = r.enc.Wait() }()
		return nil, errs.Wrap(errs.ErrEncodingFailed, "finalizing the recording timed out", ctx.Err())
	}

	waitErr := r.enc.Wait()
	r.finish()

	r.mu.Lock()
	segments := r.segments
	readErr := r.readErr
	r.segments = nil
	r.mu.Unlock()

	if readErr != nil {
		return nil, errs.Wrap(errs.ErrEncodingFailed, "reading encoder output failed", readErr)
	}
	if len(segments) == 0 {
		if waitErr != nil {
			return nil, errs.Wrap(errs.ErrEncodingFailed, "encoder exited without output", waitErr)
		}
		return nil, errs.New(errs.ErrEncodingFailed, "no media was recorded")
	}
	if waitErr != nil {
		r.log.Warn("encoder exit", zap.Error(waitErr))
	}

	asset := models.NewRecordedAsset(segments, r.codec.Container, models.RecordedBasename+r.codec.Extension)
	r.log.Info("recording finalized", zap.Int("segments", len(segments)),
		zap.Int64("bytes", asset.Size()), zap.Duration("duration", time.Since(r.started)))
	return asset, nil
}

// Discard aborts the encode, drops every accumulated segment, and releases
// the device. Safe to call more than once.
func (r *Recording) Discard() {
	if !r.discarded.CompareAndSwap(false, true) {
		return
	}
	r.stopLimit()
	r.in.close()
	r.abort()
	r.finish()
	<-r.done
	go func() { _ = r.enc.Wait() }()

	r.mu.Lock()
	n := len(r.segments)
	r.segments = nil
	r.mu.Unlock()
	r.log.Info("recording discarded", zap.Int("segments", n))
}

func (r *Recording) pump(size int) {
	defer close(r.done)
	defer close(r.out)

	seq := 0
	buf := make([]byte, size)
	for {
		n, err := r.enc.Read(buf)
		if n > 0 {
			seg := models.MediaSegment{Seq: seq, Data: append([]byte(nil), buf[:n]...)}
			seq++
			r.mu.Lock()
			r.segments = append(r.segments, seg)
			r.mu.Unlock()
			select {
			case r.out <- seg:
			case <-r.aborted:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !r.discarded.Load() {
				r.mu.Lock()
				r.readErr = err
				r.mu.Unlock()
			}
			return
		}
	}
}

func (r *Recording) abort() {
	select {
	case <-r.aborted:
	default:
		close(r.aborted)
	}
	r.enc.Abort()
}

// finish releases the device exactly once.
func (r *Recording) finish() {
	r.finishOnce.Do(func() {
		if r.rel != nil {
			r.rel.Release(r.handle)
		}
	})
}

func (r *Recording) stopLimit() {
	if r.limit != nil {
		r.limit.Stop()
	}
}

// feed forwards device reads to the encoder until closed, then reports EOF so
// the encoder flushes and exits on its own.
type feed struct {
	src    io.Reader
	closed atomic.Bool
}

func (f *feed) Read(p []byte) (int, error) {
	if f.closed.Load() {
		return 0, io.EOF
	}
	return f.src.Read(p)
}

func (f *feed) close() { f.closed.Store(true) }
