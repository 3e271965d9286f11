// Package upload transmits a media asset plus metadata to the Media Store and
// reports progress.
package upload

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/dojo-tracker/capture/internal/errs"
	"github.com/dojo-tracker/capture/internal/models"
)

// Sender starts transfers. Implementations: HTTPSender, S3Sender.
type Sender interface {
	Send(ctx context.Context, asset *models.MediaAsset, meta models.Metadata) *Transfer
}

// SendFunc performs one send, calling report with percentages as bytes go out.
type SendFunc func(ctx context.Context, report func(percent int)) (*models.VideoDescriptor, error)

// Transfer is one in-flight send.
type Transfer struct {
	progress chan int
	done     chan struct{}
	cancel   context.CancelFunc

	mu        sync.Mutex
	last      int
	closed    bool
	cancelled bool
	desc      *models.VideoDescriptor
	err       error
}

// Start runs fn in its own goroutine and returns the Transfer observing it.
// Progress values are strictly increasing in [0,100], so the channel never
// holds more than 101 values and reporting never blocks.
func Start(parent context.Context, fn SendFunc) *Transfer {
	ctx, cancel := context.WithCancel(parent)
	t := &Transfer{
		progress: make(chan int, 101),
		done:     make(chan struct{}),
		cancel:   cancel,
		last:     -1,
	}
	t.emit(0)
	go func() {
		desc, err := fn(ctx, t.emit)
		cancel()
		t.finish(desc, err)
	}()
	return t
}

// Progress delivers non-decreasing percentages and closes when the transfer ends
// or is cancelled.
func (t *Transfer) Progress() <-chan int { return t.progress }

// Done closes when the transfer has finished.
func (t *Transfer) Done() <-chan struct{} { return t.done }

// Wait blocks until the transfer finishes and returns its outcome.
func (t *Transfer) Wait() (*models.VideoDescriptor, error) {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.desc, t.err
}

// Cancel aborts the request. Once it returns no further progress is delivered
// and Wait reports errs.ErrCancelled unless the transfer had already finished.
func (t *Transfer) Cancel() {
	t.mu.Lock()
	if !t.cancelled && !t.isDone() {
		t.cancelled = true
		t.closeProgress()
	}
	t.mu.Unlock()
	t.cancel()
}

func (t *Transfer) emit(percent int) {
	if percent > 100 {
		percent = 100
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || percent <= t.last {
		return
	}
	t.last = percent
	t.progress <- percent
}

func (t *Transfer) finish(desc *models.VideoDescriptor, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.cancelled:
		desc, err = nil, errs.New(errs.ErrCancelled, "upload cancelled")
	case err == nil && t.last < 100:
		t.last = 100
		t.progress <- 100
	}
	t.desc, t.err = desc, err
	t.closeProgress()
	close(t.done)
}

func (t *Transfer) closeProgress() {
	if !t.closed {
		t.closed = true
		close(t.progress)
	}
}

func (t *Transfer) isDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// countingReader reports bytes read against a known total.
type countingReader struct {
	r      io.Reader
	read   int64
	total  int64
	report func(int)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 && c.total > 0 {
		c.read += int64(n)
		c.report(int(c.read * 100 / c.total))
	}
	return n, err
}

func cancelledOr(ctx context.Context, err error, otherwise func(error) error) error {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return errs.Wrap(errs.ErrCancelled, "upload cancelled", err)
	}
	return otherwise(err)
}
