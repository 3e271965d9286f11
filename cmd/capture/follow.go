package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/dojo-tracker/capture/internal/errs"
	"github.com/dojo-tracker/capture/internal/models"
	"github.com/dojo-tracker/capture/internal/session"
)

// follower drives one session from the terminal.
type follower struct {
	ctrl  *session.Controller
	notes chan session.Notification
	out   io.Writer
	live  bool // out is a terminal; progress redraws one line
	done  chan struct{}
}

// startSession runs ctrl in the background and follows its notifications.
func startSession(ctx context.Context, ctrl *session.Controller, out io.Writer) *follower {
	f := &follower{
		ctrl:  ctrl,
		notes: make(chan session.Notification, 512),
		out:   out,
		live:  isTerminal(out),
		done:  make(chan struct{}),
	}
	ctrl.Subscribe(func(n session.Notification) {
		select {
		case f.notes <- n:
		default:
		}
	})
	go func() {
		defer close(f.done)
		_ = ctrl.Run(ctx)
	}()
	return f
}

// await blocks until the session settles in want, printing every notification
// on the way. Error notifications and interrupt end the wait early; interrupt
// cancels the session first.
func (f *follower) await(want models.SessionState, interrupt <-chan os.Signal) error {
	for {
		select {
		case <-interrupt:
			_ = f.ctrl.Cancel()
			return errs.New(errs.ErrCancelled, "interrupted")
		case n := <-f.notes:
			if settled, err := f.reached(n, want); settled {
				return err
			}
		case <-f.ctrl.Done():
			// Listeners run before the loop exits, so every note is queued by now.
			for {
				select {
				case n := <-f.notes:
					if settled, err := f.reached(n, want); settled {
						return err
					}
				default:
					if s := f.ctrl.Snapshot(); s.State != want {
						return fmt.Errorf("session ended %s", s.State)
					}
					return nil
				}
			}
		}
	}
}

// reached prints n and reports whether it ends a wait for want. Completed is
// reached on the completion note, which follows the state change.
func (f *follower) reached(n session.Notification, want models.SessionState) (bool, error) {
	f.print(n)
	switch {
	case n.Kind == session.NotifyError:
		return true, n.Err
	case want == models.StateCompleted:
		return n.Kind == session.NotifyCompleted, nil
	default:
		return n.Kind == session.NotifyState && n.State == want, nil
	}
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func (f *follower) print(n session.Notification) {
	switch n.Kind {
	case session.NotifyProgress:
		if f.live {
			fmt.Fprintf(f.out, "\ruploading %3d%%", n.Progress)
		} else if n.Progress%25 == 0 {
			fmt.Fprintf(f.out, "uploading %3d%%\n", n.Progress)
		}
	case session.NotifySegment:
		if f.live {
			fmt.Fprintf(f.out, "\rrecording: %d segments", n.Segments)
		}
	case session.NotifyCompleted:
		if f.live {
			fmt.Fprint(f.out, "\r")
		}
		fmt.Fprintf(f.out, "uploaded %q as video %s\n", n.Descriptor.Title, n.Descriptor.ID)
	case session.NotifyError:
		fmt.Fprintf(f.out, "\n%s error: %v\n", errs.KindOf(n.Err), n.Err)
	}
}

// close ends the session and waits for its resources to be released.
func (f *follower) close() {
	_ = f.ctrl.Close()
	<-f.done
}

// describeAsset prints the asset waiting for confirmation.
func describeAsset(out io.Writer, a *models.MediaAsset) {
	fmt.Fprintf(out, "\n%s %s (%s, %s)\n", strings.ReplaceAll(string(a.Origin()), "-", " "), a.Filename(),
		a.MimeType(), humanize.IBytes(uint64(a.Size())))
}

type metaFlags struct {
	title     string
	technique string
	style     string
	public    bool
}

func (m metaFlags) metadata() models.Metadata {
	return models.Metadata{
		Title:         m.title,
		TechniqueName: m.technique,
		Style:         m.style,
		IsPrivate:     !m.public,
	}
}

// confirmAndWait uploads the previewed asset.
func (f *follower) confirmAndWait(meta models.Metadata, interrupt <-chan os.Signal) (*models.VideoDescriptor, error) {
	if err := f.ctrl.Confirm(meta); err != nil {
		return nil, err
	}
	if err := f.await(models.StateCompleted, interrupt); err != nil {
		return nil, err
	}
	return f.ctrl.Snapshot().Video, nil
}
