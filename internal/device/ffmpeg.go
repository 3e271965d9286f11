package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dojo-tracker/capture/internal/errs"
	"github.com/dojo-tracker/capture/internal/proc"
)

// FFmpegDriver captures a V4L2 camera (and optionally an ALSA microphone) with
// ffmpeg, exposing the raw capture as a NUT stream on stdout.
type FFmpegDriver struct {
	FFmpegPath  string
	VideoDevice string
	AudioDevice string
	StopTimeout time.Duration
	Log         *zap.Logger
}

// Open checks the device node, then starts the capture process.
func (d *FFmpegDriver) Open(_ context.Context, c Constraints) (Stream, error) {
	if err := probeNode(d.VideoDevice); err != nil {
		return nil, err
	}

	args := []string{"-hide_banner", "-loglevel", "error", "-f", "v4l2"}
	if c.FrameRate > 0 {
		args = append(args, "-framerate", strconv.Itoa(c.FrameRate))
	}
	if c.Width > 0 && c.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", c.Width, c.Height))
	}
	args = append(args, "-i", d.VideoDevice)
	if c.Audio && d.AudioDevice != "" {
		args = append(args, "-f", "alsa", "-i", d.AudioDevice, "-c:a", "pcm_s16le")
	}
	args = append(args, "-c:v", "rawvideo", "-f", "nut", "pipe:1")

	// Not bound to ctx: the stream outlives the acquire call and is stopped explicitly.
	cmd := exec.Command(d.ffmpeg(), args...)
	cmd.SysProcAttr = proc.ChildAttr()
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture stdout: %w", err)
	}
	stderr := &limitedBuffer{max: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(errs.ErrDeviceUnavailable, "start capture process", err)
	}
	return &processStream{
		cmd:     cmd,
		out:     stdout,
		stderr:  stderr,
		timeout: d.StopTimeout,
		log:     d.Log,
	}, nil
}

func (d *FFmpegDriver) ffmpeg() string {
	if d.FFmpegPath == "" {
		return "ffmpeg"
	}
	return d.FFmpegPath
}

func probeNode(path string) error {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	switch {
	case err == nil:
		return f.Close()
	case errors.Is(err, fs.ErrPermission):
		return errs.Wrap(errs.ErrPermissionDenied, "camera access was denied", err)
	case errors.Is(err, fs.ErrNotExist):
		return errs.Wrap(errs.ErrDeviceUnavailable, "no camera found at "+path, err)
	default:
		return errs.Wrap(errs.ErrDeviceUnavailable, "camera is not accessible", err)
	}
}

type processStream struct {
	cmd     *exec.Cmd
	out     io.ReadCloser
	stderr  *limitedBuffer
	timeout time.Duration
	log     *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

func (s *processStream) Read(p []byte) (int, error) { return s.out.Read(p) }

// Close interrupts the capture process and kills it if it does not exit in time.
func (s *processStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = stopProcess(s.cmd, s.timeout)
		if s.closeErr != nil && s.log != nil {
			s.log.Debug("capture process exit", zap.Error(s.closeErr), zap.String("stderr", s.stderr.String()))
		}
	})
	return nil
}

// stopProcess sends an interrupt, then kills after timeout. Exit errors caused
// by the signal are expected and returned only for logging.
func stopProcess(cmd *exec.Cmd, timeout time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	_ = cmd.Process.Signal(os.Interrupt)
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		_ = cmd.Process.Kill()
		return <-done
	}
}

// limitedBuffer keeps the first max bytes of a process's stderr for diagnostics.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
