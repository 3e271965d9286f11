package recorder

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dojo-tracker/capture/internal/proc"
)

// FFmpegEncoder encodes a NUT capture stream read from stdin and writes the
// container to stdout.
type FFmpegEncoder struct {
	Path        string
	StopTimeout time.Duration
	Log         *zap.Logger

	probeOnce sync.Once
	available map[string]bool
	probeErr  error
}

// Supports reports whether the local ffmpeg build has the codec's video encoder.
func (e *FFmpegEncoder) Supports(c Codec) bool {
	e.probeOnce.Do(e.probe)
	if e.probeErr != nil {
		e.logger().Warn("ffmpeg encoder probe failed", zap.Error(e.probeErr))
		return false
	}
	return e.available[c.Video]
}

// Start launches the encoder with input as its stdin.
func (e *FFmpegEncoder) Start(c Codec, input io.Reader) (Encoding, error) {
	args := []string{"-hide_banner", "-loglevel", "error", "-f", "nut", "-i", "pipe:0", "-c:v", c.Video}
	if strings.HasPrefix(c.Video, "libvpx") {
		args = append(args, "-deadline", "realtime", "-cpu-used", "8")
	}
	if c.Audio != "" && e.available[c.Audio] {
		args = append(args, "-c:a", c.Audio)
	} else {
		args = append(args, "-an")
	}
	args = append(args, "-f", c.Format, "pipe:1")

	cmd := exec.Command(e.path(), args...)
	cmd.SysProcAttr = proc.ChildAttr()
	cmd.Stdin = input
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder stdout: %w", err)
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start encoder %s: %w", c.Video, err)
	}
	return &processEncoding{cmd: cmd, out: stdout, stderr: stderr, timeout: e.StopTimeout}, nil
}

func (e *FFmpegEncoder) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, e.path(), "-hide_banner", "-encoders").Output()
	if err != nil {
		e.probeErr = fmt.Errorf("list encoders: %w", err)
		return
	}
	e.available = parseEncoderList(out)
	e.logger().Debug("ffmpeg encoders probed", zap.Int("count", len(e.available)))
}

func (e *FFmpegEncoder) path() string {
	if e.Path == "" {
		return "ffmpeg"
	}
	return e.Path
}

func (e *FFmpegEncoder) logger() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

// parseEncoderList reads `ffmpeg -encoders` output. Encoder rows start with a
// six-character capability column such as "V....D" followed by the name.
func parseEncoderList(out []byte) map[string]bool {
	found := make(map[string]bool)
	sc := bufio.NewScanner(bytes.NewReader(out))
	listing := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "------") {
			listing = true
			continue
		}
		if !listing {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[0]) != 6 {
			continue
		}
		found[fields[1]] = true
	}
	return found
}

type processEncoding struct {
	cmd     *exec.Cmd
	out     io.ReadCloser
	stderr  *bytes.Buffer
	timeout time.Duration

	waitOnce sync.Once
	waitErr  error
}

func (p *processEncoding) Read(b []byte) (int, error) { return p.out.Read(b) }

// Wait blocks until the encoder exits on its own after its input ended.
func (p *processEncoding) Wait() error {
	p.waitOnce.Do(func() {
		done := make(chan error, 1)
		go func() { done <- p.cmd.Wait() }()
		timeout := p.timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		select {
		case p.waitErr = <-done:
		case <-time.After(timeout):
			_ = p.cmd.Process.Signal(os.Interrupt)
			select {
			case p.waitErr = <-done:
			case <-time.After(timeout):
				_ = p.cmd.Process.Kill()
				p.waitErr = <-done
			}
		}
		if p.waitErr != nil {
			p.waitErr = fmt.Errorf("%w: %s", p.waitErr, strings.TrimSpace(p.stderr.String()))
		}
	})
	return p.waitErr
}

// Abort kills the encoder immediately.
func (p *processEncoding) Abort() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}
