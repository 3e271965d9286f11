package device

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/pilebones/go-udev/netlink"
	"go.uber.org/zap"
)

// Status reports the camera as the agent sees it.
type Status struct {
	Device  string `json:"device"`
	Present bool   `json:"present"`
	Held    bool   `json:"held"`
}

// Presence tracks whether the configured video device node exists by
// following udev add/remove events for video4linux.
type Presence struct {
	device string
	log    *zap.Logger

	mu      sync.Mutex
	present bool
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

// NewPresence creates a monitor for device (e.g. /dev/video0). The initial
// state comes from the filesystem.
func NewPresence(device string, log *zap.Logger) *Presence {
	if log == nil {
		log = zap.NewNop()
	}
	_, err := os.Stat(device)
	return &Presence{device: device, log: log, present: err == nil}
}

// Start subscribes to kernel uevents. Failing to open the netlink socket is
// logged and leaves the filesystem snapshot in place.
func (p *Presence) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		p.log.Warn("netlink connect failed; device hot-plug will not be tracked", zap.Error(err))
		return
	}
	p.conn = conn
	p.quit = make(chan struct{})
	p.running = true
	go p.loop(ctx, conn, p.quit)
	p.log.Info("device presence monitor started", zap.String("device", p.device), zap.Bool("present", p.present))
}

// Stop closes the netlink socket.
func (p *Presence) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	close(p.quit)
	_ = p.conn.Close()
	p.conn, p.quit, p.running = nil, nil, false
}

// Present reports whether the device node currently exists.
func (p *Presence) Present() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.present
}

// Status combines presence with the arbitrator's lease state.
func (p *Presence) Status(a *Arbitrator) Status {
	s := Status{Device: p.device, Present: p.Present()}
	if a != nil {
		s.Held = a.Held()
	}
	return s
}

func (p *Presence) loop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errCh := make(chan error)
	monitorQuit := conn.Monitor(queue, errCh, videoMatcher())
	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case ev := <-queue:
			p.handle(ev)
		case err := <-errCh:
			p.log.Warn("netlink monitor", zap.Error(err))
		}
	}
}

func videoMatcher() netlink.Matcher {
	action := "add|remove"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env:    map[string]string{"SUBSYSTEM": "video4linux"},
	})
	return rules
}

func (p *Presence) handle(ev netlink.UEvent) {
	if devName(ev) != p.device {
		return
	}
	if ev.Action != netlink.ADD && ev.Action != netlink.REMOVE {
		return
	}
	present := ev.Action == netlink.ADD
	p.mu.Lock()
	changed := p.present != present
	p.present = present
	p.mu.Unlock()
	if changed {
		p.log.Info("capture device hot-plug", zap.String("device", p.device), zap.Bool("present", present))
	}
}

func devName(ev netlink.UEvent) string {
	if n := ev.Env["DEVNAME"]; n != "" {
		if !strings.HasPrefix(n, "/") {
			return "/dev/" + n
		}
		return n
	}
	parts := strings.Split(ev.Env["DEVPATH"], "/")
	if last := parts[len(parts)-1]; last != "" {
		return "/dev/" + last
	}
	return ""
}
