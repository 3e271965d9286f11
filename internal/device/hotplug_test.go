package device

import (
	"path/filepath"
	"testing"

	"github.com/pilebones/go-udev/netlink"
	"github.com/stretchr/testify/assert"
)

func TestVideoMatcher(t *testing.T) {
	m := videoMatcher()

	assert.True(t, m.Evaluate(netlink.UEvent{Action: netlink.ADD, Env: map[string]string{"SUBSYSTEM": "video4linux"}}))
	assert.True(t, m.Evaluate(netlink.UEvent{Action: netlink.REMOVE, Env: map[string]string{"SUBSYSTEM": "video4linux"}}))
	assert.False(t, m.Evaluate(netlink.UEvent{Action: netlink.CHANGE, Env: map[string]string{"SUBSYSTEM": "video4linux"}}))
	assert.False(t, m.Evaluate(netlink.UEvent{Action: netlink.ADD, Env: map[string]string{"SUBSYSTEM": "block"}}))
}

func TestPresenceFollowsHotplug(t *testing.T) {
	p := NewPresence(filepath.Join(t.TempDir(), "video9"), nil)
	p.device = "/dev/video9"
	assert.False(t, p.Present())

	p.handle(netlink.UEvent{Action: netlink.ADD, Env: map[string]string{"DEVNAME": "video9"}})
	assert.True(t, p.Present())

	p.handle(netlink.UEvent{Action: netlink.ADD, Env: map[string]string{"DEVNAME": "/dev/video0"}})
	assert.True(t, p.Present(), "other devices are ignored")

	p.handle(netlink.UEvent{Action: netlink.REMOVE, Env: map[string]string{"DEVPATH": "/devices/pci0000:00/usb1/video4linux/video9"}})
	assert.False(t, p.Present())
}

func TestPresenceStatus(t *testing.T) {
	dir := t.TempDir()
	p := NewPresence(dir, nil)
	a := NewArbitrator(&fakeDriver{}, "", nil)

	s := p.Status(a)
	assert.Equal(t, Status{Device: dir, Present: true, Held: false}, s)
}

func TestPresenceStopWithoutStart(t *testing.T) {
	p := NewPresence("/dev/video0", nil)
	assert.NotPanics(t, p.Stop)
}
