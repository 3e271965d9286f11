// Package proc sets process attributes for the ffmpeg children that hold the
// capture device.
package proc

import "syscall"

// ChildAttr makes the kernel kill the child if the agent dies without
// stopping it, so the device node is not left open by an orphan.
func ChildAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
}
