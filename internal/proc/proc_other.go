//go:build !linux

// Package proc sets process attributes for the ffmpeg children that hold the
// capture device.
package proc

import "syscall"

// ChildAttr returns nil; parent-death signals are Linux only.
func ChildAttr() *syscall.SysProcAttr { return nil }
