//go:build linux

// Package netns implements the optional network-namespace isolation
// init hook (spec §5, §9): on Linux, entering a named namespace via
// setns(2). No other platform can honor this without emulation, which
// the spec explicitly says not to do.
package netns

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/veilrelay/veil/core/log"
)

var log_ = log.GetLogger("veil/netns")

const netnsDir = "/var/run/netns"

// Switch moves the calling OS thread into the named network namespace.
// Callers on a goroutine-scheduled runtime must pin the calling
// goroutine with runtime.LockOSThread before calling this, since a
// namespace switch only affects the current OS thread.
func Switch(name string) error {
	path := netnsDir + "/" + name
	fd, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("netns: open %s: %w", path, err)
	}
	defer fd.Close()

	if err := unix.Setns(int(fd.Fd()), unix.CLONE_NEWNET); err != nil {
		return fmt.Errorf("netns: setns %s: %w", name, err)
	}
	log_.Noticef("switched into network namespace %q", name)
	return nil
}
