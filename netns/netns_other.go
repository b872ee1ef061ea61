//go:build !linux

package netns

import "errors"

// ErrUnsupported is returned by Switch on any non-Linux target: the
// spec's design note says to refuse rather than emulate namespace
// isolation.
var ErrUnsupported = errors.New("netns: network namespace isolation is only supported on linux")

// Switch always fails on non-Linux targets.
func Switch(name string) error {
	return ErrUnsupported
}
