// Package sysnet holds small namespace/iptables-introspection helpers,
// ported from the teacher's util/sysnet package.
package sysnet

import (
	"os"
	"runtime"
	"strconv"

	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// WithNetns runs fn with the calling OS thread's network namespace
// temporarily switched to newNs, restoring it afterward. Used by the DNS
// worker to resolve inside the target's namespace (spec §4.7).
func WithNetns[T any](newNs *os.File, fn func() (T, error)) (T, error) {
	var zero T

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	currentNs, err := netns.Get()
	if err != nil {
		return zero, err
	}
	defer currentNs.Close()

	if err := netns.Set(netns.NsHandle(newNs.Fd())); err != nil {
		return zero, err
	}
	defer netns.Set(currentNs)

	return fn()
}

// WithMountns is WithNetns's mount-namespace counterpart, needed because
// resolv.conf parsing must see the target's /etc/resolv.conf bind mounts.
func WithMountns[T any](newNs *os.File, fn func() (T, error)) (T, error) {
	var zero T

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	currentNs, err := os.Open("/proc/self/task/" + strconv.Itoa(unix.Gettid()) + "/ns/mnt")
	if err != nil {
		return zero, err
	}
	defer currentNs.Close()

	if err := unix.Setns(int(newNs.Fd()), unix.CLONE_NEWNS); err != nil {
		return zero, err
	}
	defer unix.Setns(int(currentNs.Fd()), unix.CLONE_NEWNS)

	return fn()
}
