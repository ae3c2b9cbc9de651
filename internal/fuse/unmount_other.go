//go:build !linux && !windows

package fuse

import "golang.org/x/sys/unix"

// forceUnmount unmounts even when the mount is still busy.
func forceUnmount(mountPoint string) error {
	return unix.Unmount(mountPoint, unix.MNT_FORCE)
}
