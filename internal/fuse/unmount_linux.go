package fuse

import "golang.org/x/sys/unix"

// forceUnmount detaches a mount that is still busy.
func forceUnmount(mountPoint string) error {
	return unix.Unmount(mountPoint, unix.MNT_DETACH)
}
