//go:build !cgofuse
// +build !cgofuse

package fuse

import (
	"context"

	"github.com/sftpvol/sftpvol/internal/volume"
)

// PlatformFileSystem is a mounted volume, whichever FUSE binding serves it
type PlatformFileSystem interface {
	Mount(ctx context.Context) error
	Unmount(ctx context.Context) error
	IsMounted() bool
	Wait()
	GetStats() *FilesystemStats
	Volumes() []volume.Stats
}

// CreatePlatformMountManager creates the appropriate mount manager for the platform
func CreatePlatformMountManager(backend Backend, config *MountConfig) PlatformFileSystem {
	return NewMountManager(backend, config)
}
