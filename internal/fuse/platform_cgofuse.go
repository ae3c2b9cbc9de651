//go:build cgofuse
// +build cgofuse

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

// CreatePlatformMountManager creates the cgofuse mount manager
func CreatePlatformMountManager(backend Backend, config *MountConfig) PlatformFileSystem {
	return NewCgoFuseMountManager(backend, config)
}
