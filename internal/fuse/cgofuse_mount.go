//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/winfsp/cgofuse/fuse"
	"go.uber.org/zap"

	"github.com/sftpvol/sftpvol/internal/volume"
	"github.com/sftpvol/sftpvol/pkg/logging"
)

// mountReadyTimeout bounds how long Mount waits for the host to call Init.
const mountReadyTimeout = 30 * time.Second

// CgoFuseMountManager manages cgofuse-based mounts
type CgoFuseMountManager struct {
	backend    Backend
	filesystem *CgoFuseFS
	config     *MountConfig
	logger     *zap.Logger

	mu      sync.Mutex
	host    *fuse.FileSystemHost
	mounted bool
	done    chan struct{}
}

// NewCgoFuseMountManager creates a new cgofuse mount manager
func NewCgoFuseMountManager(backend Backend, config *MountConfig) *CgoFuseMountManager {
	if config == nil {
		config = DefaultMountConfig("")
	}
	if config.Options == nil {
		config.Options = DefaultMountConfig(config.MountPoint).Options
	}
	return &CgoFuseMountManager{
		backend:    backend,
		filesystem: NewCgoFuseFS(backend, config.Filesystem),
		config:     config,
		logger:     logging.Named("mount"),
	}
}

// Mount activates the volume and serves it until Unmount
func (m *CgoFuseMountManager) Mount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mounted {
		return fmt.Errorf("filesystem already mounted")
	}
	if _, err := m.backend.Activate(ctx); err != nil {
		return fmt.Errorf("failed to activate volume: %w", err)
	}

	m.host = fuse.NewFileSystemHost(m.filesystem)
	m.done = make(chan struct{})

	go func(host *fuse.FileSystemHost, done chan struct{}) {
		defer close(done)
		if !host.Mount(m.config.MountPoint, m.hostOptions()) {
			m.logger.Error("Mount failed", zap.String("mount_point", m.config.MountPoint))
		}
	}(m.host, m.done)

	select {
	case <-m.filesystem.ready:
	case <-m.done:
		_ = m.backend.Deactivate(context.Background())
		return fmt.Errorf("failed to mount filesystem at %s", m.config.MountPoint)
	case <-time.After(mountReadyTimeout):
		m.host.Unmount()
		_ = m.backend.Deactivate(context.Background())
		return fmt.Errorf("timed out mounting %s", m.config.MountPoint)
	}

	m.mounted = true
	m.logger.Info("Filesystem mounted",
		zap.String("mount_point", m.config.MountPoint),
		zap.String("root", m.backend.Root()))
	return nil
}

// Unmount unmounts the filesystem and deactivates the volume
func (m *CgoFuseMountManager) Unmount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.mounted {
		return fmt.Errorf("filesystem not mounted")
	}
	if !m.host.Unmount() {
		return fmt.Errorf("unmount of %s failed", m.config.MountPoint)
	}
	select {
	case <-m.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.mounted = false

	if err := m.backend.Deactivate(ctx); err != nil {
		return fmt.Errorf("failed to deactivate volume: %w", err)
	}
	m.logger.Info("Filesystem unmounted", zap.String("mount_point", m.config.MountPoint))
	return nil
}

// IsMounted returns whether the filesystem is mounted
func (m *CgoFuseMountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// Wait blocks until the host stops serving
func (m *CgoFuseMountManager) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

// GetStats returns filesystem statistics
func (m *CgoFuseMountManager) GetStats() *FilesystemStats {
	return m.filesystem.GetStats()
}

// Volumes reports the mounted volume for the status API
func (m *CgoFuseMountManager) Volumes() []volume.Stats {
	return []volume.Stats{m.backend.Stats()}
}

func (m *CgoFuseMountManager) hostOptions() []string {
	o := m.config.Options
	options := []string{"-o", "fsname=" + o.FSName}

	switch runtime.GOOS {
	case "darwin":
		options = append(options, "-o", "volname="+o.FSName)
	case "windows":
		options = append(options, "-o", "FileSystemName="+o.FSName)
	default:
		if o.Subtype != "" {
			options = append(options, "-o", "subtype="+o.Subtype)
		}
	}
	if o.AllowOther {
		options = append(options, "-o", "allow_other")
	}
	if o.DefaultPerms {
		options = append(options, "-o", "default_permissions")
	}
	if m.config.Filesystem != nil && m.config.Filesystem.ReadOnly {
		options = append(options, "-o", "ro")
	}
	if o.Debug {
		options = append(options, "-d")
	}
	return options
}
