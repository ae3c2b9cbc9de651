package fuse

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/sftpvol/sftpvol/internal/volume"
	"github.com/sftpvol/sftpvol/pkg/logging"
)

// FilesystemStats represents filesystem operation statistics
type FilesystemStats struct {
	Lookups      int64 `json:"lookups"`
	Opens        int64 `json:"opens"`
	Reads        int64 `json:"reads"`
	Writes       int64 `json:"writes"`
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`
	Reresolved   int64 `json:"reresolved"`
	Errors       int64 `json:"errors"`
}

// MountManager ties a volume's lifecycle to a kernel mount: Mount activates
// the volume and serves it, Unmount stops serving and deactivates it.
type MountManager struct {
	backend    Backend
	filesystem *FileSystem
	config     *MountConfig
	logger     *zap.Logger

	mu      sync.RWMutex
	server  *fuse.Server
	mounted bool
	done    chan struct{}
}

// MountConfig contains mount-specific configuration
type MountConfig struct {
	MountPoint string        `yaml:"mount_point"`
	Options    *MountOptions `yaml:"options"`
	Filesystem *Config       `yaml:"filesystem"`
}

// MountOptions contains FUSE mount options
type MountOptions struct {
	AllowOther   bool   `yaml:"allow_other"`
	DefaultPerms bool   `yaml:"default_permissions"`
	MaxWrite     uint32 `yaml:"max_write"`
	Debug        bool   `yaml:"debug"`
	FSName       string `yaml:"fsname"`
	Subtype      string `yaml:"subtype"`
}

// DefaultMountConfig returns the configuration for mountPoint
func DefaultMountConfig(mountPoint string) *MountConfig {
	return &MountConfig{
		MountPoint: mountPoint,
		Options: &MountOptions{
			MaxWrite: 128 * 1024,
			FSName:   "sftpvol",
			Subtype:  "sftp",
		},
		Filesystem: DefaultConfig(),
	}
}

// NewMountManager creates a new mount manager
func NewMountManager(backend Backend, config *MountConfig) *MountManager {
	if config == nil {
		config = DefaultMountConfig("")
	}
	if config.Options == nil {
		config.Options = DefaultMountConfig(config.MountPoint).Options
	}

	return &MountManager{
		backend:    backend,
		filesystem: NewFileSystem(backend, config.Filesystem),
		config:     config,
		logger:     logging.Named("mount"),
	}
}

// Mount activates the volume and mounts it at the configured mount point
func (m *MountManager) Mount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mounted {
		return fmt.Errorf("filesystem is already mounted")
	}

	if err := m.validateMountPoint(); err != nil {
		return fmt.Errorf("invalid mount point: %w", err)
	}

	root, err := m.backend.Activate(ctx)
	if err != nil {
		return fmt.Errorf("failed to activate volume: %w", err)
	}
	m.filesystem.SetRoot(root)

	server, err := fs.Mount(m.config.MountPoint, m.filesystem.Root(), m.buildFUSEOptions())
	if err != nil {
		if derr := m.backend.Deactivate(context.Background()); derr != nil {
			m.logger.Warn("Deactivation after failed mount", zap.Error(derr))
		}
		return fmt.Errorf("failed to mount filesystem: %w", err)
	}

	m.server = server
	m.mounted = true
	m.done = make(chan struct{})

	// Serve until the kernel side goes away, including an external umount.
	go func(done chan struct{}) {
		server.Wait()
		m.mu.Lock()
		m.mounted = false
		m.mu.Unlock()
		close(done)
	}(m.done)

	m.logger.Info("Filesystem mounted",
		zap.String("mount_point", m.config.MountPoint),
		zap.String("root", m.backend.Root()))
	return nil
}

// Unmount unmounts the filesystem and deactivates the volume
func (m *MountManager) Unmount(ctx context.Context) error {
	m.mu.Lock()
	server, done := m.server, m.done
	m.server = nil
	m.mu.Unlock()

	if server == nil {
		return fmt.Errorf("filesystem is not mounted")
	}

	select {
	case <-done:
		// Unmounted externally; only the volume is left to stop.
	default:
		if err := server.Unmount(); err != nil {
			m.logger.Warn("Unmount failed, detaching", zap.Error(err))
			if ferr := forceUnmount(m.config.MountPoint); ferr != nil {
				return fmt.Errorf("failed to unmount filesystem: %w", ferr)
			}
		}
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := m.backend.Deactivate(ctx); err != nil {
		return fmt.Errorf("failed to deactivate volume: %w", err)
	}
	m.logger.Info("Filesystem unmounted", zap.String("mount_point", m.config.MountPoint))
	return nil
}

// IsMounted returns whether the filesystem is mounted
func (m *MountManager) IsMounted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mounted
}

// GetMountPoint returns the mount point
func (m *MountManager) GetMountPoint() string {
	return m.config.MountPoint
}

// Wait blocks until the filesystem is unmounted
func (m *MountManager) Wait() {
	m.mu.RLock()
	done := m.done
	m.mu.RUnlock()
	if done != nil {
		<-done
	}
}

// GetStats returns filesystem statistics
func (m *MountManager) GetStats() *FilesystemStats {
	stats := m.filesystem.GetStats()
	return &FilesystemStats{
		Lookups:      stats.Lookups,
		Opens:        stats.Opens,
		Reads:        stats.Reads,
		Writes:       stats.Writes,
		BytesRead:    stats.BytesRead,
		BytesWritten: stats.BytesWritten,
		Reresolved:   stats.Reresolved,
		Errors:       stats.Errors,
	}
}

// Volumes reports the mounted volume for the status API
func (m *MountManager) Volumes() []volume.Stats {
	return []volume.Stats{m.backend.Stats()}
}

// Helper methods

func (m *MountManager) validateMountPoint() error {
	if m.config.MountPoint == "" {
		return fmt.Errorf("mount point cannot be empty")
	}

	info, err := os.Stat(m.config.MountPoint)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mount point does not exist: %s", m.config.MountPoint)
		}
		return fmt.Errorf("cannot access mount point: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", m.config.MountPoint)
	}

	entries, err := os.ReadDir(m.config.MountPoint)
	if err != nil {
		return fmt.Errorf("cannot read mount point directory: %w", err)
	}
	if len(entries) > 0 {
		m.logger.Warn("Mount point is not empty", zap.String("mount_point", m.config.MountPoint))
	}

	mounted, err := isMountPoint("/proc/mounts", m.config.MountPoint)
	if err == nil && mounted {
		return fmt.Errorf("mount point %s is already mounted", m.config.MountPoint)
	}
	return nil
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	o := m.config.Options
	fsConfig := m.filesystem.config

	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:       o.FSName,
			FsName:     o.FSName,
			Debug:      o.Debug,
			AllowOther: o.AllowOther,
			MaxWrite:   int(o.MaxWrite),
		},
		AttrTimeout:     &fsConfig.AttrTimeout,
		EntryTimeout:    &fsConfig.EntryTimeout,
		NullPermissions: true,
	}

	if o.DefaultPerms {
		opts.Options = append(opts.Options, "default_permissions")
	}
	if fsConfig.ReadOnly {
		opts.Options = append(opts.Options, "ro")
	}
	if o.Subtype != "" {
		opts.Options = append(opts.Options, fmt.Sprintf("subtype=%s", o.Subtype))
	}
	return opts
}

// isMountPoint reports whether dir is a mount target in a mounts table
// (the /proc/mounts format: device, target, type, options...).
func isMountPoint(table, dir string) (bool, error) {
	f, err := os.Open(table)
	if err != nil {
		return false, err
	}
	defer f.Close()

	want := filepath.Clean(dir)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if unescapeMountField(fields[1]) == want {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// unescapeMountField decodes the octal escapes used for blanks in mount
// tables.
func unescapeMountField(s string) string {
	r := strings.NewReplacer(`\040`, " ", `\011`, "\t", `\012`, "\n", `\134`, `\`)
	return r.Replace(s)
}

// MountWatcher notices mounts that went away behind the manager's back,
// e.g. an external umount, and deactivates the volume.
type MountWatcher struct {
	manager  *MountManager
	table    string
	interval time.Duration
	stopCh   chan struct{}
	stopped  chan struct{}
	once     sync.Once
}

// NewMountWatcher creates a new mount watcher
func NewMountWatcher(manager *MountManager, interval time.Duration) *MountWatcher {
	if interval == 0 {
		interval = 30 * time.Second
	}

	return &MountWatcher{
		manager:  manager,
		table:    "/proc/mounts",
		interval: interval,
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start starts the mount watcher
func (w *MountWatcher) Start() {
	go w.run()
}

// Stop stops the mount watcher
func (w *MountWatcher) Stop() {
	w.once.Do(func() { close(w.stopCh) })
	<-w.stopped
}

func (w *MountWatcher) run() {
	defer close(w.stopped)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if w.checkMount() {
				return
			}
		}
	}
}

// checkMount reports whether the mount vanished. The volume is
// deactivated in that case.
func (w *MountWatcher) checkMount() bool {
	if !w.manager.IsMounted() {
		return false
	}
	present, err := isMountPoint(w.table, w.manager.GetMountPoint())
	if err != nil || present {
		return false
	}

	w.manager.logger.Warn("Mount disappeared, deactivating volume",
		zap.String("mount_point", w.manager.GetMountPoint()))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.manager.Unmount(ctx); err != nil {
		w.manager.logger.Warn("Cleanup after external unmount failed", zap.Error(err))
	}
	return true
}
