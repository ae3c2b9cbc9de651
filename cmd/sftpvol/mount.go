package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sftpvol/sftpvol/internal/config"
	"github.com/sftpvol/sftpvol/internal/fuse"
	"github.com/sftpvol/sftpvol/internal/metrics"
	"github.com/sftpvol/sftpvol/internal/volume"
	"github.com/sftpvol/sftpvol/pkg/api"
	"github.com/sftpvol/sftpvol/pkg/events"
	"github.com/sftpvol/sftpvol/pkg/logging"
)

func cmdMount(args []string) int {
	fs := flag.NewFlagSet("mount", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	name := fs.String("name", "", "Volume name shown in logs and notifications (default: host)")
	readOnly := fs.Bool("read-only", false, "Reject every modification")
	allowOther := fs.Bool("allow-other", false, "Allow other users to access the mount")
	directIO := fs.Bool("direct-io", false, "Bypass the kernel page cache")
	quiet := fs.Bool("quiet", false, "Do not print connection state changes")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: sftpvol mount [flags] URL MOUNTPOINT\n\nFlags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return exitUsage
	}
	setupColor(common.noColor)

	cfg, err := common.loadConfiguration()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	defer func() { _ = logging.Sync() }()
	logger := logging.Named("main")

	req, err := config.ParseMountURL(fs.Arg(0), cfg.Defaults)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitUsage
	}
	params, err := common.connectionParams(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Monitoring.MetricsEnabled,
		Address:   "localhost:" + strconv.Itoa(cfg.Global.MetricsPort),
		Path:      cfg.Monitoring.MetricsPath,
		Namespace: "sftpvol",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}

	bus := events.NewBroadcaster()
	defer bus.Close()

	vol, err := volume.New(params, req.Path, req.Options, volume.Deps{
		Name:            *name,
		Connection:      cfg.Connection,
		Events:          bus,
		Metrics:         collector,
		Logger:          logging.Named("volume"),
		MaxCacheEntries: cfg.Cache.MaxEntries,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitUsage
	}
	defer func() { _ = vol.Close() }()

	if !*quiet {
		ch := vol.Subscribe()
		go printEvents(os.Stderr, ch)
		defer vol.Unsubscribe(ch)
	}

	mountConfig := fuse.DefaultMountConfig(fs.Arg(1))
	mountConfig.Options.AllowOther = *allowOther || cfg.Fuse.AllowOther
	mountConfig.Options.Debug = cfg.Fuse.Debug
	if cfg.Fuse.FSName != "" {
		mountConfig.Options.FSName = cfg.Fuse.FSName
	}
	mountConfig.Filesystem.ReadOnly = *readOnly
	mountConfig.Filesystem.DirectIO = *directIO
	mountConfig.Filesystem.AttrTimeout = cfg.Fuse.AttrTimeout
	mountConfig.Filesystem.EntryTimeout = cfg.Fuse.EntryTimeout

	mgr := fuse.CreatePlatformMountManager(vol, mountConfig)

	ctx, cancel := context.WithTimeout(context.Background(), mountTimeout(cfg))
	err = mgr.Mount(ctx)
	cancel()
	if err != nil {
		logger.Error("Mount failed", zap.String("url", req.String()), zap.Error(err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}

	if err := collector.Start(context.Background()); err != nil {
		logger.Warn("Metrics endpoint not started", zap.Error(err))
	}
	var server *api.Server
	if cfg.Monitoring.StatusEnabled {
		serverConfig := api.DefaultServerConfig()
		serverConfig.Address = cfg.Monitoring.StatusAddress
		serverConfig.Version = version
		server = api.NewServer(serverConfig, mgr, bus, collector.Handler())
		server.StartBackground()
	}

	var watcher *fuse.MountWatcher
	if mm, ok := mgr.(*fuse.MountManager); ok {
		watcher = fuse.NewMountWatcher(mm, 0)
		watcher.Start()
	}

	logger.Info("Volume mounted",
		zap.String("url", req.String()),
		zap.String("root", vol.Root()),
		zap.String("mount_point", fs.Arg(1)),
		zap.String("mount_id", vol.ID()))
	fmt.Fprintf(os.Stderr, "%s mounted at %s, press Ctrl+C to unmount\n", vol.Root(), fs.Arg(1))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	unmounted := make(chan struct{})
	go func() {
		mgr.Wait()
		close(unmounted)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("Unmounting", zap.String("signal", sig.String()))
		if watcher != nil {
			watcher.Stop()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := mgr.Unmount(ctx); err != nil {
			logger.Error("Unmount failed", zap.Error(err))
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	case <-unmounted:
		logger.Info("Mount point released externally")
		if watcher != nil {
			watcher.Stop()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := vol.Deactivate(ctx); err != nil {
			logger.Warn("Deactivation failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if server != nil {
		_ = server.Shutdown(shutdownCtx)
	}
	_ = collector.Stop(shutdownCtx)
	return exitOK
}

// mountTimeout bounds activation: every worker connects in parallel under
// the connect timeout, plus the time to resolve the remote root.
func mountTimeout(cfg *config.Configuration) time.Duration {
	return 2*cfg.Connection.ConnectTimeout + 10*time.Second
}
