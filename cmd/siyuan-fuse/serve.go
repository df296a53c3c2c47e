package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"siyuan-fuse/diag"
	sfuse "siyuan-fuse/fuse"
	"siyuan-fuse/logging"
	"siyuan-fuse/metrics"
	"siyuan-fuse/vfs"
)

const shutdownTimeout = 5 * time.Second

// serve mounts the note store and blocks until the filesystem is unmounted
// or ctx is cancelled.
func serve(ctx context.Context, v *viper.Viper, cfg config, mountpoint string) error {
	logger, level, err := logging.New(logging.Config{Level: cfg.logLevel(), Format: cfg.LogFormat})
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	tracker := diag.NewTracker()

	mgr := vfs.NewManager(vfs.Options{
		CacheTTL:      cfg.CacheTTL,
		SweepInterval: cfg.SweepInterval,
		Logger:        logger,
		Metrics:       m,
		Diag:          tracker,
	}, nil)
	defer mgr.Close()

	fsys, err := mgr.Ensure(cfg.Instance, cfg.siyuan())
	if err != nil {
		return err
	}
	root := sfuse.NewRoot(fsys, sfuse.Options{Logger: logger, Diag: tracker})

	if cfg.ConfigFile != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			logger.Info("config file changed", zap.String("file", e.Name), zap.String("op", e.Op.String()))
			if err := reload(v, mgr, cfg.Instance, level); err != nil {
				logger.Error("config reload failed", zap.Error(err))
			}
		})
		v.WatchConfig()
	}

	opts := &fs.Options{}
	opts.Debug = cfg.Debug
	opts.FsName = "siyuan"
	opts.Name = "siyuan-fuse"
	entryTimeout := time.Duration(0)
	attrTimeout := time.Duration(0)
	negativeTimeout := time.Duration(0)
	opts.EntryTimeout = &entryTimeout
	opts.AttrTimeout = &attrTimeout
	opts.NegativeTimeout = &negativeTimeout

	fssrv, err := fs.Mount(mountpoint, root, opts)
	if err != nil {
		return fmt.Errorf("mount failed: %w", err)
	}
	logger.Info("mounted",
		zap.String("mountpoint", mountpoint),
		zap.String("url", cfg.URL),
		zap.String("instance", fsys.Instance()),
		zap.Duration("cache_ttl", cfg.CacheTTL))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Returns when unmounted, by us or by fusermount -u.
		fssrv.Wait()
		root.Close()
		cancel()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if err := fssrv.Unmount(); err != nil {
			logger.Debug("unmount", zap.Error(err))
		}
		return nil
	})

	if cfg.DiagAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		tracker.Register(mux)
		srv := &http.Server{
			Addr:              cfg.DiagAddr,
			Handler:           logging.Middleware(logger.Named("diag"), mux),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("diagnostics listening", zap.String("addr", cfg.DiagAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("diagnostics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Info("unmounted", zap.String("mountpoint", mountpoint))
	return err
}

// reload applies a changed config file. The log level changes in place;
// a new URL, token or timeout switches the mounted instance to a new
// connection and drops its caches.
func reload(v *viper.Viper, mgr *vfs.Manager, instance string, level zap.AtomicLevel) error {
	cfg := loadConfig(v)
	if err := cfg.validate(); err != nil {
		return err
	}
	if err := logging.SetLevel(level, cfg.logLevel()); err != nil {
		return err
	}
	_, err := mgr.Ensure(instance, cfg.siyuan())
	return err
}
