package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openmined/mirrorbox/internal/backup"
	"github.com/openmined/mirrorbox/internal/cloudcache"
	"github.com/openmined/mirrorbox/internal/config"
	"github.com/openmined/mirrorbox/internal/db"
	"github.com/openmined/mirrorbox/internal/jobs"
	"github.com/openmined/mirrorbox/internal/notify"
	"github.com/openmined/mirrorbox/internal/objstore"
	"github.com/openmined/mirrorbox/internal/utils"
)

// app wires the components every command shares.
type app struct {
	cfg       *config.Config
	store     objstore.ObjectStore
	cache     *cloudcache.Cache
	snapshots cloudcache.SnapshotStore
	manager   *jobs.Manager
	jobs      *jobs.Service
}

type appOptions struct {
	notifier notify.Notifier
	withJobs bool
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := utils.EnsureDir(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if opts.notifier == nil {
		opts.notifier = notify.LogNotifier{}
	}

	store, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: store}

	cacheOpts := []cloudcache.Option{
		cloudcache.WithTTL(cfg.Cache.TTL),
		cloudcache.WithPageSize(cfg.Cache.PageSize),
		cloudcache.WithPrefix(cfg.Cache.Prefix),
		cloudcache.WithNotifier(opts.notifier),
	}
	if cfg.Cache.Persist {
		conn, err := db.NewSqliteDB(db.WithPath(cfg.CachePath()))
		if err != nil {
			return nil, fmt.Errorf("open cache db: %w", err)
		}
		snapshots, err := cloudcache.NewSQLiteSnapshotStore(conn)
		if err != nil {
			conn.Close()
			return nil, err
		}
		a.snapshots = snapshots
		cacheOpts = append(cacheOpts, cloudcache.WithSnapshotStore(snapshots))
	}
	a.cache = cloudcache.New(store, cacheOpts...)

	if !opts.withJobs {
		return a, nil
	}

	a.manager = jobs.NewManager(cfg.JobsPath())
	if err := a.manager.Init(); err != nil {
		a.Close()
		return nil, err
	}

	a.jobs, err = jobs.NewService(jobs.ServiceConfig{
		Store:         store,
		Manager:       a.manager,
		Notifier:      opts.notifier,
		Index:         a.cache,
		HostLabel:     cfg.Backup.HostLabel,
		PrefixRoot:    cfg.Backup.PrefixRoot,
		SnapshotLabel: cfg.Backup.SnapshotLabel,
		EngineOptions: []backup.Option{
			backup.WithConcurrency(cfg.Backup.Concurrency),
			backup.WithProgressEvery(cfg.Backup.ProgressEvery),
			backup.WithCheckpointEvery(cfg.Backup.CheckpointEvery),
			backup.WithIgnoreList(backup.NewIgnoreList(cfg.Backup.Exclude...)),
		},
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// shutdown stops every running job, keeping what was uploaded for a later
// resume, then releases resources.
func (a *app) shutdown() {
	if a.jobs != nil {
		if stopped := a.jobs.StopAll(context.Background(), false); len(stopped) > 0 {
			slog.Info("jobs interrupted", "count", len(stopped), "jobIds", stopped)
		}
		a.jobs.Wait()
	}
	if err := a.Close(); err != nil {
		slog.Warn("app close", "error", err)
	}
}

func (a *app) Close() error {
	var errs []error
	if a.manager != nil {
		errs = append(errs, a.manager.Close())
	}
	if a.snapshots != nil {
		errs = append(errs, a.snapshots.Close())
	}
	return errors.Join(errs...)
}

func newStore(ctx context.Context, cfg *config.Config) (objstore.ObjectStore, error) {
	switch cfg.Store {
	case config.StoreMemory:
		slog.Warn("using in-memory object store, nothing is persisted")
		return objstore.NewMemoryStore(), nil
	case config.StoreS3:
		slog.Info("object store", "driver", cfg.Store,
			"bucket", cfg.S3.BucketName,
			"endpoint", cfg.S3.Endpoint,
			"accessKey", utils.MaskSecret(cfg.S3.AccessKey),
		)
		store, err := objstore.NewS3StoreWithConfig(ctx, &cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("s3 store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store)
	}
}
