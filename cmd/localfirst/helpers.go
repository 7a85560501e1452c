package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/tabkeep/localfirst"
)

// app holds the components wired from the loaded configuration.
type app struct {
	store  localfirst.KeyValueStore
	conn   *localfirst.Connectivity
	cache  *localfirst.Cache
	client *localfirst.Client
	queue  *localfirst.OfflineQueue
	status *localfirst.SyncStatus

	closeStore func() error
}

// openApp builds the store, connectivity, cache, remote client and queue.
// Mutations replay to the remote backend when one is configured and to the
// local store otherwise.
func openApp(ctx context.Context) (*app, error) {
	a := &app{closeStore: func() error { return nil }}

	switch cfg.Storage.Driver {
	case "memory":
		a.store = localfirst.NewMemoryStore(localfirst.WithMemoryQuota(cfg.Storage.QuotaBytes))
	default:
		path := cfg.Storage.Path
		if path == "" {
			dir, err := localfirst.DefaultConfigDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, "data.db")
		}
		s, err := localfirst.OpenSQLiteStore(ctx, path,
			localfirst.WithSQLiteQuota(cfg.Storage.QuotaBytes),
			localfirst.WithSQLiteLogger(logger.Named("store")))
		if err != nil {
			return nil, err
		}
		a.store, a.closeStore = s, s.Close
	}

	initial := localfirst.StateOnline
	if offlineFlag {
		initial = localfirst.StateOffline
	}
	a.conn = localfirst.NewConnectivity(initial, logger.Named("connectivity"))

	a.cache = localfirst.NewCache(a.store,
		localfirst.WithConnectivity(a.conn),
		localfirst.WithDefaultTTL(time.Duration(cfg.Cache.DefaultTTL)),
		localfirst.WithFetchTimeout(time.Duration(cfg.Cache.FetchTimeout)),
		localfirst.WithOfflineFallback(cfg.Cache.OfflineFallback),
		localfirst.WithCacheLogger(logger.Named("cache")))

	var applier localfirst.Applier = localfirst.StoreApplier{Store: a.store}
	if cfg.Remote.BaseURL != "" {
		opts := []localfirst.ClientOption{localfirst.WithClientLogger(logger.Named("client"))}
		if cfg.Remote.Token != "" {
			opts = append(opts, localfirst.WithToken(cfg.Remote.Token))
		}
		if cfg.Remote.SigningSecret != "" {
			opts = append(opts, localfirst.WithSigningSecret(cfg.Remote.SigningSecret))
		}
		a.client = localfirst.NewClient(cfg.Remote.BaseURL, opts...)
		applier = a.client
	}

	q, err := localfirst.NewOfflineQueue(ctx, a.store, applier,
		localfirst.WithQueueConnectivity(a.conn),
		localfirst.WithRetryPolicy(cfg.RetryPolicy()),
		localfirst.WithFlushInterval(time.Duration(cfg.Queue.FlushInterval)),
		localfirst.WithQueueLogger(logger.Named("queue")))
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.queue = q
	a.status = localfirst.NewSyncStatus(a.conn, a.queue)
	return a, nil
}

func (a *app) Close() {
	a.status.Close()
	a.queue.Close()
	if err := a.closeStore(); err != nil {
		logger.Warn("failed to close store", zap.Error(err))
	}
}

// probeLoop returns a running probe loop when remote.probe_url is set.
func (a *app) probeLoop(ctx context.Context) *localfirst.ProbeLoop {
	if cfg.Remote.ProbeURL == "" {
		return nil
	}
	p := &localfirst.Prober{URL: cfg.Remote.ProbeURL}
	l := localfirst.NewProbeLoop(p.Probe, a.conn, time.Duration(cfg.Remote.ProbeInterval), logger.Named("probe"))
	l.Start(ctx)
	return l
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
