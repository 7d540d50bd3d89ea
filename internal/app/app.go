// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/nelson-client/internal/config"
	"github.com/jeranaias/nelson-client/internal/connectivity"
	"github.com/jeranaias/nelson-client/internal/engine"
	"github.com/jeranaias/nelson-client/internal/queue"
	"github.com/jeranaias/nelson-client/internal/remote"
	"github.com/jeranaias/nelson-client/internal/server"
	"github.com/jeranaias/nelson-client/internal/storage"
	"github.com/jeranaias/nelson-client/internal/syncer"
	"github.com/jeranaias/nelson-client/internal/trigger"
	"github.com/jeranaias/nelson-client/internal/util"
)

// LocalOwner is the owner id used when no user is signed in.
const LocalOwner = "local"

// Options adjusts wiring beyond what the config file holds.
type Options struct {
	// Logger for every component. Nil opens the log file (or stderr when
	// ui.verbose is set).
	Logger *log.Logger

	// HTTPClient overrides the client used for probes.
	HTTPClient *http.Client

	// ForceOffline pins connectivity offline (the --offline flag).
	ForceOffline bool

	// Serve starts the local control server even if server.enabled is off.
	Serve bool
}

// App owns every long-lived component of a running client.
type App struct {
	Config *config.Config
	Paths  config.Paths
	Logger *log.Logger

	Queue     *queue.Store
	Snapshots *storage.Store
	Remote    *remote.Client
	Monitor   *connectivity.Monitor
	Prober    *connectivity.Prober
	Engine    *engine.Engine
	Flusher   *syncer.Flusher
	Watcher   *trigger.Watcher
	Server    *server.Server // nil unless serving

	logFile io.Closer
	unsubs  []func()
}

// New builds the component graph from cfg. Nothing runs until Run.
func New(cfg *config.Config, opts Options) (*App, error) {
	paths, err := cfg.Paths()
	if err != nil {
		return nil, err
	}
	if err := util.EnsureDir(paths.Root); err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Paths: paths, Logger: opts.Logger}
	built := false
	defer func() {
		if !built {
			a.closeResources()
		}
	}()

	if a.Logger == nil {
		if a.Logger, a.logFile, err = OpenLogger(cfg, paths); err != nil {
			return nil, err
		}
	}

	// Storage
	if a.Queue, err = queue.Open(paths.Queue); err != nil {
		return nil, err
	}
	if a.Snapshots, err = storage.NewStore(paths.Root); err != nil {
		return nil, err
	}
	a.Snapshots.WithLogger(a.Logger)
	if cfg.Storage.Encrypt {
		salt, err := storage.LoadOrCreateSalt(paths.Salt)
		if err != nil {
			return nil, err
		}
		cipher, err := storage.NewCipher(cfg.Storage.Passphrase, salt)
		if err != nil {
			return nil, err
		}
		a.Snapshots.WithCipher(cipher)
	}

	// Remote and connectivity
	a.Remote = remote.NewClient(cfg.Remote.URL, cfg.Remote.AnonKey).
		WithToken(cfg.Auth.AccessToken).
		WithTimeout(cfg.RemoteTimeout()).
		WithLogger(a.Logger)

	forced := opts.ForceOffline || cfg.Connectivity.ForceOffline || !a.Remote.IsConfigured()
	a.Monitor = connectivity.NewMonitor(!forced)
	if forced {
		a.Monitor.SetForcedOffline(true)
	}
	a.Prober = connectivity.NewProber(a.Monitor, a.Remote.HealthURL(), cfg.ProbeInterval()).
		WithLogger(a.Logger)
	if opts.HTTPClient != nil {
		a.Prober.WithHTTPClient(opts.HTTPClient)
	}

	// Engine and flusher
	owner := cfg.Auth.UserID
	if owner == "" {
		owner = LocalOwner
	}
	a.Engine, err = engine.New(a.Remote, a.Queue, a.Snapshots, a.Monitor, engine.Options{
		Owner:            owner,
		DefaultMode:      cfg.Mode(),
		StreamTimeout:    cfg.StreamTimeout(),
		SettingsDebounce: cfg.SettingsDebounce(),
		Logger:           a.Logger,
	})
	if err != nil {
		return nil, err
	}

	a.Flusher = syncer.New(a.Queue, a.Engine, a.Monitor, syncer.Options{
		RatePerSecond: cfg.Sync.RatePerSecond,
		PollInterval:  cfg.PollInterval(),
		Logger:        a.Logger,
		OnNotice: func(n syncer.Notice) {
			a.Engine.PublishSyncFailed(n.ActionID, string(n.Kind), n.Attempts, n.Err)
		},
	})

	// Background triggers
	if a.Watcher, err = trigger.NewWatcher(paths.Spool, a.Flusher.Trigger); err != nil {
		return nil, err
	}
	a.Watcher.WithDebounce(cfg.TriggerDebounce()).WithLogger(a.Logger)

	if opts.Serve || cfg.Server.Enabled {
		a.Server, err = server.New(server.Config{
			Addr:        cfg.Server.Addr,
			AuthToken:   cfg.Server.AuthToken,
			AllowRemote: cfg.Server.AllowRemote,
			Logger:      a.Logger,
		}, a.Queue, a.Flusher, a.Monitor)
		if err != nil {
			return nil, err
		}
		a.unsubs = append(a.unsubs, a.Engine.Subscribe(a.Server.Publish))
	}

	a.unsubs = append(a.unsubs,
		a.Monitor.Subscribe(a.Engine.NotifyConnectivity),
		a.Monitor.OnOnline(a.Flusher.Trigger),
	)
	built = true
	return a, nil
}

// OpenLogger returns the component logger: stderr when ui.verbose is set,
// otherwise the log file in the data directory.
func OpenLogger(cfg *config.Config, paths config.Paths) (*log.Logger, io.Closer, error) {
	if cfg.UI.Verbose {
		return log.New(os.Stderr, "", log.LstdFlags), nil, nil
	}
	f, err := os.OpenFile(paths.Log, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return log.New(f, "", log.LstdFlags), f, nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Refresh pulls remote conversations and settings and requests a flush.
// It does nothing while offline.
func (a *App) Refresh(ctx context.Context) error {
	if !a.Monitor.IsOnline() {
		return nil
	}
	var errs []error
	if err := a.Engine.LoadSettings(ctx); err != nil {
		errs = append(errs, fmt.Errorf("settings: %w", err))
	}
	if err := a.Engine.LoadConversations(ctx); err != nil {
		errs = append(errs, fmt.Errorf("conversations: %w", err))
	}
	a.Flusher.Trigger()
	return errors.Join(errs...)
}

// Run starts the background loops and blocks until ctx is cancelled or one
// of them fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.Prober.Run(gctx) })
	g.Go(func() error { return a.Flusher.Run(gctx) })
	g.Go(func() error { return a.Watcher.Run(gctx) })
	if a.Server != nil {
		g.Go(func() error { return a.Server.Run(gctx) })
	}
	g.Go(func() error {
		if err := a.Refresh(gctx); err != nil {
			a.Logger.Printf("[app] initial refresh incomplete: %v", err)
		}
		return nil
	})

	return g.Wait()
}

// Close flushes pending settings and releases resources.
func (a *App) Close(ctx context.Context) error {
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.unsubs = nil

	var errs []error
	if a.Engine != nil {
		if err := a.Engine.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Flusher != nil {
		a.Flusher.Close()
	}
	if err := a.closeResources(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var errs []error
	if a.Watcher != nil {
		if err := a.Watcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.logFile != nil {
		if err := a.logFile.Close(); err != nil {
			errs = append(errs, err)
		}
		a.logFile = nil
	}
	return errors.Join(errs...)
}
