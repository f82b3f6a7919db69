package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/robfig/cron/v3"

	"github.com/roelfdiedericks/tabmux/internal/config"
	"github.com/roelfdiedericks/tabmux/internal/history"
	. "github.com/roelfdiedericks/tabmux/internal/logging"
	"github.com/roelfdiedericks/tabmux/internal/media"
	"github.com/roelfdiedericks/tabmux/internal/mux"
	"github.com/roelfdiedericks/tabmux/internal/paths"
	"github.com/roelfdiedericks/tabmux/internal/policy"
	"github.com/roelfdiedericks/tabmux/internal/tools"
)

type serveCmd struct{}

func (serveCmd) Run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pol, err := policy.Load(cfg.Policy.File, policy.Rules{
		AllowedOrigins: cfg.Policy.AllowedOrigins,
		BlockedOrigins: cfg.Policy.BlockedOrigins,
		BlockedMethods: cfg.Policy.BlockedMethods,
	}, cfg.Policy.BlockPrivateHosts)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	var hist *history.Store
	if cfg.History.Enabled {
		dbPath, err := paths.HistoryDBPath()
		if err == nil {
			err = paths.EnsureParentDir(dbPath)
		}
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		hist, err = history.Open(dbPath)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		defer hist.Close()
	}

	m := mux.New(mux.Options{
		Host:           cfg.Mux.Host,
		Port:           cfg.Mux.Port,
		SessionID:      cfg.Mux.SessionID,
		ConnectTimeout: cfg.ConnectTimeout(),
		CommandTimeout: cfg.CommandTimeout(),
		Policy:         pol,
		History:        hist,
	})
	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("mux: %w", err)
	}
	defer m.Stop()

	// Reloading the config file only adjusts the log level; mux identity
	// and port are fixed for the lifetime of the process.
	if cfg.Path() != "" {
		watcher, err := config.NewWatcher(cfg.Path(), 500, func(next *config.Config) {
			SetLevel(ParseLevel(next.Logging.Level))
		})
		if err != nil {
			L_warn("config: watch failed", "path", cfg.Path(), "error", err)
		} else {
			watcher.Start()
			defer watcher.Stop()
		}
	}

	screenshotsDir := cfg.Screenshots.Dir
	if screenshotsDir == "" {
		if dir, err := paths.ScreenshotsDir(); err == nil {
			screenshotsDir = dir
		} else {
			L_warn("screenshots: no home directory, saving disabled", "error", err)
		}
	}

	if cfg.Screenshots.Cleanup != "" {
		cr := cron.New()
		spec := cfg.Screenshots.Cleanup
		dir := screenshotsDir
		keep := time.Duration(cfg.Screenshots.KeepDays) * 24 * time.Hour
		retention := cfg.History.RetentionDays
		_, err := cr.AddFunc(spec, func() {
			if dir != "" {
				if n, err := media.PruneDir(dir, keep); err != nil {
					L_warn("housekeeping: screenshot prune failed", "error", err)
				} else if n > 0 {
					L_info("housekeeping: pruned screenshots", "count", n)
				}
			}
			if hist != nil && retention > 0 {
				cutoff := time.Now().AddDate(0, 0, -retention)
				if n, err := hist.Prune(cutoff); err != nil {
					L_warn("housekeeping: history prune failed", "error", err)
				} else if n > 0 {
					L_info("housekeeping: pruned history", "count", n)
				}
			}
		})
		if err != nil {
			return fmt.Errorf("housekeeping: bad cleanup schedule %q: %w", spec, err)
		}
		cr.Start()
		defer cr.Stop()
	}

	server := mcp.NewServer(&mcp.Implementation{Name: "tabmux", Version: version}, nil)
	svc := tools.NewService(tools.Options{
		Commander:      m,
		History:        hist,
		ScreenshotsDir: screenshotsDir,
		MaxImageDim:    cfg.Screenshots.MaxDimension,
		MaxImageBytes:  cfg.Screenshots.MaxBytes,
	})
	svc.Register(server)

	L_info("tabmux started", "session", m.SessionID(), "addr", cfg.Addr())

	err = server.Run(ctx, &mcp.StdioTransport{})
	SetShuttingDown()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp: %w", err)
	}
	L_info("tabmux shutting down")
	return nil
}
