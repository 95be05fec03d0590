package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/you/chatrelay/internal/checkpoint"
	"github.com/you/chatrelay/internal/config"
	"github.com/you/chatrelay/internal/core"
	httpadmin "github.com/you/chatrelay/internal/http"
	"github.com/you/chatrelay/internal/httpapi"
	"github.com/you/chatrelay/internal/hub"
	"github.com/you/chatrelay/internal/ingest"
	"github.com/you/chatrelay/internal/ingesttrace"
	"github.com/you/chatrelay/internal/sink"
	"github.com/you/chatrelay/internal/vault"
	"github.com/you/chatrelay/internal/version"
	"github.com/you/chatrelay/internal/ytapi"
	"github.com/you/chatrelay/internal/ytgrpc"
	"github.com/you/chatrelay/internal/ytlive"
)

func main() {
	flags := pflag.NewFlagSet("relay", pflag.ExitOnError)
	config.Flags(flags)
	versionFlag := flags.Bool("version", false, "print build version and exit")
	_ = flags.Parse(os.Args[1:])

	if *versionFlag {
		fmt.Printf("relay version: %s (commit %s, built %s)\n", version.Version, version.Commit, version.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(config.ConfigPath(flags), flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: config: %v\n", err)
		os.Exit(2)
	}
	setupLogging(cfg.Log)
	slog.Info("relay: starting", "version", version.Version, "commit", version.Commit)
	slog.Info("relay: " + string(cfg.SummaryJSON()))

	if err := run(cfg); err != nil {
		slog.Error("relay: exited", "err", err)
		os.Exit(1)
	}
}

func setupLogging(lc config.LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if strings.EqualFold(lc.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keys, err := vault.Load(vault.Files{
		EnvFile:       cfg.Keys.EnvFile,
		PrimaryPath:   cfg.Keys.PrimaryFile,
		SecondaryPath: cfg.Keys.SecondaryFile,
		UserPath:      cfg.Keys.UserFile,
	})
	if err != nil {
		return fmt.Errorf("load keys: %w", err)
	}
	if cfg.Keys.UserKey != "" {
		keys.SetUserKey(cfg.Keys.UserKey)
	}
	if cfg.Keys.Watch {
		if err := keys.Watch(ctx); err != nil {
			slog.Warn("relay: key file watch disabled", "err", err)
		}
	}

	db, err := sink.OpenSQLite(cfg.Sink.SQLitePath, sink.WithTuning(cfg.Sink.Tuning))
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Warn("relay: closing sqlite", "err", err)
		}
	}()
	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrateSQLite(ctx, db.RawDB()); err != nil {
		return fmt.Errorf("sqlite migrate: %w", err)
	}
	if pragmas, err := db.Pragmas(ctx, "journal_mode", "synchronous", "busy_timeout"); err == nil {
		slog.Info("relay: sqlite pragmas", "tuning", cfg.Sink.Tuning, "values", pragmas)
	}

	checkpoints, err := checkpoint.Open(db.RawDB(), cfg.Checkpoint.TTL)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}

	metrics := httpapi.NewMetrics()
	overlay := hub.New(hub.Options{
		ReplaySize:     cfg.Hub.ReplaySize,
		ClientBuffer:   cfg.Hub.ClientBuffer,
		MaxDrops:       cfg.Hub.MaxDrops,
		PingInterval:   cfg.Hub.PingInterval,
		OriginPatterns: cfg.Hub.OriginPatterns,
		Metrics:        metrics,
	})

	guarded := sink.NewGuarded(db, sink.BreakerOptions{
		ConsecutiveFailures: uint32(cfg.Sink.BreakerFailures),
		Timeout:             cfg.Sink.BreakerTimeout,
	})
	buffered := sink.NewBufferedWriter(guarded, sink.BufferedOptions{
		BatchSize:     cfg.Batch(),
		FlushInterval: cfg.FlushInterval(),
		OnError: func(err error, n int) {
			metrics.IncDBWriteErrors()
			slog.Warn("relay: buffered flush failed", "messages", n, "breaker", guarded.State(), "err", err)
		},
	})
	defer func() {
		if err := buffered.Close(); err != nil {
			slog.Warn("relay: flush buffered sink", "err", err)
		}
	}()

	orch := ingest.New(ingest.Options{
		Factories:       factories(cfg.YouTube),
		Vault:           keys,
		Delivery:        sink.WithAPI(buffered, overlay),
		Checkpoints:     checkpoints,
		Listeners:       []ingest.StatusListener{overlay, metrics},
		Metrics:         metrics,
		Tracer:          ingesttrace.NewTracer(slog.Default(), cfg.Ingest.TraceCapacity),
		ResolveTarget:   ytlive.NewResolver(nil).VideoID,
		DedupCapacity:   cfg.Ingest.DedupCapacity,
		EmojiCapacity:   cfg.Ingest.EmojiCapacity,
		CheckpointEvery: cfg.Ingest.CheckpointEvery,
		StopTimeout:     cfg.Ingest.StopTimeout,
	})

	admin := httpadmin.New(orch, keys, cfg.Ingest.PreferPrimary)
	api := httpapi.New(db, overlay, httpapi.Options{
		Addr:           cfg.HTTP.Addr,
		Build:          buildInfo(),
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		RateLimitRPS:   cfg.HTTP.RateLimitRPS,
		RateLimitBurst: cfg.HTTP.RateLimitBurst,
		Metrics:        metrics,
		Mount:          admin.Register,
	})

	if cfg.Ingest.Mode != "" {
		mode, err := core.ParseMode(cfg.Ingest.Mode)
		if err != nil {
			return err
		}
		req := ingest.StartRequest{Mode: mode, Target: cfg.Ingest.VideoID, PreferPrimary: cfg.Ingest.PreferPrimary}
		if err := orch.Start(ctx, req); err != nil {
			slog.Error("relay: auto-start failed", "mode", mode, "video", req.Target, "err", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(api.Start)
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("relay: shutting down")
		orch.Stop("shutdown")
		overlay.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return api.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// factories builds one adapter constructor per transport.
func factories(yc config.YouTubeConfig) map[core.Mode]ingest.Factory {
	return map[core.Mode]ingest.Factory{
		core.ModeInnertube: func(_ context.Context, req ingest.StartRequest, _ vault.Credential) (ingest.Adapter, error) {
			return ytlive.New(ytlive.Config{
				VideoID:         req.Target,
				BaseURL:         yc.InnertubeBaseURL,
				PollTimeoutSecs: yc.PollTimeoutSecs,
			}), nil
		},
		core.ModeOfficial: func(ctx context.Context, req ingest.StartRequest, cred vault.Credential) (ingest.Adapter, error) {
			return ytapi.New(ctx, ytapi.Config{
				APIKey:   cred.Key,
				VideoID:  req.Target,
				Endpoint: yc.APIEndpoint,
			})
		},
		core.ModeGRPC: func(ctx context.Context, req ingest.StartRequest, cred vault.Credential) (ingest.Adapter, error) {
			resolver, err := ytapi.New(ctx, ytapi.Config{APIKey: cred.Key, Endpoint: yc.APIEndpoint})
			if err != nil {
				return nil, err
			}
			return ytgrpc.New(ytgrpc.Config{
				APIKey:   cred.Key,
				VideoID:  req.Target,
				Resolver: resolver,
				Lang:     yc.Lang,
				Target:   yc.GRPCTarget,
			}), nil
		},
	}
}

func buildInfo() httpapi.BuildInfo {
	build := httpapi.BuildInfo{Version: version.Version, Revision: version.Commit}
	if version.BuildTime != "" && version.BuildTime != "unknown" {
		if t, err := time.Parse(time.RFC3339, version.BuildTime); err == nil {
			build.BuiltAt = t
		}
	}
	return build
}
