package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/callserver/internal/adapters/http"
	"github.com/dkeye/callserver/internal/adapters/postgres"
	"github.com/dkeye/callserver/internal/adapters/procfs"
	"github.com/dkeye/callserver/internal/adapters/redis"
	"github.com/dkeye/callserver/internal/adapters/rtc"
	signalws "github.com/dkeye/callserver/internal/adapters/signal"
	"github.com/dkeye/callserver/internal/app"
	"github.com/dkeye/callserver/internal/config"
	"github.com/dkeye/callserver/internal/core"
	"github.com/dkeye/callserver/internal/domain"
	"github.com/dkeye/callserver/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("CONFIG_ENV") != "prod" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("call server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	url := cfg.ServerURL()
	logger := log.With().Str("module", "main").Str("url", url).Logger()

	db, err := postgres.New(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer db.Close()
	calls := postgres.NewCalls(db)
	devices := postgres.NewDevices(db)

	// The server row must exist before its notification channel can be resolved.
	if err := calls.UpsertCallServer(ctx, url, domain.ServerStatus{}); err != nil {
		return err
	}
	if err := calls.ResetCallServer(ctx, url, false); err != nil {
		return err
	}

	workers, err := app.NewWorkerPool(ctx, rtc.NewEngine(), app.WorkerPoolOptions{
		Size:        cfg.Media.NumWorkers,
		ListenIP:    net.ParseIP(cfg.Media.ListenIP),
		AnnouncedIP: cfg.Media.AnnouncedIP,
		MinPort:     cfg.Media.MinPort,
		MaxPort:     cfg.Media.MaxPort,
		ServerPort:  cfg.Media.ServerPort,
		DeathGrace:  cfg.Media.WorkerDeathGrace,
	}, func(reason error) {
		log.Error().Err(reason).Msg("fatal media failure")
		os.Exit(1)
	})
	if err != nil {
		return err
	}

	m := metrics.New()
	limits := cfg.Call.Limits()
	registry := app.NewRoomRegistry(workers, calls, devices, m, app.RegistryOptions{
		Limits: app.Limits{
			CallSlots:      limits.CallSlots,
			BroadcastSlots: limits.BroadcastSlots,
			StageSlots:     limits.BroadcasterSlots,
		},
		Codecs: cfg.Media.RtpCodecs(),
		Media: app.MediaSettings{
			InitialOutgoingBitrate: cfg.Media.InitialOutgoingBitrate,
			HighQualityBitrate:     cfg.Media.HighQualityBitrate,
			AudioLevel: core.AudioLevelObserverOptions{
				MaxEntries: 1,
				Threshold:  cfg.Media.AudioLevelThreshold,
				IntervalMs: int(cfg.Media.AudioLevelInterval.Milliseconds()),
			},
			ActiveSpeaker: core.ActiveSpeakerObserverOptions{
				IntervalMs: int(cfg.Media.ActiveSpeakerInterval.Milliseconds()),
			},
		},
		MaxConsumerReplicas: cfg.Call.MaxConsumerReplicas,
		ReactionWindow:      cfg.Call.ReactionWindow,
		RequestTimeout:      cfg.Signal.RequestTimeout,
		Policy:              app.SimplePolicy{},
	})

	source, err := newUpdateSource(ctx, cfg, db, url)
	if err != nil {
		workers.Close()
		return err
	}
	defer source.Close()

	callSync := app.NewCallSync(source, registry, cfg.Sync.ProbeInterval)
	status := app.NewStatusReporter(url, calls, registry, procfs.NewNetDev(cfg.Status.ProcPath),
		cfg.Status.UpdateInterval, cfg.Status.TrafficInterval)

	limiter := signalws.NewConnectRateLimiter(cfg.Signal.ConnectLimit, cfg.Signal.ConnectWindow)
	ctrl := signalws.NewSignalWSController(ctx, registry, limiter, signalws.ChannelOptions{
		SendBuffer: cfg.Signal.SendBuffer,
		PingPeriod: cfg.Signal.PingPeriod,
	}, cfg.Signal.ReadLimit)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(router.SetupRouter(cfg, registry, ctrl, m))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		registry.Run(gctx)
		return nil
	})
	g.Go(func() error { return callSync.Run(gctx) })
	g.Go(func() error { return status.Run(gctx) })
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Bool("tls", cfg.TLS.Enabled()).Msg("call server started")
		var err error
		if cfg.TLS.Enabled() {
			err = srv.ListenAndServeTLS(cfg.TLS.Cert, cfg.TLS.Key)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdown(cfg, url, registry, calls, workers, srv)
		return nil
	})
	return g.Wait()
}

func newUpdateSource(ctx context.Context, cfg *config.Config, db *pgxpool.Pool, url string) (core.CallUpdateSource, error) {
	switch cfg.Sync.Driver {
	case "redis":
		return redis.NewSource(ctx, redis.Options{
			Addr:     cfg.Sync.RedisAddr,
			Password: cfg.Sync.RedisPassword,
			DB:       cfg.Sync.RedisDB,
		}, url)
	case "postgres", "":
		return postgres.Listen(ctx, db, url)
	default:
		return nil, fmt.Errorf("unknown sync driver %q", cfg.Sync.Driver)
	}
}

// shutdown stops admissions, flushes the ended status, then closes rooms and
// workers under a hard deadline.
func shutdown(cfg *config.Config, url string, registry *app.RoomRegistry, calls core.CallRepository, workers *app.WorkerPool, srv *http.Server) {
	logger := log.With().Str("module", "main").Logger()
	logger.Info().Msg("Shutting down")
	registry.Stop()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), cfg.Shutdown.Deadline)
	if err := calls.ResetCallServer(flushCtx, url, true); err != nil {
		logger.Error().Err(err).Msg("flush ended status")
	}
	flushCancel()

	hard := time.AfterFunc(cfg.Shutdown.Deadline, func() {
		logger.Error().Dur("deadline", cfg.Shutdown.Deadline).Msg("shutdown deadline exceeded")
		os.Exit(1)
	})
	defer hard.Stop()

	var wg conc.WaitGroup
	wg.Go(registry.CloseAll)
	wg.Go(workers.Close)
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Shutdown.Deadline)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
}
