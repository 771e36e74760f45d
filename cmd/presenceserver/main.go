// Package main runs the presence server: the WebSocket presence relay, the
// canvas save/load endpoints and the gRPC health service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/sharediary/diary3d/internal/canvas"
	"github.com/sharediary/diary3d/internal/config"
	"github.com/sharediary/diary3d/internal/healthcheck"
	"github.com/sharediary/diary3d/internal/httpapi"
	"github.com/sharediary/diary3d/internal/observability"
	"github.com/sharediary/diary3d/internal/presence"
	"github.com/sharediary/diary3d/internal/server"
	"github.com/sharediary/diary3d/internal/storage/postgres"
	"github.com/sharediary/diary3d/internal/transport/ws"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file with DIARY_ overrides")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("loading %s: %v", *envFile, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lifecycle := server.NewLifecycle(logger, cfg.Server.ShutdownTimeout)

	// Canvas storage
	var (
		store canvas.Store = canvas.NewMemoryStore()
		ready func(context.Context) error
		pool  *postgres.Pool
	)
	if cfg.Canvas.Storage == config.CanvasStoragePostgres {
		pool, err = postgres.NewPool(ctx, cfg.Database, logger)
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		store = postgres.NewCanvasRepository(pool.DB())
		ready = func(ctx context.Context) error {
			return pool.Health(ctx, 2*time.Second)
		}
	}

	// Presence
	broadcaster := presence.NewBroadcaster(cfg.Server.MaxUsers, cfg.Server.MaxChatLength, logger)
	acceptor := ws.NewAcceptor(ws.Config{
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		PingInterval: cfg.Server.PingInterval,
		OutboxSize:   cfg.Server.OutboxSize,
	}, broadcaster, logger)

	httpServer := &http.Server{
		Addr: cfg.Server.Addr(),
		Handler: httpapi.SetupRoutes(httpapi.Deps{
			WS:          acceptor,
			Canvas:      canvas.NewHandler(store, cfg.Canvas.MaxBytes, cfg.Canvas.SaveTokenHash, logger),
			Broadcaster: broadcaster,
			Ready:       ready,
			Logger:      logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var health *healthcheck.Server
	if cfg.Health.Enabled() {
		health = healthcheck.New(logger)
		broadcaster.OnOccupancy(health.Occupancy)
	}

	if pool != nil {
		monitorCtx, stopMonitor := context.WithCancel(ctx)
		lifecycle.Add("postgres", &server.FuncService{
			StartFn: func() error {
				check := func(ctx context.Context) error { return pool.Health(ctx, 5*time.Second) }
				if health != nil {
					health.Monitor(monitorCtx, healthcheck.StorageService, 30*time.Second, check)
					return nil
				}
				ticker := time.NewTicker(30 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-monitorCtx.Done():
						return nil
					case <-ticker.C:
						if err := check(monitorCtx); err != nil {
							logger.Warn("database health check failed", zap.Error(err))
						}
					}
				}
			},
			StopFn: func() {
				stopMonitor()
				pool.Close()
			},
		})
	}

	lifecycle.Add("http", &server.FuncService{
		StartFn: func() error {
			logger.Info("http server listening", zap.String("addr", httpServer.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serving http on %s: %w", httpServer.Addr, err)
			}
			return nil
		},
		StopFn: func() {
			acceptor.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown", zap.Error(err))
			}
		},
	})

	if health != nil {
		lifecycle.Add("health", &server.FuncService{
			StartFn: func() error {
				lis, err := net.Listen("tcp", cfg.Health.Addr())
				if err != nil {
					return fmt.Errorf("listening on %s: %w", cfg.Health.Addr(), err)
				}
				return health.Serve(lis)
			},
			StopFn: health.Stop,
		})
	}

	logger.Info("presence server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("http_addr", cfg.Server.Addr()),
		zap.Int("max_users", cfg.Server.MaxUsers),
		zap.String("canvas_storage", cfg.Canvas.Storage),
		zap.Bool("health_enabled", cfg.Health.Enabled()),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
