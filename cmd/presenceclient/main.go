// Package main runs a headless presence participant. It joins the shared
// space, wanders between random points, relays stdin lines as chat and logs
// what the other participants do.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sharediary/diary3d/internal/client/avatar"
	"github.com/sharediary/diary3d/internal/client/game"
	"github.com/sharediary/diary3d/internal/client/reconcile"
	"github.com/sharediary/diary3d/internal/client/session"
	"github.com/sharediary/diary3d/internal/config"
	"github.com/sharediary/diary3d/internal/content"
	"github.com/sharediary/diary3d/internal/observability"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file with DIARY_ overrides")
	walkRadius := flag.Float64("walk-radius", 8, "radius of the random walk; 0 stands still")
	walkInterval := flag.Duration("walk-interval", 4*time.Second, "time between random walk targets")
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

	roster, err := content.LoadRoster(cfg.Client.ContentPath)
	if err != nil {
		logger.Fatal("loading avatar roster", zap.Error(err))
	}

	sess := session.New(cfg.Client.ServerURL, session.Options{
		DialTimeout:  cfg.Client.DialTimeout,
		WriteTimeout: cfg.Client.WriteTimeout,
		Logger:       logger,
	})

	poolOpts := roster.PoolOptions()
	poolOpts.Logger = logger
	pool := avatar.NewPool(roster.MaxUserCount(), poolOpts)

	ctrl := game.New(sess, pool, reconcile.New(roster.Mover()),
		&logRenderer{logger: logger},
		consoleNotifier{logger: logger},
		game.Config{
			SyncInterval: cfg.Client.SyncInterval,
			BubbleTTL:    roster.BubbleTTL,
			Intent:       newRandomWalk(*walkRadius, *walkInterval),
			Logger:       logger,
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sess.Connect(ctx); err != nil {
		logger.Fatal("connecting to presence server",
			zap.String("url", cfg.Client.ServerURL),
			zap.Error(err),
		)
	}

	logger.Info("presence client started",
		zap.Duration("startup", time.Since(start)),
		zap.String("server_url", cfg.Client.ServerURL),
		zap.Int("max_users", roster.MaxUserCount()),
	)

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ctrl.Run(ctx, cfg.Client.FrameRate)
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if err := ctrl.Say(ctx, line); err != nil && !errors.Is(err, session.ErrClosed) {
					logger.Warn("sending chat", zap.Error(err))
				}
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		return sess.Close()
	})

	if err := g.Wait(); err != nil {
		logger.Error("client stopped", zap.Error(err))
	}
	<-sess.Done()
	logger.Info("presence client stopped", zap.Stringer("reason", sess.Reason()))
}

// readLines sends each non-empty line of f on out and closes out at EOF.
func readLines(f *os.File, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out <- line
		}
	}
}
