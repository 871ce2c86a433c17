// Command cipherline-server serves the messaging API, the realtime websocket
// endpoint and the gRPC health service.
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
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/credentials"

	"github.com/and161185/cipherline/internal/auth"
	"github.com/and161185/cipherline/internal/config"
	"github.com/and161185/cipherline/internal/filestore"
	"github.com/and161185/cipherline/internal/limiter"
	"github.com/and161185/cipherline/internal/migrate"
	"github.com/and161185/cipherline/internal/realtime"
	"github.com/and161185/cipherline/internal/realtime/redisbridge"
	"github.com/and161185/cipherline/internal/repository"
	"github.com/and161185/cipherline/internal/repository/memory"
	"github.com/and161185/cipherline/internal/repository/postgres"
	grpcserver "github.com/and161185/cipherline/internal/server/grpc"
	"github.com/and161185/cipherline/internal/server/httpapi"
	"github.com/and161185/cipherline/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const shutdownTimeout = 5 * time.Second

// main loads configuration, opens storage and runs both listeners until SIGINT/SIGTERM.
func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	var logger *zap.Logger
	if cfg.Dev {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("http", cfg.HTTPAddr),
		zap.String("grpc", cfg.GRPCAddr),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

type storage struct {
	participants  repository.ParticipantRepository
	conversations repository.ConversationRepository
	pinger        grpcserver.Pinger
	limiter       limiter.Limiter
	close         func()
}

func openStorage(ctx context.Context, cfg *config.Config, log *zap.Logger) (*storage, error) {
	if cfg.DSN == config.MemoryDSN {
		log.Warn("using in-memory storage, data is lost on exit")
		st := memory.New()
		var lim limiter.Limiter = limiter.Nop{}
		if cfg.SendLimit.Enabled() {
			lim = limiter.NewMemory(cfg.SendLimit.Window, cfg.SendLimit.MaxSends)
		}
		return &storage{participants: st, conversations: st, pinger: st, limiter: lim, close: func() {}}, nil
	}

	if err := migrate.Up(ctx, cfg.DSN); err != nil {
		return nil, fmt.Errorf("migrate up: %w", err)
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	db := &postgres.DB{Pool: pool}
	var lim limiter.Limiter = limiter.Nop{}
	if cfg.SendLimit.Enabled() {
		lim = limiter.NewPG(pool, cfg.SendLimit.Window, cfg.SendLimit.MaxSends)
	}
	return &storage{
		participants:  postgres.NewParticipantRepo(db),
		conversations: postgres.NewConversationRepo(db),
		pinger:        db,
		limiter:       lim,
		close:         pool.Close,
	}, nil
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	files, err := filestore.NewDisk(cfg.StorageDir)
	if err != nil {
		return fmt.Errorf("attachment storage: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	hub := realtime.NewHub(logger.Named("hub"))
	var pusher service.Pusher = hub
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, ContextTimeoutEnabled: true})
		defer func() { _ = rdb.Close() }()
		bridge := redisbridge.New(rdb, hub, logger.Named("redis"))
		pusher = bridge
		g.Go(func() error {
			if err := bridge.Run(ctx); err != nil {
				return fmt.Errorf("redis bridge: %w", err)
			}
			return nil
		})
	}

	keys := service.NewKeyDirectory(st.participants, logger)
	delivery := service.NewDeliveryService(st.participants, st.conversations, files, pusher,
		service.WithLimiter(st.limiter),
		service.WithLogger(logger),
	)

	router := httpapi.NewRouter(ctx, httpapi.Deps{
		Keys:           keys,
		Delivery:       delivery,
		Hub:            hub,
		Relay:          pusher,
		Verifier:       auth.NewVerifier([]byte(cfg.JWTKey)),
		Pinger:         st.pinger,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Conn: realtime.ConnOptions{
			IdleTimeout: cfg.WSIdleTimeout,
			SendBuffer:  cfg.WSSendBuffer,
		},
		Log: logger.Named("http"),
	})
	hs := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.Bool("tls", cfg.TLS()))
		var err error
		if cfg.TLS() {
			err = hs.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = hs.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return hs.Shutdown(sctx)
	})

	if cfg.GRPCAddr != "" {
		if err := serveGRPC(ctx, g, cfg, st.pinger, logger); err != nil {
			return err
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveGRPC(ctx context.Context, g *errgroup.Group, cfg *config.Config, p grpcserver.Pinger, logger *zap.Logger) error {
	opts := grpcserver.Options{Dev: cfg.Dev}
	if cfg.TLS() {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return fmt.Errorf("load TLS cert/key: %w", err)
		}
		opts.Creds = creds
	}
	health := grpcserver.NewHealth(p, cfg.HealthInterval, logger.Named("health"))
	s := grpcserver.New(health, opts, logger.Named("grpc"))

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
	}
	g.Go(func() error {
		health.Run(ctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
		return s.Serve(lis)
	})
	g.Go(func() error {
		<-ctx.Done()
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownTimeout):
			s.Stop()
		}
		return nil
	})
	return nil
}
