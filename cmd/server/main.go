// Command lendingdesk-server starts the lending desk gRPC server.
package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/lendingdesk/internal/config"
	"github.com/and161185/lendingdesk/internal/errs"
	"github.com/and161185/lendingdesk/internal/limiter"
	"github.com/and161185/lendingdesk/internal/logging"
	"github.com/and161185/lendingdesk/internal/migrate"
	"github.com/and161185/lendingdesk/internal/notify"
	"github.com/and161185/lendingdesk/internal/policy"
	"github.com/and161185/lendingdesk/internal/repository"
	"github.com/and161185/lendingdesk/internal/repository/memory"
	"github.com/and161185/lendingdesk/internal/repository/postgres"
	grpcserver "github.com/and161185/lendingdesk/internal/server/grpc"
	"github.com/and161185/lendingdesk/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// backend bundles the storage-dependent pieces.
type backend struct {
	loans     repository.LoanRepository
	items     repository.ItemGateway
	borrowers repository.BorrowerDirectory
	policies  repository.PolicyRepository
	cooldown  limiter.Cooldown
	sink      notify.Sink
	gc        func(ctx context.Context, olderThan time.Duration) error
	close     func()
}

func openBackend(ctx context.Context, cfg config.Config, log *zap.Logger) (*backend, error) {
	if cfg.Store == config.StoreMemory {
		st := memory.New()
		return &backend{
			loans:     st,
			items:     st,
			borrowers: st.Borrowers(),
			policies:  st,
			cooldown:  limiter.NewMemory(),
			sink:      notify.LogSink{Log: log},
			close:     func() {},
		}, nil
	}

	if err := migrate.Up(ctx, cfg.DSN, log); err != nil {
		return nil, err
	}
	db, err := postgres.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	lim := limiter.NewPG(db.Pool)
	b := &backend{
		loans:     postgres.NewLoanRepo(db),
		items:     postgres.NewItemRepo(db),
		borrowers: postgres.NewBorrowerRepo(db),
		policies:  postgres.NewPolicyRepo(db),
		cooldown:  lim,
		sink:      notify.LogSink{Log: log},
		gc:        lim.Forget,
		close:     db.Close,
	}
	if cfg.NotifySink == config.SinkOutbox {
		b.sink = postgres.NewNotificationOutbox(db)
	}
	return b, nil
}

// main loads configuration, wires storage and services, and serves gRPC until signalled.
func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		// logger is not configured yet
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(2)
	}

	logCfg := logging.ConfigFromEnv()
	logCfg.Dev = logCfg.Dev || cfg.Dev
	logger, err := logging.New(logCfg)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
		zap.String("store", cfg.Store),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open storage", zap.Error(err))
	}
	defer be.close()

	pol, err := policy.Load(ctx, be.policies)
	if err != nil {
		logger.Fatal("load policy", zap.Error(err))
	}

	disp := notify.NewDispatcher(be.sink, logger.Named("notify"), cfg.NotifyWorkers, cfg.NotifyQueue)

	authSvc := service.NewAuthService(be.borrowers, []byte(cfg.JWTKey), cfg.AccessTTL)
	lendingSvc := service.NewLendingService(be.loans, be.items, be.borrowers, pol,
		service.WithNotifier(disp),
		service.WithCooldown(be.cooldown),
		service.WithLogger(logger.Named("lending")),
	)

	if key, secret, ok := cfg.BootstrapStaff(); ok {
		id, err := authSvc.Register(ctx, key, secret, true)
		switch {
		case err == nil:
			logger.Info("bootstrap staff created", zap.Int64("borrower_id", id))
		case errors.Is(err, errs.ErrConflict):
			logger.Debug("bootstrap staff exists")
		default:
			logger.Fatal("bootstrap staff", zap.Error(err))
		}
	}

	var creds credentials.TransportCredentials
	if cfg.Dev {
		creds = insecure.NewCredentials()
	} else {
		creds, err = credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			logger.Fatal("failed to load TLS cert/key", zap.Error(err))
		}
	}

	s := grpc.NewServer(
		grpc.Creds(creds),
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.LoggingUnary(logger),
		),
	)
	grpcserver.Register(s, grpcserver.New(authSvc, lendingSvc, []byte(cfg.JWTKey)))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	if cfg.Dev {
		reflection.Register(s)
	}

	if be.gc != nil {
		go purgeCooldowns(ctx, logger, cfg.CooldownGC, pol, be.gc)
	}

	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr), zap.Bool("tls", !cfg.Dev))
		errCh <- s.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		hs.Shutdown()
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.Stop()
		}
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		_ = disp.Close(context.Background())
		be.close()
		os.Exit(1)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := disp.Close(drainCtx); err != nil {
		logger.Warn("notification queue not drained", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// purgeCooldowns drops nudge cooldown rows that no longer block anyone.
func purgeCooldowns(ctx context.Context, log *zap.Logger, every time.Duration, pol *policy.Store,
	forget func(context.Context, time.Duration) error) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			window := time.Duration(pol.Get().NudgeCooldownHours) * time.Hour
			if err := forget(ctx, window); err != nil && ctx.Err() == nil {
				log.Warn("cooldown purge failed", zap.Error(err))
			}
		}
	}
}
