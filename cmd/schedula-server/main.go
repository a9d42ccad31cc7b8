package main

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/uptrace/bun"
	"google.golang.org/grpc"
	"gopkg.in/natefinch/lumberjack.v2"

	"schedula/replica/internal/auth"
	"schedula/replica/internal/config"
	"schedula/replica/internal/domain"
	"schedula/replica/internal/service/authority"
	"schedula/replica/internal/store/sqlstore"
	transport "schedula/replica/internal/transport/grpc"
	"schedula/replica/internal/transport/httpapi"
)

func main() {
	log := newLogger(os.Stdout, "info")
	slog.SetDefault(log)

	cfg, err := config.LoadServer(os.Getenv("SCHEDULA_CONFIG"))
	if err != nil {
		log.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
		defer file.Close()
		out = io.MultiWriter(os.Stdout, file)
	}
	log = newLogger(out, cfg.LogLevel)
	slog.SetDefault(log)

	log.Info("starting",
		slog.String("grpc_addr", cfg.GRPCAddr()),
		slog.String("log_level", cfg.LogLevel),
		slog.String("database_driver", cfg.DatabaseDriver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, closeRepo, err := openRepository(ctx, log, cfg)
	if err != nil {
		log.Error("database connection failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer closeRepo()

	key := []byte(cfg.JWTKey)
	if len(key) == 0 {
		log.Warn("auth.jwt_key is not set; generating a key, tokens will not survive a restart")
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			log.Error("key generation failed", slog.Any("err", err))
			os.Exit(1)
		}
	}
	issuer, err := auth.NewIssuer(key, cfg.JWTIssuer, auth.WithTTL(cfg.TokenTTL))
	if err != nil {
		log.Error("token issuer setup failed", slog.Any("err", err))
		os.Exit(1)
	}

	a, err := authority.New(ctx, repo, issuer, authority.Options{
		HistoryLimit: cfg.HistoryLimit,
		Location:     cfg.Timezone,
		Logger:       log,
	})
	if err != nil {
		log.Error("authority load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := bootstrap(ctx, log, a, cfg); err != nil {
		log.Error("bootstrap failed", slog.Any("err", err))
		os.Exit(1)
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			transport.RequestTimeoutInterceptor(cfg.GRPCRequestTimeout),
			transport.AuthInterceptor(a, log),
		),
	)
	transport.NewStorageServer(a, log).Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		log.Error("grpc listen failed", slog.Any("err", err), slog.String("grpc_addr", cfg.GRPCAddr()))
		os.Exit(1)
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()
	log.Info("grpc server started", slog.String("grpc_addr", cfg.GRPCAddr()))

	var httpServer *http.Server
	if cfg.HTTPAddr != "" {
		httpServer = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           httpapi.NewRouter(a, log),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		log.Info("http server started", slog.String("http_addr", cfg.HTTPAddr))
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
		shutdown(log, grpcServer, httpServer, cfg.ShutdownTimeout)
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("server stopped with error", slog.Any("err", err))
			os.Exit(1)
		}
	}
}

func newLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLogLevel(level)})).With(
		slog.String("service", "schedula-server"),
	)
}

// openRepository returns a nil repository for the memory driver.
func openRepository(ctx context.Context, log *slog.Logger, cfg config.Server) (authority.Repository, func(), error) {
	var (
		db  *bun.DB
		err error
	)
	switch cfg.DatabaseDriver {
	case config.DriverMemory:
		log.Warn("using the in-memory store; data is lost on shutdown")
		return nil, func() {}, nil
	case config.DriverSQLite:
		log.Info("opening database", slog.String("db_path", cfg.DatabasePath))
		db, err = sqlstore.OpenSQLite(cfg.DatabasePath)
	default:
		log.Info("connecting to database", databaseLogArgs(cfg.DatabaseURL)...)
		db, err = sqlstore.OpenPostgres(cfg.DatabaseURL, sqlstore.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
			ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		})
	}
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		if err := sqlstore.Close(db); err != nil {
			log.Warn("database close failed", slog.Any("err", err))
		}
	}

	repo := sqlstore.New(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		closeDB()
		return nil, nil, err
	}
	return repo, closeDB, nil
}

func bootstrap(ctx context.Context, log *slog.Logger, a *authority.Authority, cfg config.Server) error {
	if cfg.AdminPassword != "" {
		created, err := a.EnsureAccount(ctx, &domain.User{Username: cfg.AdminUsername, Admin: true}, cfg.AdminPassword)
		if err != nil {
			return err
		}
		if created {
			log.Info("admin account created", slog.String("username", cfg.AdminUsername))
		}
	}

	if cfg.SeedFile == "" {
		return nil
	}
	f, err := os.Open(cfg.SeedFile)
	if err != nil {
		return err
	}
	defer f.Close()
	seed, err := authority.ReadSeed(f)
	if err != nil {
		return err
	}
	if err := a.ApplySeed(ctx, seed); err != nil {
		return err
	}
	log.Info("seed applied",
		slog.String("seed_file", cfg.SeedFile),
		slog.Int("users", len(seed.Users)),
		slog.Int("allocatables", len(seed.Allocatables)),
		slog.Int("reservations", len(seed.Reservations)),
	)
	return nil
}

func shutdown(log *slog.Logger, s *grpc.Server, h *http.Server, timeout time.Duration) {
	log.Info("shutting down servers", slog.Duration("timeout", timeout))

	if h != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := h.Shutdown(ctx); err != nil {
			log.Warn("http shutdown failed", slog.Any("err", err))
		}
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		log.Info("grpc server stopped")
	case <-timer.C:
		log.Warn("grpc graceful shutdown timed out; forcing stop")
		s.Stop()
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func databaseLogArgs(databaseURL string) []any {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return []any{slog.String("db_url", "invalid")}
	}
	name := strings.TrimPrefix(u.Path, "/")
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "default"
	}
	if host == "" {
		host = "unknown"
	}
	if name == "" {
		name = "unknown"
	}
	return []any{
		slog.String("db_host", host),
		slog.String("db_port", port),
		slog.String("db_name", name),
	}
}
