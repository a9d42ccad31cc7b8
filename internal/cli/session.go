package cli

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"

	"schedula/replica/internal/config"
	"schedula/replica/internal/service/conflicts"
	"schedula/replica/internal/service/operator"
	"schedula/replica/internal/store"
	transport "schedula/replica/internal/transport/grpc"
)

// Session is a connected client.
type Session struct {
	Operator  *operator.Operator
	Conflicts *conflicts.Engine

	close func() error
}

func (s *Session) Close(ctx context.Context) error {
	err := s.Operator.Disconnect(ctx, "client exit")
	if s.close != nil {
		if cerr := s.close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Connector opens a session for cfg. Watching sessions keep the periodic
// refresh running.
type Connector func(ctx context.Context, cfg config.Client, watch bool, log *slog.Logger) (*Session, error)

// DialConnector connects over grpc. dialOpts are appended to the defaults.
func DialConnector(dialOpts ...grpc.DialOption) Connector {
	return func(ctx context.Context, cfg config.Client, watch bool, log *slog.Logger) (*Session, error) {
		conn, err := transport.Dial(cfg.Server, dialOpts...)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid server address", err)
		}

		info := store.NewConnectionInfo(cfg.Server)
		op := operator.New(transport.NewChannel(conn, info, log), info, operator.Options{
			CacheReservations: cfg.CacheReservations,
			RefreshInterval:   cfg.RefreshInterval,
			RequestTimeout:    cfg.RequestTimeout,
			DisableScheduler:  !watch,
			Logger:            log,
		})

		connectCtx := ctx
		if cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			connectCtx, cancel = context.WithTimeout(ctx, cfg.RequestTimeout)
			defer cancel()
		}
		creds := &operator.Credentials{Username: cfg.Username, Password: cfg.Password, ConnectAs: cfg.ConnectAs}
		if err := op.Connect(connectCtx, creds); err != nil {
			_ = conn.Close()
			return nil, storeExit("connect failed", err)
		}

		return &Session{
			Operator:  op,
			Conflicts: conflicts.NewEngine(op, log),
			close:     conn.Close,
		}, nil
	}
}
