package grpc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"schedula/replica/internal/domain"
	"schedula/replica/internal/store"
	"schedula/replica/internal/update"
)

// Dial opens a client connection speaking the storage codec. Callers may
// append options, for example transport credentials or a custom dialer.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	return grpc.NewClient(target, append(base, opts...)...)
}

// Channel is the grpc implementation of store.RemoteChannel. Every call
// carries the current access token. A call rejected as unauthenticated is
// retried once after the session re-authenticates.
type Channel struct {
	conn grpc.ClientConnInterface
	info *store.ConnectionInfo
	log  *slog.Logger
}

var _ store.RemoteChannel = (*Channel)(nil)

func NewChannel(conn grpc.ClientConnInterface, info *store.ConnectionInfo, log *slog.Logger) *Channel {
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		conn: conn,
		info: info,
		log:  log.With(slog.String("component", "grpc.channel")),
	}
}

func (c *Channel) invoke(ctx context.Context, method string, req, resp any) error {
	trailer, err := c.once(ctx, method, req, resp)
	if status.Code(err) == codes.Unauthenticated && method != MethodLogin && method != MethodLogout {
		c.log.Debug("access token rejected, re-authenticating", slog.String("rpc", method))
		if _, rerr := c.info.Reauthenticate(ctx); rerr != nil {
			return rerr
		}
		trailer, err = c.once(ctx, method, req, resp)
	}
	return fromStatus(method, err, trailer)
}

func (c *Channel) once(ctx context.Context, method string, req, resp any) (metadata.MD, error) {
	if method != MethodLogin {
		if token := c.info.AccessToken(); token != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, authorizationHeader, bearerPrefix+token)
		}
	}
	var trailer metadata.MD
	err := c.conn.Invoke(ctx, fullMethod(method), req, resp,
		grpc.CallContentSubtype(codecName),
		grpc.Trailer(&trailer),
	)
	return trailer, err
}

// fromStatus rebuilds the store error of a failed call. The code trailer
// wins over the grpc status code when the server sent one.
func fromStatus(op string, err error, trailer metadata.MD) error {
	if err == nil {
		return nil
	}
	var se *store.Error
	if errors.As(err, &se) {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return store.Connectivity(op, err)
	}

	if values := trailer.Get(errorCodeTrailer); len(values) > 0 {
		out := &store.Error{Code: store.Code(values[0]), Op: op, Message: st.Message()}
		if ids := trailer.Get(errorIDTrailer); len(ids) > 0 {
			out.ID = domain.ID(ids[0])
		}
		return out
	}

	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return store.Connectivity(op, err)
	case codes.Unauthenticated, codes.PermissionDenied:
		return store.Security(op, st.Message())
	case codes.NotFound:
		return store.New(store.CodeEntityNotFound, op, st.Message())
	case codes.InvalidArgument:
		return store.Protocol(op, st.Message())
	case codes.FailedPrecondition, codes.Aborted:
		return store.Rejected(op, st.Message())
	}
	return store.Remote(op, err)
}

func (c *Channel) exec(ctx context.Context, method string, req any) *store.Future[struct{}] {
	return store.Go(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.invoke(ctx, method, req, &Empty{})
	})
}

func (c *Channel) event(ctx context.Context, method string, req any) *store.Future[*update.Event] {
	return store.Go(ctx, func(ctx context.Context) (*update.Event, error) {
		var evt update.Event
		if err := c.invoke(ctx, method, req, &evt); err != nil {
			return nil, err
		}
		return &evt, nil
	})
}

func (c *Channel) Login(ctx context.Context, username, password, connectAs string) *store.Future[store.LoginTokens] {
	return store.Go(ctx, func(ctx context.Context) (store.LoginTokens, error) {
		var tokens store.LoginTokens
		err := c.invoke(ctx, MethodLogin, &LoginRequest{Username: username, Password: password, ConnectAs: connectAs}, &tokens)
		return tokens, err
	})
}

func (c *Channel) Logout(ctx context.Context) *store.Future[struct{}] {
	return c.exec(ctx, MethodLogout, &Empty{})
}

func (c *Channel) Refresh(ctx context.Context, clientVersion string) *store.Future[*update.Event] {
	return c.event(ctx, MethodRefresh, &RefreshRequest{ClientVersion: clientVersion})
}

func (c *Channel) Dispatch(ctx context.Context, evt *update.Event) *store.Future[*update.Event] {
	return c.event(ctx, MethodDispatch, evt)
}

func (c *Channel) GetResources(ctx context.Context) *store.Future[*update.Event] {
	return c.event(ctx, MethodGetResources, &Empty{})
}

func (c *Channel) GetEntityRecursive(ctx context.Context, ids []domain.ID) *store.Future[*update.Event] {
	return c.event(ctx, MethodGetEntityRecursive, &EntityRequest{IDs: ids})
}

func (c *Channel) GetReservations(ctx context.Context, q store.ReservationQuery) *store.Future[store.ReservationList] {
	return store.Go(ctx, func(ctx context.Context) (store.ReservationList, error) {
		var list store.ReservationList
		err := c.invoke(ctx, MethodGetReservations, &q, &list)
		return list, err
	})
}

func (c *Channel) GetConflicts(ctx context.Context) *store.Future[[]*domain.Conflict] {
	return store.Go(ctx, func(ctx context.Context) ([]*domain.Conflict, error) {
		var resp ConflictsResponse
		if err := c.invoke(ctx, MethodGetConflicts, &Empty{}, &resp); err != nil {
			return nil, err
		}
		return resp.Conflicts, nil
	})
}

func (c *Channel) GetTemplateNames(ctx context.Context) *store.Future[[]string] {
	return store.Go(ctx, func(ctx context.Context) ([]string, error) {
		var resp TemplateNamesResponse
		if err := c.invoke(ctx, MethodGetTemplateNames, &Empty{}, &resp); err != nil {
			return nil, err
		}
		return resp.Names, nil
	})
}

func (c *Channel) GetFirstAllocatableBindings(ctx context.Context, q store.BindingQuery) *store.Future[map[domain.ID][]domain.ID] {
	return store.Go(ctx, func(ctx context.Context) (map[domain.ID][]domain.ID, error) {
		var resp BindingsResponse
		if err := c.invoke(ctx, MethodGetFirstAllocatableBindings, &q, &resp); err != nil {
			return nil, err
		}
		return resp.Bindings, nil
	})
}

func (c *Channel) GetAllAllocatableBindings(ctx context.Context, q store.BindingQuery) *store.Future[store.ReservationList] {
	return store.Go(ctx, func(ctx context.Context) (store.ReservationList, error) {
		var list store.ReservationList
		err := c.invoke(ctx, MethodGetAllAllocatableBindings, &q, &list)
		return list, err
	})
}

func (c *Channel) GetNextAllocatableDate(ctx context.Context, q store.NextDateQuery) *store.Future[*time.Time] {
	return store.Go(ctx, func(ctx context.Context) (*time.Time, error) {
		var resp NextDateResponse
		if err := c.invoke(ctx, MethodGetNextAllocatableDate, &q, &resp); err != nil {
			return nil, err
		}
		return resp.Next, nil
	})
}

func (c *Channel) CreateIdentifier(ctx context.Context, kind domain.Kind, count int) *store.Future[[]domain.ID] {
	return store.Go(ctx, func(ctx context.Context) ([]domain.ID, error) {
		var resp IdentifierResponse
		if err := c.invoke(ctx, MethodCreateIdentifier, &IdentifierRequest{Kind: kind, Count: count}, &resp); err != nil {
			return nil, err
		}
		return resp.IDs, nil
	})
}

func (c *Channel) CanChangePassword(ctx context.Context) *store.Future[bool] {
	return store.Go(ctx, func(ctx context.Context) (bool, error) {
		var resp PasswordChangeAllowed
		err := c.invoke(ctx, MethodCanChangePassword, &Empty{}, &resp)
		return resp.Allowed, err
	})
}

func (c *Channel) ChangePassword(ctx context.Context, username, oldPassword, newPassword string) *store.Future[struct{}] {
	return c.exec(ctx, MethodChangePassword, &PasswordRequest{Username: username, OldPassword: oldPassword, NewPassword: newPassword})
}

func (c *Channel) ChangeEmail(ctx context.Context, username, email string) *store.Future[struct{}] {
	return c.exec(ctx, MethodChangeEmail, &EmailRequest{Username: username, Email: email})
}

func (c *Channel) ConfirmEmail(ctx context.Context, username, email string) *store.Future[struct{}] {
	return c.exec(ctx, MethodConfirmEmail, &EmailRequest{Username: username, Email: email})
}

func (c *Channel) ChangeName(ctx context.Context, username string, name store.NameChange) *store.Future[struct{}] {
	return c.exec(ctx, MethodChangeName, &NameRequest{Username: username, Name: name})
}

func (c *Channel) RestartServer(ctx context.Context) *store.Future[struct{}] {
	return c.exec(ctx, MethodRestartServer, &Empty{})
}
