package grpc

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"schedula/replica/internal/auth"
	"schedula/replica/internal/domain"
	"schedula/replica/internal/store"
	"schedula/replica/internal/update"
)

const (
	authorizationHeader = "authorization"
	bearerPrefix        = "Bearer "

	// Trailers carrying the failure taxonomy so clients can rebuild the
	// exact store error.
	errorCodeTrailer = "schedula-error-code"
	errorIDTrailer   = "schedula-error-id"
)

type StorageServer struct {
	storage storage
	log     *slog.Logger
}

type storage interface {
	Login(ctx context.Context, username, password, connectAs string) (store.LoginTokens, error)
	Logout(ctx context.Context) error

	Refresh(ctx context.Context, clientVersion string) (*update.Event, error)
	Dispatch(ctx context.Context, evt *update.Event) (*update.Event, error)
	GetResources(ctx context.Context) (*update.Event, error)
	GetEntityRecursive(ctx context.Context, ids []domain.ID) (*update.Event, error)

	GetReservations(ctx context.Context, q store.ReservationQuery) (store.ReservationList, error)
	GetConflicts(ctx context.Context) ([]*domain.Conflict, error)
	GetFirstAllocatableBindings(ctx context.Context, q store.BindingQuery) (map[domain.ID][]domain.ID, error)
	GetAllAllocatableBindings(ctx context.Context, q store.BindingQuery) (store.ReservationList, error)
	GetNextAllocatableDate(ctx context.Context, q store.NextDateQuery) (*time.Time, error)
	GetTemplateNames(ctx context.Context) ([]string, error)
	CreateIdentifier(ctx context.Context, kind domain.Kind, count int) ([]domain.ID, error)

	CanChangePassword(ctx context.Context) (bool, error)
	ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error
	ChangeEmail(ctx context.Context, username, email string) error
	ConfirmEmail(ctx context.Context, username, email string) error
	ChangeName(ctx context.Context, username string, name store.NameChange) error
	RestartServer(ctx context.Context) error
}

// Authenticator turns a bearer token into session claims.
type Authenticator interface {
	Authenticate(token string) (*auth.Claims, error)
}

func NewStorageServer(s storage, log *slog.Logger) *StorageServer {
	if log == nil {
		log = slog.Default()
	}
	return &StorageServer{
		storage: s,
		log:     log.With(slog.String("component", "grpc.storage")),
	}
}

func (s *StorageServer) Register(r grpc.ServiceRegistrar) {
	r.RegisterService(&storageServiceDesc, s)
}

func (s *StorageServer) login(ctx context.Context, req *LoginRequest) (*store.LoginTokens, error) {
	log := s.log.With(slog.String("rpc", MethodLogin), slog.String("username", req.Username))

	if strings.TrimSpace(req.Username) == "" {
		log.Warn("invalid request", slog.String("reason", "missing_username"))
		return nil, s.fail(ctx, log, store.Protocol("login", "username is required"))
	}

	tokens, err := s.storage.Login(ctx, req.Username, req.Password, req.ConnectAs)
	if err != nil {
		return nil, s.fail(ctx, log, err)
	}

	log.Info("login succeeded", slog.String("connect_as", req.ConnectAs), slog.Time("valid_until", tokens.ValidUntil))
	return &tokens, nil
}

func (s *StorageServer) logout(ctx context.Context, _ *Empty) (*Empty, error) {
	log := s.log.With(slog.String("rpc", MethodLogout))
	if err := s.storage.Logout(ctx); err != nil {
		return nil, s.fail(ctx, log, err)
	}
	return &Empty{}, nil
}

func (s *StorageServer) refresh(ctx context.Context, req *RefreshRequest) (*update.Event, error) {
	log := s.log.With(slog.String("rpc", MethodRefresh), slog.String("client_version", req.ClientVersion))

	evt, err := s.storage.Refresh(ctx, req.ClientVersion)
	if err != nil {
		return nil, s.fail(ctx, log, err)
	}

	log.Debug(
		"refresh served",
		slog.Int("stored", len(evt.Store)),
		slog.Int("removed", len(evt.Remove)),
		slog.Bool("needs_resources_refresh", evt.NeedsResourcesRefresh),
	)
	return evt, nil
}

func (s *StorageServer) dispatch(ctx context.Context, req *update.Event) (*update.Event, error) {
	log := s.log.With(slog.String("rpc", MethodDispatch))

	evt, err := s.storage.Dispatch(ctx, req)
	if err != nil {
		return nil, s.fail(ctx, log, err)
	}

	log.Info(
		"change set committed",
		slog.Int("stored", len(req.Store)),
		slog.Int("removed", len(req.Remove)),
		slog.Int("closure", len(evt.Store)+len(evt.Remove)),
	)
	return evt, nil
}

func (s *StorageServer) getResources(ctx context.Context, _ *Empty) (*update.Event, error) {
	log := s.log.With(slog.String("rpc", MethodGetResources))

	evt, err := s.storage.GetResources(ctx)
	if err != nil {
		return nil, s.fail(ctx, log, err)
	}

	log.Debug("resources served", slog.Int("entities", len(evt.Store)))
	return evt, nil
}

func (s *StorageServer) getEntityRecursive(ctx context.Context, req *EntityRequest) (*update.Event, error) {
	log := s.log.With(slog.String("rpc", MethodGetEntityRecursive))

	evt, err := s.storage.GetEntityRecursive(ctx, req.IDs)
	if err != nil {
		return nil, s.fail(ctx, log, err)
	}

	log.Debug("entities served", slog.Int("requested", len(req.IDs)), slog.Int("entities", len(evt.Store)))
	return evt, nil
}

func (s *StorageServer) getReservations(ctx context.Context, req *store.ReservationQuery) (*store.ReservationList, error) {
	log := s.log.With(slog.String("rpc", MethodGetReservations))

	if req.Start != nil && req.End != nil && req.End.Before(*req.Start) {
		log.Warn("invalid request", slog.String("reason", "end_before_start"))
		return nil, s.fail(ctx, log, store.Protocol("get reservations", "end must not be before start"))
	}

	list, err := s.storage.GetReservations(ctx, *req)
	if err != nil {
		return nil, s.fail(ctx, log, err)
	}

	log.Debug("reservations served", slog.Int("reservations", len(list.Reservations)), slog.Int("appointments", len(list.Appointments)))
	return &list, nil
}

func (s *StorageServer) getConflicts(ctx context.Context, _ *Empty) (*ConflictsResponse, error) {
	log := s.log.With(slog.String("rpc", MethodGetConflicts))

	conflicts, err := s.storage.GetConflicts(ctx)
	if err != nil {
		return nil, s.fail(ctx, log, err)
	}
	return &ConflictsResponse{Conflicts: conflicts}, nil
}

func (s *StorageServer) getTemplateNames(ctx context.Context, _ *Empty) (*TemplateNamesResponse, error) {
	log := s.log.With(slog.String("rpc", MethodGetTemplateNames))

	names, err := s.storage.GetTemplateNames(ctx)
	if err != nil {
		return nil, s.fail(ctx, log, err)
	}
	return &TemplateNamesResponse{Names: names}, nil
}

func (s *StorageServer) getFirstAllocatableBindings(ctx context.Context, req *store.BindingQuery) (*BindingsResponse, error) {
	log := s.log.With(slog.String("rpc", MethodGetFirstAllocatableBindings))

	bindings, err := s.storage.GetFirstAllocatableBindings(ctx, *req)
	if err != nil {
		return nil, s.fail(ctx, log, err)
	}
	return &BindingsResponse{Bindings: bindings}, nil
}

func (s *StorageServer) getAllAllocatableBindings(ctx context.Context, req *store.BindingQuery) (*store.ReservationList, error) {
	log := s.log.With(slog.String("rpc", MethodGetAllAllocatableBindings))

	list, err := s.storage.GetAllAllocatableBindings(ctx, *req)
	if err != nil {
		return nil, s.fail(ctx, log, err)
	}
	return &list, nil
}

func (s *StorageServer) getNextAllocatableDate(ctx context.Context, req *store.NextDateQuery) (*NextDateResponse, error) {
	log := s.log.With(slog.String("rpc", MethodGetNextAllocatableDate))

	if req.Appointment == nil {
		log.Warn("invalid request", slog.String("reason", "missing_appointment"))
		return nil, s.fail(ctx, log, store.Protocol("get next allocatable date", "appointment is required"))
	}

	next, err := s.storage.GetNextAllocatableDate(ctx, *req)
	if err != nil {
		return nil, s.fail(ctx, log, err)
	}
	return &NextDateResponse{Next: next}, nil
}

func (s *StorageServer) createIdentifier(ctx context.Context, req *IdentifierRequest) (*IdentifierResponse, error) {
	log := s.log.With(slog.String("rpc", MethodCreateIdentifier), slog.String("kind", string(req.Kind)))

	ids, err := s.storage.CreateIdentifier(ctx, req.Kind, req.Count)
	if err != nil {
		return nil, s.fail(ctx, log, err)
	}

	log.Debug("identifiers created", slog.Int("count", len(ids)))
	return &IdentifierResponse{IDs: ids}, nil
}

func (s *StorageServer) canChangePassword(ctx context.Context, _ *Empty) (*PasswordChangeAllowed, error) {
	log := s.log.With(slog.String("rpc", MethodCanChangePassword))

	ok, err := s.storage.CanChangePassword(ctx)
	if err != nil {
		return nil, s.fail(ctx, log, err)
	}
	return &PasswordChangeAllowed{Allowed: ok}, nil
}

func (s *StorageServer) changePassword(ctx context.Context, req *PasswordRequest) (*Empty, error) {
	log := s.log.With(slog.String("rpc", MethodChangePassword), slog.String("username", req.Username))

	if err := s.storage.ChangePassword(ctx, req.Username, req.OldPassword, req.NewPassword); err != nil {
		return nil, s.fail(ctx, log, err)
	}

	log.Info("password changed")
	return &Empty{}, nil
}

func (s *StorageServer) changeEmail(ctx context.Context, req *EmailRequest) (*Empty, error) {
	log := s.log.With(slog.String("rpc", MethodChangeEmail), slog.String("username", req.Username))

	if err := s.storage.ChangeEmail(ctx, req.Username, req.Email); err != nil {
		return nil, s.fail(ctx, log, err)
	}

	log.Info("email changed")
	return &Empty{}, nil
}

func (s *StorageServer) confirmEmail(ctx context.Context, req *EmailRequest) (*Empty, error) {
	log := s.log.With(slog.String("rpc", MethodConfirmEmail), slog.String("username", req.Username))

	if err := s.storage.ConfirmEmail(ctx, req.Username, req.Email); err != nil {
		return nil, s.fail(ctx, log, err)
	}
	return &Empty{}, nil
}

func (s *StorageServer) changeName(ctx context.Context, req *NameRequest) (*Empty, error) {
	log := s.log.With(slog.String("rpc", MethodChangeName), slog.String("username", req.Username))

	if err := s.storage.ChangeName(ctx, req.Username, req.Name); err != nil {
		return nil, s.fail(ctx, log, err)
	}

	log.Info("name changed")
	return &Empty{}, nil
}

func (s *StorageServer) restartServer(ctx context.Context, _ *Empty) (*Empty, error) {
	log := s.log.With(slog.String("rpc", MethodRestartServer))

	if err := s.storage.RestartServer(ctx); err != nil {
		return nil, s.fail(ctx, log, err)
	}

	log.Info("server state reloaded")
	return &Empty{}, nil
}

// fail converts err to a grpc status and attaches the store error code as
// a trailer.
func (s *StorageServer) fail(ctx context.Context, log *slog.Logger, err error) error {
	var se *store.Error
	if !errors.As(err, &se) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			log.Warn("request aborted", slog.Any("err", err))
			return status.Error(codes.DeadlineExceeded, err.Error())
		}
		log.Error("request failed", slog.Any("err", err))
		return status.Error(codes.Internal, "internal error")
	}

	setErrorTrailer(ctx, se.Code, se.ID)

	msg := errorMessage(se)
	code := statusCode(se.Code)
	switch code {
	case codes.Internal, codes.Unavailable:
		log.Error("request failed", slog.Any("err", err))
	default:
		log.Info("request rejected", slog.String("code", string(se.Code)), slog.String("message", msg))
	}
	return status.Error(code, msg)
}

func setErrorTrailer(ctx context.Context, code store.Code, id domain.ID) {
	md := metadata.Pairs(errorCodeTrailer, string(code))
	if id != "" {
		md.Append(errorIDTrailer, string(id))
	}
	_ = grpc.SetTrailer(ctx, md)
}

func errorMessage(se *store.Error) string {
	if se.Message != "" {
		return se.Message
	}
	if se.Err != nil {
		return se.Err.Error()
	}
	return strings.ToLower(string(se.Code))
}

func statusCode(code store.Code) codes.Code {
	switch code {
	case store.CodeConnectivity:
		return codes.Unavailable
	case store.CodeSecurity:
		return codes.PermissionDenied
	case store.CodeEntityNotFound:
		return codes.NotFound
	case store.CodeProtocol:
		return codes.InvalidArgument
	case store.CodeStaleState, store.CodeInvalidState:
		return codes.FailedPrecondition
	case store.CodeRejected:
		return codes.Aborted
	}
	return codes.Internal
}

// AuthInterceptor validates the bearer token of every call except Login and
// stores the session claims in the request context.
func AuthInterceptor(authn Authenticator, log *slog.Logger) grpc.UnaryServerInterceptor {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "grpc.auth"))

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if info.FullMethod == fullMethod(MethodLogin) {
			return handler(ctx, req)
		}

		token := bearerToken(ctx)
		if token == "" {
			setErrorTrailer(ctx, store.CodeSecurity, "")
			return nil, status.Error(codes.Unauthenticated, "access token is required")
		}
		claims, err := authn.Authenticate(token)
		if err != nil {
			log.Info("token rejected", slog.String("method", info.FullMethod), slog.Any("err", err))
			setErrorTrailer(ctx, store.CodeSecurity, "")
			return nil, status.Error(codes.Unauthenticated, "access token rejected")
		}
		return handler(auth.WithClaims(ctx, claims), req)
	}
}

func bearerToken(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(authorizationHeader)
	if len(values) == 0 {
		return ""
	}
	token, ok := strings.CutPrefix(strings.TrimSpace(values[0]), bearerPrefix)
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// RequestTimeoutInterceptor bounds calls that arrive without a deadline.
func RequestTimeoutInterceptor(timeout time.Duration) grpc.UnaryServerInterceptor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := ctx.Deadline(); ok {
			return handler(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		return handler(ctx, req)
	}
}
