package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"schedula/replica/internal/domain"
	"schedula/replica/internal/store"
)

const ServiceName = "schedula.replica.v1.Storage"

const (
	MethodLogin                       = "Login"
	MethodLogout                      = "Logout"
	MethodRefresh                     = "Refresh"
	MethodDispatch                    = "Dispatch"
	MethodGetResources                = "GetResources"
	MethodGetEntityRecursive          = "GetEntityRecursive"
	MethodGetReservations             = "GetReservations"
	MethodGetConflicts                = "GetConflicts"
	MethodGetFirstAllocatableBindings = "GetFirstAllocatableBindings"
	MethodGetAllAllocatableBindings   = "GetAllAllocatableBindings"
	MethodGetNextAllocatableDate      = "GetNextAllocatableDate"
	MethodGetTemplateNames            = "GetTemplateNames"
	MethodCreateIdentifier            = "CreateIdentifier"
	MethodCanChangePassword           = "CanChangePassword"
	MethodChangePassword              = "ChangePassword"
	MethodChangeEmail                 = "ChangeEmail"
	MethodConfirmEmail                = "ConfirmEmail"
	MethodChangeName                  = "ChangeName"
	MethodRestartServer               = "RestartServer"
)

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

type Empty struct{}

type LoginRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	ConnectAs string `json:"connect_as,omitempty"`
}

type RefreshRequest struct {
	ClientVersion string `json:"client_version"`
}

type EntityRequest struct {
	IDs []domain.ID `json:"ids"`
}

type ConflictsResponse struct {
	Conflicts []*domain.Conflict `json:"conflicts"`
}

type BindingsResponse struct {
	Bindings map[domain.ID][]domain.ID `json:"bindings"`
}

type NextDateResponse struct {
	Next *time.Time `json:"next,omitempty"`
}

type TemplateNamesResponse struct {
	Names []string `json:"names"`
}

type IdentifierRequest struct {
	Kind  domain.Kind `json:"kind"`
	Count int         `json:"count"`
}

type IdentifierResponse struct {
	IDs []domain.ID `json:"ids"`
}

type PasswordChangeAllowed struct {
	Allowed bool `json:"allowed"`
}

type PasswordRequest struct {
	Username    string `json:"username"`
	OldPassword string `json:"old_password,omitempty"`
	NewPassword string `json:"new_password"`
}

type EmailRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

type NameRequest struct {
	Username string           `json:"username"`
	Name     store.NameChange `json:"name"`
}

// unary adapts a typed server method to the grpc method table.
func unary[Req, Resp any](name string, fn func(*StorageServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			s := srv.(*StorageServer)
			if interceptor == nil {
				return fn(s, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
				return fn(s, ctx, req.(*Req))
			})
		},
	}
}

var storageServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodLogin, (*StorageServer).login),
		unary(MethodLogout, (*StorageServer).logout),
		unary(MethodRefresh, (*StorageServer).refresh),
		unary(MethodDispatch, (*StorageServer).dispatch),
		unary(MethodGetResources, (*StorageServer).getResources),
		unary(MethodGetEntityRecursive, (*StorageServer).getEntityRecursive),
		unary(MethodGetReservations, (*StorageServer).getReservations),
		unary(MethodGetConflicts, (*StorageServer).getConflicts),
		unary(MethodGetFirstAllocatableBindings, (*StorageServer).getFirstAllocatableBindings),
		unary(MethodGetAllAllocatableBindings, (*StorageServer).getAllAllocatableBindings),
		unary(MethodGetNextAllocatableDate, (*StorageServer).getNextAllocatableDate),
		unary(MethodGetTemplateNames, (*StorageServer).getTemplateNames),
		unary(MethodCreateIdentifier, (*StorageServer).createIdentifier),
		unary(MethodCanChangePassword, (*StorageServer).canChangePassword),
		unary(MethodChangePassword, (*StorageServer).changePassword),
		unary(MethodChangeEmail, (*StorageServer).changeEmail),
		unary(MethodConfirmEmail, (*StorageServer).confirmEmail),
		unary(MethodChangeName, (*StorageServer).changeName),
		unary(MethodRestartServer, (*StorageServer).restartServer),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "schedula/replica/storage",
}
