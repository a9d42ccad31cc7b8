package store

import (
	"context"
	"time"

	"schedula/replica/internal/domain"
	"schedula/replica/internal/update"
)

type LoginTokens struct {
	AccessToken string    `json:"access_token"`
	ValidUntil  time.Time `json:"valid_until"`
}

type ReservationQuery struct {
	Allocatables []domain.ID       `json:"allocatables,omitempty"`
	Start        *time.Time        `json:"start,omitempty"`
	End          *time.Time        `json:"end,omitempty"`
	Annotations  map[string]string `json:"annotations,omitempty"`
}

// ReservationList carries reservations together with their appointments.
type ReservationList struct {
	Reservations []*domain.Reservation `json:"reservations"`
	Appointments []*domain.Appointment `json:"appointments"`
}

func (l ReservationList) Bookings() *domain.Bookings {
	return domain.NewBookings(l.Reservations, l.Appointments)
}

type BindingQuery struct {
	Allocatables []domain.ID           `json:"allocatables"`
	Appointments []*domain.Appointment `json:"appointments"`
	Ignore       []domain.ID           `json:"ignore,omitempty"`
}

type NextDateQuery struct {
	Allocatables []domain.ID            `json:"allocatables"`
	Appointment  *domain.Appointment    `json:"appointment"`
	Ignore       []domain.ID            `json:"ignore,omitempty"`
	Options      domain.NextSlotOptions `json:"options"`
}

type NameChange struct {
	Title     string `json:"title,omitempty"`
	Firstname string `json:"firstname,omitempty"`
	Surname   string `json:"surname,omitempty"`
}

// RemoteChannel is the client view of the authoritative store. Failures
// are reported as *Error values.
type RemoteChannel interface {
	Login(ctx context.Context, username, password, connectAs string) *Future[LoginTokens]
	Logout(ctx context.Context) *Future[struct{}]

	Refresh(ctx context.Context, clientVersion string) *Future[*update.Event]
	Dispatch(ctx context.Context, event *update.Event) *Future[*update.Event]
	GetResources(ctx context.Context) *Future[*update.Event]
	GetEntityRecursive(ctx context.Context, ids []domain.ID) *Future[*update.Event]

	GetReservations(ctx context.Context, q ReservationQuery) *Future[ReservationList]
	GetConflicts(ctx context.Context) *Future[[]*domain.Conflict]
	// GetFirstAllocatableBindings returns, per allocatable, the IDs of the
	// candidate appointments that are already booked.
	GetFirstAllocatableBindings(ctx context.Context, q BindingQuery) *Future[map[domain.ID][]domain.ID]
	// GetAllAllocatableBindings returns the booked reservations colliding
	// with any candidate.
	GetAllAllocatableBindings(ctx context.Context, q BindingQuery) *Future[ReservationList]
	GetNextAllocatableDate(ctx context.Context, q NextDateQuery) *Future[*time.Time]
	GetTemplateNames(ctx context.Context) *Future[[]string]

	CreateIdentifier(ctx context.Context, kind domain.Kind, count int) *Future[[]domain.ID]

	CanChangePassword(ctx context.Context) *Future[bool]
	ChangePassword(ctx context.Context, username, oldPassword, newPassword string) *Future[struct{}]
	ChangeEmail(ctx context.Context, username, email string) *Future[struct{}]
	ConfirmEmail(ctx context.Context, username, email string) *Future[struct{}]
	ChangeName(ctx context.Context, username string, name NameChange) *Future[struct{}]

	RestartServer(ctx context.Context) *Future[struct{}]
}
