package conflicts

import (
	"context"
	"log/slog"
	"time"

	"schedula/replica/internal/domain"
	"schedula/replica/internal/store"
)

// Source is the view of the sync operator the engine works from.
type Source interface {
	EnsureFresh(ctx context.Context, op string) error
	CachesReservations() bool
	LocalBookings() *domain.Bookings
	Channel() store.RemoteChannel
	GetConflicts(ctx context.Context) ([]*domain.Conflict, error)
	Resolve(id domain.ID) (domain.Entity, bool)
}

type Engine struct {
	src Source
	log *slog.Logger
}

func NewEngine(src Source, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{src: src, log: logger.With(slog.String("component", "conflict_engine"))}
}

// FirstAllocatableBindings reports, per allocatable, the candidates that
// are already booked by some other reservation.
func (e *Engine) FirstAllocatableBindings(ctx context.Context, allocs []domain.ID, candidates []*domain.Appointment, ignore []domain.ID) (map[domain.ID][]*domain.Appointment, error) {
	const op = "first_allocatable_bindings"
	if err := e.src.EnsureFresh(ctx, op); err != nil {
		return nil, err
	}
	if e.src.CachesReservations() {
		return e.src.LocalBookings().FirstBindings(allocs, candidates, domain.IDSet(ignore)), nil
	}

	q := store.BindingQuery{Allocatables: allocs, Appointments: candidates, Ignore: ignore}
	remote, err := e.src.Channel().GetFirstAllocatableBindings(ctx, q).Await(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[domain.ID]*domain.Appointment, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}
	out := make(map[domain.ID][]*domain.Appointment, len(allocs))
	for _, alloc := range allocs {
		out[alloc] = nil
	}
	for alloc, ids := range remote {
		for _, id := range ids {
			c, ok := byID[id]
			if !ok {
				return nil, store.Protocol(op, "server returned unknown candidate "+string(id))
			}
			out[alloc] = append(out[alloc], c)
		}
	}
	return out, nil
}

// AllAllocatableBindings reports, per allocatable and candidate ID, every
// booked appointment the candidate collides with.
func (e *Engine) AllAllocatableBindings(ctx context.Context, allocs []domain.ID, candidates []*domain.Appointment, ignore []domain.ID) (map[domain.ID]map[domain.ID][]*domain.Appointment, error) {
	const op = "all_allocatable_bindings"
	if err := e.src.EnsureFresh(ctx, op); err != nil {
		return nil, err
	}
	ignored := domain.IDSet(ignore)
	if e.src.CachesReservations() {
		return e.src.LocalBookings().AllBindings(allocs, candidates, ignored), nil
	}

	q := store.BindingQuery{Allocatables: allocs, Appointments: candidates, Ignore: ignore}
	list, err := e.src.Channel().GetAllAllocatableBindings(ctx, q).Await(ctx)
	if err != nil {
		return nil, err
	}
	e.log.Debug("grouping remote bindings",
		slog.Int("reservations", len(list.Reservations)),
		slog.Int("appointments", len(list.Appointments)),
	)
	return list.Bookings().AllBindings(allocs, candidates, ignored), nil
}

// NextAllocatableDate finds the earliest start after the candidate's at
// which it could be booked on all allocs. ok is false when no slot exists
// within a year.
func (e *Engine) NextAllocatableDate(ctx context.Context, allocs []domain.ID, candidate *domain.Appointment, ignore []domain.ID, opts domain.NextSlotOptions) (time.Time, bool, error) {
	const op = "next_allocatable_date"
	if err := e.src.EnsureFresh(ctx, op); err != nil {
		return time.Time{}, false, err
	}
	if candidate == nil {
		return time.Time{}, false, store.InvalidState(op, "candidate appointment required")
	}
	if e.src.CachesReservations() {
		next, ok := e.src.LocalBookings().NextAllocatableDate(allocs, candidate, domain.IDSet(ignore), opts)
		return next, ok, nil
	}

	q := store.NextDateQuery{Allocatables: allocs, Appointment: candidate, Ignore: ignore, Options: opts}
	next, err := e.src.Channel().GetNextAllocatableDate(ctx, q).Await(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	if next == nil {
		return time.Time{}, false, nil
	}
	return *next, true, nil
}

// Resolved is a conflict with its allocatable looked up.
type Resolved struct {
	*domain.Conflict
	Resource *domain.Allocatable
}

// Conflicts returns the current double bookings. Allocatables missing from
// the cache resolve to placeholders.
func (e *Engine) Conflicts(ctx context.Context) ([]Resolved, error) {
	conflicts, err := e.src.GetConflicts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Resolved, 0, len(conflicts))
	for _, c := range conflicts {
		r := Resolved{Conflict: c}
		if ent, ok := e.src.Resolve(c.Allocatable); ok {
			r.Resource, _ = ent.(*domain.Allocatable)
		}
		if r.Resource == nil {
			r.Resource = domain.Placeholder(c.Allocatable)
		}
		out = append(out, r)
	}
	return out, nil
}
