package authority

import (
	"context"
	"time"

	"schedula/replica/internal/domain"
	"schedula/replica/internal/store"
)

const maxIdentifiers = 1000

// bookings indexes the stored reservations. The entity lock must be held.
func (a *Authority) bookings() *domain.Bookings {
	var res []*domain.Reservation
	var appts []*domain.Appointment
	for _, e := range a.entities.ByKind(domain.KindReservation) {
		res = append(res, e.(*domain.Reservation))
	}
	for _, e := range a.entities.ByKind(domain.KindAppointment) {
		appts = append(appts, e.(*domain.Appointment))
	}
	return domain.NewBookings(res, appts)
}

func cloneList(res []*domain.Reservation, appts []*domain.Appointment) store.ReservationList {
	out := store.ReservationList{
		Reservations: make([]*domain.Reservation, 0, len(res)),
		Appointments: make([]*domain.Appointment, 0, len(appts)),
	}
	for _, r := range res {
		out.Reservations = append(out.Reservations, r.Clone().(*domain.Reservation))
	}
	for _, a := range appts {
		out.Appointments = append(out.Appointments, a.Clone().(*domain.Appointment))
	}
	return out
}

func (a *Authority) GetReservations(ctx context.Context, q store.ReservationQuery) (store.ReservationList, error) {
	if _, err := caller(ctx, "get_reservations"); err != nil {
		return store.ReservationList{}, err
	}
	unlock := a.entities.ReadLock()
	defer unlock()
	return cloneList(a.bookings().Find(q.Allocatables, q.Start, q.End, q.Annotations)), nil
}

func (a *Authority) GetConflicts(ctx context.Context) ([]*domain.Conflict, error) {
	if _, err := caller(ctx, "get_conflicts"); err != nil {
		return nil, err
	}
	unlock := a.entities.ReadLock()
	defer unlock()
	return a.bookings().Conflicts(), nil
}

func (a *Authority) GetTemplateNames(ctx context.Context) ([]string, error) {
	if _, err := caller(ctx, "get_template_names"); err != nil {
		return nil, err
	}
	unlock := a.entities.ReadLock()
	defer unlock()
	return a.bookings().TemplateNames(), nil
}

func (a *Authority) GetFirstAllocatableBindings(ctx context.Context, q store.BindingQuery) (map[domain.ID][]domain.ID, error) {
	if _, err := caller(ctx, "get_first_allocatable_bindings"); err != nil {
		return nil, err
	}
	unlock := a.entities.ReadLock()
	defer unlock()
	bindings := a.bookings().FirstBindings(q.Allocatables, q.Appointments, domain.IDSet(q.Ignore))
	out := make(map[domain.ID][]domain.ID, len(bindings))
	for alloc, blocked := range bindings {
		out[alloc] = domain.IDs(blocked)
	}
	return out, nil
}

// GetAllAllocatableBindings returns the booked reservations and
// appointments colliding with any of the candidates.
func (a *Authority) GetAllAllocatableBindings(ctx context.Context, q store.BindingQuery) (store.ReservationList, error) {
	if _, err := caller(ctx, "get_all_allocatable_bindings"); err != nil {
		return store.ReservationList{}, err
	}
	unlock := a.entities.ReadLock()
	defer unlock()
	b := a.bookings()
	seenRes := make(map[domain.ID]struct{})
	seenAppt := make(map[domain.ID]struct{})
	var res []*domain.Reservation
	var appts []*domain.Appointment
	for _, perCandidate := range b.AllBindings(q.Allocatables, q.Appointments, domain.IDSet(q.Ignore)) {
		for _, hits := range perCandidate {
			for _, hit := range hits {
				if _, ok := seenAppt[hit.ID]; ok {
					continue
				}
				seenAppt[hit.ID] = struct{}{}
				appts = append(appts, hit)
				if _, ok := seenRes[hit.Reservation]; ok {
					continue
				}
				if r, ok := b.Reservation(hit.Reservation); ok {
					seenRes[r.ID] = struct{}{}
					res = append(res, r)
				}
			}
		}
	}
	return cloneList(res, appts), nil
}

func (a *Authority) GetNextAllocatableDate(ctx context.Context, q store.NextDateQuery) (*time.Time, error) {
	const op = "get_next_allocatable_date"
	if _, err := caller(ctx, op); err != nil {
		return nil, err
	}
	if q.Appointment == nil {
		return nil, store.Protocol(op, "appointment required")
	}
	unlock := a.entities.ReadLock()
	defer unlock()
	next, ok := a.bookings().NextAllocatableDate(q.Allocatables, q.Appointment, domain.IDSet(q.Ignore), q.Options)
	if !ok {
		return nil, nil
	}
	return &next, nil
}

func (a *Authority) CreateIdentifier(ctx context.Context, kind domain.Kind, count int) ([]domain.ID, error) {
	const op = "create_identifier"
	if _, err := caller(ctx, op); err != nil {
		return nil, err
	}
	if !kind.Valid() || !domain.Storable(kind) {
		return nil, store.Protocol(op, "cannot create identifiers for kind "+string(kind))
	}
	if count < 1 || count > maxIdentifiers {
		return nil, store.Protocol(op, "identifier count out of range")
	}
	ids := make([]domain.ID, count)
	for i := range ids {
		id, err := domain.NewID(kind)
		if err != nil {
			return nil, store.Remote(op, err)
		}
		ids[i] = id
	}
	return ids, nil
}
