package operator

import (
	"context"

	"schedula/replica/internal/domain"
	"schedula/replica/internal/store"
)

// GetReservations returns the reservations matching q with their
// appointments. With cached reservations the query is answered locally.
func (o *Operator) GetReservations(ctx context.Context, q store.ReservationQuery) (store.ReservationList, error) {
	if err := o.EnsureFresh(ctx, "get_reservations"); err != nil {
		return store.ReservationList{}, err
	}
	if o.opts.CacheReservations {
		res, appts := o.LocalBookings().Find(q.Allocatables, q.Start, q.End, q.Annotations)
		return store.ReservationList{Reservations: res, Appointments: appts}, nil
	}

	list, err := o.channel.GetReservations(ctx, q).Await(ctx)
	if err != nil {
		return store.ReservationList{}, err
	}
	if err := o.resolveList("get_reservations", list); err != nil {
		return store.ReservationList{}, err
	}
	return list, nil
}

// resolveList checks a fetched reservation list against itself and the
// cache.
func (o *Operator) resolveList(op string, list store.ReservationList) error {
	entities := make([]domain.Entity, 0, len(list.Reservations)+len(list.Appointments))
	for _, r := range list.Reservations {
		entities = append(entities, r)
	}
	for _, a := range list.Appointments {
		entities = append(entities, a)
	}
	unlock := o.cache.ReadLock()
	defer unlock()
	return resolveReferences(op, entities, func(id domain.ID) bool {
		_, ok := o.cache.Get(id)
		return ok
	})
}

// LocalBookings indexes the cached reservations and appointments.
func (o *Operator) LocalBookings() *domain.Bookings {
	unlock := o.cache.ReadLock()
	defer unlock()
	var res []*domain.Reservation
	var appts []*domain.Appointment
	for _, e := range o.cache.ByKind(domain.KindReservation) {
		res = append(res, e.(*domain.Reservation))
	}
	for _, e := range o.cache.ByKind(domain.KindAppointment) {
		appts = append(appts, e.(*domain.Appointment))
	}
	return domain.NewBookings(res, appts)
}

// GetFromID loads the given entities and everything they reference. With
// throwNotFound unset, unknown IDs yield an empty result instead of an
// error.
func (o *Operator) GetFromID(ctx context.Context, ids []domain.ID, throwNotFound bool) (map[domain.ID]domain.Entity, error) {
	out := make(map[domain.ID]domain.Entity, len(ids))
	err := o.write("get_from_id", func(gen uint64, b *batch) error {
		evt, err := o.channel.GetEntityRecursive(ctx, ids).Await(ctx)
		if err != nil {
			return err
		}
		if err := o.applyLocked(ctx, "get_from_id", gen, evt, b); err != nil {
			return err
		}
		wanted := domain.IDSet(ids)
		for _, e := range evt.Store {
			if _, ok := wanted[e.EntityID()]; ok {
				out[e.EntityID()] = e
			}
		}
		return nil
	})
	if err != nil {
		if !throwNotFound && store.IsEntityNotFound(err) {
			return map[domain.ID]domain.Entity{}, nil
		}
		return nil, err
	}
	return out, nil
}

func (o *Operator) CreateIdentifier(ctx context.Context, kind domain.Kind, count int) ([]domain.ID, error) {
	if err := o.checkConnected("create_identifier"); err != nil {
		return nil, err
	}
	return o.channel.CreateIdentifier(ctx, kind, count).Await(ctx)
}

// Resolve looks id up in the cache, substituting a placeholder for unknown
// allocatables.
func (o *Operator) Resolve(id domain.ID) (domain.Entity, bool) {
	unlock := o.cache.ReadLock()
	defer unlock()
	return o.cache.Resolve(id)
}

func (o *Operator) Allocatables() []*domain.Allocatable {
	unlock := o.cache.ReadLock()
	defer unlock()
	var out []*domain.Allocatable
	for _, e := range o.cache.ByKind(domain.KindAllocatable) {
		out = append(out, e.(*domain.Allocatable))
	}
	return out
}

func (o *Operator) Entities() []domain.Entity {
	unlock := o.cache.ReadLock()
	defer unlock()
	return o.cache.All()
}

func (o *Operator) CurrentUser() (*domain.User, error) {
	o.mu.Lock()
	id := o.userID
	o.mu.Unlock()
	if id == "" {
		return nil, store.StaleState("current_user")
	}
	unlock := o.cache.ReadLock()
	defer unlock()
	e, ok := o.cache.Get(id)
	if !ok {
		return nil, store.EntityNotFound("current_user", id)
	}
	return e.(*domain.User), nil
}

func (o *Operator) currentUsername(op string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != Connected || o.credentials == nil {
		return "", store.StaleState(op)
	}
	if o.credentials.ConnectAs != "" {
		return o.credentials.ConnectAs, nil
	}
	return o.credentials.Username, nil
}

func (o *Operator) GetConflicts(ctx context.Context) ([]*domain.Conflict, error) {
	if err := o.EnsureFresh(ctx, "get_conflicts"); err != nil {
		return nil, err
	}
	if o.opts.CacheReservations {
		return o.LocalBookings().Conflicts(), nil
	}
	return o.channel.GetConflicts(ctx).Await(ctx)
}

// GetTemplateNames always asks the server, even with reservations cached.
func (o *Operator) GetTemplateNames(ctx context.Context) ([]string, error) {
	if err := o.checkConnected("get_template_names"); err != nil {
		return nil, err
	}
	return o.channel.GetTemplateNames(ctx).Await(ctx)
}

func (o *Operator) CanChangePassword(ctx context.Context) (bool, error) {
	if err := o.checkConnected("can_change_password"); err != nil {
		return false, err
	}
	return o.channel.CanChangePassword(ctx).Await(ctx)
}

func (o *Operator) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	username, err := o.currentUsername("change_password")
	if err != nil {
		return err
	}
	if _, err := o.channel.ChangePassword(ctx, username, oldPassword, newPassword).Await(ctx); err != nil {
		if store.IsSecurity(err) {
			return &store.Error{Code: store.CodeSecurity, Op: "change_password", Message: "wrong password", Err: err}
		}
		return err
	}
	o.mu.Lock()
	if o.credentials != nil {
		o.credentials.Password = newPassword
	}
	o.mu.Unlock()
	return o.Refresh(ctx)
}

func (o *Operator) ChangeEmail(ctx context.Context, email string) error {
	username, err := o.currentUsername("change_email")
	if err != nil {
		return err
	}
	if _, err := o.channel.ChangeEmail(ctx, username, email).Await(ctx); err != nil {
		return err
	}
	return o.Refresh(ctx)
}

func (o *Operator) ConfirmEmail(ctx context.Context, email string) error {
	username, err := o.currentUsername("confirm_email")
	if err != nil {
		return err
	}
	_, err = o.channel.ConfirmEmail(ctx, username, email).Await(ctx)
	return err
}

func (o *Operator) ChangeName(ctx context.Context, name store.NameChange) error {
	username, err := o.currentUsername("change_name")
	if err != nil {
		return err
	}
	if _, err := o.channel.ChangeName(ctx, username, name).Await(ctx); err != nil {
		return err
	}
	return o.Refresh(ctx)
}

// RestartServer asks the server to restart. Listeners are told the
// connection is gone; the next refresh performs a full reload.
func (o *Operator) RestartServer(ctx context.Context) error {
	if err := o.checkConnected("restart_server"); err != nil {
		return err
	}
	if _, err := o.channel.RestartServer(ctx).Await(ctx); err != nil {
		return err
	}
	o.log.Info("server restart requested")
	o.fireDisconnected("restart server")
	return nil
}
