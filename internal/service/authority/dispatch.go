package authority

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"schedula/replica/internal/auth"
	"schedula/replica/internal/domain"
	"schedula/replica/internal/store"
	"schedula/replica/internal/update"
)

// staged is the entity set as it would look after a dispatch.
type staged struct {
	base    func(domain.ID) (domain.Entity, bool)
	stored  map[domain.ID]domain.Entity
	removed map[domain.ID]domain.Entity
}

func (s *staged) get(id domain.ID) (domain.Entity, bool) {
	if _, gone := s.removed[id]; gone {
		return nil, false
	}
	if e, ok := s.stored[id]; ok {
		return e, true
	}
	return s.base(id)
}

// Dispatch validates and commits a client change set. It returns the
// closure: every change since the client's last sync, the committed
// entities included, plus the conflicts the dispatched reservations are
// part of.
func (a *Authority) Dispatch(ctx context.Context, evt *update.Event) (*update.Event, error) {
	const op = "dispatch"
	claims, err := caller(ctx, op)
	if err != nil {
		return nil, err
	}
	if evt == nil || evt.LastValidated == nil {
		return nil, store.Protocol(op, "update event without last validated time")
	}

	unlock := a.entities.WriteLock()
	defer unlock()
	since := *evt.LastValidated
	if since.After(a.clock) {
		return nil, store.Protocol(op, "last validated time is ahead of the server")
	}

	s := &staged{
		base:    a.entities.Get,
		stored:  make(map[domain.ID]domain.Entity, len(evt.Store)),
		removed: make(map[domain.ID]domain.Entity, len(evt.Remove)),
	}
	for _, e := range evt.Remove {
		if err := a.stageRemove(op, claims, s, e); err != nil {
			return nil, err
		}
	}
	for _, e := range evt.Store {
		if err := a.stageStore(op, claims, s, e); err != nil {
			return nil, err
		}
	}
	a.dropOrphans(s)
	if err := validateStaged(op, s); err != nil {
		return nil, err
	}

	if _, err := a.commitLocked(ctx, s); err != nil {
		return nil, err
	}
	a.log.Info("dispatch committed",
		slog.String("username", claims.Username),
		slog.Int("stored", len(s.stored)),
		slog.Int("removed", len(s.removed)),
		slog.Time("commit", a.clock),
	)

	var closure *update.Event
	if since.Before(a.started) || since.Before(a.historyFloor) {
		closure = &update.Event{NeedsResourcesRefresh: true}
	} else {
		closure = a.changesSince(since)
	}
	closure.PutStore(a.conflictsOf(s)...)
	return a.stamp(closure), nil
}

func (a *Authority) stageRemove(op string, claims *auth.Claims, s *staged, e domain.Entity) error {
	id := e.EntityID()
	existing, ok := a.entities.Get(id)
	if !ok {
		return store.EntityNotFound(op, id)
	}
	if existing.EntityVersion() != e.EntityVersion() {
		return &store.Error{Code: store.CodeRejected, Op: op, Message: "stale version", ID: id}
	}
	if err := authorize(op, claims, existing, a.entities.Get); err != nil {
		return err
	}
	s.removed[id] = existing
	if r, ok := existing.(*domain.Reservation); ok {
		for _, apptID := range r.Appointments {
			if appt, ok := a.entities.Get(apptID); ok {
				s.removed[apptID] = appt
			}
		}
	}
	return nil
}

func (a *Authority) stageStore(op string, claims *auth.Claims, s *staged, e domain.Entity) error {
	id := e.EntityID()
	kind := id.Kind()
	if !kind.Valid() || kind != e.EntityKind() {
		return store.Protocol(op, fmt.Sprintf("entity %s has an invalid id", id))
	}
	if !domain.Storable(kind) {
		return store.Protocol(op, fmt.Sprintf("%s entities cannot be stored", kind))
	}
	if _, gone := s.removed[id]; gone {
		return store.Protocol(op, fmt.Sprintf("entity %s is both stored and removed", id))
	}
	existing, ok := a.entities.Get(id)
	switch {
	case ok && existing.EntityVersion() != e.EntityVersion():
		return &store.Error{Code: store.CodeRejected, Op: op, Message: "stale version", ID: id}
	case !ok && e.EntityVersion() != 0:
		return &store.Error{Code: store.CodeRejected, Op: op, Message: "entity was deleted", ID: id}
	}

	e = e.Clone()
	if r, ok := e.(*domain.Reservation); ok && r.Owner == "" {
		r.Owner = domain.ID(claims.UserID)
	}
	if ok {
		if err := authorize(op, claims, existing, a.entities.Get); err != nil {
			return err
		}
	}
	if err := authorize(op, claims, e, a.entities.Get); err != nil {
		return err
	}
	s.stored[id] = e
	return nil
}

// dropOrphans removes appointments whose stored reservation no longer
// lists them.
func (a *Authority) dropOrphans(s *staged) {
	for _, e := range s.stored {
		r, ok := e.(*domain.Reservation)
		if !ok {
			continue
		}
		old, ok := a.entities.Get(r.ID)
		if !ok {
			continue
		}
		keep := domain.IDSet(r.Appointments)
		for _, apptID := range old.(*domain.Reservation).Appointments {
			if _, kept := keep[apptID]; kept {
				continue
			}
			if appt, ok := a.entities.Get(apptID); ok {
				s.removed[apptID] = appt
			}
		}
	}
}

// authorize checks that the caller may change e. Administrators may change
// anything; other users only their own account, preferences and
// reservations.
func authorize(op string, claims *auth.Claims, e domain.Entity, get func(domain.ID) (domain.Entity, bool)) error {
	if claims.Admin {
		return nil
	}
	self := domain.ID(claims.UserID)
	allowed := false
	switch v := e.(type) {
	case *domain.User:
		allowed = v.ID == self && !v.Admin
	case *domain.Preferences:
		allowed = v.Owner == self
	case *domain.Reservation:
		allowed = v.Owner == self
	case *domain.Appointment:
		r, ok := get(v.Reservation)
		allowed = !ok || r.(*domain.Reservation).Owner == self
	}
	if !allowed {
		return &store.Error{Code: store.CodeSecurity, Op: op, Message: "permission denied", ID: e.EntityID()}
	}
	return nil
}

func validateStaged(op string, s *staged) error {
	for _, id := range slices.Sorted(maps.Keys(s.stored)) {
		e := s.stored[id]
		if v, ok := e.(interface{ Validate() error }); ok {
			if err := v.Validate(); err != nil {
				return &store.Error{Code: store.CodeProtocol, Op: op, Message: err.Error(), ID: id, Err: err}
			}
		}
		if r, ok := e.(domain.Resolvable); ok {
			for _, ref := range r.References() {
				if _, ok := s.get(ref); !ok {
					return store.EntityNotFound(op, ref)
				}
			}
		}
		switch v := e.(type) {
		case *domain.Reservation:
			for _, apptID := range v.Appointments {
				appt, _ := s.get(apptID)
				if a, ok := appt.(*domain.Appointment); !ok || a.Reservation != v.ID {
					return &store.Error{Code: store.CodeProtocol, Op: op, Message: "appointment belongs to another reservation", ID: apptID}
				}
			}
		case *domain.Appointment:
			r, _ := s.get(v.Reservation)
			if res, ok := r.(*domain.Reservation); !ok || !slices.Contains(res.Appointments, v.ID) {
				return &store.Error{Code: store.CodeProtocol, Op: op, Message: "appointment not listed by its reservation", ID: id}
			}
		}
	}
	// remaining entities must not point at removed ones
	for id := range s.removed {
		for _, e := range s.stored {
			if r, ok := e.(domain.Resolvable); ok && slices.Contains(r.References(), id) {
				return &store.Error{Code: store.CodeProtocol, Op: op, Message: "entity references a removed entity", ID: id}
			}
		}
	}
	return nil
}

// commitLocked persists and applies a staged change set under a fresh
// commit time. The entity lock must be held.
func (a *Authority) commitLocked(ctx context.Context, s *staged) (time.Time, error) {
	at := a.tick()
	stored := make([]domain.Entity, 0, len(s.stored))
	for _, id := range slices.Sorted(maps.Keys(s.stored)) {
		e := s.stored[id]
		if st, ok := e.(domain.Stampable); ok {
			st.Stamp(e.EntityVersion()+1, at)
		}
		stored = append(stored, e)
	}
	removed := slices.Sorted(maps.Keys(s.removed))

	if a.repo != nil {
		if err := a.repo.SaveChanges(ctx, stored, removed); err != nil {
			return time.Time{}, store.Remote("commit", fmt.Errorf("save changes: %w", err))
		}
	}

	changes := make([]change, 0, len(stored)+len(removed))
	for _, id := range removed {
		a.entities.Remove(id)
		changes = append(changes, change{at: at, entity: s.removed[id], removed: true})
	}
	for _, e := range stored {
		a.entities.Put(e)
		changes = append(changes, change{at: at, entity: e})
	}
	a.record(changes...)
	return at, nil
}

// conflictsOf computes the conflicts involving the appointments of the
// staged reservations. The entity lock must be held.
func (a *Authority) conflictsOf(s *staged) []domain.Entity {
	b := a.bookings()
	seen := make(map[domain.ID]struct{})
	var out []domain.Entity
	for _, id := range slices.Sorted(maps.Keys(s.stored)) {
		r, ok := s.stored[id].(*domain.Reservation)
		if !ok {
			continue
		}
		for _, apptID := range r.Appointments {
			appt, ok := b.Appointment(apptID)
			if !ok {
				continue
			}
			for _, alloc := range r.Allocatables() {
				if !r.HasAllocated(alloc, apptID) {
					continue
				}
				for _, other := range b.ConflictingAppointments(alloc, appt, nil, false) {
					c := domain.NewConflict(alloc, appt, other)
					if _, dup := seen[c.ID]; dup {
						continue
					}
					seen[c.ID] = struct{}{}
					out = append(out, c)
				}
			}
		}
	}
	return out
}
