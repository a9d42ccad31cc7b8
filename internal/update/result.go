package update

import (
	"time"

	"schedula/replica/internal/domain"
)

// Interval is a time range whose nil bounds are open.
type Interval struct {
	Start *time.Time
	End   *time.Time
}

func Unbounded() *Interval {
	return &Interval{}
}

func (i Interval) Contains(t time.Time) bool {
	if i.Start != nil && t.Before(*i.Start) {
		return false
	}
	if i.End != nil && !t.Before(*i.End) {
		return false
	}
	return true
}

func (i Interval) IsUnbounded() bool {
	return i.Start == nil && i.End == nil
}

// Union returns the smallest interval covering both i and o.
func (i Interval) Union(o Interval) Interval {
	var out Interval
	if i.Start != nil && o.Start != nil {
		s := *i.Start
		if o.Start.Before(s) {
			s = *o.Start
		}
		out.Start = &s
	}
	if i.End != nil && o.End != nil {
		e := *i.End
		if o.End.After(e) {
			e = *o.End
		}
		out.End = &e
	}
	return out
}

func appointmentInterval(a *domain.Appointment) Interval {
	start := a.Start
	iv := Interval{Start: &start}
	if end, ok := a.MaxEnd(); ok {
		iv.End = &end
	}
	return iv
}

type Change struct {
	Old domain.Entity
	New domain.Entity
}

type Result struct {
	Added   []domain.Entity
	Updated []Change
	Removed []domain.Entity
	// Invalidate is nil when no time range needs to be redrawn.
	Invalidate *Interval
	// Lookup resolves the appointments of changed reservations. Without it,
	// or when an appointment is unknown, the whole time line is invalidated.
	Lookup func(domain.ID) (domain.Entity, bool) `json:"-"`
}

func (r *Result) IsEmpty() bool {
	return len(r.Added) == 0 && len(r.Updated) == 0 && len(r.Removed) == 0 && r.Invalidate == nil
}

func (r *Result) AddAdded(e domain.Entity) {
	r.Added = append(r.Added, e)
	r.touch(e)
}

func (r *Result) AddUpdated(old, e domain.Entity) {
	r.Updated = append(r.Updated, Change{Old: old, New: e})
	r.touch(old)
	r.touch(e)
}

func (r *Result) AddRemoved(e domain.Entity) {
	r.Removed = append(r.Removed, e)
	r.touch(e)
}

// touch widens the invalidate interval by the span of an appointment, or by
// the spans of a reservation's appointments.
func (r *Result) touch(e domain.Entity) {
	switch v := e.(type) {
	case *domain.Appointment:
		r.widen(appointmentInterval(v))
	case *domain.Reservation:
		for _, id := range v.Appointments {
			if a, ok := r.appointment(id); ok {
				r.widen(appointmentInterval(a))
				continue
			}
			r.widen(*Unbounded())
			return
		}
	}
}

func (r *Result) appointment(id domain.ID) (*domain.Appointment, bool) {
	if r.Lookup == nil {
		return nil, false
	}
	e, ok := r.Lookup(id)
	if !ok {
		return nil, false
	}
	a, ok := e.(*domain.Appointment)
	return a, ok
}

func (r *Result) widen(iv Interval) {
	if r.Invalidate == nil {
		r.Invalidate = &iv
		return
	}
	u := r.Invalidate.Union(iv)
	r.Invalidate = &u
}

// Of returns the entities of the given kind among added, updated (new
// state) and removed.
func (r *Result) Of(kind domain.Kind) (added, updated, removed []domain.Entity) {
	for _, e := range r.Added {
		if e.EntityKind() == kind {
			added = append(added, e)
		}
	}
	for _, c := range r.Updated {
		if c.New.EntityKind() == kind {
			updated = append(updated, c.New)
		}
	}
	for _, e := range r.Removed {
		if e.EntityKind() == kind {
			removed = append(removed, e)
		}
	}
	return added, updated, removed
}
