package domain

import (
	"cmp"
	"slices"
	"time"
)

// Bookings indexes reservations and their appointments for conflict
// computation.
type Bookings struct {
	reservations map[ID]*Reservation
	appointments map[ID]*Appointment
}

func NewBookings(reservations []*Reservation, appointments []*Appointment) *Bookings {
	b := &Bookings{
		reservations: make(map[ID]*Reservation, len(reservations)),
		appointments: make(map[ID]*Appointment, len(appointments)),
	}
	for _, r := range reservations {
		b.reservations[r.ID] = r
	}
	for _, a := range appointments {
		b.appointments[a.ID] = a
	}
	return b
}

func (b *Bookings) Reservation(id ID) (*Reservation, bool) {
	r, ok := b.reservations[id]
	return r, ok
}

func (b *Bookings) Appointment(id ID) (*Appointment, bool) {
	a, ok := b.appointments[id]
	return a, ok
}

func (b *Bookings) Reservations() []*Reservation {
	out := make([]*Reservation, 0, len(b.reservations))
	for _, r := range b.reservations {
		out = append(out, r)
	}
	slices.SortFunc(out, func(x, y *Reservation) int { return cmp.Compare(x.ID, y.ID) })
	return out
}

// Allocatables lists every allocatable referenced by a reservation.
func (b *Bookings) Allocatables() []ID {
	seen := make(map[ID]struct{})
	for _, r := range b.reservations {
		for id := range r.Allocations {
			seen[id] = struct{}{}
		}
	}
	out := make([]ID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// AppointmentsFor returns the appointments booked on alloc, ordered by start.
func (b *Bookings) AppointmentsFor(alloc ID) []*Appointment {
	var out []*Appointment
	for _, r := range b.reservations {
		for _, apptID := range r.Appointments {
			if !r.HasAllocated(alloc, apptID) {
				continue
			}
			if a, ok := b.appointments[apptID]; ok {
				out = append(out, a)
			}
		}
	}
	slices.SortFunc(out, func(x, y *Appointment) int {
		if c := x.Start.Compare(y.Start); c != 0 {
			return c
		}
		return cmp.Compare(x.ID, y.ID)
	})
	return out
}

// ConflictingAppointments returns the booked appointments on alloc that
// overlap candidate. Appointments of ignored reservations never conflict,
// nor does a candidate whose own reservation is ignored. With onlyFirst the
// search stops at the first hit.
func (b *Bookings) ConflictingAppointments(alloc ID, candidate *Appointment, ignore map[ID]struct{}, onlyFirst bool) []*Appointment {
	if _, ok := ignore[candidate.Reservation]; ok && candidate.Reservation != "" {
		return nil
	}
	var out []*Appointment
	for _, existing := range b.AppointmentsFor(alloc) {
		if existing.ID == candidate.ID {
			continue
		}
		if _, ok := ignore[existing.Reservation]; ok {
			continue
		}
		if candidate.Reservation != "" && existing.Reservation == candidate.Reservation {
			continue
		}
		if !existing.Overlaps(candidate) {
			continue
		}
		out = append(out, existing)
		if onlyFirst {
			break
		}
	}
	return out
}

// FirstBindings returns, per allocatable, the candidates that collide with
// at least one booked appointment.
func (b *Bookings) FirstBindings(allocs []ID, candidates []*Appointment, ignore map[ID]struct{}) map[ID][]*Appointment {
	out := make(map[ID][]*Appointment, len(allocs))
	for _, alloc := range allocs {
		var blocked []*Appointment
		for _, c := range candidates {
			if len(b.ConflictingAppointments(alloc, c, ignore, true)) > 0 {
				blocked = append(blocked, c)
			}
		}
		out[alloc] = blocked
	}
	return out
}

// AllBindings returns, per allocatable and candidate ID, every booked
// appointment the candidate collides with.
func (b *Bookings) AllBindings(allocs []ID, candidates []*Appointment, ignore map[ID]struct{}) map[ID]map[ID][]*Appointment {
	out := make(map[ID]map[ID][]*Appointment, len(allocs))
	for _, alloc := range allocs {
		perCandidate := make(map[ID][]*Appointment)
		for _, c := range candidates {
			if hits := b.ConflictingAppointments(alloc, c, ignore, false); len(hits) > 0 {
				perCandidate[c.ID] = hits
			}
		}
		out[alloc] = perCandidate
	}
	return out
}

// Conflicts enumerates every pairwise double booking.
func (b *Bookings) Conflicts() []*Conflict {
	var out []*Conflict
	seen := make(map[ID]struct{})
	for _, alloc := range b.Allocatables() {
		appts := b.AppointmentsFor(alloc)
		for i, a1 := range appts {
			for _, a2 := range appts[i+1:] {
				if a1.Reservation == a2.Reservation {
					continue
				}
				if !a1.Overlaps(a2) {
					continue
				}
				c := NewConflict(alloc, a1, a2)
				if _, dup := seen[c.ID]; dup {
					continue
				}
				seen[c.ID] = struct{}{}
				out = append(out, c)
			}
		}
	}
	return out
}

// Find returns the reservations allocating any of allocs (all when allocs
// is empty) that carry the given annotations and have an appointment
// intersecting [start, end), together with their appointments.
func (b *Bookings) Find(allocs []ID, start, end *time.Time, annotations map[string]string) ([]*Reservation, []*Appointment) {
	from := time.Time{}
	if start != nil {
		from = *start
	}
	var resOut []*Reservation
	var apptOut []*Appointment
	for _, r := range b.Reservations() {
		if !allocatesAny(r, allocs) || !annotated(r, annotations) {
			continue
		}
		var appts []*Appointment
		hit := false
		for _, id := range r.Appointments {
			a, ok := b.appointments[id]
			if !ok {
				continue
			}
			appts = append(appts, a)
			if hit {
				continue
			}
			to := a.Start.Add(ExpansionHorizon)
			if end != nil {
				to = *end
			}
			for range a.Blocks(from, to) {
				hit = true
				break
			}
		}
		if hit {
			resOut = append(resOut, r)
			apptOut = append(apptOut, appts...)
		}
	}
	return resOut, apptOut
}

func allocatesAny(r *Reservation, allocs []ID) bool {
	if len(allocs) == 0 {
		return true
	}
	for _, id := range allocs {
		if _, ok := r.Allocations[id]; ok {
			return true
		}
	}
	return false
}

// TemplateNames returns the distinct template names in sorted order.
func (b *Bookings) TemplateNames() []string {
	seen := make(map[string]bool)
	names := []string{}
	for _, r := range b.reservations {
		if name := r.Template(); name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

func annotated(r *Reservation, annotations map[string]string) bool {
	for k, v := range annotations {
		if r.Annotations[k] != v {
			return false
		}
	}
	return true
}
