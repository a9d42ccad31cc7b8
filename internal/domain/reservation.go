package domain

import (
	"fmt"
	"maps"
	"slices"
)

// AnnotationTemplate marks a reservation as a template. The annotation value
// is the template name.
const AnnotationTemplate = "template"

type Reservation struct {
	Meta
	Name         string            `json:"name"`
	Owner        ID                `json:"owner,omitempty"`
	Appointments []ID              `json:"appointments"`
	Allocations  map[ID][]ID       `json:"allocations,omitempty"`
	Annotations  map[string]string `json:"annotations,omitempty"`
}

func (r *Reservation) EntityKind() Kind { return KindReservation }

func (r *Reservation) Clone() Entity {
	c := *r
	c.Appointments = slices.Clone(r.Appointments)
	c.Annotations = maps.Clone(r.Annotations)
	if r.Allocations != nil {
		c.Allocations = make(map[ID][]ID, len(r.Allocations))
		for alloc, restriction := range r.Allocations {
			c.Allocations[alloc] = slices.Clone(restriction)
		}
	}
	return &c
}

func (r *Reservation) Template() string { return r.Annotations[AnnotationTemplate] }

func (r *Reservation) References() []ID {
	refs := make([]ID, 0, len(r.Appointments)+len(r.Allocations)+1)
	refs = append(refs, r.Appointments...)
	refs = append(refs, r.Allocatables()...)
	if r.Owner != "" {
		refs = append(refs, r.Owner)
	}
	return refs
}

// Allocatables returns the allocated resource IDs in sorted order.
func (r *Reservation) Allocatables() []ID {
	out := make([]ID, 0, len(r.Allocations))
	for id := range r.Allocations {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (r *Reservation) Allocate(alloc ID, restriction ...ID) {
	if r.Allocations == nil {
		r.Allocations = make(map[ID][]ID)
	}
	r.Allocations[alloc] = slices.Clone(restriction)
}

func (r *Reservation) Unallocate(alloc ID) {
	delete(r.Allocations, alloc)
}

func (r *Reservation) AddAppointment(a *Appointment) {
	a.Reservation = r.ID
	if !slices.Contains(r.Appointments, a.ID) {
		r.Appointments = append(r.Appointments, a.ID)
	}
}

// RemoveAppointment drops the appointment and any restriction naming it.
func (r *Reservation) RemoveAppointment(id ID) {
	r.Appointments = slices.DeleteFunc(r.Appointments, func(v ID) bool { return v == id })
	for alloc, restriction := range r.Allocations {
		r.Allocations[alloc] = slices.DeleteFunc(restriction, func(v ID) bool { return v == id })
	}
}

// HasAllocated reports whether alloc is booked for appt. An empty
// restriction binds the allocatable to every appointment.
func (r *Reservation) HasAllocated(alloc, appt ID) bool {
	restriction, ok := r.Allocations[alloc]
	if !ok {
		return false
	}
	if len(restriction) == 0 {
		return slices.Contains(r.Appointments, appt)
	}
	return slices.Contains(restriction, appt)
}

func (r *Reservation) Validate() error {
	own := IDSet(r.Appointments)
	for alloc, restriction := range r.Allocations {
		for _, appt := range restriction {
			if _, ok := own[appt]; !ok {
				return fmt.Errorf("reservation %s: restriction on %s names foreign appointment %s", r.ID, alloc, appt)
			}
		}
	}
	return nil
}
