package domain

import (
	"slices"
	"strings"
)

// Conflict names two overlapping appointments of different reservations
// booked on the same allocatable.
type Conflict struct {
	Meta
	Allocatable  ID `json:"allocatable"`
	Appointment1 ID `json:"appointment1"`
	Appointment2 ID `json:"appointment2"`
	Reservation1 ID `json:"reservation1"`
	Reservation2 ID `json:"reservation2"`
}

func (c *Conflict) EntityKind() Kind { return KindConflict }

func (c *Conflict) Clone() Entity {
	cp := *c
	return &cp
}

func (c *Conflict) References() []ID {
	return []ID{c.Allocatable, c.Appointment1, c.Appointment2, c.Reservation1, c.Reservation2}
}

// ConflictID derives a stable identifier independent of appointment order.
func ConflictID(alloc, appt1, appt2 ID) ID {
	pair := []string{string(appt1), string(appt2)}
	slices.Sort(pair)
	return ID(string(KindConflict) + "_" + string(alloc) + ";" + strings.Join(pair, ";"))
}

func NewConflict(alloc ID, a1, a2 *Appointment) *Conflict {
	if a2.ID < a1.ID {
		a1, a2 = a2, a1
	}
	return &Conflict{
		Meta:         Meta{ID: ConflictID(alloc, a1.ID, a2.ID)},
		Allocatable:  alloc,
		Appointment1: a1.ID,
		Appointment2: a2.ID,
		Reservation1: a1.Reservation,
		Reservation2: a2.Reservation,
	}
}
