package domain

import (
	"errors"
	"time"
)

type Appointment struct {
	Meta
	Reservation ID         `json:"reservation"`
	Start       time.Time  `json:"start"`
	End         time.Time  `json:"end"`
	WholeDays   bool       `json:"whole_days,omitempty"`
	Repeating   *Repeating `json:"repeating,omitempty"`
}

func (a *Appointment) EntityKind() Kind { return KindAppointment }

func (a *Appointment) Clone() Entity {
	c := *a
	c.Repeating = a.Repeating.clone()
	return &c
}

func (a *Appointment) References() []ID {
	if a.Reservation == "" {
		return nil
	}
	return []ID{a.Reservation}
}

func (a *Appointment) Duration() time.Duration {
	return a.End.Sub(a.Start)
}

func (a *Appointment) Validate() error {
	if !a.End.After(a.Start) {
		return errors.New("appointment end must be after start")
	}
	if a.Repeating != nil {
		return a.Repeating.Validate()
	}
	return nil
}

// Moved returns a copy relocated to start. Duration and the repeating end
// shift by the same offset; exception dates shift by the number of calendar
// days the start moves, so they keep matching the same occurrences.
func (a *Appointment) Moved(start time.Time) *Appointment {
	loc := a.Start.Location()
	start = start.In(loc)
	delta := start.Sub(a.Start)
	c := a.Clone().(*Appointment)
	c.Start = start
	c.End = a.End.Add(delta)
	if r := c.Repeating; r != nil {
		if r.Until != nil {
			until := r.Until.Add(delta)
			r.Until = &until
		}
		days := daysBetween(a.Start, start)
		for i, ex := range r.Exceptions {
			y, m, d := ex.In(loc).Date()
			r.Exceptions[i] = time.Date(y, m, d+days, 0, 0, 0, 0, loc)
		}
	}
	return c
}

// daysBetween counts the calendar days from the date of from to the date of
// to, both read in the location of from.
func daysBetween(from, to time.Time) int {
	y1, m1, d1 := from.Date()
	y2, m2, d2 := to.In(from.Location()).Date()
	a := time.Date(y1, m1, d1, 0, 0, 0, 0, time.UTC)
	b := time.Date(y2, m2, d2, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a) / (24 * time.Hour))
}

// Block is a single concrete occurrence of an appointment.
type Block struct {
	Appointment ID
	Start       time.Time
	End         time.Time
}

func (b Block) Overlaps(o Block) bool {
	return b.Start.Before(o.End) && o.Start.Before(b.End)
}

// Overlaps reports whether any block of a intersects any block of b, using
// closed-open intervals.
func (a *Appointment) Overlaps(b *Appointment) bool {
	from := a.Start
	if b.Start.After(from) {
		from = b.Start
	}
	to, ok := earliestEnd(a, b)
	if !ok {
		to = from.Add(ExpansionHorizon)
	}
	if !from.Before(to) {
		return false
	}

	var others []Block
	for blk := range b.Blocks(from, to) {
		others = append(others, blk)
	}
	i := 0
	for blk := range a.Blocks(from, to) {
		for i < len(others) && !others[i].End.After(blk.Start) {
			i++
		}
		if i == len(others) {
			return false
		}
		if others[i].Start.Before(blk.End) {
			return true
		}
	}
	return false
}

func earliestEnd(a, b *Appointment) (time.Time, bool) {
	endA, okA := a.MaxEnd()
	endB, okB := b.MaxEnd()
	switch {
	case okA && okB:
		if endB.Before(endA) {
			return endB, true
		}
		return endA, true
	case okA:
		return endA, true
	case okB:
		return endB, true
	}
	return time.Time{}, false
}
