package update

import (
	"testing"
	"time"

	"schedula/replica/internal/domain"
)

func TestResult_InvalidateCoversAppointments(t *testing.T) {
	var r Result
	if !r.IsEmpty() {
		t.Fatalf("zero Result not empty")
	}

	r.AddAdded(&domain.Allocatable{Meta: domain.Meta{ID: "allocatable_room1"}})
	if r.Invalidate != nil {
		t.Fatalf("allocatable change set an invalidate interval")
	}

	day := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
	r.AddAdded(&domain.Appointment{Meta: domain.Meta{ID: "appointment_a"}, Start: day, End: day.Add(time.Hour)})
	r.AddRemoved(&domain.Appointment{Meta: domain.Meta{ID: "appointment_b"}, Start: day.AddDate(0, 0, 2), End: day.AddDate(0, 0, 2).Add(time.Hour)})

	if r.Invalidate == nil || !r.Invalidate.Start.Equal(day) || !r.Invalidate.End.Equal(day.AddDate(0, 0, 2).Add(time.Hour)) {
		t.Fatalf("Invalidate = %+v", r.Invalidate)
	}

	r.AddUpdated(
		&domain.Appointment{Meta: domain.Meta{ID: "appointment_c"}, Start: day, End: day.Add(time.Hour)},
		&domain.Appointment{Meta: domain.Meta{ID: "appointment_c"}, Start: day, End: day.Add(time.Hour), Repeating: &domain.Repeating{Frequency: domain.FrequencyDaily}},
	)
	if r.Invalidate.End != nil {
		t.Fatalf("unbounded repetition left a closed end: %v", r.Invalidate.End)
	}
	if !r.Invalidate.Contains(day.AddDate(3, 0, 0)) || r.Invalidate.Contains(day.Add(-time.Minute)) {
		t.Fatalf("Contains mismatch for %+v", r.Invalidate)
	}

	added, _, removed := r.Of(domain.KindAppointment)
	if len(added) != 1 || len(removed) != 1 {
		t.Fatalf("Of(appointment) = %d added, %d removed", len(added), len(removed))
	}
}

func TestEvent_Stamped(t *testing.T) {
	e := &Event{}
	e.PutStore(&domain.User{Meta: domain.Meta{ID: "user_u1"}})
	at := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
	s := e.Stamped(at)
	if e.LastValidated != nil {
		t.Fatalf("Stamped mutated the original")
	}
	if s.LastValidated == nil || !s.LastValidated.Equal(at) || len(s.Store) != 1 {
		t.Fatalf("Stamped = %+v", s)
	}
}

func TestResult_ReservationChangeInvalidatesItsAppointments(t *testing.T) {
	day := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
	a := &domain.Appointment{Meta: domain.Meta{ID: "appointment_a"}, Start: day, End: day.Add(time.Hour)}
	old := &domain.Reservation{Meta: domain.Meta{ID: "reservation_r", Version: 1}, Appointments: []domain.ID{a.ID}}
	old.Allocate("allocatable_room1")
	cur := &domain.Reservation{Meta: domain.Meta{ID: "reservation_r", Version: 2}, Appointments: []domain.ID{a.ID}}
	cur.Allocate("allocatable_room2")

	tests := []struct {
		name      string
		lookup    func(domain.ID) (domain.Entity, bool)
		unbounded bool
	}{
		{
			name: "known appointments",
			lookup: func(id domain.ID) (domain.Entity, bool) {
				if id == a.ID {
					return a, true
				}
				return nil, false
			},
		},
		{name: "no lookup", unbounded: true},
		{
			name:      "unknown appointment",
			lookup:    func(domain.ID) (domain.Entity, bool) { return nil, false },
			unbounded: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Result{Lookup: tt.lookup}
			r.AddUpdated(old, cur)
			if r.Invalidate == nil {
				t.Fatalf("reservation moved between allocatables but Invalidate = nil")
			}
			if tt.unbounded {
				if !r.Invalidate.IsUnbounded() {
					t.Fatalf("Invalidate = %+v, want unbounded", r.Invalidate)
				}
				return
			}
			if !r.Invalidate.Start.Equal(day) || !r.Invalidate.End.Equal(day.Add(time.Hour)) {
				t.Fatalf("Invalidate = %v - %v, want the appointment span", r.Invalidate.Start, r.Invalidate.End)
			}
		})
	}
}
