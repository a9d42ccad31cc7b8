package calexport

import (
	"bytes"
	"strings"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"

	"schedula/replica/internal/domain"
	"schedula/replica/internal/store"
)

func property(ev *ical.VEvent, p ical.ComponentProperty) string {
	if prop := ev.GetProperty(p); prop != nil {
		return prop.Value
	}
	return ""
}

func TestWrite(t *testing.T) {
	start := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	room := &domain.Allocatable{Meta: domain.Meta{ID: "allocatable_room1"}, Name: "Room 1"}
	beamer := &domain.Allocatable{Meta: domain.Meta{ID: "allocatable_beamer"}, Name: "Beamer"}

	r := &domain.Reservation{
		Meta:        domain.Meta{ID: "reservation_r1", Version: 2},
		Name:        "Algebra",
		Annotations: map[string]string{DescriptionAnnotation: "first term"},
	}
	weekly := &domain.Appointment{
		Meta:  domain.Meta{ID: "appointment_weekly", Version: 3},
		Start: start,
		End:   start.Add(90 * time.Minute),
		Repeating: &domain.Repeating{
			Frequency:  domain.FrequencyWeekly,
			Count:      4,
			Exceptions: []time.Time{start.AddDate(0, 0, 7)},
		},
	}
	single := &domain.Appointment{Meta: domain.Meta{ID: "appointment_single"}, Start: start.AddDate(0, 1, 0), End: start.AddDate(0, 1, 0).Add(time.Hour)}
	r.AddAppointment(weekly)
	r.AddAppointment(single)
	r.Allocate(room.ID)
	r.Allocate(beamer.ID, single.ID)

	list := store.ReservationList{
		Reservations: []*domain.Reservation{r},
		Appointments: []*domain.Appointment{weekly, single},
	}

	var buf bytes.Buffer
	err := Write(&buf, list, Names([]*domain.Allocatable{room, beamer}), Options{Name: "Room 1", Now: start})
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}

	cal, err := ical.ParseCalendar(strings.NewReader(buf.String()))
	if err != nil {
		t.Fatalf("ParseCalendar error: %v\n%s", err, buf.String())
	}
	events := cal.Events()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}

	got := map[string]*ical.VEvent{}
	for _, ev := range events {
		got[ev.Id()] = ev
	}

	w := got["appointment_weekly@schedula"]
	if w == nil {
		t.Fatalf("weekly event missing: %v", buf.String())
	}
	if s := property(w, ical.ComponentPropertySummary); s != "Algebra" {
		t.Errorf("summary = %q, want Algebra", s)
	}
	if loc := property(w, ical.ComponentPropertyLocation); loc != "Room 1" {
		t.Errorf("weekly location = %q, want Room 1", loc)
	}
	if rule := property(w, ical.ComponentPropertyRrule); !strings.Contains(rule, "FREQ=WEEKLY") || !strings.Contains(rule, "COUNT=4") {
		t.Errorf("rrule = %q, want weekly count 4", rule)
	}
	if ex := property(w, ical.ComponentPropertyExdate); ex != "20240311T090000Z" {
		t.Errorf("exdate = %q, want 20240311T090000Z", ex)
	}
	if d := property(w, ical.ComponentPropertyDescription); d != "first term" {
		t.Errorf("description = %q, want first term", d)
	}

	s := got["appointment_single@schedula"]
	if s == nil {
		t.Fatalf("single event missing")
	}
	if loc := property(s, ical.ComponentPropertyLocation); loc != "Beamer / Room 1" {
		t.Errorf("single location = %q, want Beamer / Room 1", loc)
	}
	if rule := property(s, ical.ComponentPropertyRrule); rule != "" {
		t.Errorf("single event carries rrule %q", rule)
	}
}

func TestBuild_SkipsUnlistedAppointments(t *testing.T) {
	r := &domain.Reservation{Meta: domain.Meta{ID: "reservation_r1"}, Name: "Orphan", Appointments: []domain.ID{"appointment_gone"}}
	cal, err := Build(store.ReservationList{Reservations: []*domain.Reservation{r}}, Names(nil), Options{})
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if n := len(cal.Events()); n != 0 {
		t.Fatalf("events = %d, want 0", n)
	}
}

func TestNames_FallsBackToID(t *testing.T) {
	names := Names([]*domain.Allocatable{{Meta: domain.Meta{ID: "allocatable_a"}, Name: "A"}})
	if got := names("allocatable_a"); got != "A" {
		t.Fatalf("names(a) = %q", got)
	}
	if got := names("allocatable_b"); got != "allocatable_b" {
		t.Fatalf("names(b) = %q", got)
	}
}
