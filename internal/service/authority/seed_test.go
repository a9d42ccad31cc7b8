package authority

import (
	"context"
	"strings"
	"testing"
	"time"

	"schedula/replica/internal/domain"
)

const seedYAML = `
users:
  - username: admin
    password: admin-pw
    admin: true
  - username: carol
    password: carol-pw
    firstname: Carol
    refresh_interval: 45s
allocatables:
  - name: Room 1
    category: room
  - name: Beamer
    category: equipment
reservations:
  - name: Weekly staff meeting
    owner: carol
    allocatables: [Room 1, Beamer]
    annotations:
      department: admin
    appointments:
      - start: 2024-03-04T09:00:00Z
        end: 2024-03-04T10:00:00Z
        repeating:
          frequency: weekly
          count: 10
          exceptions: [2024-03-11T09:00:00Z]
`

func TestApplySeed(t *testing.T) {
	seed, err := ReadSeed(strings.NewReader(seedYAML))
	if err != nil {
		t.Fatalf("ReadSeed error: %v", err)
	}
	a := newAuthority(t, Options{})
	ctx := context.Background()
	for range 2 {
		if err := a.ApplySeed(ctx, seed); err != nil {
			t.Fatalf("ApplySeed error: %v", err)
		}
	}

	carol := session(t, a, "carol", "carol-pw")
	evt, err := a.GetResources(carol)
	if err != nil {
		t.Fatalf("GetResources error: %v", err)
	}
	count := map[domain.Kind]int{}
	var appt *domain.Appointment
	var prefs *domain.Preferences
	for _, e := range evt.Store {
		count[e.EntityKind()]++
		switch v := e.(type) {
		case *domain.Appointment:
			appt = v
		case *domain.Preferences:
			prefs = v
		}
	}
	want := map[domain.Kind]int{
		domain.KindUser:        2,
		domain.KindPreferences: 1,
		domain.KindAllocatable: 2,
		domain.KindReservation: 1,
		domain.KindAppointment: 1,
	}
	for kind, n := range want {
		if count[kind] != n {
			t.Errorf("%s entities = %d, want %d", kind, count[kind], n)
		}
	}
	if appt == nil || appt.Repeating == nil || appt.Repeating.Count != 10 || len(appt.Repeating.Exceptions) != 1 {
		t.Fatalf("appointment = %+v", appt)
	}
	if got := prefs.RefreshInterval(0); got != 45*time.Second {
		t.Fatalf("refresh interval = %v", got)
	}
}

func TestReadSeed_UnknownField(t *testing.T) {
	if _, err := ReadSeed(strings.NewReader("rooms: []\n")); err == nil {
		t.Fatalf("unknown field accepted")
	}
}
