package authority

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"schedula/replica/internal/domain"
)

// Seed is initial data for an empty server.
type Seed struct {
	Users        []SeedUser        `yaml:"users"`
	Allocatables []SeedAllocatable `yaml:"allocatables"`
	Reservations []SeedReservation `yaml:"reservations"`
}

type SeedUser struct {
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	Firstname       string `yaml:"firstname"`
	Surname         string `yaml:"surname"`
	Email           string `yaml:"email"`
	Admin           bool   `yaml:"admin"`
	RefreshInterval string `yaml:"refresh_interval"`
}

type SeedAllocatable struct {
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
}

type SeedReservation struct {
	Name         string            `yaml:"name"`
	Owner        string            `yaml:"owner"`
	Allocatables []string          `yaml:"allocatables"`
	Annotations  map[string]string `yaml:"annotations"`
	Appointments []SeedAppointment `yaml:"appointments"`
}

type SeedAppointment struct {
	Start     time.Time   `yaml:"start"`
	End       time.Time   `yaml:"end"`
	WholeDays bool        `yaml:"whole_days"`
	Repeating *SeedRepeat `yaml:"repeating"`
}

type SeedRepeat struct {
	Frequency  string      `yaml:"frequency"`
	Interval   int         `yaml:"interval"`
	Count      int         `yaml:"count"`
	Until      *time.Time  `yaml:"until"`
	Exceptions []time.Time `yaml:"exceptions"`
}

func ReadSeed(r io.Reader) (*Seed, error) {
	var s Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	return &s, nil
}

// ApplySeed creates the seed's accounts, allocatables and reservations.
// Entries whose name already exists are left alone, so applying a seed
// twice is harmless.
func (a *Authority) ApplySeed(ctx context.Context, seed *Seed) error {
	for _, u := range seed.Users {
		user := &domain.User{Username: u.Username, Firstname: u.Firstname, Surname: u.Surname, Email: u.Email, Admin: u.Admin}
		if _, err := a.EnsureAccount(ctx, user, u.Password); err != nil {
			return fmt.Errorf("seed user %s: %w", u.Username, err)
		}
	}

	unlock := a.entities.WriteLock()
	defer unlock()
	s := &staged{base: a.entities.Get, stored: map[domain.ID]domain.Entity{}, removed: map[domain.ID]domain.Entity{}}

	for _, u := range seed.Users {
		if u.RefreshInterval == "" {
			continue
		}
		d, err := time.ParseDuration(u.RefreshInterval)
		if err != nil {
			return fmt.Errorf("seed user %s: refresh_interval: %w", u.Username, err)
		}
		user, _ := a.entities.UserByName(u.Username)
		if user == nil || a.hasPreferences(user.ID) {
			continue
		}
		id, err := domain.NewID(domain.KindPreferences)
		if err != nil {
			return err
		}
		s.stored[id] = &domain.Preferences{
			Meta:    domain.Meta{ID: id},
			Owner:   user.ID,
			Entries: map[string]string{domain.PreferenceRefreshInterval: fmt.Sprint(d.Milliseconds())},
		}
	}

	byName := make(map[string]domain.ID)
	for _, e := range a.entities.ByKind(domain.KindAllocatable) {
		byName[e.(*domain.Allocatable).Name] = e.EntityID()
	}
	for _, al := range seed.Allocatables {
		if _, ok := byName[al.Name]; ok {
			continue
		}
		id, err := domain.NewID(domain.KindAllocatable)
		if err != nil {
			return err
		}
		s.stored[id] = &domain.Allocatable{Meta: domain.Meta{ID: id}, Name: al.Name, Category: al.Category}
		byName[al.Name] = id
	}

	existing := make(map[string]struct{})
	for _, e := range a.entities.ByKind(domain.KindReservation) {
		existing[e.(*domain.Reservation).Name] = struct{}{}
	}
	for _, sr := range seed.Reservations {
		if _, ok := existing[sr.Name]; ok {
			continue
		}
		if err := a.stageSeedReservation(s, sr, byName); err != nil {
			return fmt.Errorf("seed reservation %s: %w", sr.Name, err)
		}
	}

	if len(s.stored) == 0 {
		return nil
	}
	if err := validateStaged("seed", s); err != nil {
		return err
	}
	if _, err := a.commitLocked(ctx, s); err != nil {
		return err
	}
	a.log.Info("seed applied", slog.Int("entities", len(s.stored)))
	return nil
}

func (a *Authority) hasPreferences(user domain.ID) bool {
	for _, e := range a.entities.ByKind(domain.KindPreferences) {
		if e.(*domain.Preferences).Owner == user {
			return true
		}
	}
	return false
}

func (a *Authority) stageSeedReservation(s *staged, sr SeedReservation, allocs map[string]domain.ID) error {
	rid, err := domain.NewID(domain.KindReservation)
	if err != nil {
		return err
	}
	r := &domain.Reservation{Meta: domain.Meta{ID: rid}, Name: sr.Name, Annotations: sr.Annotations}
	if sr.Owner != "" {
		owner, ok := a.entities.UserByName(sr.Owner)
		if !ok {
			return fmt.Errorf("unknown owner %q", sr.Owner)
		}
		r.Owner = owner.ID
	}
	for _, name := range sr.Allocatables {
		id, ok := allocs[name]
		if !ok {
			return fmt.Errorf("unknown allocatable %q", name)
		}
		r.Allocate(id)
	}
	for _, sa := range sr.Appointments {
		aid, err := domain.NewID(domain.KindAppointment)
		if err != nil {
			return err
		}
		appt := &domain.Appointment{Meta: domain.Meta{ID: aid}, Start: sa.Start, End: sa.End, WholeDays: sa.WholeDays}
		if rep := sa.Repeating; rep != nil {
			appt.Repeating = &domain.Repeating{
				Frequency:  domain.Frequency(rep.Frequency),
				Interval:   rep.Interval,
				Count:      rep.Count,
				Until:      rep.Until,
				Exceptions: rep.Exceptions,
			}
		}
		r.AddAppointment(appt)
		s.stored[aid] = appt
	}
	s.stored[rid] = r
	return nil
}
