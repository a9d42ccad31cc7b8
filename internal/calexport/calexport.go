// Package calexport renders reservations as an iCalendar feed. Every
// appointment becomes one VEVENT; repetitions are carried as RRULE and
// EXDATE properties instead of being expanded.
package calexport

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"schedula/replica/internal/domain"
	"schedula/replica/internal/store"
)

const (
	productID = "-//schedula//replica//EN"
	uidDomain = "schedula"

	// DescriptionAnnotation is the reservation annotation exported as the
	// event description.
	DescriptionAnnotation = "description"

	utcLayout  = "20060102T150405Z"
	dateLayout = "20060102"
)

type Options struct {
	Name string
	// Now stamps DTSTAMP. The zero value means time.Now.
	Now time.Time
}

// Names returns a lookup over allocs for Build.
func Names(allocs []*domain.Allocatable) func(domain.ID) string {
	byID := make(map[domain.ID]string, len(allocs))
	for _, a := range allocs {
		byID[a.ID] = a.Name
	}
	return func(id domain.ID) string {
		if name, ok := byID[id]; ok {
			return name
		}
		return string(id)
	}
}

func Build(list store.ReservationList, names func(domain.ID) string, opts Options) (*ical.Calendar, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	if opts.Name != "" {
		cal.SetXWRCalName(opts.Name)
	}

	appts := make(map[domain.ID]*domain.Appointment, len(list.Appointments))
	for _, a := range list.Appointments {
		appts[a.ID] = a
	}

	reservations := slices.Clone(list.Reservations)
	slices.SortFunc(reservations, func(a, b *domain.Reservation) int { return strings.Compare(string(a.ID), string(b.ID)) })

	for _, r := range reservations {
		for _, id := range r.Appointments {
			a, ok := appts[id]
			if !ok {
				continue
			}
			if err := addEvent(cal, r, a, names, now); err != nil {
				return nil, fmt.Errorf("calexport: appointment %s: %w", a.ID, err)
			}
		}
	}
	return cal, nil
}

func Write(w io.Writer, list store.ReservationList, names func(domain.ID) string, opts Options) error {
	cal, err := Build(list, names, opts)
	if err != nil {
		return err
	}
	return cal.SerializeTo(w)
}

func addEvent(cal *ical.Calendar, r *domain.Reservation, a *domain.Appointment, names func(domain.ID) string, now time.Time) error {
	ev := cal.AddEvent(string(a.ID) + "@" + uidDomain)
	ev.SetDtStampTime(now)
	if !a.LastChanged.IsZero() {
		ev.SetModifiedAt(a.LastChanged)
	}
	ev.AddProperty(ical.ComponentPropertySequence, strconv.FormatInt(a.Version, 10))
	ev.SetSummary(r.Name)
	if loc := location(r, a, names); loc != "" {
		ev.SetLocation(loc)
	}
	if desc := r.Annotations[DescriptionAnnotation]; desc != "" {
		ev.SetDescription(desc)
	}

	if a.WholeDays {
		ev.SetAllDayStartAt(a.Start)
		ev.SetAllDayEndAt(a.End)
	} else {
		ev.SetStartAt(a.Start)
		ev.SetEndAt(a.End)
	}

	if a.Repeating == nil {
		return nil
	}
	opt, err := a.Repeating.Option(a.Start)
	if err != nil {
		return err
	}
	ev.AddProperty(ical.ComponentPropertyRrule, opt.RRuleString())
	for _, ex := range a.Repeating.Exceptions {
		ev.AddProperty(ical.ComponentPropertyExdate, exdate(a, ex))
	}
	return nil
}

// exdate formats the occurrence start that falls on the calendar date of ex.
func exdate(a *domain.Appointment, ex time.Time) string {
	loc := a.Start.Location()
	y, m, d := ex.In(loc).Date()
	if a.WholeDays {
		return time.Date(y, m, d, 0, 0, 0, 0, loc).Format(dateLayout)
	}
	start := time.Date(y, m, d, a.Start.Hour(), a.Start.Minute(), a.Start.Second(), 0, loc)
	return start.UTC().Format(utcLayout)
}

func location(r *domain.Reservation, a *domain.Appointment, names func(domain.ID) string) string {
	var out []string
	for _, alloc := range r.Allocatables() {
		if r.HasAllocated(alloc, a.ID) {
			out = append(out, names(alloc))
		}
	}
	return strings.Join(out, " / ")
}
