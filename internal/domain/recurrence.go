package domain

import (
	"errors"
	"iter"
	"slices"
	"time"

	"github.com/teambition/rrule-go"
)

type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyYearly  Frequency = "yearly"
)

// ExpansionHorizon bounds the expansion of repetitions without an end.
const ExpansionHorizon = 5 * 365 * 24 * time.Hour

const maxIterations = 50000

type Repeating struct {
	Frequency Frequency `json:"frequency"`
	Interval  int       `json:"interval,omitempty"`
	// Count limits the number of occurrences, exceptions included.
	Count int `json:"count,omitempty"`
	// Until is an exclusive bound on occurrence starts.
	Until      *time.Time  `json:"until,omitempty"`
	Exceptions []time.Time `json:"exceptions,omitempty"`
}

func (r *Repeating) clone() *Repeating {
	if r == nil {
		return nil
	}
	c := *r
	if r.Until != nil {
		until := *r.Until
		c.Until = &until
	}
	c.Exceptions = slices.Clone(r.Exceptions)
	return &c
}

func (r *Repeating) Validate() error {
	if _, err := r.frequency(); err != nil {
		return err
	}
	if r.Interval < 0 {
		return errors.New("invalid interval")
	}
	if r.Count < 0 {
		return errors.New("invalid count")
	}
	if r.Count > 0 && r.Until != nil {
		return errors.New("count and until are mutually exclusive")
	}
	return nil
}

func (r *Repeating) Bounded() bool {
	return r.Count > 0 || r.Until != nil
}

// IsException reports whether the calendar date of t in loc is excluded.
func (r *Repeating) IsException(t time.Time, loc *time.Location) bool {
	y, m, d := t.In(loc).Date()
	for _, ex := range r.Exceptions {
		ey, em, ed := ex.In(loc).Date()
		if y == ey && m == em && d == ed {
			return true
		}
	}
	return false
}

func (r *Repeating) frequency() (rrule.Frequency, error) {
	switch r.Frequency {
	case FrequencyDaily:
		return rrule.DAILY, nil
	case FrequencyWeekly:
		return rrule.WEEKLY, nil
	case FrequencyMonthly:
		return rrule.MONTHLY, nil
	case FrequencyYearly:
		return rrule.YEARLY, nil
	}
	return 0, errors.New("unsupported recurrence frequency")
}

// Option returns the rrule options describing the repetition of an
// appointment starting at dtstart.
func (r *Repeating) Option(dtstart time.Time) (rrule.ROption, error) {
	freq, err := r.frequency()
	if err != nil {
		return rrule.ROption{}, err
	}
	interval := r.Interval
	if interval < 1 {
		interval = 1
	}
	opt := rrule.ROption{
		Freq:     freq,
		Interval: interval,
		Dtstart:  dtstart,
		Count:    r.Count,
	}
	if r.Until != nil {
		opt.Until = r.Until.In(dtstart.Location()).Add(-time.Nanosecond)
	}
	return opt, nil
}

func (a *Appointment) ruleSet() (*rrule.Set, error) {
	opt, err := a.Repeating.Option(a.Start)
	if err != nil {
		return nil, err
	}
	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, err
	}
	var set rrule.Set
	set.RRule(r)

	loc := a.Start.Location()
	for _, ex := range a.Repeating.Exceptions {
		y, m, d := ex.In(loc).Date()
		set.ExDate(time.Date(y, m, d, a.Start.Hour(), a.Start.Minute(), a.Start.Second(), a.Start.Nanosecond(), loc))
	}
	return &set, nil
}

// Blocks yields the occurrences of a that intersect [from, to) in start
// order. Occurrences falling on an exception date are never produced.
func (a *Appointment) Blocks(from, to time.Time) iter.Seq[Block] {
	return func(yield func(Block) bool) {
		dur := a.Duration()
		emit := func(start time.Time) bool {
			end := start.Add(dur)
			if !end.After(from) {
				return true
			}
			return yield(Block{Appointment: a.ID, Start: start, End: end})
		}

		if a.Repeating == nil {
			if a.Start.Before(to) {
				emit(a.Start)
			}
			return
		}
		set, err := a.ruleSet()
		if err != nil {
			if a.Start.Before(to) {
				emit(a.Start)
			}
			return
		}

		next := set.Iterator()
		for i := 0; i < maxIterations; i++ {
			start, ok := next()
			if !ok || !start.Before(to) {
				return
			}
			if !emit(start) {
				return
			}
		}
	}
}

// MaxEnd returns the end of the last occurrence, or false when the
// repetition is unbounded.
func (a *Appointment) MaxEnd() (time.Time, bool) {
	if a.Repeating == nil {
		return a.End, true
	}
	if !a.Repeating.Bounded() {
		return time.Time{}, false
	}
	set, err := a.ruleSet()
	if err != nil {
		return a.End, true
	}
	last := a.Start
	next := set.Iterator()
	for i := 0; i < maxIterations; i++ {
		start, ok := next()
		if !ok {
			break
		}
		last = start
	}
	return last.Add(a.Duration()), true
}
