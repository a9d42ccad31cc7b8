package domain

import (
	"slices"
	"time"
)

const nextSlotHorizonDays = 366

type NextSlotOptions struct {
	// WorktimeStart and WorktimeEnd are minutes after midnight. The window
	// is ignored unless WorktimeStart < WorktimeEnd.
	WorktimeStart int            `json:"worktime_start"`
	WorktimeEnd   int            `json:"worktime_end"`
	ExcludedDays  []time.Weekday `json:"excluded_days,omitempty"`
	RowsPerHour   int            `json:"rows_per_hour,omitempty"`
}

func (o NextSlotOptions) hasWindow() bool {
	return o.WorktimeStart >= 0 && o.WorktimeStart < o.WorktimeEnd && o.WorktimeEnd <= 24*60
}

func (o NextSlotOptions) step(wholeDays bool) time.Duration {
	if wholeDays {
		return 24 * time.Hour
	}
	rows := o.RowsPerHour
	if rows < 1 {
		rows = 1
	}
	return time.Hour / time.Duration(rows)
}

func (o NextSlotOptions) excluded(t time.Time) bool {
	return slices.Contains(o.ExcludedDays, t.Weekday())
}

func minutesOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

func (o NextSlotOptions) inWindow(a *Appointment) bool {
	start := minutesOfDay(a.Start)
	if start < o.WorktimeStart {
		return false
	}
	endMinutes := start + int(a.Duration()/time.Minute)
	return endMinutes <= o.WorktimeEnd
}

func windowStart(day time.Time, minutes int) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, day.Location()).Add(time.Duration(minutes) * time.Minute)
}

// NextAllocatableDate scans forward from candidate's start in quantized
// steps for the first start at which candidate is free on every
// allocatable. Excluded weekdays are skipped unless the original start
// falls on one. When candidate lies within the working window, steps that
// leave the window wrap to the start of the next day's window.
func (b *Bookings) NextAllocatableDate(allocs []ID, candidate *Appointment, ignore map[ID]struct{}, opts NextSlotOptions) (time.Time, bool) {
	step := opts.step(candidate.WholeDays)
	startExcluded := opts.excluded(candidate.Start)
	useWindow := !candidate.WholeDays && opts.hasWindow() && opts.inWindow(candidate)
	limit := candidate.Start.AddDate(0, 0, nextSlotHorizonDays)

	start := candidate.Start
	for start.Before(limit) {
		start = start.Add(step)
		if !startExcluded && opts.excluded(start) {
			if !candidate.WholeDays {
				start = nextDayAt(start, opts, useWindow).Add(-step)
			}
			continue
		}
		moved := candidate.Moved(start)
		if useWindow && !opts.inWindow(moved) {
			if minutesOfDay(start) < opts.WorktimeStart {
				start = windowStart(start, opts.WorktimeStart).Add(-step)
			} else {
				start = nextDayAt(start, opts, true).Add(-step)
			}
			continue
		}
		if !b.allocated(allocs, moved, ignore) {
			return start, true
		}
	}
	return time.Time{}, false
}

func nextDayAt(t time.Time, opts NextSlotOptions, useWindow bool) time.Time {
	minutes := 0
	if useWindow {
		minutes = opts.WorktimeStart
	}
	return windowStart(t.AddDate(0, 0, 1), minutes)
}

func (b *Bookings) allocated(allocs []ID, appt *Appointment, ignore map[ID]struct{}) bool {
	for _, alloc := range allocs {
		if len(b.ConflictingAppointments(alloc, appt, ignore, true)) > 0 {
			return true
		}
	}
	return false
}
