package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"schedula/replica/internal/domain"
)

type NextSlotOptions struct {
	*RootOptions
	Allocatables    []string
	At              string
	Duration        time.Duration
	RowsPerHour     int
	Worktime        string
	ExcludeWeekends bool
}

type NextSlot struct {
	Found bool       `json:"found"`
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

func NewNextSlotCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NextSlotOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "next-slot",
		Short: "Find the next free slot on a set of allocatables",
		Long: `Find the earliest start at or after --at where an appointment of
--duration fits on every given allocatable.

Examples:
  schedula next-slot -a "Room 1" --at "tomorrow 9am" --duration 90m
  schedula next-slot -a "Room 1" -a Beamer --worktime 08:00-18:00 --exclude-weekends`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *Session) error {
				return runNextSlot(ctx, opts, cmd, s)
			})
		},
	}

	cmd.Flags().StringArrayVarP(&opts.Allocatables, "allocatable", "a", nil, "allocatable name or id (repeatable, required)")
	_ = cmd.MarkFlagRequired("allocatable")
	cmd.Flags().StringVar(&opts.At, "at", "", "earliest start (default now)")
	cmd.Flags().DurationVar(&opts.Duration, "duration", time.Hour, "appointment length")
	cmd.Flags().IntVar(&opts.RowsPerHour, "rows-per-hour", 2, "candidate starts per hour")
	cmd.Flags().StringVar(&opts.Worktime, "worktime", "", "working window, e.g. 08:00-18:00")
	cmd.Flags().BoolVar(&opts.ExcludeWeekends, "exclude-weekends", false, "skip Saturdays and Sundays")

	return cmd
}

// parseWorktime turns "HH:MM-HH:MM" into minutes after midnight.
func parseWorktime(s string) (start, end int, err error) {
	var h1, m1, h2, m2 int
	if _, err := fmt.Sscanf(s, "%d:%d-%d:%d", &h1, &m1, &h2, &m2); err != nil {
		return 0, 0, fmt.Errorf("worktime %q: want HH:MM-HH:MM", s)
	}
	start, end = h1*60+m1, h2*60+m2
	if start < 0 || end > 24*60 || start >= end {
		return 0, 0, fmt.Errorf("worktime %q: empty or out of range", s)
	}
	return start, end, nil
}

func (o *NextSlotOptions) slotOptions() (domain.NextSlotOptions, error) {
	opts := domain.NextSlotOptions{RowsPerHour: o.RowsPerHour}
	if o.Worktime != "" {
		start, end, err := parseWorktime(o.Worktime)
		if err != nil {
			return opts, err
		}
		opts.WorktimeStart, opts.WorktimeEnd = start, end
	}
	if o.ExcludeWeekends {
		opts.ExcludedDays = []time.Weekday{time.Saturday, time.Sunday}
	}
	return opts, nil
}

func runNextSlot(ctx context.Context, opts *NextSlotOptions, cmd *cobra.Command, s *Session) error {
	if opts.Duration <= 0 {
		return NewExitError(ExitCommandError, "--duration must be positive")
	}
	at := opts.Now()
	if opts.At != "" {
		var err error
		if at, err = parseDate(opts.At, opts.Now(), time.Local); err != nil {
			return WrapExitError(ExitCommandError, "invalid date", err)
		}
	}
	slotOpts, err := opts.slotOptions()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid worktime", err)
	}
	allocs, err := resolveAllocatables(s, opts.Allocatables)
	if err != nil {
		return err
	}

	id, err := domain.NewID(domain.KindAppointment)
	if err != nil {
		return WrapExitError(ExitFailure, "create candidate", err)
	}
	candidate := &domain.Appointment{Meta: domain.Meta{ID: id}, Start: at, End: at.Add(opts.Duration)}

	next, found, err := s.Conflicts.NextAllocatableDate(ctx, allocs, candidate, nil, slotOpts)
	if err != nil {
		return storeExit("next allocatable date", err)
	}

	result := NextSlot{Found: found}
	if found {
		end := next.Add(opts.Duration)
		result.Start, result.End = &next, &end
	}
	return opts.formatter(cmd).Success(result, func(w io.Writer) {
		if !found {
			fmt.Fprintln(w, "No free slot found.")
			return
		}
		fmt.Fprintf(w, "Next free slot: %s - %s\n", next.Local().Format("2006-01-02 15:04"), result.End.Local().Format("15:04"))
	})
}
