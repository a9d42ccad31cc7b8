package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"schedula/replica/internal/domain"
	"schedula/replica/internal/store"
)

type ReservationsOptions struct {
	*RootOptions
	From         string
	To           string
	Allocatables []string
}

type ReservationRow struct {
	ID           domain.ID        `json:"id"`
	Name         string           `json:"name"`
	Allocatables []string         `json:"allocatables"`
	Appointments []AppointmentRow `json:"appointments"`
}

type AppointmentRow struct {
	ID        domain.ID `json:"id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Repeating string    `json:"repeating,omitempty"`
}

func NewReservationsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReservationsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reservations",
		Short: "List reservations, optionally filtered by time range and allocatable",
		Long: `List reservations with their appointments.

Dates accept RFC3339, "2006-01-02 15:04" or phrases such as "next monday".

Examples:
  schedula reservations --from today --to "next friday"
  schedula reservations --allocatable "Room 1" --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *Session) error {
				return runReservations(ctx, opts, cmd, s)
			})
		},
	}

	cmd.Flags().StringVar(&opts.From, "from", "", "only appointments ending after this date")
	cmd.Flags().StringVar(&opts.To, "to", "", "only appointments starting before this date")
	cmd.Flags().StringArrayVarP(&opts.Allocatables, "allocatable", "a", nil, "allocatable name or id (repeatable)")

	return cmd
}

func (o *ReservationsOptions) query(s *Session) (store.ReservationQuery, error) {
	start, end, err := dateRange(o.From, o.To, o.Now(), time.Local)
	if err != nil {
		return store.ReservationQuery{}, WrapExitError(ExitCommandError, "invalid date", err)
	}
	allocs, err := resolveAllocatables(s, o.Allocatables)
	if err != nil {
		return store.ReservationQuery{}, err
	}
	return store.ReservationQuery{Allocatables: allocs, Start: start, End: end}, nil
}

func runReservations(ctx context.Context, opts *ReservationsOptions, cmd *cobra.Command, s *Session) error {
	q, err := opts.query(s)
	if err != nil {
		return err
	}
	list, err := s.Operator.GetReservations(ctx, q)
	if err != nil {
		return storeExit("get reservations", err)
	}

	rows := reservationRows(s, list)
	return opts.formatter(cmd).Success(rows, func(w io.Writer) {
		if len(rows) == 0 {
			fmt.Fprintln(w, "No reservations.")
			return
		}
		for _, r := range rows {
			fmt.Fprintf(w, "%s (%s)\n", r.Name, r.ID)
			if len(r.Allocatables) > 0 {
				fmt.Fprintf(w, "  allocated: %s\n", strings.Join(r.Allocatables, ", "))
			}
			for _, a := range r.Appointments {
				fmt.Fprintf(w, "  %s - %s", a.Start.Local().Format("2006-01-02 15:04"), a.End.Local().Format("2006-01-02 15:04"))
				if a.Repeating != "" {
					fmt.Fprintf(w, " (%s)", a.Repeating)
				}
				fmt.Fprintln(w)
			}
		}
	})
}

func reservationRows(s *Session, list store.ReservationList) []ReservationRow {
	appts := make(map[domain.ID]*domain.Appointment, len(list.Appointments))
	for _, a := range list.Appointments {
		appts[a.ID] = a
	}

	rows := make([]ReservationRow, 0, len(list.Reservations))
	for _, r := range list.Reservations {
		row := ReservationRow{ID: r.ID, Name: r.Name, Allocatables: []string{}}
		for _, id := range r.Allocatables() {
			row.Allocatables = append(row.Allocatables, allocatableName(s, id))
		}
		for _, id := range r.Appointments {
			a, ok := appts[id]
			if !ok {
				continue
			}
			row.Appointments = append(row.Appointments, AppointmentRow{ID: a.ID, Start: a.Start, End: a.End, Repeating: describeRepeat(a.Repeating)})
		}
		slices.SortFunc(row.Appointments, func(a, b AppointmentRow) int { return a.Start.Compare(b.Start) })
		rows = append(rows, row)
	}
	slices.SortFunc(rows, func(a, b ReservationRow) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return rows
}

func describeRepeat(r *domain.Repeating) string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(string(r.Frequency))
	if r.Interval > 1 {
		fmt.Fprintf(&b, " every %d", r.Interval)
	}
	switch {
	case r.Count > 0:
		fmt.Fprintf(&b, ", %d times", r.Count)
	case r.Until != nil:
		fmt.Fprintf(&b, ", until %s", r.Until.Local().Format("2006-01-02"))
	}
	if n := len(r.Exceptions); n > 0 {
		fmt.Fprintf(&b, ", %d exceptions", n)
	}
	return b.String()
}
