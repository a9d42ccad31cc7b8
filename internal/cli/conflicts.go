package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"schedula/replica/internal/domain"
)

type ConflictRow struct {
	ID           domain.ID `json:"id"`
	Allocatable  string    `json:"allocatable"`
	Reservation1 string    `json:"reservation1"`
	Reservation2 string    `json:"reservation2"`
	Appointment1 domain.ID `json:"appointment1"`
	Appointment2 domain.ID `json:"appointment2"`
}

func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List double bookings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *Session) error {
				return runConflicts(ctx, rootOpts, cmd, s)
			})
		},
	}
}

func runConflicts(ctx context.Context, opts *RootOptions, cmd *cobra.Command, s *Session) error {
	resolved, err := s.Conflicts.Conflicts(ctx)
	if err != nil {
		return storeExit("get conflicts", err)
	}

	rows := make([]ConflictRow, 0, len(resolved))
	for _, c := range resolved {
		rows = append(rows, ConflictRow{
			ID:           c.ID,
			Allocatable:  c.Resource.Name,
			Reservation1: reservationName(s, c.Reservation1),
			Reservation2: reservationName(s, c.Reservation2),
			Appointment1: c.Appointment1,
			Appointment2: c.Appointment2,
		})
	}
	slices.SortFunc(rows, func(a, b ConflictRow) int { return strings.Compare(string(a.ID), string(b.ID)) })

	return opts.formatter(cmd).Success(rows, func(w io.Writer) {
		if len(rows) == 0 {
			fmt.Fprintln(w, "No conflicts.")
			return
		}
		for _, r := range rows {
			fmt.Fprintf(w, "%s: %q overlaps %q\n", r.Allocatable, r.Reservation1, r.Reservation2)
		}
	})
}
