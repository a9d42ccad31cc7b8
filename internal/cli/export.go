package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"schedula/replica/internal/calexport"
)

type ExportOptions struct {
	ReservationsOptions
	Output string
	Name   string
}

func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{ReservationsOptions: ReservationsOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export reservations as an iCalendar file",
		Long: `Export reservations as iCalendar. Repeating appointments keep their
RRULE and EXDATE properties.

Examples:
  schedula export -a "Room 1" --output room1.ics
  schedula export --from today --to "in 4 weeks" > term.ics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *Session) error {
				return runExport(ctx, opts, cmd, s)
			})
		},
	}

	cmd.Flags().StringVar(&opts.From, "from", "", "only appointments ending after this date")
	cmd.Flags().StringVar(&opts.To, "to", "", "only appointments starting before this date")
	cmd.Flags().StringArrayVarP(&opts.Allocatables, "allocatable", "a", nil, "allocatable name or id (repeatable)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write to file instead of stdout")
	cmd.Flags().StringVar(&opts.Name, "name", "", "calendar name (default: the allocatable names)")

	return cmd
}

func runExport(ctx context.Context, opts *ExportOptions, cmd *cobra.Command, s *Session) error {
	q, err := opts.query(s)
	if err != nil {
		return err
	}
	list, err := s.Operator.GetReservations(ctx, q)
	if err != nil {
		return storeExit("get reservations", err)
	}

	name := opts.Name
	if name == "" {
		name = "Schedula"
		if len(opts.Allocatables) > 0 {
			name = strings.Join(opts.Allocatables, ", ")
		}
	}

	var w io.Writer = cmd.OutOrStdout()
	if opts.Output != "" {
		f, err := os.Create(opts.Output)
		if err != nil {
			return WrapExitError(ExitCommandError, "create output file", err)
		}
		defer f.Close()
		w = f
	}

	names := calexport.Names(s.Operator.Allocatables())
	if err := calexport.Write(w, list, names, calexport.Options{Name: name, Now: opts.Now()}); err != nil {
		return WrapExitError(ExitFailure, "write calendar", err)
	}
	if opts.Output != "" && opts.Verbose {
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d reservations to %s\n", len(list.Reservations), opts.Output)
	}
	return nil
}
