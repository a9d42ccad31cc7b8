package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

type StatusReport struct {
	Server          string     `json:"server"`
	User            string     `json:"user"`
	DisplayName     string     `json:"display_name"`
	Admin           bool       `json:"admin"`
	LastSynced      *time.Time `json:"last_synced,omitempty"`
	RefreshInterval string     `json:"refresh_interval"`
	Allocatables    int        `json:"allocatables"`
	Entities        int        `json:"entities"`
}

func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session and the size of the local cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *Session) error {
				return runStatus(rootOpts, cmd, s)
			})
		},
	}
}

func runStatus(opts *RootOptions, cmd *cobra.Command, s *Session) error {
	user, err := s.Operator.CurrentUser()
	if err != nil {
		return storeExit("current user", err)
	}
	report := StatusReport{
		Server:          opts.cfg.Server,
		User:            user.Username,
		DisplayName:     user.DisplayName(),
		Admin:           user.Admin,
		RefreshInterval: s.Operator.RefreshInterval().String(),
		Allocatables:    len(s.Operator.Allocatables()),
		Entities:        len(s.Operator.Entities()),
	}
	if t, ok := s.Operator.LastSynced(); ok {
		report.LastSynced = &t
	}

	return opts.formatter(cmd).Success(report, func(w io.Writer) {
		fmt.Fprintf(w, "Connected to %s as %s (%s)\n", report.Server, report.DisplayName, report.User)
		if report.Admin {
			fmt.Fprintln(w, "Role: administrator")
		}
		if report.LastSynced != nil {
			fmt.Fprintf(w, "Last synced: %s\n", report.LastSynced.Format(time.RFC3339))
		}
		fmt.Fprintf(w, "Refresh interval: %s\n", report.RefreshInterval)
		fmt.Fprintf(w, "Cached: %d entities, %d allocatables\n", report.Entities, report.Allocatables)
	})
}
