package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"schedula/replica/internal/config"
	"schedula/replica/internal/domain"
)

type RootOptions struct {
	Verbose    bool
	Format     string
	Server     string
	User       string
	ConfigFile string

	// Connect opens sessions; Now anchors relative date flags.
	Connect Connector
	Now     func() time.Time

	cfg config.Client
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand(connect Connector) *cobra.Command {
	opts := &RootOptions{Connect: connect, Now: time.Now}

	cmd := &cobra.Command{
		Use:   "schedula",
		Short: "Schedula client",
		Long:  "Inspect reservations, conflicts and free slots on a Schedula server.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClient(opts.ConfigFile)
			if err != nil {
				return WrapExitError(ExitCommandError, "config load failed", err)
			}
			flags := cmd.Flags()
			if flags.Changed("server") {
				cfg.Server = opts.Server
			}
			if flags.Changed("user") {
				cfg.Username = opts.User
			}
			if !flags.Changed("format") && slices.Contains(ValidFormats, cfg.Format) {
				opts.Format = cfg.Format
			}
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			opts.cfg = cfg
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Server, "server", "", "server address (host:port)")
	cmd.PersistentFlags().StringVar(&opts.User, "user", "", "username; the password is read from SCHEDULA_PASSWORD")
	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "config file (default ./schedula.yaml)")

	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewReservationsCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))
	cmd.AddCommand(NewTemplatesCommand(opts))
	cmd.AddCommand(NewNextSlotCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))

	return cmd
}

func (o *RootOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})).With(
		slog.String("service", "schedula-client"),
	)
}

func (o *RootOptions) open(cmd *cobra.Command, watch bool) (*Session, error) {
	if o.cfg.Username == "" {
		return nil, NewExitError(ExitCommandError, "no user: pass --user or set SCHEDULA_USER")
	}
	if o.cfg.Password == "" {
		return nil, NewExitError(ExitCommandError, "no password: set SCHEDULA_PASSWORD")
	}
	if o.Connect == nil {
		o.Connect = DialConnector()
	}
	return o.Connect(cmd.Context(), o.cfg, watch, o.logger(cmd.ErrOrStderr()))
}

// withSession runs fn against a fresh session and disconnects afterwards.
func (o *RootOptions) withSession(cmd *cobra.Command, fn func(ctx context.Context, s *Session) error) error {
	s, err := o.open(cmd, false)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close(context.WithoutCancel(cmd.Context())) }()

	ctx := cmd.Context()
	if o.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RequestTimeout)
		defer cancel()
	}
	return fn(ctx, s)
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

// resolveAllocatables maps names or IDs given on the command line to IDs.
func resolveAllocatables(s *Session, args []string) ([]domain.ID, error) {
	known := s.Operator.Allocatables()
	out := make([]domain.ID, 0, len(args))
	for _, arg := range args {
		i := slices.IndexFunc(known, func(a *domain.Allocatable) bool {
			return a.Name == arg || string(a.ID) == arg
		})
		if i < 0 {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown allocatable %q", arg))
		}
		out = append(out, known[i].ID)
	}
	return out, nil
}

func allocatableName(s *Session, id domain.ID) string {
	if e, ok := s.Operator.Resolve(id); ok {
		if a, ok := e.(*domain.Allocatable); ok {
			return a.Name
		}
	}
	return string(id)
}

func reservationName(s *Session, id domain.ID) string {
	if e, ok := s.Operator.Resolve(id); ok {
		if r, ok := e.(*domain.Reservation); ok {
			return r.Name
		}
	}
	return string(id)
}
