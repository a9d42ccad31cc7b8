package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"schedula/replica/internal/domain"
	"schedula/replica/internal/service/operator"
	"schedula/replica/internal/update"
)

type WatchOptions struct {
	*RootOptions
	Duration time.Duration
}

type WatchEvent struct {
	Type    string      `json:"type"`
	At      time.Time   `json:"at"`
	Added   []domain.ID `json:"added,omitempty"`
	Updated []domain.ID `json:"updated,omitempty"`
	Removed []domain.ID `json:"removed,omitempty"`
	Message string      `json:"message,omitempty"`
}

func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stay connected and print every change pulled from the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "stop after this long (0 runs until interrupted)")

	return cmd
}

// eventWriter serializes listener output; listeners may run on the
// scheduler goroutine.
type eventWriter struct {
	mu     sync.Mutex
	w      io.Writer
	format string
}

func (e *eventWriter) write(evt WatchEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.format == "json" {
		_ = json.NewEncoder(e.w).Encode(evt)
		return
	}
	ts := evt.At.Local().Format("15:04:05")
	switch evt.Type {
	case "update":
		fmt.Fprintf(e.w, "%s +%d ~%d -%d\n", ts, len(evt.Added), len(evt.Updated), len(evt.Removed))
	default:
		fmt.Fprintf(e.w, "%s %s: %s\n", ts, evt.Type, evt.Message)
	}
}

func updateEvent(r *update.Result, at time.Time) WatchEvent {
	evt := WatchEvent{Type: "update", At: at}
	for _, e := range r.Added {
		evt.Added = append(evt.Added, e.EntityID())
	}
	for _, c := range r.Updated {
		evt.Updated = append(evt.Updated, c.New.EntityID())
	}
	for _, e := range r.Removed {
		evt.Removed = append(evt.Removed, e.EntityID())
	}
	return evt
}

func runWatch(opts *WatchOptions, cmd *cobra.Command) error {
	s, err := opts.open(cmd, true)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close(context.WithoutCancel(cmd.Context())) }()

	ctx := cmd.Context()
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	out := &eventWriter{w: cmd.OutOrStdout(), format: opts.Format}
	disconnected := make(chan string, 1)
	remove := s.Operator.AddListener(operator.ListenerFuncs{
		Updated: func(r *update.Result) { out.write(updateEvent(r, opts.Now())) },
		Disconnected: func(msg string) {
			select {
			case disconnected <- msg:
			default:
			}
		},
		Error: func(err error) {
			out.write(WatchEvent{Type: "error", At: opts.Now(), Message: err.Error()})
		},
	})
	defer remove()

	out.write(WatchEvent{Type: "connected", At: opts.Now(), Message: fmt.Sprintf("refreshing every %s", s.Operator.RefreshInterval())})

	select {
	case <-ctx.Done():
		return nil
	case msg := <-disconnected:
		return NewExitError(ExitFailure, "disconnected: "+msg)
	}
}
