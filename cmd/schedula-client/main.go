package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"schedula/replica/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := cli.NewRootCommand(cli.DialConnector())
	if err := cmd.ExecuteContext(ctx); err != nil {
		format := "text"
		if f := cmd.PersistentFlags().Lookup("format"); f != nil {
			format = f.Value.String()
		}
		out := &cli.OutputFormatter{Format: format, Writer: os.Stderr}
		if format == "json" {
			out.Writer = os.Stdout
		}
		_ = out.Error(err)
		stop()
		os.Exit(cli.GetExitCode(err))
	}
}
