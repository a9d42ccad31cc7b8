package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func NewTemplatesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List reservation template names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *Session) error {
				names, err := s.Operator.GetTemplateNames(ctx)
				if err != nil {
					return storeExit("get template names", err)
				}
				return rootOpts.formatter(cmd).Success(names, func(w io.Writer) {
					if len(names) == 0 {
						fmt.Fprintln(w, "No templates.")
						return
					}
					for _, name := range names {
						fmt.Fprintln(w, name)
					}
				})
			})
		},
	}
}
