package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/shareonce/shareonce/internal/core"
	"github.com/shareonce/shareonce/internal/daemon"
)

func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the shareonce daemon",
		Long: `Run the shareonce control-plane daemon in the foreground.

The daemon serves the control API, tails the static server's access log and
manages tunnel lifecycles. It runs until it receives SIGINT or SIGTERM, at
which point it drains in-flight requests and destroys every live tunnel.`,
		Aliases: []string{"daemon", "run"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemon.New(core.Config).Run(context.Background())
		},
	}
}
