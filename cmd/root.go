// Package cmd implements the shareonce command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shareonce/shareonce/internal/core"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int

	homeDir, _ := os.UserHomeDir()

	rootCmd := &cobra.Command{
		Use:   "shareonce",
		Short: "Shareonce - single-use file sharing tunnels",
		Long: `Shareonce provisions short-lived, single-use, publicly reachable HTTPS
download endpoints for files on a private host.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := core.LoadConfig(configPath)
			if err != nil {
				return err
			}
			cfg.Verbose = verbose
			core.Config = cfg
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config-path", fmt.Sprintf("%s/.shareonce", homeDir),
		"config path",
	)
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewServeCommand(),
		NewStatusCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}
