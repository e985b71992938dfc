package main

import (
	"github.com/spf13/cobra"
	"github.com/tallyhq/tally/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:           "tally",
	Short:         "Tally syncs billing and commerce providers into normalized entities.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		structured := commandUsesStructuredLogging(cmd)
		setCommandExecutionContext(commandExecutionContext{
			CommandPath:       cmd.CommandPath(),
			UsesStructuredLog: structured,
		})
		if !structured {
			return nil
		}
		_, err := logging.BootstrapFromEnv(logging.BootstrapOptions{
			Command: cmd.CommandPath(),
			Writer:  cmd.ErrOrStderr(),
		})
		return err
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd, syncCmd, migrateCmd, connectorsCmd, credentialsCmd)
}
