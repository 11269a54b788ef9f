package main

import (
	"github.com/spf13/cobra"
)

const serviceName = "vmserviced"

type rootFlags struct {
	configPath  string
	loggingPath string
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Service isolate lifecycle daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "conf/vmservice/VMService.json", "Path to main configuration file")
	rootCmd.PersistentFlags().StringVar(&flags.loggingPath, "logging", "conf/vmservice/Logging.json", "Path to logging configuration file")

	rootCmd.AddCommand(newRunCommand(flags))
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}
