package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "owliabot",
		Short:         "Personal multi-channel LLM agent gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to the configuration file")

	root.AddCommand(
		newStartCmd(&configPath),
		newAuthCmd(),
		newOnboardCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("owliabot %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
