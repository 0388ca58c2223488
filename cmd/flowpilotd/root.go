package main

import (
	"os"

	"github.com/spf13/cobra"

	"FlowPilot/internal/config"
)

// 环境变量 FLOWPILOT_CONFIG 在未传 --config 时生效。
const configEnv = "FLOWPILOT_CONFIG"

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "flowpilotd",
		Short:         "FlowPilot turns chat requests into confirmed workflow runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the YAML/JSON config file")

	cmd.AddCommand(
		newServeCommand(opts),
		newChatCommand(opts),
		newTemplatesCommand(opts),
		newMatchCommand(opts),
	)
	return cmd
}

func (o *rootOptions) load() (*config.Config, error) {
	path := o.configPath
	if path == "" {
		path = os.Getenv(configEnv)
	}
	return config.Load(path)
}
