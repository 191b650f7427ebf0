package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/agentcore"
	"github.com/aixgo-dev/agentcore/pkg/config"
)

func newRunCmd(g *globalFlags) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start an environment from a config file",
		Long:  "Registers every cooperation of the config file and runs until the environment stops or SIGINT/SIGTERM arrives.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(g, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			logger.Info("starting agentcore", "version", Version, "config", configPath)
			return agentcore.Run(cmd.Context(), configPath, agentcore.WithLogger(logger))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", getEnv("CONFIG_FILE", "agentcore.yaml"), "path to config file")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a config file and print the registration order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			registry := agentcore.DefaultRegistry()
			for _, c := range cfg.Coops {
				for _, a := range c.Agents {
					if _, ok := registry.Factory(a.Role); !ok {
						return fmt.Errorf("coop %q: %w: %q", c.Name, agentcore.ErrUnknownRole, a.Role)
					}
				}
			}
			levels, err := cfg.CoopLevels()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s is valid: %d dispatchers, %d cooperations\n", configPath, len(cfg.Dispatchers), len(cfg.Coops))
			for i, level := range levels {
				fmt.Fprintf(out, "  level %d: %s\n", i, strings.Join(level, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", getEnv("CONFIG_FILE", "agentcore.yaml"), "path to config file")
	return cmd
}

func newRolesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roles",
		Short: "List the agent roles available to config files",
		Run: func(cmd *cobra.Command, args []string) {
			for _, role := range agentcore.DefaultRegistry().Roles() {
				fmt.Fprintln(cmd.OutOrStdout(), role)
			}
		},
	}
}
