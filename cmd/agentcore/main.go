package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	_ "github.com/aixgo-dev/agentcore/agents"
	"github.com/aixgo-dev/agentcore/pkg/observability"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

type globalFlags struct {
	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "agentcore",
		Short:         "Run actor-style agent environments",
		Long:          "agentcore runs cooperations of agents on configurable dispatchers, described in a YAML file.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", getEnv("LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&g.logFormat, "log-format", getEnv("LOG_FORMAT", "text"), "log format: text or json")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRunCmd(g))
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newRolesCmd())
	cmd.AddCommand(newBenchCmd(g))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentcore %s (commit: %s)\n", Version, Commit)
		},
	}
}

func newLogger(g *globalFlags, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", g.logLevel)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(g.logFormat) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid log format %q", g.logFormat)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	observability.Version = Version
	os.Exit(execute(newRootCmd()))
}
