package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/hanpama/planexec/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCommand(afero.NewOsFs(), os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "planexec:", err)
		os.Exit(1)
	}
}

// command carries what every subcommand shares.
type command struct {
	fs     afero.Fs
	stdout io.Writer
	stderr io.Writer
}

func newRootCommand(fs afero.Fs, stdout, stderr io.Writer) *cobra.Command {
	c := &command{fs: fs, stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:   "planexec",
		Short: "Execute compiled execution plans against relational, service and in-memory stores",
		Long: `planexec runs execution plans. Plans arrive as JSON, either over HTTP
(planexec serve) or from a file (planexec execute).

Configuration is read from --config (YAML), then PLANEXEC_* environment
variables, then flags. server.addr is overridden by PLANEXEC_SERVER_ADDR.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(c.serveCommand(), c.executeCommand(), c.versionCommand())
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		cmd.SilenceUsage = false
		return err
	})
	return root
}

// load reads the configuration and builds the logger.
func (c *command) load(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.fs, "", cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	logger, err := config.NewLogger(cfg.Log, c.stderr)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func (c *command) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the planexec version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(c.stdout, "planexec", version)
			return err
		},
	}
}
