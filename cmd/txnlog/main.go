package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/microsoft/service-fabric-sub010/logger"
	"github.com/microsoft/service-fabric-sub010/replicator"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := NewCommand(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	dir        string
	logLevel   string
	logFormat  string

	config replicator.Config
}

// NewCommand returns the txnlog command tree writing output to stdout and
// logs to stderr.
func NewCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "txnlog",
		Short:         "Inspect and exercise a transaction log",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.load(); err != nil {
				return err
			}
			log, err := opts.config.Logging.New(stderr)
			if err != nil {
				return err
			}
			cmd.SetContext(logger.NewContext(cmd.Context(), log))
			return nil
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Path to a TOML configuration file.")
	flags.StringVar(&opts.dir, "dir", "", "Directory holding the log segments. Overrides the configured dir.")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error.")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format: auto, console, logfmt or json.")

	cmd.AddCommand(
		newConfigCommand(opts),
		newInspectCommand(opts),
		newLoadCommand(opts),
	)
	return cmd
}

// load reads the configuration file, if any, over the defaults and applies
// the flag overrides.
func (o *rootOptions) load() error {
	o.config = replicator.NewConfig()
	if o.configPath != "" {
		if _, err := toml.DecodeFile(o.configPath, &o.config); err != nil {
			return fmt.Errorf("parse config %s: %w", o.configPath, err)
		}
	}
	if o.dir != "" {
		o.config.Dir = o.dir
	}
	if o.logFormat != "" {
		o.config.Logging.Format = o.logFormat
	}
	if o.logLevel != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
			return err
		}
		o.config.Logging.Level = level
	}
	return o.config.Validate()
}

func (o *rootOptions) requireDir() error {
	if o.config.Dir == "" {
		return fmt.Errorf("no log directory: set --dir or dir in the configuration")
	}
	return nil
}

func newConfigCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(opts.config)
		},
	}
}
