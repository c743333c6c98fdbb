// Command reportkit inspects compiled report evaluator artifacts.
package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reportkit/reportkit/bytecode"
	"github.com/reportkit/reportkit/logger"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type cli struct {
	logFormat string
	logLevel  string

	log *zap.Logger
}

func rootCmd() *cobra.Command {
	cli := &cli{log: zap.NewNop()}
	root := &cobra.Command{
		Use:               "reportkit",
		Short:             "Inspect compiled report evaluator artifacts",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: cli.setupLogger,
	}
	root.PersistentFlags().StringVar(&cli.logFormat, "log-format", "auto", "log format (auto, console, logfmt, json)")
	root.PersistentFlags().StringVar(&cli.logLevel, "log-level", "info", "minimum log level")
	root.AddCommand(cli.inspectCmd(), cli.verifyCmd())
	return root
}

func (c *cli) setupLogger(cmd *cobra.Command, _ []string) error {
	conf := logger.NewConfig()
	conf.Format = c.logFormat
	if err := conf.Level.UnmarshalText([]byte(c.logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.logLevel, err)
	}
	log, err := conf.New(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	c.log = log
	return nil
}

func (c *cli) inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <artifact>",
		Short: "Decode an artifact file and print its listing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			p, err := bytecode.Decode(data)
			if err != nil {
				return err
			}
			c.log.Debug("Decoded artifact",
				zap.String("path", args[0]),
				zap.String("name", p.Name),
				zap.Int("instructions", len(p.Code)))
			if sum, ok := bytecode.Checksum(data); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "checksum: %016x\n", sum)
			}
			for _, line := range bytecode.Disassemble(p) {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
}

func (c *cli) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <artifact>...",
		Short: "Check that artifact files decode cleanly",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result *multierror.Error
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					result = multierror.Append(result, err)
					continue
				}
				if _, err := bytecode.Decode(data); err != nil {
					c.log.Warn("Artifact failed verification",
						zap.String("path", path), zap.Error(err))
					result = multierror.Append(result, fmt.Errorf("%s: %w", path, err))
					continue
				}
				c.log.Debug("Artifact verified", zap.String("path", path))
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			}
			return result.ErrorOrNil()
		},
	}
}
