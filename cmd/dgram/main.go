// Package main provides the CLI entry point for the dgram UDP transport.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/postalsys/dgram/internal/config"
	"github.com/postalsys/dgram/internal/logging"
	"github.com/postalsys/dgram/internal/sysinfo"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	logLevel  string
	logFormat string
}

func (g *globalFlags) logger() *slog.Logger {
	return logging.NewLogger(g.logLevel, g.logFormat)
}

func main() {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "dgram",
		Short: "dgram - UDP datagram transport endpoints",
		Long: `dgram runs UDP listener and dialer endpoints that exchange
discrete, length-preserving datagrams.

It can listen and echo, send test traffic, run an in-process burst
benchmark, and serve endpoint statistics for Prometheus.`,
		Version:       sysinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", logging.FormatAuto, "Log format (text, json, auto)")

	// Add subcommands
	rootCmd.AddCommand(runCmd(flags))
	rootCmd.AddCommand(listenCmd(flags))
	rootCmd.AddCommand(dialCmd(flags))
	rootCmd.AddCommand(benchCmd(flags))
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := sysinfo.Collect()
			fmt.Fprintf(cmd.OutOrStdout(), "dgram %s (%s, %s/%s)\n",
				info.Version, info.GoVersion, info.OS, info.Arch)
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration files",
	}

	var configPath string

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK (%d listeners, %d dialers)\n",
				configPath, len(cfg.Listeners), len(cfg.Dialers))
			return nil
		},
	}
	validate.Flags().StringVarP(&configPath, "config", "c", "./dgram.yaml", "Path to configuration file")

	var showPath string

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if showPath != "" {
				var err error
				if cfg, err = config.Load(showPath); err != nil {
					return err
				}
			}
			fmt.Fprint(cmd.OutOrStdout(), cfg.String())
			return nil
		},
	}
	show.Flags().StringVarP(&showPath, "config", "c", "", "Path to configuration file (defaults if empty)")

	cmd.AddCommand(validate, show)
	return cmd
}
