package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/postalsys/dgram/internal/address"
	"github.com/postalsys/dgram/internal/config"
	"github.com/postalsys/dgram/internal/health"
	"github.com/postalsys/dgram/internal/logging"
	"github.com/postalsys/dgram/internal/sysinfo"
	"github.com/postalsys/dgram/internal/udp"
)

func runCmd(flags *globalFlags) *cobra.Command {
	var (
		configPath string
		echo       bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the endpoints from a configuration file",
		Long:  "Start every listener and dialer defined in the configuration file and serve until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			level, format := cfg.Log.Level, cfg.Log.Format
			if cmd.Flags().Changed("log-level") {
				level = flags.logLevel
			}
			if cmd.Flags().Changed("log-format") {
				format = flags.logFormat
			}
			logger := logging.NewLogger(level, format)

			sock, err := cfg.SocketOptions()
			if err != nil {
				return err
			}

			set := newEndpointSet(logger, sock)
			defer set.close()

			var listeners []*udp.Listener
			for _, lc := range cfg.Listeners {
				l, err := set.addListener(lc)
				if err != nil {
					return err
				}
				listeners = append(listeners, l)
			}
			for _, dc := range cfg.Dialers {
				if _, err := set.addDialer(dc); err != nil {
					return err
				}
			}

			if err := set.start(); err != nil {
				return err
			}
			for _, l := range listeners {
				if err := set.serve(l, echo); err != nil {
					return err
				}
			}

			var srv *health.Server
			if cfg.Metrics.Enabled {
				if srv, err = set.startHealth(cfg.Metrics); err != nil {
					return err
				}
				defer srv.Stop()
			}

			logger.Info("endpoints running",
				slog.Int(logging.KeyCount, len(cfg.Listeners)+len(cfg.Dialers)))

			return waitForSignal(cmd.Context(), logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./dgram.yaml", "Path to configuration file")
	cmd.Flags().BoolVar(&echo, "echo", false, "Echo every received datagram back to its sender")

	return cmd
}

func listenCmd(flags *globalFlags) *cobra.Command {
	var (
		echo        bool
		metricsAddr string
		recvMax     config.Size
		copyMax     config.Size
	)

	cmd := &cobra.Command{
		Use:   "listen <url>",
		Short: "Bind a listener and log incoming datagrams",
		Example: `  dgram listen udp://127.0.0.1:5555 --echo
  dgram listen udp6://[::1]:5555 --recv-max 1400 --metrics-addr 127.0.0.1:9464`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := flags.logger()

			ec := config.EndpointConfig{URL: args[0]}
			if cmd.Flags().Changed("recv-max") {
				ec.RecvMaxSize = &recvMax
			}
			if cmd.Flags().Changed("copy-max") {
				ec.CopyMax = &copyMax
			}

			set := newEndpointSet(logger, udp.NewOptions(nil))
			defer set.close()

			l, err := set.addListener(ec)
			if err != nil {
				return err
			}
			if err := set.start(); err != nil {
				return err
			}
			if err := set.serve(l, echo); err != nil {
				return err
			}

			if metricsAddr != "" {
				mc := config.Default().Metrics
				mc.Enabled = true
				mc.Address = metricsAddr
				srv, err := set.startHealth(mc)
				if err != nil {
					return err
				}
				defer srv.Stop()
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Listening on %s\n", l.URL())
			if local, err := l.LocalAddr(); err == nil && local.Host.IsUnspecified() {
				for _, ip := range sysinfo.LocalIPs(local.Family()) {
					fmt.Fprintf(out, "  reachable at %s\n", address.FromAddrPort(local.Scheme, netip.AddrPortFrom(ip, local.Port)).URL())
				}
			}
			return waitForSignal(cmd.Context(), logger)
		},
	}

	cmd.Flags().BoolVar(&echo, "echo", false, "Echo every received datagram back to its sender")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve /metrics and /healthz on this address")
	cmd.Flags().Var(&sizeFlag{&recvMax}, "recv-max", "Drop inbound datagrams larger than this (e.g. 1400, 64KiB)")
	cmd.Flags().Var(&sizeFlag{&copyMax}, "copy-max", "Largest datagram delivered from the buffer pool")

	return cmd
}

func waitForSignal(ctx context.Context, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
