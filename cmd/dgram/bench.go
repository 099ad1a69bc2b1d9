package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/postalsys/dgram/internal/chaos"
	"github.com/postalsys/dgram/internal/config"
	"github.com/postalsys/dgram/internal/loadtest"
	"github.com/postalsys/dgram/internal/udp"
)

func benchCmd(flags *globalFlags) *cobra.Command {
	var (
		bindURL   string
		cfg       = loadtest.DefaultBurstConfig()
		size      = config.Size(cfg.Size)
		recvMax   config.Size
		dumpStats bool
		minPass    float64
		loss       float64
		throughput time.Duration
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run an in-process burst test between a listener and a dialer",
		Long: `Start a listener and a dialer in this process, send bursts of
concurrent datagrams and report the fraction delivered.

The required pass rate defaults to ` + loadtest.PassRateEnv + ` (a percentage)
when set, otherwise 50%.

With --throughput the dialer instead sends back to back for the given
duration and the send rate is reported.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := flags.logger()

			required, err := loadtest.MinPassRate(loadtest.DefaultMinPassRate)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("min-pass") {
				required = minPass / 100
			}

			cfg.Size = int(size)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if loss < 0 || loss > 1 {
				return fmt.Errorf("--loss must be between 0 and 1, got %v", loss)
			}

			set := newEndpointSet(logger, udp.NewOptions(nil))
			defer set.close()

			lc := config.EndpointConfig{Name: "bench-listener", URL: bindURL}
			if cmd.Flags().Changed("recv-max") {
				lc.RecvMaxSize = &recvMax
			}
			l, err := set.addListener(lc)
			if err != nil {
				return err
			}
			if err := l.Start(); err != nil {
				return err
			}
			d, err := set.addDialer(config.EndpointConfig{Name: "bench-dialer", URL: l.URL()})
			if err != nil {
				return err
			}
			if err := set.start(); err != nil {
				return err
			}

			var tx loadtest.Pipe = d.Pipe()
			if loss > 0 {
				tx = chaos.WrapPipe(d.Pipe(), chaos.Loss(loss))
			}

			out := cmd.OutOrStdout()

			if throughput > 0 {
				tt := loadtest.NewThroughputTester(throughput, cfg.Size)
				m, err := tt.Run(cmd.Context(), tx)
				if err != nil {
					return err
				}
				printThroughputSummary(out, l.URL(), cfg.Size, m)
				if dumpStats {
					return dumpEndpointStats(out, set)
				}
				return nil
			}

			gen := loadtest.NewBurstLoadGenerator(cfg)
			m, err := gen.Run(cmd.Context(), tx, l.Pipe())
			if err != nil {
				return err
			}
			set.metrics.SetBurstPassRate(m.PassRate)

			printBenchSummary(out, l.URL(), cfg, m, required)

			if dumpStats {
				if err := dumpEndpointStats(out, set); err != nil {
					return err
				}
			}

			if !m.Passed(required) {
				return fmt.Errorf("pass rate %.1f%% below required %.1f%%", m.PassRate*100, required*100)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&bindURL, "url", "udp://127.0.0.1:0", "Listener address")
	cmd.Flags().IntVar(&cfg.Burst, "burst", cfg.Burst, "Concurrent sends per round")
	cmd.Flags().IntVar(&cfg.Rounds, "rounds", cfg.Rounds, "Number of bursts")
	cmd.Flags().Var(&sizeFlag{&size}, "size", "Payload size of each datagram")
	cmd.Flags().Float64Var(&cfg.Rate, "rate", 0, "Datagrams per second (0 for unlimited)")
	cmd.Flags().DurationVar(&cfg.Settle, "settle", cfg.Settle, "Wait for stragglers after the last send")
	cmd.Flags().Var(&sizeFlag{&recvMax}, "recv-max", "Listener receive size limit")
	cmd.Flags().Float64Var(&minPass, "min-pass", 0, "Required pass rate in percent")
	cmd.Flags().Float64Var(&loss, "loss", 0, "Fraction of datagrams to drop before sending (0 to 1)")
	cmd.Flags().DurationVar(&throughput, "throughput", 0, "Measure send throughput for this long instead of running bursts")
	cmd.Flags().BoolVar(&dumpStats, "dump-stats", false, "Print endpoint statistics after the run")

	return cmd
}

func printBenchSummary(w io.Writer, url string, cfg loadtest.BurstConfig, m *loadtest.BurstMetrics, required float64) {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(strings.Repeat("─", 49))

	verdict := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42")).Render("PASS")
	if !m.Passed(required) {
		verdict = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")).Render("FAIL")
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, divider)
	fmt.Fprintln(w, title.Render("Burst benchmark"))
	fmt.Fprintln(w, divider)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "  Listener:     %s\n", url)
	fmt.Fprintf(w, "  Shape:        %d rounds x %d datagrams of %s\n", cfg.Rounds, cfg.Burst, humanize.IBytes(uint64(cfg.Size)))
	fmt.Fprintf(w, "  Sent:         %s (%d errors)\n", humanize.Comma(m.Sent), m.SendErrors)
	fmt.Fprintf(w, "  Received:     %s\n", humanize.Comma(m.Received))
	if m.Mismatched > 0 {
		fmt.Fprintf(w, "  Mismatched:   %s\n", humanize.Comma(m.Mismatched))
	}
	fmt.Fprintf(w, "  Duration:     %v\n", m.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  Pass rate:    %.1f%% (required %.1f%%) %s\n", m.PassRate*100, required*100, verdict)
	fmt.Fprintln(w)
}

func printThroughputSummary(w io.Writer, url string, size int, m *loadtest.ThroughputMetrics) {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(strings.Repeat("─", 49))

	fmt.Fprintln(w)
	fmt.Fprintln(w, divider)
	fmt.Fprintln(w, title.Render("Throughput benchmark"))
	fmt.Fprintln(w, divider)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "  Listener:     %s\n", url)
	fmt.Fprintf(w, "  Datagrams:    %s of %s (%d errors)\n", humanize.Comma(m.Datagrams), humanize.IBytes(uint64(size)), m.Errors)
	fmt.Fprintf(w, "  Sent:         %s\n", humanize.IBytes(uint64(m.TotalBytes)))
	fmt.Fprintf(w, "  Duration:     %v\n", m.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  Rate:         %s datagrams/s, %.2f MiB/s\n", humanize.Comma(int64(m.DatagramsPerSecond)), m.ThroughputMBps)
	fmt.Fprintln(w)
}

func dumpEndpointStats(w io.Writer, set *endpointSet) error {
	families, err := set.reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "dgram_") {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
