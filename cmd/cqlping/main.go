// Command cqlping opens a session against one or more nodes, walks the full
// handshake (version negotiation, compression, authentication) and measures
// OPTIONS round trips through the stream multiplexer. It is a connectivity
// smoke test for clusters and a demonstration of the session API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/cqlwire"
	"pkt.systems/cqlwire/wire"
)

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("CQLPING_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "cqlping")
	cmd := newRootCommand(logger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

type pingConfig struct {
	proto       int
	compression string
	count       int
	interval    time.Duration
	timeout     time.Duration
	username    string
	password    string
}

func newRootCommand(logger pslog.Logger) *cobra.Command {
	var cfg pingConfig
	cmd := &cobra.Command{
		Use:           "cqlping host:port [host:port...]",
		Short:         "cqlping checks connectivity and round-trip latency against cluster nodes",
		Args:          cobra.MinimumNArgs(1),
		SilenceErrors: true,
		Example: `
  # Three OPTIONS round trips against a local node
  cqlping 127.0.0.1:9042

  # Negotiate down to protocol v3, compress frames with lz4
  cqlping --proto 3 --compression lz4 10.0.0.1:9042 10.0.0.2:9042

  # Password authentication
  cqlping --username cassandra --password cassandra 127.0.0.1:9042`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runPing(cmd, args, cfg, logger)
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&cfg.proto, "proto", 0, "initial protocol version (3-5, 0 negotiates from the newest)")
	flags.StringVar(&cfg.compression, "compression", "", "frame compression: snappy, lz4 or empty for none")
	flags.IntVarP(&cfg.count, "count", "c", 3, "round trips per run (0 pings until interrupted)")
	flags.DurationVarP(&cfg.interval, "interval", "i", time.Second, "delay between round trips")
	flags.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per round-trip timeout")
	flags.StringVar(&cfg.username, "username", "", "username for password authentication")
	flags.StringVar(&cfg.password, "password", "", "password for password authentication")
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func runPing(cmd *cobra.Command, contactPoints []string, cfg pingConfig, logger pslog.Logger) error {
	opts, err := sessionOptions(cfg, logger)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	session, err := cqlwire.NewSession(ctx, contactPoints, opts...)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer session.Close()

	out := cmd.OutOrStdout()
	var latencies []time.Duration
	for i := 0; cfg.count == 0 || i < cfg.count; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return summarize(out, latencies, ctx.Err())
			case <-time.After(cfg.interval):
			}
		}
		start := time.Now()
		res, err := session.Execute(ctx, &cqlwire.Request{
			Op:         wire.OpOptions,
			Idempotent: true,
			Timeout:    cfg.timeout,
		})
		if err != nil {
			fmt.Fprintf(out, "ping %d: error: %v\n", i+1, err)
			continue
		}
		rtt := time.Since(start)
		latencies = append(latencies, rtt)
		fmt.Fprintf(out, "ping %d: node=%s rtt=%s\n", i+1, res.Node, rtt.Round(time.Microsecond))
		if i == 0 {
			printSupported(out, res.Frame)
		}
	}
	return summarize(out, latencies, nil)
}

func sessionOptions(cfg pingConfig, logger pslog.Logger) ([]cqlwire.Option, error) {
	opts := []cqlwire.Option{cqlwire.WithLogger(logger)}
	switch cfg.proto {
	case 0:
	case 3, 4, 5:
		opts = append(opts, cqlwire.WithProtocolVersion(wire.ProtoVersion(cfg.proto)))
	default:
		return nil, fmt.Errorf("unsupported protocol version %d", cfg.proto)
	}
	switch strings.ToLower(cfg.compression) {
	case "":
	case "snappy":
		opts = append(opts, cqlwire.WithCompressor(wire.SnappyCompressor{}))
	case "lz4":
		opts = append(opts, cqlwire.WithCompressor(wire.LZ4Compressor{}))
	default:
		return nil, fmt.Errorf("unsupported compression %q", cfg.compression)
	}
	if cfg.username != "" || cfg.password != "" {
		opts = append(opts, cqlwire.WithAuthenticator(
			cqlwire.PlainTextAuthenticator(cfg.username, cfg.password)))
	}
	return opts, nil
}

func printSupported(out io.Writer, frame wire.Frame) {
	if frame.Header.Op != wire.OpSupported {
		return
	}
	r := wire.NewReader(frame.Body)
	supported := r.StringMultiMap()
	if r.Err() != nil {
		return
	}
	keys := make([]string, 0, len(supported))
	for k := range supported {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "  %s: %s\n", k, strings.Join(supported[k], ", "))
	}
}

func summarize(out io.Writer, latencies []time.Duration, cause error) error {
	if len(latencies) == 0 {
		if cause != nil {
			return cause
		}
		return errors.New("no round trip succeeded")
	}
	min, max, total := latencies[0], latencies[0], time.Duration(0)
	for _, l := range latencies {
		if l < min {
			min = l
		}
		if l > max {
			max = l
		}
		total += l
	}
	avg := total / time.Duration(len(latencies))
	fmt.Fprintf(out, "%d round trips: min=%s avg=%s max=%s\n",
		len(latencies),
		min.Round(time.Microsecond), avg.Round(time.Microsecond), max.Round(time.Microsecond))
	return cause
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
