package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/yandex/perftrace/collector/pkg/clock"
	"github.com/yandex/perftrace/collector/pkg/config"
	"github.com/yandex/perftrace/collector/pkg/session"
	"github.com/yandex/perftrace/collector/pkg/sink"
	"github.com/yandex/perftrace/collector/pkg/target"
	"github.com/yandex/perftrace/collector/pkg/unwind"
	"github.com/yandex/perftrace/internal/xmetrics"
	"github.com/yandex/perftrace/pkg/linux"
	"github.com/yandex/perftrace/pkg/maxprocs"
)

const stopTimeout = 30 * time.Second

var (
	rootCmd = &cobra.Command{
		Use:           "perftrace",
		Short:         "Record a merged perf event trace",
		Long:          "Monitor the whole system, a set of cpus or a process tree through perf events and write one time ordered trace",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd)
		},
	}

	configPath string
	logLevel   string
	pid        int
	cpus       string
	unwindMode string
	frequency  uint64
	period     uint64
	output     string
	sinkKind   string
	duration   time.Duration
	event      string
)

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config")
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info", "log level, one of `debug`, `info`, `warn`, `error`")
	rootCmd.Flags().IntVarP(&pid, "pid", "p", 0, "trace the process tree rooted at pid")
	rootCmd.Flags().StringVarP(&cpus, "cpus", "C", "", "trace the given cpus, e.g. 0-3,8")
	rootCmd.Flags().StringVar(&unwindMode, "unwind", "", "callchain collection, one of `none`, `local`, `full`")
	rootCmd.Flags().Uint64VarP(&frequency, "frequency", "F", 0, "samples per second")
	rootCmd.Flags().Uint64Var(&period, "period", 0, "events per sample")
	rootCmd.Flags().StringVarP(&output, "output", "o", "", "trace file")
	rootCmd.Flags().StringVar(&sinkKind, "sink", "", "trace format, one of `dummy`, `local`, `pprof`")
	rootCmd.Flags().DurationVarP(&duration, "duration", "d", 0, "stop after this long")
	rootCmd.Flags().StringVarP(&event, "event", "e", "", "perf event to sample")

	rootCmd.MarkFlagsMutuallyExclusive("pid", "cpus")
	rootCmd.MarkFlagsMutuallyExclusive("frequency", "period")
	if err := rootCmd.MarkFlagFilename("config"); err != nil {
		panic(err)
	}
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, clock.ErrCalibration):
		return 3
	case errors.Is(err, session.ErrNoTargets):
		return 4
	default:
		return 1
	}
}

func parseYaml(l *zap.Logger, path string, conf interface{}) error {
	if path == "" {
		l.Info("No config file specified, using default")
		return nil
	}

	l.Info("Loading config file", zap.String("path", path))
	configFile, err := os.Open(path)
	if err != nil {
		return err
	}
	defer configFile.Close()

	yamlConfString, err := io.ReadAll(configFile)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(yamlConfString, conf)
}

// applyFlags overrides the config file with the flags given explicitly.
func applyFlags(cmd *cobra.Command, conf *config.Config) error {
	flags := cmd.Flags()

	if flags.Changed("pid") {
		conf.Scope = config.ScopeConfig{Kind: target.ScopeProcess, PID: linux.ProcessID(pid)}
	}
	if flags.Changed("cpus") {
		conf.Scope = config.ScopeConfig{Kind: target.ScopeCPUs, CPUs: cpus}
	}
	if flags.Changed("unwind") {
		mode, err := unwind.ParseMode(unwindMode)
		if err != nil {
			return err
		}
		conf.Unwind.Mode = &mode
	}
	if flags.Changed("frequency") {
		conf.PerfEvent.Frequency = &frequency
		conf.PerfEvent.Period = nil
	}
	if flags.Changed("period") {
		conf.PerfEvent.Period = &period
		conf.PerfEvent.Frequency = nil
	}
	if flags.Changed("event") {
		conf.PerfEvent.Type = event
	}
	if flags.Changed("sink") {
		conf.Sink.Kind = sink.Kind(sinkKind)
	}
	if flags.Changed("output") {
		conf.Sink.Path = output
		if conf.Sink.Kind == "" || conf.Sink.Kind == sink.KindDummy {
			conf.Sink.Kind = sink.KindLocal
		}
	}
	if flags.Changed("duration") {
		conf.Duration = duration
	}
	return nil
}

func newLogger(level zapcore.Level) (*zap.Logger, error) {
	conf := zap.NewProductionConfig()
	conf.Level = zap.NewAtomicLevelAt(level)
	conf.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	conf.Sampling = nil
	return conf.Build()
}

func serveMetrics(l *zap.Logger, r *xmetrics.Registry, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.HTTPHandler(l))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		l.Info("Serving metrics", zap.String("addr", addr))
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("Failed to run metrics server", zap.Error(err))
		}
	}()
	return server
}

func run(cmd *cobra.Command) error {
	level, err := zapcore.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	l, err := newLogger(level)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = l.Sync() }()

	undo := maxprocs.Adjust(l)
	defer undo()

	conf := &config.Config{}
	if err := parseYaml(l, configPath, conf); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := applyFlags(cmd, conf); err != nil {
		return err
	}

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to detect hostname: %w", err)
	}
	r := xmetrics.NewRegistry(
		xmetrics.WithRuntimeCollectors(),
		xmetrics.WithConstLabels(map[string]string{"host": hostname}),
	)
	s, err := session.NewSession(conf, l, r)
	if err != nil {
		return err
	}

	if conf.Metrics.Listen != "" {
		server := serveMetrics(l, r, conf.Metrics.Listen)
		defer server.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	done := make(chan error, 1)
	go func() {
		done <- s.Wait()
	}()

	select {
	case err := <-done:
		return err
	case sig := <-signals:
		l.Info("Received signal, stopping", zap.Stringer("signal", sig))
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	return s.Stop(stopCtx)
}
