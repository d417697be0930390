package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/ValorenceCLE/iocontrol/internal/config"
	"github.com/ValorenceCLE/iocontrol/internal/engine"
	"github.com/ValorenceCLE/iocontrol/internal/httpapi"
	"github.com/ValorenceCLE/iocontrol/internal/mqttbridge"
	"github.com/ValorenceCLE/iocontrol/internal/store"
)

// DefaultStopTimeout bounds the fail-safe drive and backend shutdown.
const DefaultStopTimeout = 10 * time.Second

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database     string
	Listen       string
	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string
	EnvFile      string
	StopTimeout  time.Duration

	// OnStarted is called once the engine is running (for testing).
	OnStarted func(eng *engine.Engine, rt *config.Runtime)
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <config>",
		Short: "Start the polling engine",
		Long: `Start the polling engine with the points and backends in a configuration
document.

The document is validated, backends are initialized and outputs are driven
to their initial state before polling starts. SIGINT or SIGTERM stops the
engine: critical outputs are driven to their fail-safe state and backends
are shut down. A metrics summary is printed on exit.

IOCONTROL_* environment variables (and the --env-file) override the engine
section, for example IOCONTROL_CRITICAL_INTERVAL=20ms.

Example:
  iocontrol run ./plant.yaml
  iocontrol run ./plant.yaml --db ./events.db --listen :8080
  iocontrol run ./plant.yaml --mqtt-broker tcp://localhost:1883 --mqtt-topic plant1`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "record change events to this SQLite database")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "serve the HTTP API on this address (h2c)")
	cmd.Flags().StringVar(&opts.MQTTBroker, "mqtt-broker", "", "bridge points to this MQTT broker")
	cmd.Flags().StringVar(&opts.MQTTTopic, "mqtt-topic", mqttbridge.DefaultBaseTopic, "MQTT base topic")
	cmd.Flags().StringVar(&opts.MQTTClientID, "mqtt-client-id", "iocontrol", "MQTT client id")
	cmd.Flags().StringVar(&opts.EnvFile, "env-file", "", "load environment overrides from this file (default .env if present)")
	cmd.Flags().DurationVar(&opts.StopTimeout, "stop-timeout", DefaultStopTimeout, "time allowed for fail-safe writes and backend shutdown")

	return cmd
}

func runEngine(opts *RunOptions, path string, cmd *cobra.Command) error {
	logger := slog.Default()

	if err := config.LoadEnvFile(opts.EnvFile); err != nil {
		return WrapExitError(ExitCommandError, "failed to load env file", err)
	}

	doc, err := config.LoadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	report := config.Check(doc)
	for _, is := range report.ByLevel(config.LevelWarning) {
		logger.Warn("config warning", "path", is.Path, "message", is.Message)
	}
	if !report.Valid() {
		for _, is := range report.ByLevel(config.LevelError) {
			logger.Error("config error", "path", is.Path, "message", is.Message)
		}
		return NewExitError(ExitFailure,
			fmt.Sprintf("config has %d error(s); run 'iocontrol validate %s' for details", report.Count(config.LevelError), path))
	}
	if _, err := doc.Engine.ApplyEnv(os.LookupEnv); err != nil {
		return WrapExitError(ExitCommandError, "invalid environment override", err)
	}

	rt, err := doc.Build(config.WithBuildLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build backends", err)
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	engineOpts := rt.Options
	var recorder *store.Recorder
	if opts.Database != "" {
		logger.Info("opening event store", "path", opts.Database)
		st, err := store.Open(opts.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing database", "error", closeErr)
			}
		}()
		last, err := st.MaxSeq(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read event store", err)
		}
		// Continue seq numbering after the events already stored.
		engineOpts = append(engineOpts, engine.WithClock(engine.NewClockAt(last)))
		recorder = store.NewRecorder(st, store.WithRecorderLogger(logger))
	}

	eng := engine.New(engineOpts...)
	if err := eng.Configure(ctx, rt.Points); err != nil {
		return WrapExitError(ExitCommandError, "failed to configure engine", err)
	}

	var wg sync.WaitGroup
	// Background consumers outlive ctx: they finish when the engine closes
	// their subscriptions during Stop.
	bg := context.WithoutCancel(ctx)

	if recorder != nil {
		sub := eng.Subscribe(nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := recorder.Run(bg, sub.C()); err != nil {
				logger.Error("event recorder stopped", "error", err)
			}
		}()
	}

	if err := eng.Start(ctx); err != nil {
		_ = eng.Stop(context.Background())
		wg.Wait()
		return WrapExitError(ExitCommandError, "failed to start engine", err)
	}

	if opts.Listen != "" {
		srv := httpapi.New(eng, httpapi.WithLogger(logger))
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("http api listening", "addr", opts.Listen)
			if err := srv.ListenAndServe(ctx, opts.Listen); err != nil {
				logger.Error("http api stopped", "error", err)
			}
		}()
	}

	if opts.MQTTBroker != "" {
		client, err := mqttbridge.Connect(opts.MQTTBroker, opts.MQTTClientID, opts.MQTTTopic, logger)
		if err != nil {
			_ = eng.Stop(context.Background())
			wg.Wait()
			return WrapExitError(ExitCommandError, "failed to connect to MQTT broker", err)
		}
		defer client.Disconnect(250)
		bridge := mqttbridge.New(client, eng,
			mqttbridge.WithBaseTopic(opts.MQTTTopic),
			mqttbridge.WithLogger(logger))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bridge.Run(bg); err != nil {
				logger.Error("mqtt bridge stopped", "error", err)
			}
		}()
	}

	if opts.Format != "json" {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Engine running: %d point(s) on %d backend(s).\n", len(eng.Points()), len(eng.Backends()))
		fmt.Fprintln(w, "Press Ctrl-C to stop.")
	}
	if opts.OnStarted != nil {
		opts.OnStarted(eng, rt)
	}

	<-ctx.Done()
	logger.Info("shutting down", "reason", context.Cause(ctx))

	timeout := opts.StopTimeout
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	stopErr := eng.Stop(stopCtx)
	wg.Wait()

	if err := printSummary(opts, cmd, eng.MetricsSnapshot()); err != nil {
		return err
	}
	if stopErr != nil {
		return WrapExitError(ExitFailure, "engine did not stop cleanly", stopErr)
	}
	logger.Info("engine stopped gracefully")
	return nil
}

// printSummary reports totals from the final metrics snapshot.
func printSummary(opts *RunOptions, cmd *cobra.Command, snap engine.Snapshot) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	if formatter.JSON() {
		return formatter.Success(snap)
	}

	w := cmd.OutOrStdout()
	p := message.NewPrinter(language.English)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Summary:")
	p.Fprintf(w, "  polls:        %d (%d errors)\n", snap.TotalPolls, snap.TotalErrors)
	p.Fprintf(w, "  writes:       %d (%d errors)\n", snap.Writes, snap.WriteErrors)
	p.Fprintf(w, "  events:       %d sent, %d dropped\n", snap.EventsSent, snap.DroppedEvents)
	p.Fprintf(w, "  recoveries:   %d\n", snap.Recoveries)
	p.Fprintf(w, "  stale points: %d\n", snap.StalePoints)
	return nil
}
