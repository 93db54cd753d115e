package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	partsybus "github.com/inarithefox/partsy-bus"
	"github.com/inarithefox/partsy-bus/config"
	"github.com/inarithefox/partsy-bus/eventbus"
	"github.com/inarithefox/partsy-bus/health"
	"github.com/inarithefox/partsy-bus/internal/telemetry"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "partsy-bus",
		Short: "Send, publish and serve messages on the partsy event bus",
		Long: `partsy-bus talks to the event bus exchange of a RabbitMQ broker.
Settings are read from partsy.yaml (or --config) and PARTSY_* environment variables.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML settings file")

	var queue string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Answer PingRequests and expose metrics and health endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			settings, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, shutdown, err := setup(settings)
			if err != nil {
				return err
			}
			defer shutdown()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			client, err := partsybus.NewClient(settings.Broker,
				partsybus.WithLogger(logger),
				partsybus.WithRegisterer(reg))
			if err != nil {
				return err
			}
			defer client.Close()

			client.Health().SetMetadata("service", settings.Observability.ServiceName)
			client.Health().SetMetadata("version", version)
			client.Health().Register(health.NewRuntimeChecker(1000, 10000))

			err = eventbus.Subscribe[PingRequest, PingResponse](ctx, client.Bus(), queue, pingHandler{})
			if err != nil {
				return fmt.Errorf("failed to subscribe: %w", err)
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			mux.Handle("/healthz", health.NewHandler(client.Health(), 5*time.Second))
			mux.Handle("/livez", health.LivenessHandler())

			server := &http.Server{
				Addr:              settings.Observability.MetricsAddr,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}

			serveErr := make(chan error, 1)
			go func() {
				logger.Info("serving metrics and health", "addr", server.Addr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case <-ctx.Done():
			case err := <-serveErr:
				if err != nil {
					return fmt.Errorf("metrics server failed: %w", err)
				}
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}

	serveCmd.Flags().StringVarP(&queue, "queue", "q", "", "Queue to subscribe on (defaults to the configured default queue)")

	sendCmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send a PingRequest without waiting for an answer",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, shutdown, err := setup(settings)
			if err != nil {
				return err
			}
			defer shutdown()

			client, err := partsybus.NewClient(settings.Broker, partsybus.WithLogger(logger))
			if err != nil {
				return err
			}
			defer client.Close()

			ping := newPing(messageArg(args))
			if err := client.Bus().Send(cmd.Context(), ping); err != nil {
				return err
			}
			fmt.Printf("sent %s\n", ping.GetID())
			return nil
		},
	}

	var timeout time.Duration
	requestCmd := &cobra.Command{
		Use:   "request [message]",
		Short: "Send a PingRequest and print the PingResponse",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if timeout > 0 {
				settings.Broker.ReplyTimeout = timeout
			}
			logger, shutdown, err := setup(settings)
			if err != nil {
				return err
			}
			defer shutdown()

			client, err := partsybus.NewClient(settings.Broker, partsybus.WithLogger(logger))
			if err != nil {
				return err
			}
			defer client.Close()

			response, err := eventbus.SendRequest[PingResponse](cmd.Context(), client.Bus(), newPing(messageArg(args)))
			if err != nil {
				return err
			}
			return printJSON(response)
		},
	}
	requestCmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Reply timeout (overrides the configured one)")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(configPath)
			if err != nil {
				return err
			}
			settings.Broker = settings.Broker.Redacted()
			return printJSON(settings)
		},
	}

	rootCmd.AddCommand(serveCmd, sendCmd, requestCmd, configCmd)
	return rootCmd
}

// setup installs the logger and, when configured, the tracer provider
func setup(settings *config.Settings) (*slog.Logger, func(), error) {
	logger, closer := telemetry.SetupLogger(settings.Logging)

	if settings.Observability.TracingURL == "" {
		return logger, func() { _ = closer.Close() }, nil
	}

	shutdownTracing, err := telemetry.InitTracing(settings.Observability)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	return logger, func() {
		shutdownTracing()
		_ = closer.Close()
	}, nil
}

func messageArg(args []string) string {
	if len(args) == 0 {
		return "ping"
	}
	return args[0]
}

func printJSON(v any) error {
	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
