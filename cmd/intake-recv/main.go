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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/queueworks/intake"
	"github.com/queueworks/intake/config"
	"github.com/queueworks/intake/consume"
	"github.com/queueworks/intake/health"
	"github.com/queueworks/intake/metrics"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	var (
		cfgPath     string
		host        string
		port        int
		vhost       string
		username    string
		password    string
		caCert      string
		clientCert  string
		clientKey   string
		queueName   string
		exclusive   bool
		durable     bool
		prefetch    int
		maxAttempts int
		discard     bool
		metricsAddr string
		verbose     bool
	)

	rootCmd := &cobra.Command{
		Use:   "intake-recv [ca-cert] [routing-key] [password]",
		Short: "Consume one queue and print incoming messages",
		Long: `intake-recv connects to a RabbitMQ broker over TLS, declares a queue,
and prints each incoming message until interrupted. Messages are
acknowledged only after they have been printed; a failure requeues them.`,
		Version: fmt.Sprintf("%s (commit: %s)", version, gitCommit),
		Args:    cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("host") {
				cfg.Connection.Host = host
			}
			if flags.Changed("port") {
				cfg.Connection.Port = port
			}
			if flags.Changed("vhost") {
				cfg.Connection.VirtualHost = vhost
			}
			if flags.Changed("user") {
				cfg.Connection.Username = username
			}
			if flags.Changed("password") {
				cfg.Connection.Password = password
			}
			if flags.Changed("ca-cert") {
				cfg.Connection.TLS.CACertFile = caCert
			}
			if flags.Changed("cert") {
				cfg.Connection.TLS.CertFile = clientCert
			}
			if flags.Changed("key") {
				cfg.Connection.TLS.KeyFile = clientKey
			}
			if flags.Changed("queue") {
				cfg.Queue.Name = queueName
			}
			if flags.Changed("exclusive") {
				cfg.Queue.Exclusive = exclusive
			}
			if flags.Changed("durable") {
				cfg.Queue.Durable = durable
			}
			if flags.Changed("prefetch") {
				cfg.Consumer.PrefetchCount = prefetch
			}
			if flags.Changed("max-attempts") {
				cfg.Consumer.MaxAttempts = maxAttempts
			}

			// Positional arguments mirror the historical invocation:
			// ca-cert, routing key, password.
			if len(args) > 0 {
				cfg.Connection.TLS.CACertFile = args[0]
			}
			if len(args) > 1 {
				cfg.Queue.Name = args[1]
			}
			if len(args) > 2 {
				cfg.Connection.Password = args[2]
			}

			onError := consume.NackRequeue
			if discard || cfg.Consumer.OnError == "discard" {
				onError = consume.NackDiscard
			}

			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			return run(cmd.Context(), cfg, onError, logger, metricsAddr)
		},
	}

	rootCmd.Flags().StringVarP(&cfgPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.Flags().StringVar(&host, "host", "localhost", "Broker host")
	rootCmd.Flags().IntVar(&port, "port", 5671, "Broker port")
	rootCmd.Flags().StringVar(&vhost, "vhost", "/", "Virtual host")
	rootCmd.Flags().StringVarP(&username, "user", "u", "", "Username")
	rootCmd.Flags().StringVarP(&password, "password", "p", "", "Password")
	rootCmd.Flags().StringVar(&caCert, "ca-cert", "", "Path to the CA certificate bundle")
	rootCmd.Flags().StringVar(&clientCert, "cert", "", "Path to the client certificate")
	rootCmd.Flags().StringVar(&clientKey, "key", "", "Path to the client key")
	rootCmd.Flags().StringVarP(&queueName, "queue", "q", "", "Queue name (empty requests a broker-generated name)")
	rootCmd.Flags().BoolVar(&exclusive, "exclusive", false, "Declare the queue as exclusive")
	rootCmd.Flags().BoolVar(&durable, "durable", false, "Declare the queue as durable")
	rootCmd.Flags().IntVar(&prefetch, "prefetch", 10, "Prefetch count")
	rootCmd.Flags().IntVar(&maxAttempts, "max-attempts", 10, "Connection attempt ceiling")
	rootCmd.Flags().BoolVar(&discard, "discard-on-error", false, "Discard instead of requeueing when printing fails")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve prometheus metrics on (disabled when empty)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, onError consume.AckDecision, logger *slog.Logger, metricsAddr string) error {
	options := []intake.ClientOption{
		intake.WithClientLogger(logger),
		intake.WithPrefetchCount(cfg.Consumer.PrefetchCount),
		intake.WithReconnect(cfg.Consumer.ReconnectDelay, cfg.Consumer.MaxDelay, cfg.Consumer.MaxAttempts),
		intake.WithOnErrorDecision(onError),
	}

	if metricsAddr != "" {
		options = append(options, intake.WithMetrics(metrics.NewPrometheus(prometheus.DefaultRegisterer)))
	}

	client, err := intake.NewClient(cfg.Connection, options...)
	if err != nil {
		return err
	}

	if metricsAddr != "" {
		go serveMetrics(metricsAddr, logger, client.HealthChecker())
	}

	handler := consume.HandlerFunc(func(ctx context.Context, d consume.Delivery) error {
		fmt.Printf(" [.] received exchange=%q routing_key=%q\n        > data: %q\n",
			d.Exchange, d.RoutingKey, d.Body)
		return nil
	})

	queue, err := client.Consume(ctx, cfg.Queue, handler)
	if err != nil {
		return err
	}

	fmt.Printf(" [*] waiting for messages on queue %q. To exit press CTRL+C\n", queue)

	runErr := client.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Shutdown(shutdownCtx); err != nil {
		// Cleanup failures are reported but never block exit.
		logger.Warn("shutdown cleanup failed", "error", err)
	}

	if errors.Is(runErr, context.Canceled) {
		fmt.Println("\nInterrupted")
		return nil
	}
	return runErr
}

func serveMetrics(addr string, logger *slog.Logger, checkers ...health.Checker) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", health.NewHandler(logger,
		append(checkers, health.NewRuntimeChecker(500, 1000))...))

	logger.Info("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}
