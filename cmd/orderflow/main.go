package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/glimte/orderflow"
	"github.com/glimte/orderflow/internal/config"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// globalFlags are the persistent flags shared by every command
type globalFlags struct {
	configFile string
	url        string
	logLevel   string
	logFormat  string
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		cancel()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "orderflow",
		Short: "Order event services on RabbitMQ",
		Long: `orderflow publishes simulated order lifecycle events to a RabbitMQ topic
exchange and runs the services that consume them: order processing,
customer notifications and analytics.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&flags.url, "url", "u", "", "RabbitMQ connection URL (overrides config and "+config.EnvRabbitMQURL+")")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "Log format: text, json")

	rootCmd.AddCommand(newPublisherCommand(flags), newConsumerCommand(flags))
	return rootCmd
}

// load builds the configuration from file, environment and flags, in that
// order of precedence
func (f *globalFlags) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return nil, nil, err
	}

	if f.url != "" {
		cfg.RabbitMQ.URL = f.url
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.Log.NewLogger(os.Stdout)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// newClient creates the broker client described by cfg
func newClient(cfg *config.Config, logger *slog.Logger, options ...orderflow.ClientOption) (*orderflow.Client, error) {
	opts := append([]orderflow.ClientOption{
		orderflow.WithLogger(logger),
		orderflow.WithExchange(cfg.RabbitMQ.Exchange, cfg.RabbitMQ.ExchangeType),
		orderflow.WithConnectionName(cfg.RabbitMQ.ConnectionName),
		orderflow.WithReconnectDelay(cfg.RabbitMQ.ReconnectDelay),
		orderflow.WithConfirmTimeout(cfg.RabbitMQ.ConfirmTimeout),
		orderflow.WithPrefetchCount(cfg.RabbitMQ.PrefetchCount),
		orderflow.WithStartupRetries(cfg.Startup.MaxRetries),
	}, options...)

	client, err := orderflow.NewClient(cfg.RabbitMQ.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}
