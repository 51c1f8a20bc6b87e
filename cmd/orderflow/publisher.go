package main

import (
	"context"
	"log/slog"

	"github.com/glimte/orderflow"
	"github.com/glimte/orderflow/internal/config"
	"github.com/glimte/orderflow/internal/orders"
	"github.com/spf13/cobra"
)

func newPublisherCommand(flags *globalFlags) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "publisher",
		Short: "Publish simulated order events",
		Long: `Connects to RabbitMQ and publishes an order flow (created, updated and
sometimes cancelled) immediately and then on every simulation interval.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}

			client, err := newClient(cfg, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			return runPublisher(cmd.Context(), client, cfg, logger, once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Publish a single order flow and exit")

	return cmd
}

// runPublisher bootstraps the publisher, declaring the service queues, and
// drives the simulator until ctx is done
func runPublisher(ctx context.Context, client *orderflow.Client, cfg *config.Config, logger *slog.Logger, once bool) error {
	err := client.Bootstrap(ctx, "publisher", func(ctx context.Context) error {
		return client.DeclareQueues(ctx, cfg.Queues.All(), cfg.RoutingKeys.All())
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	logger.Info("publisher service started", "exchange", client.Exchange())

	sim := orders.NewSimulator(client,
		orders.WithRoutingKeys(cfg.RoutingKeys),
		orders.WithSimulation(cfg.Simulation),
		orders.WithSimulatorLogger(logger))

	if once {
		return sim.RunFlow(ctx)
	}
	return sim.Run(ctx)
}
