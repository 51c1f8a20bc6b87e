package main

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/glimte/orderflow"
	"github.com/glimte/orderflow/contracts"
	"github.com/glimte/orderflow/interceptors"
	"github.com/glimte/orderflow/internal/config"
	"github.com/glimte/orderflow/internal/orders"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// service is one consumer: a queue and the handler its deliveries go to
type service struct {
	name     string
	queue    string
	patterns []string
	handler  contracts.Handler
}

// serviceFactories builds the handler of each consumer service
var serviceFactories = map[string]func(cfg *config.Config, logger *slog.Logger) (string, contracts.Handler){
	"orders": func(cfg *config.Config, logger *slog.Logger) (string, contracts.Handler) {
		return cfg.Queues.Orders, orders.NewOrderProcessor(cfg.Consumers.OrderProcessingTime, logger).Handle
	},
	"notifications": func(cfg *config.Config, logger *slog.Logger) (string, contracts.Handler) {
		return cfg.Queues.Notifications, orders.NewNotifier(nil, cfg.RoutingKeys, cfg.Consumers.NotificationDelay, logger).Handle
	},
	"analytics": func(cfg *config.Config, logger *slog.Logger) (string, contracts.Handler) {
		return cfg.Queues.Analytics, orders.NewAnalytics(cfg.RoutingKeys, logger).Handle
	},
}

func serviceNames() []string {
	names := make([]string, 0, len(serviceFactories))
	for name := range serviceFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newConsumerCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:       "consumer <orders|notifications|analytics|all>",
		Short:     "Run an order event consumer service",
		Long:      "Consumes order events from the service's durable queue. \"all\" runs every service in one process.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: append(serviceNames(), "all"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}

			names := []string{args[0]}
			if args[0] == "all" {
				names = serviceNames()
			}

			services := make([]service, 0, len(names))
			for _, name := range names {
				svc, err := newService(name, cfg, logger)
				if err != nil {
					return err
				}
				services = append(services, svc)
			}

			client, err := newClient(cfg, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			return runConsumers(cmd.Context(), client, services)
		},
	}
}

// newService wires the named service's handler behind the interceptor chain
func newService(name string, cfg *config.Config, logger *slog.Logger) (service, error) {
	factory, ok := serviceFactories[name]
	if !ok {
		return service{}, fmt.Errorf("unknown service %q, expected one of: %s, all", name, strings.Join(serviceNames(), ", "))
	}

	queue, handler := factory(cfg, logger)
	patterns := cfg.RoutingKeys.All()

	// durable queues keep bindings from earlier deployments
	filter, err := interceptors.NewTopicFilterInterceptor(patterns, interceptors.SkipWithLog, logger)
	if err != nil {
		return service{}, err
	}

	chain := interceptors.NewInterceptorChain(logger)
	chain.Add(interceptors.NewLoggingInterceptor(logger))
	chain.Add(filter)
	if cfg.Consumers.Deduplicate {
		dedup, err := interceptors.NewDeduplicationInterceptor(interceptors.DefaultDeduplicationCapacity, logger)
		if err != nil {
			return service{}, err
		}
		chain.Add(dedup)
	}

	return service{
		name:     name,
		queue:    queue,
		patterns: patterns,
		handler:  chain.Handler(handler),
	}, nil
}

// runConsumers runs every service until ctx is done or one of them fails
func runConsumers(ctx context.Context, client *orderflow.Client, services []service) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, svc := range services {
		g.Go(func() error {
			if err := client.RunConsumer(ctx, svc.queue, svc.patterns, svc.handler); err != nil {
				return fmt.Errorf("%s service: %w", svc.name, err)
			}
			return nil
		})
	}
	return g.Wait()
}
