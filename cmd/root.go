package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/angeloszaimis/service-mesh/config"
	"github.com/angeloszaimis/service-mesh/internal/bus"
	"github.com/angeloszaimis/service-mesh/internal/metrics"
	"github.com/angeloszaimis/service-mesh/internal/registry"
	"github.com/angeloszaimis/service-mesh/pkg/logger"
)

// app carries what every subcommand needs once the configuration is loaded.
type app struct {
	cfgFile string
	cfg     *config.Config
	log     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "mesh",
		Short: "Service mesh substrate: gateway, registry tooling and event workers",
		Long: `mesh runs the pieces of the shopping service mesh.

  gateway        - HTTP entry point with discovery, circuit breaking and aggregates
  worker         - checkout event consumers (analytics, notification)
  registry       - inspect and edit the service registry
  publish        - publish events to the broker`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.cfgFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = logger.NewWithWriter(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.AddSource, cfg.Server.Environment)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default: ./config/config.yaml or ./config.yaml)")

	root.AddCommand(
		newGatewayCmd(a),
		newWorkerCmd(a),
		newRegistryCmd(a),
		newPublishCmd(a),
	)
	return root
}

func (a *app) openRegistry() (*registry.Registry, error) {
	store, err := registry.OpenStore(a.cfg.Registry.StoreOptions())
	if err != nil {
		return nil, err
	}
	return registry.New(store, registry.WithLogger(a.log)), nil
}

func (a *app) newBus(collector *metrics.Collector) *bus.Client {
	return bus.New(bus.Options{
		URL:        a.cfg.Broker.URL,
		RetryDelay: a.cfg.Broker.RetryDelayDuration(),
		Logger:     a.log,
		Collector:  collector,
	})
}
