package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ricochet1k/cloudide/internal/bridge"
)

func newBridgeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Relay the websocket provisioning bus onto a message broker",
		Long:  "bridge accepts provisioning clients on a websocket and relays their channels to NATS subjects. Without a NATS url it uses an in-process broker; --simulate answers requests with a scripted provisioner.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBridge(ctx, a)
		},
	}
	flags := cmd.Flags()
	flags.String("addr", "", "bridge listen address")
	flags.String("nats-url", "", "NATS server url; empty uses an in-process broker")
	flags.Bool("simulate", false, "answer provisioning requests with a simulated provisioner")
	_ = a.v.BindPFlag("bridge.addr", flags.Lookup("addr"))
	_ = a.v.BindPFlag("bridge.nats_url", flags.Lookup("nats-url"))
	_ = a.v.BindPFlag("bridge.simulate", flags.Lookup("simulate"))
	return cmd
}

func runBridge(ctx context.Context, a *app) error {
	cfg := a.cfg

	var broker bridge.Broker
	if cfg.Bridge.NATSURL != "" {
		nb, err := bridge.NewNATSBroker(bridge.NATSConfig{URL: cfg.Bridge.NATSURL, Name: "cloudide-bridge"}, a.logger)
		if err != nil {
			return err
		}
		broker = nb
	} else {
		a.logger.Info("no nats url configured, using in-process broker")
		broker = bridge.NewMemoryBroker()
	}
	defer broker.Close()

	if cfg.Bridge.Simulate {
		sim := bridge.NewSimulator(broker, cfg.Channels, cfg.Bridge.SimulateInterval, a.logger)
		if err := sim.Start(); err != nil {
			return err
		}
		defer sim.Stop()
	}

	srv := bridge.NewServer(broker, cfg.Channels, bridge.WithLogger(a.logger))
	return srv.Run(ctx, cfg.Bridge.Addr)
}
