// Command mcr-primary runs the primary-host micro-checkpoint loop
// (C4) against a hypervisor backend and a replication transport,
// either plain sockets or RDMA, selected by --transport.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kvtransit/mcreplica/pkg/config"
	"github.com/kvtransit/mcreplica/pkg/hypervisor"
	"github.com/kvtransit/mcreplica/pkg/mcloop"
	"github.com/kvtransit/mcreplica/pkg/rdma"
	"github.com/kvtransit/mcreplica/pkg/replctl"
	"github.com/kvtransit/mcreplica/pkg/trafficbuffer"
)

func main() {
	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Str("component", "mcr-primary").Logger()

	root := &cobra.Command{
		Use:   "mcr-primary",
		Short: "Run the primary-side micro-checkpoint loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, log)
		},
	}
	config.BindFlags(root)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("mcr-primary exiting")
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	// The real guest hypervisor is an external collaborator out of
	// scope for this repository; mcr-primary runs against the
	// deterministic fake so the replication core can be exercised
	// end-to-end without an embedded virtualization stack.
	hv := hypervisor.NewFake(nil, nil)

	bufCtl := trafficbuffer.New(trafficbuffer.NewNetlinkDriver(), trafficbuffer.Config{
		TapPrefix:    cfg.TapPrefix,
		BufferPrefix: cfg.BufferPrefix,
		BufferBytes:  cfg.BufferBytes,
	}, log.With().Str("subsystem", "trafficbuffer").Logger())

	nics, err := hv.ForeachNIC(ctx)
	if err != nil {
		return fmt.Errorf("mcr-primary: enumerate nics: %w", err)
	}
	if err := bufCtl.Enable(ctx, nics); err != nil {
		return fmt.Errorf("mcr-primary: enable traffic buffer: %w", err)
	}

	transport, err := dialTransport(cfg, log)
	if err != nil {
		return fmt.Errorf("mcr-primary: dial transport: %w", err)
	}

	loop := mcloop.New(hv, bufCtl, transport, mcloop.Config{
		FreqMS:              cfg.CheckpointPeriodMS,
		MaxStrikesDelaySecs: cfg.SlabShrinkWindowSecs,
		SlabSize:            cfg.SlabSize,
	}, log.With().Str("subsystem", "mcloop").Logger())

	go func() {
		<-ctx.Done()
		loop.Stop()
	}()

	return loop.Run(ctx)
}

func dialTransport(cfg *config.Config, log zerolog.Logger) (mcloop.Transport, error) {
	switch cfg.Transport {
	case "rdma":
		conn, err := rdma.Dial(rdma.Config{
			Host:       cfg.Host,
			Port:       cfg.Port,
			PreferIPv6: cfg.PreferIPv6,
			SendMax:    cfg.SendQueueDepth,
			Requested: rdma.Capabilities{
				Flags: capFlags(cfg),
			},
		}, log)
		if err != nil {
			return nil, err
		}
		return conn.MCTransport()
	default:
		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return replctl.New(conn), nil
	}
}

func capFlags(cfg *config.Config) uint32 {
	var flags uint32
	if cfg.PinAll {
		flags |= rdma.CapPinAll
	}
	if cfg.KeepaliveEnabled {
		flags |= rdma.CapKeepalive
	}
	return flags
}
