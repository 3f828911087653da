// Command mcr-secondary runs the secondary-host micro-checkpoint
// receiver (C5), replaying each incoming checkpoint into a hypervisor
// backend over either a plain socket or RDMA control channel.
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
	"github.com/kvtransit/mcreplica/pkg/mcrecv"
	"github.com/kvtransit/mcreplica/pkg/rdma"
	"github.com/kvtransit/mcreplica/pkg/replctl"
)

func main() {
	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Str("component", "mcr-secondary").Logger()

	root := &cobra.Command{
		Use:   "mcr-secondary",
		Short: "Run the secondary-side micro-checkpoint receiver",
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
		log.Fatal().Err(err).Msg("mcr-secondary exiting")
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	hv := hypervisor.NewFake(nil, nil)

	transport, err := acceptTransport(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("mcr-secondary: accept transport: %w", err)
	}

	recv := mcrecv.New(hv, transport, mcrecv.Config{
		SlabSize: cfg.SlabSize,
	}, log.With().Str("subsystem", "mcrecv").Logger())

	done := make(chan error, 1)
	go func() { done <- recv.Run(ctx) }()

	select {
	case <-ctx.Done():
		return <-done
	case err := <-done:
		return err
	}
}

func acceptTransport(ctx context.Context, cfg *config.Config, log zerolog.Logger) (mcrecv.Transport, error) {
	switch cfg.Transport {
	case "rdma":
		l, err := rdma.Listen(cfg.Host, cfg.Port)
		if err != nil {
			return nil, err
		}
		conn, err := l.Accept(rdma.Config{
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
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return nil, fmt.Errorf("accept: %w", err)
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
