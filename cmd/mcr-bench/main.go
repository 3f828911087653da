// Command mcr-bench drives synthetic checkpoints through the slab
// ring and the replication control protocol at throughput, the same
// sender/receiver-goroutine, semaphore-bounded shape go-homa's own
// benchmark uses for its ping/pong load generator.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"

	"github.com/cheggaaa/pb/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kvtransit/mcreplica/pkg/bytestream"
	"github.com/kvtransit/mcreplica/pkg/replctl"
	"github.com/kvtransit/mcreplica/pkg/slab"
)

func main() {
	var (
		totalCheckpoints  = flag.Int("count", 2000, "number of checkpoints to replicate")
		checkpointBytes   = flag.Int("size", 2*1024*1024, "bytes per checkpoint")
		maxOutstanding    = flag.Int("outstanding", 8, "weight of the send semaphore; the sender awaits each ack before the next send, so at most one checkpoint is in flight")
		slabSize          = flag.Int("slab-size", slab.DefaultSize, "slab size used by both ends' rings")
	)
	flag.Parse()

	if err := run(*totalCheckpoints, *checkpointBytes, *maxOutstanding, *slabSize); err != nil {
		log.Fatalf("mcr-bench: %v", err)
	}
}

func run(totalCheckpoints, checkpointBytes, maxOutstanding, slabSize int) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var group errgroup.Group

	group.Go(func() error {
		return receiveLoop(ln, totalCheckpoints, slabSize)
	})

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	primary := replctl.New(conn)
	if err := primary.AwaitInitialAck(ctx); err != nil {
		return fmt.Errorf("initial handshake: %w", err)
	}

	ring := slab.New(slab.Config{SlabSize: slabSize})
	adapter := bytestream.New(ring)

	payload := make([]byte, checkpointBytes)
	for i := range payload {
		payload[i] = byte(i)
	}

	sem := semaphore.NewWeighted(int64(maxOutstanding))
	bar := pb.StartNew(totalCheckpoints)

	for i := 0; i < totalCheckpoints; i++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("acquire semaphore: %w", err)
		}

		ring.Reset()
		if _, err := adapter.Write(payload); err != nil {
			sem.Release(1)
			return fmt.Errorf("write checkpoint into ring: %w", err)
		}

		if err := primary.SendCheckpoint(ctx, adapter, uint32(ring.SlabTotal())); err != nil {
			sem.Release(1)
			return fmt.Errorf("send checkpoint %d: %w", i, err)
		}
		if err := primary.AwaitAck(ctx); err != nil {
			sem.Release(1)
			return fmt.Errorf("await ack %d: %w", i, err)
		}

		sem.Release(1)
		bar.Increment()
	}

	bar.Finish()

	if err := primary.Close(); err != nil {
		return fmt.Errorf("close primary transport: %w", err)
	}

	return group.Wait()
}

// receiveLoop plays the secondary side: accept one connection, ack
// the handshake, then drain and ack checkpoints until the sender
// disconnects or the requested count is reached.
func receiveLoop(ln net.Listener, totalCheckpoints, slabSize int) error {
	conn, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	defer conn.Close()

	secondary := replctl.New(conn)
	ctx := context.Background()

	if err := secondary.SendInitialAck(ctx); err != nil {
		return fmt.Errorf("send initial ack: %w", err)
	}

	ring := slab.New(slab.Config{SlabSize: slabSize})
	adapter := bytestream.New(ring)

	for i := 0; i < totalCheckpoints; i++ {
		ring.Reset()
		cancelled, _, err := secondary.RecvCheckpoint(ctx, adapter)
		if err != nil {
			return fmt.Errorf("recv checkpoint %d: %w", i, err)
		}
		if cancelled {
			return nil
		}
		if err := secondary.SendAck(ctx); err != nil {
			return fmt.Errorf("send ack %d: %w", i, err)
		}
	}

	return nil
}
