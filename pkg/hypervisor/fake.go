package hypervisor

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Fake is a deterministic, in-memory Hypervisor implementation for
// tests and for running the MC loop/receiver without a real guest. Each
// SaveStateBegin/Complete pair captures whatever NextDirty was set to;
// LoadState just records the bytes it was handed.
type Fake struct {
	mu sync.Mutex

	nics      []NIC
	ramBlocks []RAMBlock
	clockMS   int64

	// NextDirty is copied into the save-state stream on the next
	// SaveStateBegin/Complete pair. Tests mutate it between ticks to
	// simulate a changing working set.
	NextDirty []byte

	// Applied records every payload handed to LoadState, in order, so
	// tests can assert on what the receiver actually replayed.
	Applied [][]byte

	// LoadStateErr, if set, is returned by the next call to LoadState.
	LoadStateErr error

	stopped  bool
	inSaveOp bool
}

// NewFake builds a Fake with the given NIC and RAM block topology.
func NewFake(nics []NIC, ramBlocks []RAMBlock) *Fake {
	return &Fake{nics: nics, ramBlocks: ramBlocks}
}

func (f *Fake) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *Fake) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = false
	return nil
}

func (f *Fake) SaveStateBegin(ctx context.Context, dst io.Writer) error {
	f.mu.Lock()
	if f.inSaveOp {
		f.mu.Unlock()
		return fmt.Errorf("hypervisor: save-state already in progress")
	}
	f.inSaveOp = true
	dirty := append([]byte(nil), f.NextDirty...)
	f.mu.Unlock()

	if _, err := dst.Write(dirty); err != nil {
		return fmt.Errorf("hypervisor: save-state write: %w", err)
	}
	return nil
}

func (f *Fake) SaveStateComplete(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inSaveOp = false
	return nil
}

func (f *Fake) LoadState(ctx context.Context, r io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.LoadStateErr != nil {
		err := f.LoadStateErr
		f.LoadStateErr = nil
		return err
	}

	buf, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("hypervisor: load-state: %w", err)
	}

	f.Applied = append(f.Applied, buf)
	return nil
}

func (f *Fake) ForeachNIC(ctx context.Context) ([]NIC, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]NIC(nil), f.nics...), nil
}

func (f *Fake) ForeachRAMBlock(ctx context.Context) ([]RAMBlock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RAMBlock(nil), f.ramBlocks...), nil
}

func (f *Fake) ClockMS() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clockMS++
	return f.clockMS
}
