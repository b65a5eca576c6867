// Package drivers provides simulated hardware and kernel event sources for
// a board process: a timer ticker, a GPIO edge simulator, a PWM duty-cycle
// simulator, and an IIO sample simulator. Real GPIO/PWM/UART MMIO device
// drivers are out of scope; these sources stand in for the device nodes a
// real board would poll, so internal/hostapi's attach manager has something
// to dispatch against in this repository's test/demo harness.
package drivers

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/corvidrobotics/ebpfcore/internal/attach"
)

// Event is one occurrence a Source delivers: the attach type and target
// string it fires against, and the raw context bytes a bound program sees
// in its R1 argument.
type Event struct {
	Type   attach.Type
	Target string
	Ctx    []byte
}

// Source is a hardware or kernel event producer. Start begins delivering
// Events on the channel Events returns; Stop ends delivery and closes that
// channel. The GPIO, PWM, and IIO sources reconnect their simulated device
// node with exponential backoff if it disappears mid-run, mirroring
// transport.GRPCTransport's reconnect discipline; TimerSource has no device
// node and never backs off.
type Source interface {
	Start(ctx context.Context) error
	Stop() error
	Events() <-chan Event
}

const (
	defaultInitialBackoff = 50 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
)

// probeFunc reports whether a source's simulated device node is currently
// present. Returning an error simulates a hot-unplug; the caller backs off
// and retries rather than failing permanently.
type probeFunc func() error

// reconnectLoop runs body repeatedly for as long as probe succeeds,
// applying exponential backoff between failed probe attempts. It returns
// only when ctx is cancelled.
func reconnectLoop(ctx context.Context, logger *slog.Logger, label string, probe probeFunc, body func(context.Context)) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultInitialBackoff
	b.MaxInterval = defaultMaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		if err := probe(); err != nil {
			wait := b.NextBackOff()
			logger.Warn("drivers: device node unavailable", "source", label, "err", err, "retry_after", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		b.Reset()
		body(ctx)

		if ctx.Err() != nil {
			return
		}
		logger.Info("drivers: device node disappeared", "source", label)
	}
}

// baseSource holds the plumbing shared by every Source implementation in
// this package: the output channel, lifecycle state, and logger.
type baseSource struct {
	logger *slog.Logger
	events chan Event

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newBaseSource(logger *slog.Logger) baseSource {
	if logger == nil {
		logger = slog.Default()
	}
	return baseSource{logger: logger, events: make(chan Event, 16)}
}

func (b *baseSource) Events() <-chan Event { return b.events }

func (b *baseSource) start(ctx context.Context, run func(context.Context)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		run(runCtx)
	}()
	return nil
}

func (b *baseSource) Stop() error {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	close(b.events)
	return nil
}

func (b *baseSource) emit(ctx context.Context, ev Event) {
	select {
	case b.events <- ev:
	case <-ctx.Done():
	}
}

// putU64 little-endian encodes v as an 8-byte context payload, the layout
// every simulated source in this package uses for scalar readings.
func putU64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}
