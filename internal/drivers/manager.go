package drivers

import (
	"context"
	"log/slog"
	"sync"
)

// Manager owns a set of Sources and pumps their Events into a dispatch
// function, typically a closure over hostapi.Runtime.Fire. It exists so
// cmd/ebpfcored can start and stop every configured hardware event source
// as one unit without this package depending on hostapi directly.
type Manager struct {
	logger   *slog.Logger
	sources  []Source
	dispatch func(ctx context.Context, ev Event)

	wg sync.WaitGroup
}

// NewManager creates a Manager that delivers every source's events to
// dispatch.
func NewManager(dispatch func(ctx context.Context, ev Event), logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, dispatch: dispatch}
}

// Add registers src with the manager. Add must be called before Start.
func (m *Manager) Add(src Source) {
	m.sources = append(m.sources, src)
}

// Start starts every registered source and begins pumping their events to
// the manager's dispatch function. It returns the first error any source's
// Start returns, after having already started the others.
func (m *Manager) Start(ctx context.Context) error {
	var firstErr error
	for _, src := range m.sources {
		if err := src.Start(ctx); err != nil && firstErr == nil {
			firstErr = err
			continue
		}
		m.wg.Add(1)
		go m.pump(ctx, src)
	}
	return firstErr
}

func (m *Manager) pump(ctx context.Context, src Source) {
	defer m.wg.Done()
	for {
		select {
		case ev, ok := <-src.Events():
			if !ok {
				return
			}
			m.dispatch(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops every registered source and waits for their event pumps to
// drain.
func (m *Manager) Stop() error {
	var firstErr error
	for _, src := range m.sources {
		if err := src.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.wg.Wait()
	return firstErr
}
