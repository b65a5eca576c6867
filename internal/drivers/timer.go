package drivers

import (
	"context"
	"log/slog"
	"time"

	"github.com/corvidrobotics/ebpfcore/internal/attach"
)

// TimerSource fires a tracepoint-shaped event at a fixed interval, the
// simulated equivalent of a kernel high-resolution timer tracepoint. A
// timer has no device node to lose, so it never backs off; it runs until
// Stop or ctx cancellation.
type TimerSource struct {
	baseSource
	name     string
	interval time.Duration
}

// NewTimerSource creates a TimerSource that fires every interval under the
// tracepoint target "timer:<name>".
func NewTimerSource(name string, interval time.Duration, logger *slog.Logger) *TimerSource {
	return &TimerSource{
		baseSource: newBaseSource(logger),
		name:       name,
		interval:   interval,
	}
}

func (s *TimerSource) Start(ctx context.Context) error {
	return s.start(ctx, s.run)
}

func (s *TimerSource) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.emit(ctx, Event{
				Type:   attach.Tracepoint,
				Target: "timer:" + s.name,
				Ctx:    putU64(uint64(now.UnixNano())),
			})
		}
	}
}
