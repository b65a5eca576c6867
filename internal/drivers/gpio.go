package drivers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/corvidrobotics/ebpfcore/internal/attach"
)

// GPIOSource polls a simulated GPIO line and fires an event whenever the
// line transitions in a direction matching Edge. Read reports the line's
// current logic level and an error if the underlying character device is
// currently gone (a hot-unplugged gpiochip, for example); the source backs
// off and retries until Read succeeds again.
type GPIOSource struct {
	baseSource
	chip     string
	line     uint32
	edge     attach.Edge
	interval time.Duration
	read     func() (bool, error)
}

// NewGPIOSource creates a GPIOSource for chip:line, firing on transitions
// matching edge, polled every interval via read.
func NewGPIOSource(chip string, line uint32, edge attach.Edge, interval time.Duration, read func() (bool, error), logger *slog.Logger) *GPIOSource {
	return &GPIOSource{
		baseSource: newBaseSource(logger),
		chip:       chip,
		line:       line,
		edge:       edge,
		interval:   interval,
		read:       read,
	}
}

func (s *GPIOSource) target() string {
	return fmt.Sprintf("%s:%d:%s", s.chip, s.line, s.edge)
}

func (s *GPIOSource) Start(ctx context.Context) error {
	return s.start(ctx, s.run)
}

func (s *GPIOSource) run(ctx context.Context) {
	label := s.target()
	haveLast := false
	var last bool

	reconnectLoop(ctx, s.logger, label, func() error {
		_, err := s.read()
		return err
	}, func(ctx context.Context) {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				level, err := s.read()
				if err != nil {
					return
				}
				if haveLast && level != last && s.transitionMatches(last, level) {
					s.emit(ctx, Event{Type: attach.GPIO, Target: label, Ctx: []byte{boolByte(level)}})
				}
				last, haveLast = level, true
			}
		}
	})
}

func (s *GPIOSource) transitionMatches(from, to bool) bool {
	switch s.edge {
	case attach.EdgeRising:
		return !from && to
	case attach.EdgeFalling:
		return from && !to
	default:
		return true
	}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
