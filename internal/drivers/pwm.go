package drivers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/corvidrobotics/ebpfcore/internal/attach"
)

// PWMSource polls a simulated PWM channel's duty cycle and fires an event
// each interval carrying the current duty percentage. ReadDuty reports an
// error when the channel's sysfs node is currently gone.
type PWMSource struct {
	baseSource
	chip     string
	channel  uint32
	interval time.Duration
	readDuty func() (uint32, error)
}

// NewPWMSource creates a PWMSource for chip:channel, sampled every interval.
func NewPWMSource(chip string, channel uint32, interval time.Duration, readDuty func() (uint32, error), logger *slog.Logger) *PWMSource {
	return &PWMSource{
		baseSource: newBaseSource(logger),
		chip:       chip,
		channel:    channel,
		interval:   interval,
		readDuty:   readDuty,
	}
}

func (s *PWMSource) target() string {
	return fmt.Sprintf("%s:%d", s.chip, s.channel)
}

func (s *PWMSource) Start(ctx context.Context) error {
	return s.start(ctx, s.run)
}

func (s *PWMSource) run(ctx context.Context) {
	label := s.target()

	reconnectLoop(ctx, s.logger, label, func() error {
		_, err := s.readDuty()
		return err
	}, func(ctx context.Context) {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				duty, err := s.readDuty()
				if err != nil {
					return
				}
				s.emit(ctx, Event{Type: attach.PWM, Target: label, Ctx: putU64(uint64(duty))})
			}
		}
	})
}
