package drivers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/corvidrobotics/ebpfcore/internal/attach"
)

// IIOSource polls a simulated industrial I/O channel (an accelerometer
// axis, a temperature sensor, ...) and fires an event each interval
// carrying the raw sample. Read reports an error when the channel's sysfs
// node is currently gone.
type IIOSource struct {
	baseSource
	device   string
	channel  string
	interval time.Duration
	read     func() (uint64, error)
}

// NewIIOSource creates an IIOSource for device:channel, sampled every
// interval via read.
func NewIIOSource(device, channel string, interval time.Duration, read func() (uint64, error), logger *slog.Logger) *IIOSource {
	return &IIOSource{
		baseSource: newBaseSource(logger),
		device:     device,
		channel:    channel,
		interval:   interval,
		read:       read,
	}
}

func (s *IIOSource) target() string {
	return fmt.Sprintf("%s:%s", s.device, s.channel)
}

func (s *IIOSource) Start(ctx context.Context) error {
	return s.start(ctx, s.run)
}

func (s *IIOSource) run(ctx context.Context) {
	label := s.target()

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
				sample, err := s.read()
				if err != nil {
					return
				}
				s.emit(ctx, Event{Type: attach.IIO, Target: label, Ctx: putU64(sample)})
			}
		}
	})
}
