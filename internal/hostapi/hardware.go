package hostapi

import "sync"

// hardwareState is an in-process stand-in for the GPIO/PWM/IIO/CAN
// registers the robotics helper functions read and write. Until
// internal/drivers grows real backends for these lines, this gives the
// helper table something concrete to act on, and gives tests a way to
// observe what a program asked the board to do. See DESIGN.md.
type hardwareState struct {
	mu sync.Mutex

	gpio       map[uint32]bool
	pwmDuty    map[uint32]uint32 // keyed by chip<<16|channel
	iio        map[uint32]uint64
	canFrames  []canFrame
	motorsOff  map[uint32]bool
}

type canFrame struct {
	BusID uint32
	Data  []byte
}

func newHardwareState() *hardwareState {
	return &hardwareState{
		gpio:      make(map[uint32]bool),
		pwmDuty:   make(map[uint32]uint32),
		iio:       make(map[uint32]uint64),
		motorsOff: make(map[uint32]bool),
	}
}

func (h *hardwareState) gpioSet(line uint32, high bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gpio[line] = high
}

func (h *hardwareState) gpioGet(line uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gpio[line]
}

func (h *hardwareState) pwmWrite(chip, channel, dutyPercent uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pwmDuty[chip<<16|channel] = dutyPercent
}

func (h *hardwareState) pwmDutyOf(chip, channel uint32) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pwmDuty[chip<<16|channel]
}

// iioRead returns a simulated channel reading. Real channel values come
// from internal/drivers once it has a live source wired to this channel
// ID; until then every unset channel reads zero.
func (h *hardwareState) iioRead(channel uint32) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.iio[channel]
}

func (h *hardwareState) setIIOChannel(channel uint32, value uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.iio[channel] = value
}

func (h *hardwareState) canSend(busID uint32, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	frame := make([]byte, len(data))
	copy(frame, data)
	h.canFrames = append(h.canFrames, canFrame{BusID: busID, Data: frame})
}

func (h *hardwareState) motorStop(motorID uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.motorsOff[motorID] = true
}

func (h *hardwareState) isMotorStopped(motorID uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.motorsOff[motorID]
}
