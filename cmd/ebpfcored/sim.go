package main

import (
	"math"
	"sync/atomic"
	"time"
)

// The board-level GPIO, PWM, and IIO device nodes this binary would read in
// production are out of scope (internal/drivers consumes their event
// streams, not their register-level access). These closures stand in for
// that access with deterministic simulated signals so ebpfcored runs
// end-to-end without real hardware attached.

func simulatedGPIORead(chip string, line uint32) func() (bool, error) {
	var n atomic.Uint64
	return func() (bool, error) {
		return n.Add(1)%7 == 0, nil
	}
}

func simulatedPWMRead(chip string, channel uint32) func() (uint32, error) {
	start := time.Now()
	return func() (uint32, error) {
		phase := time.Since(start).Seconds()
		return uint32((math.Sin(phase) + 1) / 2 * 100), nil
	}
}

func simulatedIIORead(device, channel string) func() (uint64, error) {
	var n atomic.Uint64
	return func() (uint64, error) {
		return n.Add(1) * 37, nil
	}
}
