package side

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/monashpm/crankmeter/internal/critsec"
	"github.com/monashpm/crankmeter/internal/micros"
)

// Driver is optionally implemented by a Provider that must generate
// its own data-ready notifications (a simulated ISR) rather than rely
// on real hardware firing one independently. Task.Run starts Drive in
// its own goroutine when the configured Provider implements Driver.
type Driver interface {
	Drive(ctx context.Context, notify *critsec.ValueNotify[uint32])
}

// Demo synthesizes a plausible pedaling-torque waveform off target: a
// sinusoidal accumulator plus jitter rather than a fixed fixture.
type Demo struct {
	SampleRate   time.Duration
	ZeroRaw      uint32  // simulated ADC code for zero torque
	CountsPerNm  float64 // ADC code delta per newton-meter
	BaseTorqueNm float64
	SwingNm      float64 // peak-to-peak torque oscillation amplitude

	phase float64
	rng   *rand.Rand
}

// NewDemo creates a Demo backend with plausible defaults.
func NewDemo() *Demo {
	return &Demo{
		SampleRate:   1 * time.Millisecond,
		ZeroRaw:      1 << 23,
		CountsPerNm:  2000,
		BaseTorqueNm: 15,
		SwingNm:      6,
		rng:          rand.New(rand.NewSource(2)),
	}
}

func (d *Demo) Name() string   { return "side-demo" }
func (d *Demo) Connect() error { return nil }
func (d *Demo) Close() error   { return nil }

// ReadRaw returns the 24-bit (or 26-bit pulse-mode) simulated ADC
// code. offsetCalPulseMode adds two low-order "pulse" bits the caller
// is expected to discard.
func (d *Demo) ReadRaw(offsetCalPulseMode bool) uint32 {
	torque := d.BaseTorqueNm + d.SwingNm*math.Sin(d.phase) + (d.rng.Float64()-0.5)*0.2
	raw := d.ZeroRaw + uint32(torque*d.CountsPerNm)
	if offsetCalPulseMode {
		raw = (raw << 2) | 0b10
	}
	return raw
}

// Drive sends a data-ready notification every SampleRate until ctx is
// done, standing in for the ADC's falling-edge data-ready interrupt.
// The notification value is the shared micros counter, same epoch as
// every other timestamp source.
func (d *Demo) Drive(ctx context.Context, notify *critsec.ValueNotify[uint32]) {
	ticker := time.NewTicker(d.SampleRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.phase += 0.05
			notify.Send(micros.Now())
		}
	}
}
