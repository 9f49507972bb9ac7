package imu

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/monashpm/crankmeter/internal/micros"
)

// Demo synthesizes a plausible rotating-crank IMU stream off target: a
// steady sinusoidal accumulator plus small jitter, rather than a fixed
// fixture. The accel/gyro counts are derived from physical units using
// the same range-scaled conversion the ingest task reverses, so a
// round trip through the real scaling math recovers the intended
// angle and angular velocity.
type Demo struct {
	AccelRangeG  float64
	GyroRangeDPS float64
	RPM          float64 // nominal crank cadence
	Period       time.Duration

	rng *rand.Rand
}

// NewDemo creates a Demo backend at a plausible steady cadence.
func NewDemo() *Demo {
	return &Demo{
		AccelRangeG:  8,
		GyroRangeDPS: 2000,
		RPM:          85,
		Period:       10 * time.Millisecond,
		rng:          rand.New(rand.NewSource(1)),
	}
}

func (d *Demo) Name() string { return "imu-demo" }

func (d *Demo) Connect() error { return nil }

func (d *Demo) Close() error { return nil }

// Next blocks for one sample period and returns a single-sample batch,
// as though a FIFO watermark of one had just been crossed. The capture
// timestamp comes from the shared micros counter, same epoch as every
// other timestamp source.
func (d *Demo) Next(ctx context.Context) (Batch, error) {
	select {
	case <-ctx.Done():
		return Batch{}, ctx.Err()
	case <-time.After(d.Period):
	}

	tUs := micros.Now()

	omega := d.RPM * 2 * math.Pi / 60 // rad/s
	theta := math.Mod(float64(tUs)/1e6*omega, 2*math.Pi)
	if theta > math.Pi {
		theta -= 2 * math.Pi
	}

	// Gravity-only pattern: a 1g vector rotating with the crank angle,
	// enough to keep the reconstructed angle moving monotonically. No
	// centripetal term is added.
	const gravityG = 9.80665
	ax := gravityG * math.Cos(theta)
	ay := gravityG * math.Sin(theta)
	jitter := (d.rng.Float64() - 0.5) * 0.02

	rawAccelX := physicalToRawAccel(ax+jitter, d.AccelRangeG)
	rawAccelY := physicalToRawAccel(ay, d.AccelRangeG)
	rawGyroZ := physicalToRawGyro(omega*180/math.Pi, d.GyroRangeDPS)

	return Batch{
		Samples: []RawSample{{
			AccelX: rawAccelX,
			AccelY: rawAccelY,
			AccelZ: 0,
			GyroX:  0,
			GyroY:  0,
			GyroZ:  rawGyroZ,
			TempC:  28.0 + d.rng.Float64(),
			Valid:  true,
		}},
		TCaptureUs: tUs,
	}, nil
}

func physicalToRawAccel(aMS2, rangeG float64) int16 {
	scale := rangeG * 9.80665 / 32767
	v := aMS2 / scale
	return clampInt16(v)
}

func physicalToRawGyro(dps, rangeDPS float64) int16 {
	scale := rangeDPS / 32767
	v := dps / scale
	return clampInt16(v)
}

func clampInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
