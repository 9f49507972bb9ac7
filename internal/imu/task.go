package imu

import (
	"context"
	"log"
	"math"

	"github.com/monashpm/crankmeter/internal/config"
	"github.com/monashpm/crankmeter/internal/critsec"
	"github.com/monashpm/crankmeter/internal/kalman"
	"github.com/monashpm/crankmeter/internal/record"
	"github.com/monashpm/crankmeter/internal/rendezvous"
)

// sector classifies an angle into one of the three rotation-detection
// sectors: 0 for theta < -pi/3, 1 for -pi/3 <= theta < pi/3, 2 above.
func sector(theta float64) int {
	switch {
	case theta < -math.Pi/3:
		return 0
	case theta < math.Pi/3:
		return 1
	default:
		return 2
	}
}

// Task runs the IMU ingest loop: draining FIFO batches, updating the
// shared Kalman filter, emitting decimated records, and detecting
// rotation completion. Exactly one goroutine runs Run; LastTempC,
// Rotation, and Out are safe for concurrent use by other tasks.
type Task struct {
	provider Provider
	filter   *kalman.Filter
	cfg      *config.Store

	Out            *critsec.Queue[record.IMU]
	Rotation       *critsec.Cell[rendezvous.RotationMeta]
	LowSpeedNotify *critsec.NotifyWord
	LastTempC      *critsec.Cell[float64]
	Accept         *critsec.Flag

	// WakeSignal, if set, is invoked once per valid sample observed.
	// The top-level state machine uses it to detect motion-wake from
	// Sleep. Left nil by tests that don't exercise it.
	WakeSignal func()

	armed         bool
	prevSector    int
	haveSector    bool
	decimateCount int
}

// New creates an IMU ingest Task. outQueueCapacity sizes the emitted
// record queue (batch size plus a small reserve). accept is the shared
// accept-data gate: samples are still fused into the filter and
// rotation state regardless of accept, but the emitted record is only
// enqueued for transport while accept is true.
func New(provider Provider, filter *kalman.Filter, cfg *config.Store, lowSpeedNotify *critsec.NotifyWord, accept *critsec.Flag, outQueueCapacity int) *Task {
	return &Task{
		provider:       provider,
		filter:         filter,
		cfg:            cfg,
		Out:            critsec.NewQueue[record.IMU](outQueueCapacity),
		Rotation:       critsec.NewCell(rendezvous.RotationMeta{}),
		LowSpeedNotify: lowSpeedNotify,
		LastTempC:      critsec.NewCell(0.0),
		Accept:         accept,
	}
}

// Run drains FIFO batches until ctx is cancelled or the provider
// returns a non-context error, in which case it logs and returns.
func (t *Task) Run(ctx context.Context) {
	for {
		batch, err := t.provider.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[imu] provider error: %v", err)
			return
		}
		t.ingest(batch)
	}
}

func (t *Task) ingest(batch Batch) {
	snap := t.cfg.Load()
	t.filter.SetConfig(kalman.Config{Q: snap.KalmanQ, R: snap.KalmanR})

	samples := batch.Samples
	if batch.Overrun && len(samples) > 0 {
		// FIFO overran: drop everything after the first sample.
		samples = samples[:1]
	}

	for _, s := range samples {
		if !s.Valid {
			log.Printf("[imu] dropping sample with invalid validity flag")
			continue
		}
		t.LastTempC.Set(s.TempC)
		if t.WakeSignal != nil {
			t.WakeSignal()
		}

		accelScale := snap.IMU.AccelRangeG * 9.80665 / 32767
		gyroScale := snap.IMU.GyroRangeDPS * (math.Pi / 180) / 32767

		ax := float64(s.AccelX) * accelScale
		ay := float64(s.AccelY) * accelScale
		gz := float64(s.GyroZ) * gyroScale

		axCorrected := ax + snap.IMU.RadiusXM*gz*gz
		ayCorrected := ay + snap.IMU.RadiusYM*gz*gz

		thetaMeas := kalman.NormalizeAngle(math.Atan2(ayCorrected, axCorrected))
		if snap.IMU.InvertAngle {
			thetaMeas = kalman.NormalizeAngle(-thetaMeas)
		}

		st := t.filter.Update(thetaMeas, gz, batch.TCaptureUs)

		t.decimateCount++
		decimation := snap.IMUDecimation
		if decimation < 1 {
			decimation = 1
		}
		if t.decimateCount >= decimation {
			t.decimateCount = 0
			rec := record.IMU{
				TimestampUs: batch.TCaptureUs,
				Velocity:    float32(st.Velocity),
				Angle:       float32(st.Angle),
				AccelX:      float32(ax),
				AccelY:      float32(ay),
				AccelZ:      float32(float64(s.AccelZ) * accelScale),
				GyroX:       float32(float64(s.GyroX) * gyroScale),
				GyroY:       float32(float64(s.GyroY) * gyroScale),
				GyroZ:       float32(gz),
			}
			if t.Accept == nil || t.Accept.Get() {
				t.Out.TryEnqueue(rec)
			}
		}

		t.detectRotation(st.Angle, batch.TCaptureUs)
	}
}

// detectRotation implements the (0->1) arm, (2->0) complete sector
// state machine. Reverse-direction motion never arms, so it cannot
// produce a false completion. It is single-writer (only the IMU task
// calls it), so prevSector/armed need no synchronization; the published
// RotationMeta does.
func (t *Task) detectRotation(theta float64, tCaptureUs uint32) {
	sec := sector(theta)
	if !t.haveSector {
		t.prevSector = sec
		t.haveSector = true
		return
	}
	if sec == t.prevSector {
		return
	}

	switch {
	case t.prevSector == 0 && sec == 1:
		t.armed = true
	case t.prevSector == 2 && sec == 0 && t.armed:
		t.armed = false
		t.Rotation.With(func(m rendezvous.RotationMeta) rendezvous.RotationMeta {
			m.DurationUs = tCaptureUs - m.TimeUs
			m.TimeUs = tCaptureUs
			m.Count++
			return m
		})
		t.LowSpeedNotify.Set(rendezvous.BitRotation)
	}
	t.prevSector = sec
}
