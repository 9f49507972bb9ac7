package side

import (
	"context"
	"log"
	"time"

	"github.com/monashpm/crankmeter/internal/config"
	"github.com/monashpm/crankmeter/internal/critsec"
	"github.com/monashpm/crankmeter/internal/kalman"
	"github.com/monashpm/crankmeter/internal/micros"
	"github.com/monashpm/crankmeter/internal/record"
	"github.com/monashpm/crankmeter/internal/rendezvous"
)

const notifyTimeout = 100 * time.Millisecond

// Task runs one side's ADC ingest loop. Exactly one goroutine runs
// Run; AvgPowerW, Offset, and TempC are safe for concurrent use by
// other tasks (the low-speed task and housekeeping).
type Task struct {
	side     int // rendezvous.BitLeft / rendezvous.BitRight position, 0 or 1
	provider Provider
	filter   *kalman.Filter
	cfg      *config.Store

	Out            *critsec.Queue[record.Side]
	DataReady      *critsec.ValueNotify[uint32]
	Rotation       *critsec.Cell[rendezvous.RotationMeta]
	LowSpeedNotify *critsec.NotifyWord
	AvgPowerW      *critsec.Cell[float64]
	Offset         *critsec.Cell[float64]
	TempC          *critsec.Cell[float64]
	Accept         *critsec.Flag

	// single-writer bookkeeping, touched only from Run's goroutine
	energy            float64
	tLastSampleUs     uint32
	haveLastSample    bool
	segmentStartUs    uint32
	haveSegmentStart  bool
	lastRotationCount uint32
	calTotal          int
	calRemaining      int
	calAccum          float64
}

// Side index constants selecting which notification bit a Task owns.
const (
	Left  = 0
	Right = 1
)

// New creates a side ingest Task. side must be Left or Right. accept is
// the shared accept-data gate checked before every high-speed record
// enqueue.
func New(side int, provider Provider, filter *kalman.Filter, cfg *config.Store, rotation *critsec.Cell[rendezvous.RotationMeta], lowSpeedNotify *critsec.NotifyWord, accept *critsec.Flag, outQueueCapacity int) *Task {
	cal := cfg.Load().Side[side]
	return &Task{
		side:           side,
		provider:       provider,
		filter:         filter,
		cfg:            cfg,
		Out:            critsec.NewQueue[record.Side](outQueueCapacity),
		DataReady:      critsec.NewValueNotify[uint32](),
		Rotation:       rotation,
		LowSpeedNotify: lowSpeedNotify,
		AvgPowerW:      critsec.NewCell(0.0),
		Offset:         critsec.NewCell(cal.ZeroOffset),
		TempC:          critsec.NewCell(cal.ReferenceTempC),
		Accept:         accept,
	}
}

func (t *Task) notifyBit() uint32 {
	if t.side == Right {
		return rendezvous.BitRight
	}
	return rendezvous.BitLeft
}

// ArmZeroOffsetCalibration starts (or restarts) an N-sample zero-offset
// calibration countdown.
func (t *Task) ArmZeroOffsetCalibration(n int) {
	t.calTotal = n
	t.calRemaining = n
	t.calAccum = 0
}

// Run drains data-ready notifications until ctx is cancelled. If the
// configured Provider also implements Driver, its Drive loop is
// started in its own goroutine to simulate the ISR.
func (t *Task) Run(ctx context.Context) {
	if drv, ok := t.provider.(Driver); ok {
		go drv.Drive(ctx, t.DataReady)
	}
	for {
		if ctx.Err() != nil {
			return
		}
		t.step()
	}
}

func (t *Task) step() {
	snap := t.cfg.Load()
	offsetCalPulseMode := t.calRemaining > 0

	tInterrupt, ok := t.DataReady.Wait(notifyTimeout)
	if ok {
		t.handleSample(snap, tInterrupt, offsetCalPulseMode)
	}
	t.bookkeepAveragePower(micros.Now())
}

func (t *Task) handleSample(snap *config.Snapshot, tInterruptUs uint32, offsetCalPulseMode bool) {
	predicted, _ := t.filter.Predict(tInterruptUs)

	raw := t.provider.ReadRaw(offsetCalPulseMode)
	if offsetCalPulseMode {
		raw >>= 2
	}
	raw &= 0x00FFFFFF

	cal := snap.Side[t.side]
	offset := t.Offset.Get()
	torque := (float64(raw) - offset) * cal.Coefficient * (1 - cal.TempCoefficient*(t.TempC.Get()-cal.ReferenceTempC))

	if t.calRemaining > 0 {
		// Sum raw codes and divide once at the end: 24-bit codes sum
		// exactly in a float64, so a constant input yields that exact
		// value as the offset.
		t.calAccum += float64(raw)
		t.calRemaining--
		if t.calRemaining == 0 {
			offset := t.calAccum / float64(t.calTotal)
			t.Offset.Set(offset)
			log.Printf("[side %d] zero-offset calibration complete: %v", t.side, offset)
		}
	} else {
		// Power is computed from the emitted float32 fields so the
		// published record always satisfies power == torque * velocity
		// bit-exactly.
		tq := float32(torque)
		vel := float32(predicted.Velocity)
		rec := record.Side{
			TimestampUs: tInterruptUs,
			Velocity:    vel,
			Angle:       float32(predicted.Angle),
			RawADC:      raw,
			Torque:      tq,
			Power:       tq * vel,
		}
		if t.Accept == nil || t.Accept.Get() {
			t.Out.TryEnqueue(rec)
		}
	}

	if t.haveLastSample {
		dtSec := float64(tInterruptUs-t.tLastSampleUs) / 1e6
		t.energy += predicted.Velocity * torque * dtSec
	}
	t.tLastSampleUs = tInterruptUs
	t.haveLastSample = true
}

func (t *Task) bookkeepAveragePower(tNowUs uint32) {
	meta := t.Rotation.Get()
	if !t.haveSegmentStart {
		t.segmentStartUs = tNowUs
		t.haveSegmentStart = true
		t.lastRotationCount = meta.Count
		return
	}
	if meta.Count == t.lastRotationCount {
		return
	}
	t.lastRotationCount = meta.Count

	delta := float64(tNowUs-t.segmentStartUs) / 1e6
	if delta > 0 {
		t.AvgPowerW.Set(t.energy / delta)
	}
	t.segmentStartUs = tNowUs
	t.energy = 0

	t.LowSpeedNotify.Set(t.notifyBit())
}
