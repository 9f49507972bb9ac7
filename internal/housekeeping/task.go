package housekeeping

import (
	"context"
	"log"
	"time"

	"github.com/monashpm/crankmeter/internal/config"
	"github.com/monashpm/crankmeter/internal/critsec"
	"github.com/monashpm/crankmeter/internal/micros"
	"github.com/monashpm/crankmeter/internal/record"
	"github.com/monashpm/crankmeter/internal/rendezvous"
	"github.com/monashpm/crankmeter/internal/topstate"
)

// Interval is the supervisor's sampling period.
const Interval = 10 * time.Second

// Task runs the housekeeping supervisor loop. Exactly one goroutine
// runs Run.
type Task struct {
	provider Provider
	cfg      *config.Store
	top      *topstate.Machine

	rotation    *critsec.Cell[rendezvous.RotationMeta]
	imuTempC    *critsec.Cell[float64]
	leftOffset  *critsec.Cell[float64]
	rightOffset *critsec.Cell[float64]
	accept      *critsec.Flag

	Out *critsec.Queue[record.Housekeeping]

	// nowFunc returns the current free-running microsecond clock;
	// overridable by tests, defaults to micros.Now (the same epoch the
	// IMU task stamps rotation metadata with).
	nowFunc func() uint32

	lastBatteryMV    float64
	underCutoffCount int
}

// New creates a housekeeping Task.
func New(provider Provider, cfg *config.Store, top *topstate.Machine, rotation *critsec.Cell[rendezvous.RotationMeta], imuTempC, leftOffset, rightOffset *critsec.Cell[float64], accept *critsec.Flag, outQueueCapacity int) *Task {
	return &Task{
		provider:    provider,
		cfg:         cfg,
		top:         top,
		rotation:    rotation,
		imuTempC:    imuTempC,
		leftOffset:  leftOffset,
		rightOffset: rightOffset,
		accept:      accept,
		Out:         critsec.NewQueue[record.Housekeeping](outQueueCapacity),
		nowFunc:     micros.Now,
	}
}

// Run loops the periodic sampling cycle until ctx is done.
func (t *Task) Run(ctx context.Context) {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sample()
		}
	}
}

func (t *Task) readSideTempC(side int) float64 {
	time.Sleep(ConversionWait)
	temp, err := t.provider.ReadSideTempC(side)
	if err != nil {
		log.Printf("[housekeeping] side %d temperature read failed: %v", side, err)
		return TemperatureSentinel
	}
	return temp
}

func (t *Task) sample() {
	leftTempC := t.readSideTempC(0)
	rightTempC := t.readSideTempC(1)
	imuTempC := t.imuTempC.Get()

	batteryMV, err := t.provider.ReadBatteryMV()
	if err != nil {
		log.Printf("[housekeeping] battery read failed: %v, reusing last known %.0f mV", err, t.lastBatteryMV)
		batteryMV = t.lastBatteryMV
	} else {
		t.lastBatteryMV = batteryMV
	}

	rec := record.Housekeeping{
		LeftTempC:   float32(leftTempC),
		RightTempC:  float32(rightTempC),
		IMUTempC:    float32(imuTempC),
		BatteryMV:   float32(batteryMV),
		LeftOffset:  float32(t.leftOffset.Get()),
		RightOffset: float32(t.rightOffset.Get()),
	}
	if t.accept == nil || t.accept.Get() {
		t.Out.TryEnqueue(rec)
	}

	t.checkBattery(batteryMV)
	t.checkSleepTimeout()
}

// checkBattery implements the flat-battery shutdown: K consecutive
// under-cutoff samples trip the terminal Flat state.
func (t *Task) checkBattery(batteryMV float64) {
	snap := t.cfg.Load()
	cutoff := snap.Housekeeping.BatteryCutoffMV
	samplesNeeded := snap.Housekeeping.BatteryCutoffSamples
	if samplesNeeded <= 0 {
		samplesNeeded = 3
	}

	if batteryMV < cutoff {
		t.underCutoffCount++
		if t.underCutoffCount >= samplesNeeded {
			log.Printf("[housekeeping] battery %.0f mV below cutoff %.0f mV for %d consecutive samples, transitioning to flat", batteryMV, cutoff, t.underCutoffCount)
			t.top.BatteryFlat()
		}
	} else {
		t.underCutoffCount = 0
	}
}

// checkSleepTimeout transitions to sleep when the configured
// sleep-timeout is nonzero and the crank has been idle (no completed
// rotation) for longer than it.
func (t *Task) checkSleepTimeout() {
	snap := t.cfg.Load()
	if snap.SleepTimeoutSec <= 0 {
		return
	}
	meta := t.rotation.Get()
	idleSec := float64(t.nowFunc()-meta.TimeUs) / 1e6
	if idleSec > float64(snap.SleepTimeoutSec) {
		t.top.SleepTimeout()
	}
}
