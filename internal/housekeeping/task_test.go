package housekeeping

import (
	"errors"
	"testing"

	"github.com/monashpm/crankmeter/internal/config"
	"github.com/monashpm/crankmeter/internal/critsec"
	"github.com/monashpm/crankmeter/internal/rendezvous"
	"github.com/monashpm/crankmeter/internal/topstate"
)

type fakeProvider struct {
	tempErr    error
	batteryMV  float64
	batteryErr error
}

func (f *fakeProvider) Name() string   { return "fake" }
func (f *fakeProvider) Connect() error { return nil }
func (f *fakeProvider) Close() error   { return nil }
func (f *fakeProvider) ReadSideTempC(side int) (float64, error) {
	if f.tempErr != nil {
		return 0, f.tempErr
	}
	return 21.0, nil
}
func (f *fakeProvider) ReadBatteryMV() (float64, error) {
	return f.batteryMV, f.batteryErr
}

func newTestTask(p Provider) (*Task, *topstate.Machine) {
	top := topstate.New(nil)
	rotation := critsec.NewCell(rendezvous.RotationMeta{})
	imuTemp := critsec.NewCell(25.0)
	leftOff := critsec.NewCell(0.0)
	rightOff := critsec.NewCell(0.0)
	accept := critsec.NewFlag(true)
	return New(p, config.NewStore(config.Default()), top, rotation, imuTemp, leftOff, rightOff, accept, 16), top
}

func TestUnreadableTemperatureEmitsSentinel(t *testing.T) {
	task, _ := newTestTask(&fakeProvider{tempErr: errors.New("i2c timeout"), batteryMV: 4000})
	task.sample()

	rec, ok := task.Out.TryDequeue()
	if !ok {
		t.Fatal("expected a record")
	}
	if rec.LeftTempC != TemperatureSentinel || rec.RightTempC != TemperatureSentinel {
		t.Fatalf("expected sentinel temps, got left=%v right=%v", rec.LeftTempC, rec.RightTempC)
	}
}

func TestBatteryFlatAfterConsecutiveUnderCutoffSamples(t *testing.T) {
	task, top := newTestTask(&fakeProvider{batteryMV: 3000})

	for i := 0; i < 3; i++ {
		task.sample()
	}
	if top.State() != topstate.Flat {
		t.Fatalf("state = %v, want Flat after 3 consecutive under-cutoff samples", top.State())
	}
}

func TestBatteryCounterResetsOnRecovery(t *testing.T) {
	task, top := newTestTask(&fakeProvider{batteryMV: 3000})
	task.sample()
	task.sample()

	task.provider.(*fakeProvider).batteryMV = 4000
	task.sample() // recovers, resets counter

	task.provider.(*fakeProvider).batteryMV = 3000
	task.sample()
	task.sample()
	if top.State() == topstate.Flat {
		t.Fatal("expected counter reset to prevent premature Flat transition")
	}
}

func TestSleepTimeoutTripsOnIdleCrank(t *testing.T) {
	task, top := newTestTask(&fakeProvider{batteryMV: 4000})
	snap := task.cfg.Load().Clone()
	snap.SleepTimeoutSec = 30
	task.cfg.Replace(snap)

	task.rotation.Set(rendezvous.RotationMeta{TimeUs: 0})
	task.nowFunc = func() uint32 { return 31_000_000 } // 31s since last rotation
	task.checkSleepTimeout()
	if top.State() != topstate.Sleep {
		t.Fatalf("state = %v, want Sleep once idle time exceeds sleep-timeout", top.State())
	}
}

func TestSleepTimeoutDisabledByZero(t *testing.T) {
	task, top := newTestTask(&fakeProvider{batteryMV: 4000})
	task.rotation.Set(rendezvous.RotationMeta{TimeUs: 0})
	task.nowFunc = func() uint32 { return 3_600_000_000 } // 1 hour idle, check must still no-op
	task.checkSleepTimeout()
	if top.State() != topstate.Active {
		t.Fatalf("state = %v, want Active (sleep-timeout 0 disables the check)", top.State())
	}
}
