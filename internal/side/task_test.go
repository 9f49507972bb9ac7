package side

import (
	"testing"

	"github.com/monashpm/crankmeter/internal/config"
	"github.com/monashpm/crankmeter/internal/critsec"
	"github.com/monashpm/crankmeter/internal/kalman"
	"github.com/monashpm/crankmeter/internal/rendezvous"
)

type fakeProvider struct {
	raw uint32
}

func (f *fakeProvider) Name() string   { return "fake" }
func (f *fakeProvider) Connect() error { return nil }
func (f *fakeProvider) Close() error   { return nil }
func (f *fakeProvider) ReadRaw(offsetCalPulseMode bool) uint32 {
	if offsetCalPulseMode {
		return (f.raw << 2) | 0b10
	}
	return f.raw
}

func newTestTask(raw uint32) (*Task, *fakeProvider) {
	filter := kalman.New(kalman.Config{
		Q: kalman.Covariance{P00: 2e-3, P11: 0.1},
		R: kalman.Covariance{P00: 100, P11: 1e-2},
	})
	filter.Update(0, 2.0, 0)
	store := config.NewStore(config.Default())
	rotation := critsec.NewCell(rendezvous.RotationMeta{})
	notify := critsec.NewNotifyWord()
	accept := critsec.NewFlag(true)
	fp := &fakeProvider{raw: raw}
	task := New(Left, fp, filter, store, rotation, notify, accept, 256)
	return task, fp
}

func TestZeroOffsetCalibrationAveragesAndSuppressesEmission(t *testing.T) {
	task, _ := newTestTask(1000)
	task.ArmZeroOffsetCalibration(4)

	snap := task.cfg.Load()
	for i := 0; i < 4; i++ {
		task.handleSample(snap, uint32(1000*(i+1)), true)
	}
	if task.Out.Len() != 0 {
		t.Fatalf("calibration samples must not emit torque records, got %d", task.Out.Len())
	}
	if got := task.Offset.Get(); got != 1000 {
		t.Fatalf("Offset = %v, want 1000 (average of constant raw readings)", got)
	}
}

func TestZeroOffsetCalibrationIsExactForConstantInput(t *testing.T) {
	const raw = 9_848_390
	task, _ := newTestTask(raw)
	task.ArmZeroOffsetCalibration(200)

	snap := task.cfg.Load()
	for i := 0; i < 200; i++ {
		task.handleSample(snap, uint32(1000*(i+1)), true)
	}
	if got := task.Offset.Get(); got != raw {
		t.Fatalf("Offset = %v, want exactly %d", got, raw)
	}

	// With coefficient 1.0 and the offset now equal to the raw reading,
	// the next sample's torque must be exactly zero.
	task.handleSample(snap, 201_000, false)
	rec, ok := task.Out.TryDequeue()
	if !ok {
		t.Fatal("expected a record after calibration completes")
	}
	if rec.Torque != 0 {
		t.Fatalf("Torque = %v, want exactly 0", rec.Torque)
	}
}

func TestTorqueEmissionAfterCalibration(t *testing.T) {
	task, _ := newTestTask(1100)
	task.Offset.Set(1000)

	snap := task.cfg.Load()
	task.handleSample(snap, 1000, false)

	if task.Out.Len() != 1 {
		t.Fatalf("Out.Len() = %d, want 1", task.Out.Len())
	}
	rec, _ := task.Out.TryDequeue()
	// Default config coefficient=1, temp coefficient=0: torque == raw-offset.
	if rec.Torque != 100 {
		t.Fatalf("Torque = %v, want 100", rec.Torque)
	}
	if rec.Power != rec.Torque*rec.Velocity {
		t.Fatalf("Power invariant violated: %v != %v*%v", rec.Power, rec.Torque, rec.Velocity)
	}
}

func TestAveragePowerPublishedOnRotationBoundary(t *testing.T) {
	task, _ := newTestTask(1100)
	task.Offset.Set(1000)
	snap := task.cfg.Load()

	task.bookkeepAveragePower(0) // establishes segmentStart, no rotation yet
	task.handleSample(snap, 10000, false)
	task.handleSample(snap, 1_010_000, false)

	task.Rotation.Set(rendezvous.RotationMeta{Count: 1})
	task.bookkeepAveragePower(1_010_000)

	if task.AvgPowerW.Get() == 0 {
		t.Fatalf("expected non-zero average power after a completed rotation")
	}
	bits, ok := task.LowSpeedNotify.WaitAny(0)
	if !ok || bits&rendezvous.BitLeft == 0 {
		t.Fatalf("expected BitLeft set after rotation boundary, got bits=%#x ok=%v", bits, ok)
	}
}

func TestAcceptDataFalseSuppressesTorqueEnqueue(t *testing.T) {
	task, _ := newTestTask(1100)
	task.Offset.Set(1000)
	task.Accept.Set(false)

	snap := task.cfg.Load()
	task.handleSample(snap, 1000, false)

	if task.Out.Len() != 0 {
		t.Fatalf("Out.Len() = %d, want 0 when accept-data is false", task.Out.Len())
	}
}

func TestTimeoutPathDoesNotBlockBookkeeping(t *testing.T) {
	task, _ := newTestTask(1100)
	task.bookkeepAveragePower(0)
	task.Rotation.Set(rendezvous.RotationMeta{Count: 1})
	task.bookkeepAveragePower(500_000)
	if task.lastRotationCount != 1 {
		t.Fatalf("lastRotationCount = %d, want 1", task.lastRotationCount)
	}
}
