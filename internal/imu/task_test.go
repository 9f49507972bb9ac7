package imu

import (
	"context"
	"math"
	"testing"

	"github.com/monashpm/crankmeter/internal/config"
	"github.com/monashpm/crankmeter/internal/critsec"
	"github.com/monashpm/crankmeter/internal/kalman"
	"github.com/monashpm/crankmeter/internal/rendezvous"
)

// fakeProvider replays a fixed slice of batches then blocks until ctx
// is cancelled, mirroring a hardware backend that idles once its
// script of test data is exhausted.
type fakeProvider struct {
	batches []Batch
	i       int
}

func (f *fakeProvider) Name() string   { return "fake" }
func (f *fakeProvider) Connect() error { return nil }
func (f *fakeProvider) Close() error   { return nil }
func (f *fakeProvider) Next(ctx context.Context) (Batch, error) {
	if f.i < len(f.batches) {
		b := f.batches[f.i]
		f.i++
		return b, nil
	}
	<-ctx.Done()
	return Batch{}, ctx.Err()
}

func newTestTask() *Task {
	filter := kalman.New(kalman.Config{
		Q: kalman.Covariance{P00: 2e-3, P11: 0.1},
		R: kalman.Covariance{P00: 100, P11: 1e-2},
	})
	store := config.NewStore(config.Default())
	notify := critsec.NewNotifyWord()
	accept := critsec.NewFlag(true)
	return New(&fakeProvider{}, filter, store, notify, accept, 256)
}

// sampleAtAngle synthesizes a raw sample whose reconstructed angle
// (after the task's scaling/correction/inversion) equals theta, given
// InvertAngle=true and zero mounting radii (the Default() config).
func sampleAtAngle(theta float64) RawSample {
	const accelRangeG = 8.0
	const scale = accelRangeG * 9.80665 / 32767
	inv := -theta // task negates thetaMeas when InvertAngle is set
	ax := 9.80665 * math.Cos(inv) / scale
	ay := 9.80665 * math.Sin(inv) / scale
	return RawSample{AccelX: int16(ax), AccelY: int16(ay), Valid: true}
}

func TestIngestEmitsOneRecordPerSampleByDefault(t *testing.T) {
	task := newTestTask()
	task.ingest(Batch{TCaptureUs: 1000, Samples: []RawSample{sampleAtAngle(0)}})
	task.ingest(Batch{TCaptureUs: 2000, Samples: []RawSample{sampleAtAngle(0.1)}})
	if task.Out.Len() != 2 {
		t.Fatalf("Out.Len() = %d, want 2", task.Out.Len())
	}
}

func TestIngestHonorsDecimationFactor(t *testing.T) {
	task := newTestTask()
	snap := task.cfg.Load().Clone()
	snap.IMUDecimation = 3
	task.cfg.Replace(snap)

	for i := 0; i < 7; i++ {
		task.ingest(Batch{TCaptureUs: uint32(1000 * (i + 1)), Samples: []RawSample{sampleAtAngle(0)}})
	}
	if task.Out.Len() != 2 { // emits on the 3rd and 6th sample
		t.Fatalf("Out.Len() = %d, want 2", task.Out.Len())
	}
}

func TestIngestDropsInvalidSamplesWithoutEmitting(t *testing.T) {
	task := newTestTask()
	task.ingest(Batch{TCaptureUs: 1000, Samples: []RawSample{{Valid: false}}})
	if task.Out.Len() != 0 {
		t.Fatalf("Out.Len() = %d, want 0 for an invalid sample", task.Out.Len())
	}
}

func TestRotationCompletesOnZeroOneTwoZeroSequence(t *testing.T) {
	task := newTestTask()
	var tUs uint32
	step := func(theta float64) {
		tUs += 1000
		task.ingest(Batch{TCaptureUs: tUs, Samples: []RawSample{sampleAtAngle(theta)}})
	}

	step(-math.Pi + 0.1) // sector 0
	step(0)              // sector 1: arms
	step(math.Pi - 0.1)  // sector 2
	step(-math.Pi + 0.1) // sector 0: completes

	meta := task.Rotation.Get()
	if meta.Count != 1 {
		t.Fatalf("rotation count = %d, want 1", meta.Count)
	}
	bits, ok := task.LowSpeedNotify.WaitAny(0)
	if !ok || bits&rendezvous.BitRotation == 0 {
		t.Fatalf("expected BitRotation set, got bits=%#x ok=%v", bits, ok)
	}
}

func TestRotationDoesNotCompleteOnReverseDirection(t *testing.T) {
	task := newTestTask()
	var tUs uint32
	step := func(theta float64) {
		tUs += 1000
		task.ingest(Batch{TCaptureUs: tUs, Samples: []RawSample{sampleAtAngle(theta)}})
	}

	step(-math.Pi + 0.1) // sector 0
	step(math.Pi - 0.1)  // straight to sector 2: no arm, since it skipped sector 1 via 0->2
	step(0)              // sector 1
	step(-math.Pi + 0.1) // sector 0: not a completion, was never armed via 0->1

	meta := task.Rotation.Get()
	if meta.Count != 0 {
		t.Fatalf("rotation count = %d, want 0 (no 0->1 arm occurred)", meta.Count)
	}
}

func TestAcceptDataFalseSuppressesEnqueue(t *testing.T) {
	task := newTestTask()
	task.Accept.Set(false)
	task.ingest(Batch{TCaptureUs: 1000, Samples: []RawSample{sampleAtAngle(0)}})
	if task.Out.Len() != 0 {
		t.Fatalf("Out.Len() = %d, want 0 when accept-data is false", task.Out.Len())
	}
}

func TestOverrunDropsRemainingSamplesInBatch(t *testing.T) {
	task := newTestTask()
	task.ingest(Batch{
		TCaptureUs: 1000,
		Overrun:    true,
		Samples: []RawSample{
			sampleAtAngle(0),
			sampleAtAngle(0.2),
			sampleAtAngle(0.4),
		},
	})
	if task.Out.Len() != 1 {
		t.Fatalf("Out.Len() = %d, want 1 (overrun drops the rest of the batch)", task.Out.Len())
	}
}
