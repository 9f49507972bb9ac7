package connection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/monashpm/crankmeter/internal/config"
	"github.com/monashpm/crankmeter/internal/critsec"
	"github.com/monashpm/crankmeter/internal/record"
)

// fakeTransport counts publishes and can be made to fail Connect or
// any Publish call, standing in for a real transport in the state
// machine tests.
type fakeTransport struct {
	mu sync.Mutex

	failConnect  bool
	connects     int
	closes       int
	aboutCount   int
	highSpeed    int
	lowSpeed     int
	housekeeping int
	publishErr   error
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.failConnect {
		return context.DeadlineExceeded
	}
	return nil
}
func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}
func (f *fakeTransport) PublishAboutDevice(about AboutDevice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aboutCount++
	return f.publishErr
}
func (f *fakeTransport) PublishHighSpeedBatch(kind RecordKind, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.highSpeed++
	return f.publishErr
}
func (f *fakeTransport) PublishLowSpeed(rec record.LowSpeed) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lowSpeed++
	return f.publishErr
}
func (f *fakeTransport) PublishHousekeeping(rec record.Housekeeping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.housekeeping++
	return f.publishErr
}

func newTestCore(t *testing.T, transport Transport) (*Core, Queues, *critsec.Flag) {
	t.Helper()
	accept := critsec.NewFlag(false)
	queues := Queues{
		IMU:          critsec.NewQueue[record.IMU](16),
		Left:         critsec.NewQueue[record.Side](16),
		Right:        critsec.NewQueue[record.Side](16),
		LowSpeed:     critsec.NewQueue[record.LowSpeed](16),
		Housekeeping: critsec.NewQueue[record.Housekeeping](16),
	}
	cfg := config.NewStore(config.Default())
	core := New(transport, cfg, accept, AboutDevice{Name: "test"}, queues)
	return core, queues, accept
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestEnableDrivesDisabledToActiveAndSetsAcceptData(t *testing.T) {
	ft := &fakeTransport{}
	core, _, accept := newTestCore(t, ft)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go core.Run(ctx)

	core.Enable()
	waitUntil(t, time.Second, accept.Get)

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.connects == 0 {
		t.Fatal("expected Connect to be called")
	}
	if ft.aboutCount == 0 {
		t.Fatal("expected about-device to be published on attach")
	}
}

func TestConnectFailureRetriesUntilItSucceeds(t *testing.T) {
	ft := &fakeTransport{failConnect: true}
	core, _, accept := newTestCore(t, ft)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go core.Run(ctx)

	core.Enable()
	time.Sleep(50 * time.Millisecond)

	ft.mu.Lock()
	if ft.connects == 0 {
		t.Fatal("expected at least one connect attempt")
	}
	ft.failConnect = false
	ft.mu.Unlock()

	waitUntil(t, 5*time.Second, accept.Get)
}

func TestDisableQuiescesAndReturnsToDisabled(t *testing.T) {
	ft := &fakeTransport{}
	core, _, accept := newTestCore(t, ft)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go core.Run(ctx)

	core.Enable()
	waitUntil(t, time.Second, accept.Get)

	core.Disable()
	waitUntil(t, 2*time.Second, func() bool { return !accept.Get() })

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.closes == 0 {
		t.Fatal("expected transport Close on shutdown")
	}
}

func TestHighSpeedRecordsAreDrainedIntoBatcher(t *testing.T) {
	ft := &fakeTransport{}
	core, queues, accept := newTestCore(t, ft)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go core.Run(ctx)

	core.Enable()
	waitUntil(t, time.Second, accept.Get)

	for i := 0; i < 5; i++ {
		queues.IMU.TryEnqueue(record.IMU{TimestampUs: uint32(i)})
	}

	// Records must be dequeued from the producer queue promptly even
	// though the batcher may still hold them buffered below MaxSize.
	waitUntil(t, time.Second, func() bool { return queues.IMU.Len() == 0 })
}
