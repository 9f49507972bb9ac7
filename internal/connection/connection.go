// Package connection implements the transport lifecycle state machine:
// Disabled/Connect/Active/Shutdown as a plain tagged variant with a
// single-threaded driver loop, draining the five producer queues (IMU,
// both side high-speed queues, low-speed, housekeeping) and gating the
// producers through the shared accept-data flag. Producers consult the
// flag and drop on false; they never block.
package connection

import (
	"context"
	"log"
	"time"

	"github.com/joeycumines/go-microbatch"

	"github.com/monashpm/crankmeter/internal/config"
	"github.com/monashpm/crankmeter/internal/critsec"
	"github.com/monashpm/crankmeter/internal/record"
)

// disableCheckTick is the Active state's disable-notification check
// interval between publish cycles.
const disableCheckTick = 100 * time.Millisecond

// connectRetryDelay paces the Connect state's retry loop. Connect
// failures are never fatal; the state machine retries indefinitely.
const connectRetryDelay = 2 * time.Second

// Notification bits for the connection subsystem's own control word.
const (
	bitEnable uint32 = 1 << iota
	bitDisable
)

// Transport is the small capability set the connection state machine
// dispatches into, independent of which physical transport (networked
// pub/sub or BLE bridge) is configured.
type Transport interface {
	// Connect establishes (or re-establishes) the transport. Returning
	// an error keeps the state machine in Connect, retrying.
	Connect(ctx context.Context) error
	// Close releases transport resources during Shutdown.
	Close() error
	// PublishAboutDevice sends the about-device payload on attach.
	PublishAboutDevice(about AboutDevice) error
	// PublishHighSpeedBatch sends one contiguous little-endian batch
	// of the given kind.
	PublishHighSpeedBatch(kind RecordKind, payload []byte) error
	// PublishLowSpeed sends one low-speed key-value record.
	PublishLowSpeed(rec record.LowSpeed) error
	// PublishHousekeeping sends one housekeeping key-value record.
	PublishHousekeeping(rec record.Housekeeping) error
}

// RecordKind distinguishes the three high-speed batch streams (IMU,
// left side, right side).
type RecordKind int

const (
	KindIMU RecordKind = iota
	KindSideLeft
	KindSideRight
)

// AboutDevice is the about-device payload published on transport
// attach.
type AboutDevice struct {
	Name        string
	Compiled    string
	SWVersion   string
	HWVersion   string
	ConnectTime time.Time
	Calibration config.Snapshot
	MAC         string
}

// state is the connection subsystem's own tagged state variant.
type state int

const (
	stateDisabled state = iota
	stateConnect
	stateActive
	stateShutdown
)

func (s state) String() string {
	switch s {
	case stateDisabled:
		return "disabled"
	case stateConnect:
		return "connect"
	case stateActive:
		return "active"
	case stateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Core owns the connection lifecycle state machine, the five producer
// queue handles it drains, and the per-kind high-speed batchers.
type Core struct {
	transport Transport
	cfg       *config.Store
	accept    *critsec.Flag
	ctrl      *critsec.NotifyWord
	about     AboutDevice

	imuQueue   *critsec.Queue[record.IMU]
	leftQueue  *critsec.Queue[record.Side]
	rightQueue *critsec.Queue[record.Side]
	lowQueue   *critsec.Queue[record.LowSpeed]
	houseQueue *critsec.Queue[record.Housekeeping]

	imuBatcher   *microbatch.Batcher[record.IMU]
	leftBatcher  *microbatch.Batcher[record.Side]
	rightBatcher *microbatch.Batcher[record.Side]

	// batchErrCh carries BatchProcessor failures out of the batchers.
	// microbatch.Batcher.Submit's own error return only reflects
	// submission-level failure (context cancellation, a stopped
	// batcher) - never the processor's result, which is only
	// observable via the returned JobResult.Wait. Waiting synchronously
	// in runActive's select would stall draining every other queue
	// until that job's batch happens to flush, so each processor
	// reports its error here instead, where runActive can observe it
	// without blocking.
	batchErrCh chan error

	// lastLoggedDrop tracks, per queue, the Dropped() count as of the
	// last time it was logged, so overflow is reported once per 100
	// additional drops rather than once per drop.
	lastLoggedDrop map[string]uint64
}

// dropLogThreshold is how many additional drops on one queue trigger
// another log line.
const dropLogThreshold = 100

// Queues bundles the five producer queue handles the connection task
// drains.
type Queues struct {
	IMU          *critsec.Queue[record.IMU]
	Left         *critsec.Queue[record.Side]
	Right        *critsec.Queue[record.Side]
	LowSpeed     *critsec.Queue[record.LowSpeed]
	Housekeeping *critsec.Queue[record.Housekeeping]
}

// New creates a Core. accept is the shared accept-data gate every
// producer checks before enqueueing.
func New(transport Transport, cfg *config.Store, accept *critsec.Flag, about AboutDevice, queues Queues) *Core {
	c := &Core{
		transport:  transport,
		cfg:        cfg,
		accept:     accept,
		ctrl:       critsec.NewNotifyWord(),
		about:      about,
		imuQueue:   queues.IMU,
		leftQueue:  queues.Left,
		rightQueue: queues.Right,
		lowQueue:   queues.LowSpeed,
		houseQueue: queues.Housekeeping,

		lastLoggedDrop: make(map[string]uint64),
		batchErrCh:     make(chan error, 1),
	}

	batchSize := cfg.Load().HighSpeedBatchSize
	if batchSize < 1 {
		batchSize = 160
	}
	// FlushInterval is a stall guard, not the primary trigger: a
	// heavily decimated or idle configuration should not hold a
	// partial batch forever.
	batcherCfg := &microbatch.BatcherConfig{MaxSize: batchSize, FlushInterval: 5 * time.Second}

	c.imuBatcher = microbatch.NewBatcher(batcherCfg, func(ctx context.Context, jobs []record.IMU) error {
		return c.reportBatchErr(c.transport.PublishHighSpeedBatch(KindIMU, record.BatchIMU(jobs)))
	})
	c.leftBatcher = microbatch.NewBatcher(batcherCfg, func(ctx context.Context, jobs []record.Side) error {
		return c.reportBatchErr(c.transport.PublishHighSpeedBatch(KindSideLeft, record.BatchSide(jobs)))
	})
	c.rightBatcher = microbatch.NewBatcher(batcherCfg, func(ctx context.Context, jobs []record.Side) error {
		return c.reportBatchErr(c.transport.PublishHighSpeedBatch(KindSideRight, record.BatchSide(jobs)))
	})

	return c
}

// reportBatchErr forwards a non-nil BatchProcessor error to batchErrCh
// (best-effort: a pending error already waiting to be observed is not
// overwritten) and returns it unchanged so microbatch's own JobResult
// plumbing still sees it.
func (c *Core) reportBatchErr(err error) error {
	if err != nil {
		select {
		case c.batchErrCh <- err:
		default:
		}
	}
	return err
}

// Enable requests the Disabled->Connect transition.
func (c *Core) Enable() { c.ctrl.Set(bitEnable) }

// Disable requests entry into Shutdown from any connected state. Also
// satisfies topstate.Quiescer.
func (c *Core) Disable() { c.ctrl.Set(bitDisable) }

// AcceptingData reports whether the connection subsystem currently
// accepts producer records.
func (c *Core) AcceptingData() bool { return c.accept.Get() }

// Run drives the Disabled/Connect/Active/Shutdown state machine until
// ctx is cancelled.
func (c *Core) Run(ctx context.Context) {
	defer c.imuBatcher.Close()
	defer c.leftBatcher.Close()
	defer c.rightBatcher.Close()

	st := stateDisabled
	for {
		if ctx.Err() != nil {
			return
		}
		switch st {
		case stateDisabled:
			st = c.runDisabled(ctx)
		case stateConnect:
			st = c.runConnect(ctx)
		case stateActive:
			st = c.runActive(ctx)
		case stateShutdown:
			st = c.runShutdown(ctx)
		}
	}
}

func (c *Core) runDisabled(ctx context.Context) state {
	for {
		if ctx.Err() != nil {
			return stateDisabled
		}
		bits, ok := c.ctrl.WaitAny(500 * time.Millisecond)
		if ok && bits&bitEnable != 0 {
			c.ctrl.Clear(bitEnable)
			log.Printf("[connection] enabled, connecting")
			return stateConnect
		}
	}
}

func (c *Core) runConnect(ctx context.Context) state {
	for {
		if ctx.Err() != nil {
			return stateDisabled
		}
		if bits, ok := c.ctrl.WaitAny(0); ok && bits&bitDisable != 0 {
			c.ctrl.Clear(bitDisable)
			return stateDisabled
		}
		if err := c.transport.Connect(ctx); err != nil {
			log.Printf("[connection] connect failed: %v, retrying in %v", err, connectRetryDelay)
			select {
			case <-ctx.Done():
				return stateDisabled
			case <-time.After(connectRetryDelay):
			}
			continue
		}
		log.Printf("[connection] connected")
		c.about.ConnectTime = time.Now()
		if err := c.transport.PublishAboutDevice(c.about); err != nil {
			log.Printf("[connection] about-device publish failed: %v", err)
		}
		return stateActive
	}
}

// runActive is the Active state loop: on entry set accept-data true,
// then repeatedly drain all five queues, checking for a disable
// notification between publish cycles. Connectivity loss returns to
// Connect; disable goes to Shutdown.
func (c *Core) runActive(ctx context.Context) state {
	c.accept.Set(true)
	ticker := time.NewTicker(disableCheckTick)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			return stateShutdown

		case rec := <-c.imuQueue.C():
			_, err = c.imuBatcher.Submit(ctx, rec)

		case rec := <-c.leftQueue.C():
			_, err = c.leftBatcher.Submit(ctx, rec)

		case rec := <-c.rightQueue.C():
			_, err = c.rightBatcher.Submit(ctx, rec)

		case rec := <-c.lowQueue.C():
			err = c.transport.PublishLowSpeed(rec)

		case rec := <-c.houseQueue.C():
			err = c.transport.PublishHousekeeping(rec)

		case err = <-c.batchErrCh:

		case <-ticker.C:
			c.logDroppedCounters()
			if bits, ok := c.ctrl.WaitAny(0); ok && bits&bitDisable != 0 {
				c.ctrl.Clear(bitDisable)
				log.Printf("[connection] disable received")
				return stateShutdown
			}
		}

		if err != nil {
			log.Printf("[connection] transport error, reconnecting: %v", err)
			return stateConnect
		}
	}
}

// logDroppedCounters reports each queue's Dropped() counter, throttled
// to one log line per dropLogThreshold additional drops since it was
// last reported.
func (c *Core) logDroppedCounters() {
	check := func(name string, dropped uint64) {
		if dropped-c.lastLoggedDrop[name] >= dropLogThreshold {
			log.Printf("[connection] queue %q has dropped %d records total", name, dropped)
			c.lastLoggedDrop[name] = dropped
		}
	}
	check("imu", c.imuQueue.Dropped())
	check("side-left", c.leftQueue.Dropped())
	check("side-right", c.rightQueue.Dropped())
	check("lowspeed", c.lowQueue.Dropped())
	check("housekeeping", c.houseQueue.Dropped())
}

// runShutdown clears accept-data first, then releases transport
// resources, then lands in Disabled.
func (c *Core) runShutdown(ctx context.Context) state {
	c.accept.Set(false)
	if err := c.transport.Close(); err != nil {
		log.Printf("[connection] transport close error: %v", err)
	}
	return stateDisabled
}
