// Package lowspeed runs the rotation-rendezvous task: waiting for both
// sides to report their per-rotation average power, combining them
// into one per-rotation summary record, and falling back to stale data
// if a side goes quiet.
package lowspeed

import (
	"context"
	"log"
	"time"

	"github.com/monashpm/crankmeter/internal/critsec"
	"github.com/monashpm/crankmeter/internal/record"
	"github.com/monashpm/crankmeter/internal/rendezvous"
)

const waitBound = 3 * time.Second

const bothSides = rendezvous.BitLeft | rendezvous.BitRight

// Task implements the rendezvous loop. Exactly one goroutine runs Run.
type Task struct {
	notify   *critsec.NotifyWord
	rotation *critsec.Cell[rendezvous.RotationMeta]
	leftPow  *critsec.Cell[float64]
	rightPow *critsec.Cell[float64]
	accept   *critsec.Flag

	Out *critsec.Queue[record.LowSpeed]
}

// New creates a low-speed rendezvous Task. notify is the shared
// NotifyWord the IMU and both side tasks set bits on; leftPow/rightPow
// are the side tasks' published AvgPowerW cells. accept is the shared
// accept-data gate.
func New(notify *critsec.NotifyWord, rotation *critsec.Cell[rendezvous.RotationMeta], leftPow, rightPow *critsec.Cell[float64], accept *critsec.Flag, outQueueCapacity int) *Task {
	return &Task{
		notify:   notify,
		rotation: rotation,
		leftPow:  leftPow,
		rightPow: rightPow,
		accept:   accept,
		Out:      critsec.NewQueue[record.LowSpeed](outQueueCapacity),
	}
}

// Run loops the rendezvous wait-and-publish cycle until ctx is done.
func (t *Task) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		t.cycle()
	}
}

func (t *Task) cycle() {
	bits, ok := t.notify.WaitMask(bothSides, waitBound)

	var power, balance float64
	if ok {
		left := t.leftPow.Get()
		right := t.rightPow.Get()
		power = left + right
		if power > 0 {
			balance = 100 * right / power
		} else {
			balance = 50
		}
	} else {
		log.Printf("[lowspeed] rendezvous timeout after %v, bits=%#x", waitBound, bits)
		power = 0
		balance = 50
	}

	meta := t.rotation.Get()
	rec := record.LowSpeed{
		TimestampUs:   meta.TimeUs,
		RotationCount: meta.Count,
		PowerW:        float32(power),
		BalancePct:    float32(balance),
	}
	if meta.DurationUs > 0 {
		rec.CadenceRPM = float32(60e6 / float64(meta.DurationUs))
	}
	if t.accept == nil || t.accept.Get() {
		t.Out.TryEnqueue(rec)
	}

	t.notify.ClearAll()
}
