package housekeeping

import (
	"math/rand"
	"time"
)

// Demo synthesizes plausible, slowly drifting temperature and battery
// readings for running off target.
type Demo struct {
	BaseTempC    float64
	BatteryMV    float64
	DrainMVPerHr float64

	startedAt time.Time
	rng       *rand.Rand
}

// NewDemo creates a Demo backend with a full, slowly draining battery.
func NewDemo() *Demo {
	return &Demo{
		BaseTempC:    24.0,
		BatteryMV:    4150,
		DrainMVPerHr: 12,
		startedAt:    time.Now(),
		rng:          rand.New(rand.NewSource(3)),
	}
}

func (d *Demo) Name() string   { return "housekeeping-demo" }
func (d *Demo) Connect() error { return nil }
func (d *Demo) Close() error   { return nil }

func (d *Demo) ReadSideTempC(side int) (float64, error) {
	return d.BaseTempC + (d.rng.Float64() - 0.5), nil
}

func (d *Demo) ReadBatteryMV() (float64, error) {
	elapsedHr := time.Since(d.startedAt).Hours()
	return d.BatteryMV - d.DrainMVPerHr*elapsedHr, nil
}
