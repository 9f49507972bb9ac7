// Package housekeeping runs the periodic temperature/battery
// supervisor: synchronous per-side and IMU temperature sampling,
// battery-voltage monitoring with a consecutive-sample cutoff into the
// terminal Flat state, and the sleep-timeout check that drives the
// top-level state machine's Active->Sleep transition.
package housekeeping

import "time"

// Provider is the temperature/battery hardware backend abstraction.
// The caller waits out the synchronous ConversionWait before each
// ReadSideTempC, and treats a returned error as an unreadable sensor,
// substituting TemperatureSentinel rather than propagating it.
type Provider interface {
	Name() string
	Connect() error
	Close() error
	ReadSideTempC(side int) (float64, error)
	ReadBatteryMV() (float64, error)
}

// ConversionWait is the synchronous per-side temperature conversion
// delay.
const ConversionWait = 12 * time.Millisecond

// TemperatureSentinel is substituted for a side or IMU temperature
// that could not be read.
const TemperatureSentinel = -1000.0
