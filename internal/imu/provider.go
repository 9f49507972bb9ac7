// Package imu runs the IMU ingest task: draining the IMU's FIFO on a
// watermark trigger, feeding the Kalman filter, and detecting rotation
// completion. Provider abstracts the hardware backend; Demo is the
// synthetic one used off target.
package imu

import "context"

// RawSample is one six-axis reading plus the device temperature field,
// in raw ADC counts.
type RawSample struct {
	AccelX, AccelY, AccelZ int16
	GyroX, GyroY, GyroZ    int16
	TempC                  float64
	Valid                  bool // device validity flag; invalid samples are dropped
}

// Batch is one FIFO drain: the samples read since the last watermark
// interrupt, the ISR-captured timestamp for that interrupt, and whether
// the device's status register reported a FIFO overrun.
type Batch struct {
	Samples    []RawSample
	TCaptureUs uint32
	Overrun    bool
}

// Provider is the IMU hardware backend abstraction. Next blocks until
// the next FIFO-watermark interrupt (or ctx is done), modeling the
// ISR-to-task handoff as a blocking read.
type Provider interface {
	Name() string
	Connect() error
	Close() error
	Next(ctx context.Context) (Batch, error)
}
