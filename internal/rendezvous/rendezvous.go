// Package rendezvous holds the small set of types and notification bit
// assignments shared between the IMU task, the two side tasks, and the
// low-speed task, kept in their own package so those three avoid
// importing one another just for a bitmask.
package rendezvous

// Notification bits set on the low-speed task's NotifyWord.
const (
	BitLeft uint32 = 1 << iota
	BitRight
	BitRotation
)

// RotationMeta is the IMU-maintained rotation bookkeeping consumed by
// the low-speed task under critical section.
type RotationMeta struct {
	Count      uint32
	TimeUs     uint32
	DurationUs uint32
}
