// Package record defines the four wire record shapes and the
// little-endian binary32-float packing of the two high-speed ones (IMU
// and Side); LowSpeed and Housekeeping are published as key-value
// payloads.
package record

import (
	"encoding/binary"
	"math"
)

const (
	// IMUSize is the wire size in bytes of an IMU sample record.
	IMUSize = 36
	// SideSize is the wire size in bytes of a side high-speed record.
	SideSize = 24
)

// IMU is one post-filter IMU sample record.
type IMU struct {
	TimestampUs uint32
	Velocity    float32 // rad/s
	Angle       float32 // radians
	AccelX      float32 // m/s^2
	AccelY      float32
	AccelZ      float32
	GyroX       float32 // rad/s
	GyroY       float32
	GyroZ       float32
}

// Marshal encodes r as 36 little-endian bytes:
// u32 ts, f32 w, f32 theta, f32 ax, ay, az, gx, gy, gz.
func (r IMU) Marshal() [IMUSize]byte {
	var buf [IMUSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], r.TimestampUs)
	putFloat32(buf[4:8], r.Velocity)
	putFloat32(buf[8:12], r.Angle)
	putFloat32(buf[12:16], r.AccelX)
	putFloat32(buf[16:20], r.AccelY)
	putFloat32(buf[20:24], r.AccelZ)
	putFloat32(buf[24:28], r.GyroX)
	putFloat32(buf[28:32], r.GyroY)
	putFloat32(buf[32:36], r.GyroZ)
	return buf
}

// UnmarshalIMU decodes a 36-byte IMU record.
func UnmarshalIMU(buf []byte) IMU {
	return IMU{
		TimestampUs: binary.LittleEndian.Uint32(buf[0:4]),
		Velocity:    getFloat32(buf[4:8]),
		Angle:       getFloat32(buf[8:12]),
		AccelX:      getFloat32(buf[12:16]),
		AccelY:      getFloat32(buf[16:20]),
		AccelZ:      getFloat32(buf[20:24]),
		GyroX:       getFloat32(buf[24:28]),
		GyroY:       getFloat32(buf[28:32]),
		GyroZ:       getFloat32(buf[32:36]),
	}
}

// Side is one per-side high-speed ADC record.
type Side struct {
	TimestampUs uint32
	Velocity    float32 // predicted rad/s at sample time
	Angle       float32 // predicted angle at sample time
	RawADC      uint32  // 24-bit reading stored in a 32-bit field
	Torque      float32 // N*m
	Power       float32 // W, Torque * Velocity
}

// Marshal encodes r as 24 little-endian bytes:
// u32 ts, f32 w, f32 theta, u32 raw, f32 torque, f32 power.
func (r Side) Marshal() [SideSize]byte {
	var buf [SideSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], r.TimestampUs)
	putFloat32(buf[4:8], r.Velocity)
	putFloat32(buf[8:12], r.Angle)
	binary.LittleEndian.PutUint32(buf[12:16], r.RawADC&0x00FFFFFF)
	putFloat32(buf[16:20], r.Torque)
	putFloat32(buf[20:24], r.Power)
	return buf
}

// UnmarshalSide decodes a 24-byte side high-speed record.
func UnmarshalSide(buf []byte) Side {
	return Side{
		TimestampUs: binary.LittleEndian.Uint32(buf[0:4]),
		Velocity:    getFloat32(buf[4:8]),
		Angle:       getFloat32(buf[8:12]),
		RawADC:      binary.LittleEndian.Uint32(buf[12:16]),
		Torque:      getFloat32(buf[16:20]),
		Power:       getFloat32(buf[20:24]),
	}
}

// LowSpeed is a per-rotation summary record, published as a key-value
// payload rather than packed bytes.
type LowSpeed struct {
	TimestampUs   uint32  // timestamp of most recent complete rotation
	RotationCount uint32  // cumulative, monotonic
	CadenceRPM    float32 // derived from last rotation's duration
	PowerW        float32 // sum of per-side averages over last rotation
	BalancePct    float32 // percent attributed to right side
}

// Housekeeping is a periodic diagnostic record, published as a
// key-value payload.
type Housekeeping struct {
	LeftTempC   float32 // sentinel -1000.0 if unreadable
	RightTempC  float32
	IMUTempC    float32
	BatteryMV   float32
	LeftOffset  float32
	RightOffset float32
}

func putFloat32(dst []byte, v float32) {
	binary.LittleEndian.PutUint32(dst, math.Float32bits(v))
}

func getFloat32(src []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(src))
}

// BatchIMU concatenates IMU records into one contiguous batch payload.
func BatchIMU(records []IMU) []byte {
	out := make([]byte, 0, len(records)*IMUSize)
	for _, r := range records {
		b := r.Marshal()
		out = append(out, b[:]...)
	}
	return out
}

// BatchSide concatenates Side records into one batch payload.
func BatchSide(records []Side) []byte {
	out := make([]byte, 0, len(records)*SideSize)
	for _, r := range records {
		b := r.Marshal()
		out = append(out, b[:]...)
	}
	return out
}
