package connection

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/monashpm/crankmeter/internal/record"
)

// frameTag distinguishes the payload kinds carried over the BLE bridge
// link.
type frameTag byte

const (
	tagAboutDevice frameTag = iota
	tagHighSpeedIMU
	tagHighSpeedSideLeft
	tagHighSpeedSideRight
	tagLowSpeed
	tagHousekeeping
)

// BLETransport implements Transport over a UART-attached BLE bridge
// module, the common way to drive a BLE radio from a Linux-class host.
// Frames are length-prefixed payloads with a CRC32 trailer, guarded by
// a mutex around the single in-flight write.
type BLETransport struct {
	portPath string
	baudRate int

	mu   sync.Mutex
	port serial.Port
}

// NewBLETransport creates a BLETransport for the given UART port.
func NewBLETransport(portPath string, baudRate int) *BLETransport {
	if baudRate == 0 {
		baudRate = 115200
	}
	return &BLETransport{portPath: portPath, baudRate: baudRate}
}

func (b *BLETransport) Connect(ctx context.Context) error {
	mode := &serial.Mode{BaudRate: b.baudRate, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	port, err := serial.Open(b.portPath, mode)
	if err != nil {
		return fmt.Errorf("ble: open %s: %w", b.portPath, err)
	}
	if err := port.SetReadTimeout(500 * time.Millisecond); err != nil {
		port.Close()
		return fmt.Errorf("ble: set timeout: %w", err)
	}
	b.mu.Lock()
	b.port = port
	b.mu.Unlock()
	return nil
}

func (b *BLETransport) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port == nil {
		return nil
	}
	err := b.port.Close()
	b.port = nil
	return err
}

// writeFrame sends <tag><len u16 LE><payload><crc32 u32 LE>.
func (b *BLETransport) writeFrame(tag frameTag, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.port == nil {
		return fmt.Errorf("ble: not connected")
	}

	frame := make([]byte, 0, 1+2+len(payload)+4)
	frame = append(frame, byte(tag))
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	frame = append(frame, lenBuf[:]...)
	frame = append(frame, payload...)

	crc := crc32.ChecksumIEEE(payload)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	frame = append(frame, crcBuf[:]...)

	_, err := b.port.Write(frame)
	return err
}

func (b *BLETransport) PublishAboutDevice(about AboutDevice) error {
	body, err := json.Marshal(map[string]interface{}{
		"name":         about.Name,
		"compiled":     about.Compiled,
		"sw_version":   about.SWVersion,
		"hw_version":   about.HWVersion,
		"connect-time": about.ConnectTime.Unix(),
		"mac":          about.MAC,
	})
	if err != nil {
		return err
	}
	return b.writeFrame(tagAboutDevice, body)
}

func (b *BLETransport) PublishHighSpeedBatch(kind RecordKind, payload []byte) error {
	switch kind {
	case KindIMU:
		return b.writeFrame(tagHighSpeedIMU, payload)
	case KindSideLeft:
		return b.writeFrame(tagHighSpeedSideLeft, payload)
	case KindSideRight:
		return b.writeFrame(tagHighSpeedSideRight, payload)
	default:
		return fmt.Errorf("ble: unknown record kind %d", kind)
	}
}

func (b *BLETransport) PublishLowSpeed(rec record.LowSpeed) error {
	body, err := json.Marshal(map[string]interface{}{
		"timestamp": rec.TimestampUs,
		"cadence":   rec.CadenceRPM,
		"rotations": rec.RotationCount,
		"power":     rec.PowerW,
		"balance":   rec.BalancePct,
	})
	if err != nil {
		return err
	}
	return b.writeFrame(tagLowSpeed, body)
}

func (b *BLETransport) PublishHousekeeping(rec record.Housekeeping) error {
	body, err := json.Marshal(map[string]interface{}{
		"temps": map[string]float32{
			"left":  rec.LeftTempC,
			"right": rec.RightTempC,
			"imu":   rec.IMUTempC,
		},
		"battery":      rec.BatteryMV,
		"left-offset":  rec.LeftOffset,
		"right-offset": rec.RightOffset,
	})
	if err != nil {
		return err
	}
	return b.writeFrame(tagHousekeeping, body)
}
