// Package config holds the configuration snapshot consumed read-only by
// the acquisition-and-fusion pipeline, its defaults, on-disk YAML
// persistence, and the JSON partial-update path used by the
// set-configuration inbound command.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/monashpm/crankmeter/internal/kalman"
)

// SideCalibration holds the per-side strain-gauge calibration
// constants.
type SideCalibration struct {
	ZeroOffset      float64 `yaml:"zero_offset" json:"zeroOffset"`
	Coefficient     float64 `yaml:"coefficient" json:"coefficient"`
	ReferenceTempC  float64 `yaml:"reference_temp_c" json:"referenceTempC"`
	TempCoefficient float64 `yaml:"temp_coefficient" json:"tempCoefficient"`
}

// IMUCalibration holds the fixed calibration constants the IMU ingest
// path needs: the mounting radii used for centripetal correction, the
// mounting-orientation sign, and the ADC full-scale ranges used to
// scale raw six-axis samples.
type IMUCalibration struct {
	RadiusXM     float64 `yaml:"radius_x_m" json:"radiusXM"`
	RadiusYM     float64 `yaml:"radius_y_m" json:"radiusYM"`
	InvertAngle  bool    `yaml:"invert_angle" json:"invertAngle"`
	AccelRangeG  float64 `yaml:"accel_range_g" json:"accelRangeG"`
	GyroRangeDPS float64 `yaml:"gyro_range_dps" json:"gyroRangeDPS"`
}

// TransportConfig selects and parameterizes the connection subsystem's
// transport: only what is needed to choose and open one.
type TransportConfig struct {
	Kind string `yaml:"kind" json:"kind"` // "pubsub" or "ble"

	PubSub struct {
		ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
	} `yaml:"pubsub" json:"pubsub"`

	BLE struct {
		PortPath string `yaml:"port_path" json:"portPath"`
		BaudRate int    `yaml:"baud_rate" json:"baudRate"`
	} `yaml:"ble" json:"ble"`
}

// HousekeepingConfig holds the battery-cutoff parameters: K consecutive
// samples below the cutoff voltage trip the terminal flat-battery
// transition.
type HousekeepingConfig struct {
	BatteryCutoffMV      float64 `yaml:"battery_cutoff_mv" json:"batteryCutoffMV"`
	BatteryCutoffSamples int     `yaml:"battery_cutoff_samples" json:"batteryCutoffSamples"`
}

// Snapshot is the configuration consumed read-only by the acquisition
// pipeline. It is loaded once at boot and updated atomically on
// explicit command; producers observe the update at their next field
// read with no same-sample consistency guarantee.
type Snapshot struct {
	KalmanQ kalman.Covariance `yaml:"kalman_q" json:"kalmanQ"`
	KalmanR kalman.Covariance `yaml:"kalman_r" json:"kalmanR"`

	IMUDecimation int `yaml:"imu_decimation" json:"imuDecimation"` // >= 1

	// SleepTimeoutSec: 0 disables sleep; 1-20 inclusive is rejected by
	// Validate (too short to be a meaningful timeout).
	SleepTimeoutSec int `yaml:"sleep_timeout_sec" json:"sleepTimeoutSec"`

	// HighSpeedBatchSize: side and IMU records are published only when
	// a batch of this many records has accumulated (default 160).
	HighSpeedBatchSize int `yaml:"high_speed_batch_size" json:"highSpeedBatchSize"`

	Side [2]SideCalibration `yaml:"side" json:"side"` // index 0=left, 1=right

	IMU IMUCalibration `yaml:"imu" json:"imu"`

	Housekeeping HousekeepingConfig `yaml:"housekeeping" json:"housekeeping"`

	Transport TransportConfig `yaml:"transport" json:"transport"`

	path string // file path for Save, not serialized
}

const (
	SideLeft  = 0
	SideRight = 1
)

// Default returns the snapshot used when no stored configuration is
// present or the store is unreadable. Load writes it back to disk in
// those cases.
func Default() *Snapshot {
	return &Snapshot{
		KalmanQ: kalman.Covariance{P00: 2e-3, P11: 0.1},
		KalmanR: kalman.Covariance{P00: 100, P11: 1e-2},

		IMUDecimation:      1,
		SleepTimeoutSec:    0,
		HighSpeedBatchSize: 160,

		Side: [2]SideCalibration{
			{ZeroOffset: 0, Coefficient: 1.0, ReferenceTempC: 20, TempCoefficient: 0},
			{ZeroOffset: 0, Coefficient: 1.0, ReferenceTempC: 20, TempCoefficient: 0},
		},

		IMU: IMUCalibration{
			RadiusXM:     0.0,
			RadiusYM:     0.0,
			InvertAngle:  true,
			AccelRangeG:  8,
			GyroRangeDPS: 2000,
		},

		Housekeeping: HousekeepingConfig{
			BatteryCutoffMV:      3300,
			BatteryCutoffSamples: 3,
		},

		Transport: func() TransportConfig {
			var t TransportConfig
			t.Kind = "pubsub"
			t.PubSub.ListenAddr = ":7777"
			t.BLE.BaudRate = 115200
			return t
		}(),
	}
}

// Validate returns the first constraint violation found, or nil. The
// caller (Load, ApplyJSON) is responsible for retaining previous values
// on rejection.
func (s *Snapshot) Validate() error {
	if s.IMUDecimation < 1 {
		return fmt.Errorf("config: imu_decimation must be >= 1, got %d", s.IMUDecimation)
	}
	if s.HighSpeedBatchSize < 1 {
		return fmt.Errorf("config: high_speed_batch_size must be >= 1, got %d", s.HighSpeedBatchSize)
	}
	if s.SleepTimeoutSec >= 1 && s.SleepTimeoutSec <= 20 {
		return fmt.Errorf("config: sleep_timeout_sec of %d is rejected (1-20 inclusive is disallowed)", s.SleepTimeoutSec)
	}
	if s.SleepTimeoutSec < 0 {
		return fmt.Errorf("config: sleep_timeout_sec must be >= 0, got %d", s.SleepTimeoutSec)
	}
	switch s.Transport.Kind {
	case "pubsub", "ble":
	default:
		return fmt.Errorf("config: unknown transport kind %q", s.Transport.Kind)
	}
	return nil
}

// Load reads a snapshot from path. If the file is absent, empty, or
// fails to parse, Default() is written back to path and returned. A
// parseable-but-invalid file is also rejected back to defaults rather
// than left half-applied.
func Load(path string) *Snapshot {
	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	switch {
	case err != nil:
		log.Printf("[config] no snapshot at %s, writing defaults", path)
		cfg.writeDefaults()
	case len(data) == 0:
		log.Printf("[config] empty snapshot at %s, writing defaults", path)
		cfg.writeDefaults()
	default:
		loaded := Default()
		if uerr := yaml.Unmarshal(data, loaded); uerr != nil {
			log.Printf("[config] error parsing %s: %v, writing defaults", path, uerr)
			cfg.writeDefaults()
		} else if verr := loaded.Validate(); verr != nil {
			log.Printf("[config] invalid snapshot at %s: %v, writing defaults", path, verr)
			cfg.writeDefaults()
		} else {
			loaded.path = path
			cfg = loaded
			log.Printf("[config] loaded from %s", path)
		}
	}
	return cfg
}

func (s *Snapshot) writeDefaults() {
	if err := s.Save(); err != nil {
		log.Printf("[config] failed writing defaults to %s: %v", s.path, err)
	}
}

// Save persists the snapshot as YAML to its file path.
func (s *Snapshot) Save() error {
	path := s.path
	if path == "" {
		path = "/etc/crankmeter/config.yaml"
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Clone returns a deep copy of the snapshot (value type: the array and
// nested structs copy by value; only path is carried over).
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	return &c
}

// ApplyJSON deep-merges a partial JSON update (the set-configuration
// inbound command's payload) into a clone of the current snapshot,
// validates the result, and returns it. The caller decides whether to
// Store/Save the result; an invalid patch is rejected with the current
// snapshot untouched.
func (s *Snapshot) ApplyJSON(patch []byte) (*Snapshot, error) {
	currentBytes, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("config: marshal current: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return nil, fmt.Errorf("config: unmarshal current: %w", err)
	}

	var delta map[string]interface{}
	if err := json.Unmarshal(patch, &delta); err != nil {
		return nil, fmt.Errorf("config: unmarshal patch: %w", err)
	}
	deepMerge(base, delta)

	merged, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("config: marshal merged: %w", err)
	}
	next := Default()
	next.path = s.path
	if err := json.Unmarshal(merged, next); err != nil {
		return nil, fmt.Errorf("config: unmarshal merged: %w", err)
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}

// deepMerge recursively merges src into dst: nested maps merge field by
// field, any other value type overwrites.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

// Store is an atomic, lock-free handle to the live configuration
// snapshot: updates publish a new immutable snapshot behind the
// pointer, and producers read it at loop head.
type Store struct {
	ptr atomic.Pointer[Snapshot]
}

// NewStore creates a Store seeded with the given snapshot.
func NewStore(initial *Snapshot) *Store {
	s := &Store{}
	s.ptr.Store(initial)
	return s
}

// Load returns the current snapshot.
func (s *Store) Load() *Snapshot {
	return s.ptr.Load()
}

// Replace installs a new snapshot, observed by producers at their next
// read.
func (s *Store) Replace(next *Snapshot) {
	s.ptr.Store(next)
}
