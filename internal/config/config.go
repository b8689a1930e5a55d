package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Orientation OrientationConfig `yaml:"orientation"`
	RSSI        RSSIConfig        `yaml:"rssi"`
	Source      SourceConfig      `yaml:"source"`
	Sim         SimConfig         `yaml:"sim"`
	Web         WebConfig         `yaml:"web"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	UDP         UDPConfig         `yaml:"udp"`
}

type OrientationConfig struct {
	Alpha          float64              `yaml:"alpha"`
	MinSinAngle    float64              `yaml:"min_sin_angle"`
	UpdateInterval time.Duration        `yaml:"update_interval"`
	MagCalibration MagCalibrationConfig `yaml:"mag_calibration"`
}

// MagCalibrationConfig holds a precomputed hard/soft-iron correction.
// Both fields are optional; empty means identity.
type MagCalibrationConfig struct {
	Offset []float64 `yaml:"offset"`
	Matrix []float64 `yaml:"matrix"`
}

type RSSIConfig struct {
	Period time.Duration `yaml:"period"`
	// AutoStopOnDisconnect defaults to true when omitted.
	AutoStopOnDisconnect *bool `yaml:"auto_stop_on_disconnect"`
}

// AutoStop returns the effective auto-stop setting.
func (c RSSIConfig) AutoStop() bool {
	if c.AutoStopOnDisconnect == nil {
		return true
	}
	return *c.AutoStopOnDisconnect
}

type SourceConfig struct {
	Mode   string       `yaml:"mode"`
	Replay ReplayConfig `yaml:"replay"`
	Record RecordConfig `yaml:"record"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type ReplayConfig struct {
	Path  string  `yaml:"path"`
	Speed float64 `yaml:"speed"`
	Loop  bool    `yaml:"loop"`
}

type SimConfig struct {
	Device DeviceSimConfig `yaml:"device"`
	Link   LinkSimConfig   `yaml:"link"`
}

type DeviceSimConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval"`
	YawPeriod      time.Duration `yaml:"yaw_period"`
	PitchAmpDeg    float64       `yaml:"pitch_amp_deg"`
	RollAmpDeg     float64       `yaml:"roll_amp_deg"`
	FieldUT        float64       `yaml:"field_ut"`
	// DipDeg defaults to 60 when omitted; 0 is the magnetic equator.
	DipDeg *float64 `yaml:"dip_deg"`
	Noise  float64  `yaml:"noise"`
	Seed   int64    `yaml:"seed"`
}

func (c DeviceSimConfig) Dip() float64 {
	if c.DipDeg == nil {
		return 60
	}
	return *c.DipDeg
}

type LinkSimConfig struct {
	// BaseDBm defaults to -60 when omitted.
	BaseDBm      *int          `yaml:"base_dbm"`
	WalkStepDBm  int           `yaml:"walk_step_dbm"`
	FailureRate  float64       `yaml:"failure_rate"`
	ReplyLatency time.Duration `yaml:"reply_latency"`
	// DropAfter disconnects the link after this long; zero keeps it up.
	DropAfter time.Duration `yaml:"drop_after"`
	// ReconnectAfter reconnects a dropped link; zero leaves it down.
	ReconnectAfter time.Duration `yaml:"reconnect_after"`
	Seed           int64         `yaml:"seed"`
}

func (c LinkSimConfig) Base() int {
	if c.BaseDBm == nil {
		return -60
	}
	return *c.BaseDBm
}

type WebConfig struct {
	Listen string `yaml:"listen"`
}

type MQTTConfig struct {
	Enable      bool   `yaml:"enable"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

type UDPConfig struct {
	Dest string `yaml:"dest"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		var te *yaml.TypeError
		if errors.As(err, &te) && onlyUnknownFields(te) {
			return Config{}, unknownFieldsError(te)
		}
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var linePrefix = regexp.MustCompile(`^line \d+: `)

func onlyUnknownFields(te *yaml.TypeError) bool {
	for _, e := range te.Errors {
		if !strings.Contains(e, " not found in type ") {
			return false
		}
	}
	return len(te.Errors) > 0
}

func unknownFieldsError(te *yaml.TypeError) error {
	msgs := make([]string, 0, len(te.Errors))
	for _, e := range te.Errors {
		msgs = append(msgs, linePrefix.ReplaceAllString(e, ""))
	}
	return fmt.Errorf("config contains unknown fields: %s", strings.Join(msgs, "; "))
}

// DefaultAndValidate fills unset fields with defaults and rejects invalid values.
func DefaultAndValidate(cfg *Config) error {
	o := &cfg.Orientation
	if o.Alpha == 0 {
		o.Alpha = 0.1
	}
	if !(o.Alpha > 0 && o.Alpha <= 1) {
		return fmt.Errorf("orientation.alpha must be in (0, 1]")
	}
	if o.MinSinAngle == 0 {
		o.MinSinAngle = 1e-3
	}
	if !(o.MinSinAngle > 0 && o.MinSinAngle < 1) {
		return fmt.Errorf("orientation.min_sin_angle must be in (0, 1)")
	}
	if o.UpdateInterval <= 0 {
		o.UpdateInterval = 50 * time.Millisecond
	}
	if n := len(o.MagCalibration.Offset); n != 0 && n != 3 {
		return fmt.Errorf("orientation.mag_calibration.offset must have 3 values")
	}
	if n := len(o.MagCalibration.Matrix); n != 0 && n != 9 {
		return fmt.Errorf("orientation.mag_calibration.matrix must have 9 values")
	}

	if cfg.RSSI.Period < 0 {
		return fmt.Errorf("rssi.period must be > 0")
	}
	if cfg.RSSI.Period == 0 {
		cfg.RSSI.Period = 100 * time.Millisecond
	}

	src := &cfg.Source
	if src.Mode == "" {
		src.Mode = "sim"
	}
	switch src.Mode {
	case "sim":
	case "replay":
		if src.Replay.Path == "" {
			return fmt.Errorf("source.replay.path is required when source.mode is 'replay'")
		}
		if src.Replay.Speed == 0 {
			src.Replay.Speed = 1
		}
		if src.Replay.Speed < 0 {
			return fmt.Errorf("source.replay.speed must be > 0")
		}
		if src.Record.Enable {
			return fmt.Errorf("source.record cannot be used with source.mode=replay")
		}
	default:
		return fmt.Errorf("source.mode must be 'sim' or 'replay'")
	}
	if src.Record.Enable && src.Record.Path == "" {
		return fmt.Errorf("source.record.path is required when source.record.enable is true")
	}

	// Simulator defaults (safe even when replaying).
	d := &cfg.Sim.Device
	if d.SampleInterval <= 0 {
		d.SampleInterval = 20 * time.Millisecond
	}
	if d.YawPeriod <= 0 {
		d.YawPeriod = 60 * time.Second
	}
	if d.FieldUT <= 0 {
		d.FieldUT = 48
	}
	if dip := d.Dip(); dip < -90 || dip > 90 {
		return fmt.Errorf("sim.device.dip_deg must be in [-90, 90]")
	}
	if d.Noise < 0 {
		return fmt.Errorf("sim.device.noise must be >= 0")
	}
	if d.Seed == 0 {
		d.Seed = 1
	}

	l := &cfg.Sim.Link
	if base := l.Base(); base < -100 || base > -30 {
		return fmt.Errorf("sim.link.base_dbm must be in [-100, -30]")
	}
	if l.WalkStepDBm <= 0 {
		l.WalkStepDBm = 2
	}
	if l.FailureRate < 0 || l.FailureRate > 1 {
		return fmt.Errorf("sim.link.failure_rate must be in [0, 1]")
	}
	if l.ReplyLatency <= 0 {
		l.ReplyLatency = 15 * time.Millisecond
	}
	if l.DropAfter < 0 || l.ReconnectAfter < 0 {
		return fmt.Errorf("sim.link durations must be >= 0")
	}
	if l.Seed == 0 {
		l.Seed = 2
	}

	m := &cfg.MQTT
	if m.Enable && m.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt.enable is true")
	}
	if m.ClientID == "" {
		m.ClientID = "bletelemetry"
	}
	if m.TopicPrefix == "" {
		m.TopicPrefix = "bletelemetry"
	}
	if m.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}

	return nil
}
