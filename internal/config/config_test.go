package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	tmp := t.TempDir()
	path := filepath.Join(tmp, "cfg.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func requireErrEq(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %q, got nil", want)
	}
	if err.Error() != want {
		t.Fatalf("error=%q want %q", err.Error(), want)
	}
}

func TestLoad_EmptyFileGetsDefaults(t *testing.T) {
	path := writeTempConfig(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Orientation.Alpha != 0.1 {
		t.Fatalf("alpha=%v want 0.1", cfg.Orientation.Alpha)
	}
	if cfg.Orientation.MinSinAngle != 1e-3 {
		t.Fatalf("min_sin_angle=%v want 1e-3", cfg.Orientation.MinSinAngle)
	}
	if cfg.Orientation.UpdateInterval != 50*time.Millisecond {
		t.Fatalf("update_interval=%s want 50ms", cfg.Orientation.UpdateInterval)
	}
	if cfg.RSSI.Period != 100*time.Millisecond {
		t.Fatalf("rssi.period=%s want 100ms", cfg.RSSI.Period)
	}
	if !cfg.RSSI.AutoStop() {
		t.Fatalf("auto stop should default to true")
	}
	if cfg.Source.Mode != "sim" {
		t.Fatalf("source.mode=%q want sim", cfg.Source.Mode)
	}
	if cfg.Sim.Device.SampleInterval <= 0 || cfg.Sim.Device.YawPeriod <= 0 || cfg.Sim.Device.FieldUT <= 0 {
		t.Fatalf("expected device sim defaults applied")
	}
	if cfg.Sim.Link.Base() != -60 || cfg.Sim.Device.Dip() != 60 || cfg.Sim.Link.ReplyLatency <= 0 {
		t.Fatalf("expected link sim defaults applied")
	}
	if cfg.MQTT.ClientID != "bletelemetry" || cfg.MQTT.TopicPrefix != "bletelemetry" {
		t.Fatalf("expected mqtt defaults applied")
	}
}

func TestLoad_ParsesSections(t *testing.T) {
	body := strings.Join([]string{
		"orientation:",
		"  alpha: 0.25",
		"  update_interval: 20ms",
		"  mag_calibration:",
		"    offset: [1, 2, 3]",
		"    matrix: [1, 0, 0, 0, 1, 0, 0, 0, 1]",
		"rssi:",
		"  period: 250ms",
		"  auto_stop_on_disconnect: false",
		"sim:",
		"  link:",
		"    drop_after: 5s",
		"    reconnect_after: 2s",
		"web:",
		"  listen: ':8080'",
		"mqtt:",
		"  enable: true",
		"  broker: 'tcp://127.0.0.1:1883'",
		"  qos: 1",
		"udp:",
		"  dest: '127.0.0.1:4000'",
		"",
	}, "\n")
	cfg, err := Load(writeTempConfig(t, body))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Orientation.Alpha != 0.25 || cfg.Orientation.UpdateInterval != 20*time.Millisecond {
		t.Fatalf("orientation=%+v", cfg.Orientation)
	}
	if len(cfg.Orientation.MagCalibration.Offset) != 3 || len(cfg.Orientation.MagCalibration.Matrix) != 9 {
		t.Fatalf("mag_calibration=%+v", cfg.Orientation.MagCalibration)
	}
	if cfg.RSSI.Period != 250*time.Millisecond || cfg.RSSI.AutoStop() {
		t.Fatalf("rssi=%+v", cfg.RSSI)
	}
	if cfg.Sim.Link.DropAfter != 5*time.Second || cfg.Sim.Link.ReconnectAfter != 2*time.Second {
		t.Fatalf("sim.link=%+v", cfg.Sim.Link)
	}
	if cfg.Web.Listen != ":8080" || cfg.UDP.Dest != "127.0.0.1:4000" {
		t.Fatalf("web=%+v udp=%+v", cfg.Web, cfg.UDP)
	}
	if !cfg.MQTT.Enable || cfg.MQTT.QoS != 1 {
		t.Fatalf("mqtt=%+v", cfg.MQTT)
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "DipOutOfRange",
			body: "sim:\n  device:\n    dip_deg: 95\n",
			want: "sim.device.dip_deg must be in [-90, 90]",
		},
		{
			name: "BaseDBmZero",
			body: "sim:\n  link:\n    base_dbm: 0\n",
			want: "sim.link.base_dbm must be in [-100, -30]",
		},
		{
			name: "AlphaTooLarge",
			body: "orientation:\n  alpha: 1.5\n",
			want: "orientation.alpha must be in (0, 1]",
		},
		{
			name: "MinSinAngleTooLarge",
			body: "orientation:\n  min_sin_angle: 1\n",
			want: "orientation.min_sin_angle must be in (0, 1)",
		},
		{
			name: "OffsetLength",
			body: "orientation:\n  mag_calibration:\n    offset: [1, 2]\n",
			want: "orientation.mag_calibration.offset must have 3 values",
		},
		{
			name: "MatrixLength",
			body: "orientation:\n  mag_calibration:\n    matrix: [1, 0, 0]\n",
			want: "orientation.mag_calibration.matrix must have 9 values",
		},
		{
			name: "NegativePeriod",
			body: "rssi:\n  period: -1s\n",
			want: "rssi.period must be > 0",
		},
		{
			name: "UnknownMode",
			body: "source:\n  mode: ble\n",
			want: "source.mode must be 'sim' or 'replay'",
		},
		{
			name: "FailureRate",
			body: "sim:\n  link:\n    failure_rate: 2\n",
			want: "sim.link.failure_rate must be in [0, 1]",
		},
		{
			name: "MQTTBroker",
			body: "mqtt:\n  enable: true\n",
			want: "mqtt.broker is required when mqtt.enable is true",
		},
		{
			name: "MQTTQoS",
			body: "mqtt:\n  qos: 3\n",
			want: "mqtt.qos must be 0, 1 or 2",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tc.body))
			requireErrEq(t, err, tc.want)
		})
	}
}

func TestLoad_RecordRequiresPath(t *testing.T) {
	path := writeTempConfig(t, "source:\n  record:\n    enable: true\n")
	_, err := Load(path)
	requireErrEq(t, err, "source.record.path is required when source.record.enable is true")
}

func TestLoad_ReplayRequiresPath(t *testing.T) {
	path := writeTempConfig(t, "source:\n  mode: replay\n")
	_, err := Load(path)
	requireErrEq(t, err, "source.replay.path is required when source.mode is 'replay'")
}

func TestLoad_ReplaySpeedDefaultsToOne(t *testing.T) {
	path := writeTempConfig(t, "source:\n  mode: replay\n  replay:\n    path: './x.log'\n    speed: 0\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Source.Replay.Speed != 1 {
		t.Fatalf("speed=%v want 1", cfg.Source.Replay.Speed)
	}
}

func TestLoad_ReplayNegativeSpeedRejected(t *testing.T) {
	path := writeTempConfig(t, "source:\n  mode: replay\n  replay:\n    path: './x.log'\n    speed: -1\n")
	_, err := Load(path)
	requireErrEq(t, err, "source.replay.speed must be > 0")
}

func TestLoad_RecordAndReplayMutuallyExclusive(t *testing.T) {
	path := writeTempConfig(t, "source:\n  mode: replay\n  record:\n    enable: true\n    path: './a.log'\n  replay:\n    path: './b.log'\n")
	_, err := Load(path)
	requireErrEq(t, err, "source.record cannot be used with source.mode=replay")
}

func TestLoad_RejectsUnknownField(t *testing.T) {
	path := writeTempConfig(t, "rssi:\n  period: 1s\n  interval: 2s\n")
	_, err := Load(path)
	requireErrEq(t, err, "config contains unknown fields: field interval not found in type config.RSSIConfig")
}

func TestLoad_TypeErrorIsNotReportedAsUnknownField(t *testing.T) {
	path := writeTempConfig(t, "orientation:\n  alpha: fast\n")
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected error")
	}
	if strings.Contains(err.Error(), "unknown fields") {
		t.Fatalf("error=%q", err.Error())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !os.IsNotExist(err) {
		t.Fatalf("err=%v want not-exist", err)
	}
}

func TestLoad_ShippedExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "bletelemetry.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Source.Mode != "sim" || cfg.Web.Listen != ":8080" {
		t.Fatalf("source=%q listen=%q", cfg.Source.Mode, cfg.Web.Listen)
	}
	if cfg.Sim.Link.DropAfter != 30*time.Second || !cfg.RSSI.AutoStop() {
		t.Fatalf("link=%+v auto_stop=%t", cfg.Sim.Link, cfg.RSSI.AutoStop())
	}
}

func TestLoad_ExplicitZeroDipIsKept(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, "sim:\n  device:\n    dip_deg: 0\n  link:\n    base_dbm: -90\n"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Sim.Device.Dip() != 0 {
		t.Fatalf("dip=%v want 0", cfg.Sim.Device.Dip())
	}
	if cfg.Sim.Link.Base() != -90 {
		t.Fatalf("base_dbm=%d want -90", cfg.Sim.Link.Base())
	}
}
