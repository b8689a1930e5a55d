// Package telemetry defines the frame shared by every output sink.
package telemetry

import (
	"encoding/json"
	"time"

	"bletelemetry/internal/orientation"
	"bletelemetry/internal/rssi"
)

type Orientation struct {
	Valid      bool    `json:"valid"`
	YawRad     float64 `json:"yaw_rad"`
	PitchRad   float64 `json:"pitch_rad"`
	RollRad    float64 `json:"roll_rad"`
	YawDeg     float64 `json:"yaw_deg"`
	PitchDeg   float64 `json:"pitch_deg"`
	RollDeg    float64 `json:"roll_deg"`
	HeadingDeg float64 `json:"heading_deg"`
	Updates    uint64  `json:"updates"`
	// LastError is the most recent update failure, cleared on success.
	LastError string `json:"last_error,omitempty"`
}

type RSSI struct {
	Valid bool   `json:"valid"`
	DBm   int    `json:"dbm"`
	Seq   uint64 `json:"seq"`
	AtNs  int64  `json:"at_ns"`
	State string `json:"state"`
}

type Frame struct {
	Session     string      `json:"session"`
	Seq         uint64      `json:"seq"`
	Time        time.Time   `json:"time"`
	Orientation Orientation `json:"orientation"`
	RSSI        RSSI        `json:"rssi"`
}

// Sink receives every published frame.
type Sink interface {
	Publish(f Frame) error
}

func NewFrame(session string, seq uint64, now time.Time) Frame {
	return Frame{Session: session, Seq: seq, Time: now.UTC()}
}

// SetOrientation fills the orientation block from a fused sample.
func (f *Frame) SetOrientation(s orientation.Sample, updates uint64, lastErr error) {
	yaw, pitch, roll := s.Degrees()
	f.Orientation = Orientation{
		Valid:      updates > 0,
		YawRad:     s.Yaw,
		PitchRad:   s.Pitch,
		RollRad:    s.Roll,
		YawDeg:     yaw,
		PitchDeg:   pitch,
		RollDeg:    roll,
		HeadingDeg: s.HeadingDeg(),
		Updates:    updates,
	}
	if lastErr != nil {
		f.Orientation.LastError = lastErr.Error()
	}
}

func (f *Frame) SetRSSI(r rssi.Reading, ok bool, state rssi.State) {
	f.RSSI = RSSI{State: state.String()}
	if !ok {
		return
	}
	f.RSSI.Valid = true
	f.RSSI.DBm = r.DBm
	f.RSSI.Seq = r.Seq
	f.RSSI.AtNs = r.At.Nanoseconds()
}

func (f Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}
