package orientation

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"bletelemetry/internal/magcal"
	"bletelemetry/internal/metrics"
)

const (
	// DefaultAlpha weights the raw estimate; the rest goes to the previous
	// fused value.
	DefaultAlpha = 0.1
	// DefaultMinSinAngle is the smallest accepted sine of the angle between
	// gravity and the magnetic field.
	DefaultMinSinAngle = 1e-3
)

var (
	// ErrNotReady means no accelerometer or no magnetometer sample has been
	// fed yet. Feed more samples and retry.
	ErrNotReady = errors.New("orientation: not ready")
	// ErrDegenerateOrientation means gravity and the magnetic field are
	// (nearly) parallel or zero, so no heading exists. The fused state is
	// unchanged; retry on the next feed.
	ErrDegenerateOrientation = errors.New("orientation: degenerate accelerometer/magnetometer geometry")
)

type Config struct {
	Alpha       float64
	MinSinAngle float64

	// MagCalibration is applied to every magnetometer sample when set.
	MagCalibration *magcal.Calibration
	Metrics        *metrics.Orientation
}

// Sample is an orientation in radians.
type Sample struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
}

// Degrees returns yaw, pitch and roll converted to degrees.
func (s Sample) Degrees() (yaw, pitch, roll float64) {
	return s.Yaw * 180 / math.Pi, s.Pitch * 180 / math.Pi, s.Roll * 180 / math.Pi
}

// HeadingDeg returns yaw as a compass heading in [0, 360).
func (s Sample) HeadingDeg() float64 {
	h := math.Mod(s.Yaw*180/math.Pi, 360)
	if h < 0 {
		h += 360
	}
	if h >= 360 {
		h = 0
	}
	return h
}

// Estimator fuses accelerometer and magnetometer samples into a smoothed
// orientation. It is safe for concurrent use: feeds and Update serialize on
// a write lock, Current only takes a read lock.
type Estimator struct {
	cfg Config

	mu        sync.RWMutex
	accel     Vector3
	mag       Vector3
	haveAccel bool
	haveMag   bool

	// fused is the filter state carried between updates.
	fused   Sample
	updates uint64
}

func New(cfg Config) (*Estimator, error) {
	if cfg.Alpha == 0 {
		cfg.Alpha = DefaultAlpha
	}
	if !(cfg.Alpha > 0 && cfg.Alpha <= 1) {
		return nil, fmt.Errorf("orientation: alpha must be in (0, 1], got %v", cfg.Alpha)
	}
	if cfg.MinSinAngle == 0 {
		cfg.MinSinAngle = DefaultMinSinAngle
	}
	if !(cfg.MinSinAngle > 0 && cfg.MinSinAngle < 1) {
		return nil, fmt.Errorf("orientation: min sin angle must be in (0, 1), got %v", cfg.MinSinAngle)
	}
	return &Estimator{cfg: cfg}, nil
}

func (e *Estimator) FeedAccelerometer(v Vector3) {
	e.mu.Lock()
	e.accel = v
	e.haveAccel = true
	e.mu.Unlock()
}

func (e *Estimator) FeedMagnetometer(v Vector3) {
	if e.cfg.MagCalibration != nil {
		v = FromVec(e.cfg.MagCalibration.Apply(v.Vec()))
	}
	e.mu.Lock()
	e.mag = v
	e.haveMag = true
	e.mu.Unlock()
}

// Update recomputes the fused orientation from the latest samples.
// On error the previous fused value is kept.
func (e *Estimator) Update() (Sample, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	raw, err := e.rawLocked()
	if err != nil {
		switch {
		case errors.Is(err, ErrNotReady):
			e.cfg.Metrics.ObserveFailure(metrics.ReasonNotReady)
		case errors.Is(err, ErrDegenerateOrientation):
			e.cfg.Metrics.ObserveFailure(metrics.ReasonDegenerate)
		}
		return e.fused, err
	}

	e.fused = blend(e.fused, raw, e.cfg.Alpha)
	e.updates++
	e.cfg.Metrics.ObserveUpdate(e.fused.Yaw, e.fused.Pitch, e.fused.Roll)
	return e.fused, nil
}

// Raw returns the unfiltered orientation for the latest samples without
// touching the fused state.
func (e *Estimator) Raw() (Sample, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rawLocked()
}

func (e *Estimator) rawLocked() (Sample, error) {
	if !e.haveAccel || !e.haveMag {
		return Sample{}, ErrNotReady
	}
	r, err := rotationFrom(e.accel, e.mag, e.cfg.MinSinAngle)
	if err != nil {
		return Sample{}, err
	}
	return r.Euler(), nil
}

// Current returns the most recent fused orientation.
func (e *Estimator) Current() Sample {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fused
}

// Ready reports whether both sensor streams have delivered a sample.
func (e *Estimator) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.haveAccel && e.haveMag
}

// Updates returns the number of successful updates so far.
func (e *Estimator) Updates() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.updates
}
