package sim

import (
	"context"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"bletelemetry/internal/orientation"
)

const standardGravity = 9.80665

var (
	axisX = r3.Vec{X: 1}
	axisY = r3.Vec{Y: 1}
	axisZ = r3.Vec{Z: 1}
)

// DeviceSim describes a handset slowly turning in place.
//
// World frame is east/north/up. The magnetic field points north and dips
// below the horizon by DipDeg, as in the northern hemisphere.
type DeviceSim struct {
	YawPeriod   time.Duration
	PitchAmpDeg float64
	RollAmpDeg  float64
	FieldUT     float64
	DipDeg      float64
}

// Truth returns the deterministic orientation at elapsed time t.
//
// Yaw makes one full turn per YawPeriod; pitch and roll oscillate at two and
// three times that rate so the path never repeats within a turn.
func (s DeviceSim) Truth(t time.Duration) orientation.Sample {
	period := s.YawPeriod
	if period <= 0 {
		period = 60 * time.Second
	}
	phase := float64(t%period) / float64(period)
	w := 2 * math.Pi * phase

	yaw := w
	if yaw > math.Pi {
		yaw -= 2 * math.Pi
	}
	return orientation.Sample{
		Yaw:   yaw,
		Pitch: s.PitchAmpDeg * math.Pi / 180 * math.Sin(2*w),
		Roll:  s.RollAmpDeg * math.Pi / 180 * math.Sin(3*w),
	}
}

// Sensors returns noise-free accelerometer and magnetometer readings in device
// coordinates for the orientation at t.
func (s DeviceSim) Sensors(t time.Duration) (accel, mag orientation.Vector3) {
	o := s.Truth(t)
	field := s.FieldUT
	if field <= 0 {
		field = 48
	}
	dip := s.DipDeg * math.Pi / 180

	gravity := r3.Vec{Z: standardGravity}
	north := r3.Vec{Y: field * math.Cos(dip), Z: -field * math.Sin(dip)}
	return orientation.FromVec(toDevice(o, gravity)), orientation.FromVec(toDevice(o, north))
}

// toDevice expresses a world vector in device coordinates. The device-to-world
// rotation is Rz(-yaw)·Rx(-pitch)·Ry(roll); its transpose is applied here.
func toDevice(o orientation.Sample, world r3.Vec) r3.Vec {
	v := r3.NewRotation(o.Yaw, axisZ).Rotate(world)
	v = r3.NewRotation(o.Pitch, axisX).Rotate(v)
	return r3.NewRotation(-o.Roll, axisY).Rotate(v)
}

// SensorFunc receives one simulated sample pair.
type SensorFunc func(t time.Duration, accel, mag orientation.Vector3)

// Stream emits noisy sensor readings every interval until ctx is done.
// Gaussian noise with the given standard deviation is added per axis; seed
// makes the noise reproducible.
func (s DeviceSim) Stream(ctx context.Context, interval time.Duration, noise float64, seed int64, emit SensorFunc) error {
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	rng := rand.New(rand.NewSource(seed))
	jitter := func(v orientation.Vector3) orientation.Vector3 {
		if noise <= 0 {
			return v
		}
		return orientation.Vector3{
			X: v.X + rng.NormFloat64()*noise,
			Y: v.Y + rng.NormFloat64()*noise,
			Z: v.Z + rng.NormFloat64()*noise,
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			t := now.Sub(start)
			accel, mag := s.Sensors(t)
			emit(t, jitter(accel), jitter(mag))
		}
	}
}
