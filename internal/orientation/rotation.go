package orientation

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Rotation is a row-major 3x3 matrix mapping device coordinates into the
// world frame. Rows are east, north and up expressed in device coordinates.
type Rotation [9]float64

// rotationFrom builds the device rotation from a gravity reference (accel)
// and a magnetic reference (mag).
//
// East is mag x accel, north is accel x east. The two inputs must not be
// parallel: minSin bounds the sine of the angle between them.
func rotationFrom(accel, mag Vector3, minSin float64) (Rotation, error) {
	if !accel.finite() || !mag.finite() {
		return Rotation{}, ErrDegenerateOrientation
	}
	a := accel.Vec()
	e := mag.Vec()
	na := r3.Norm(a)
	ne := r3.Norm(e)
	if na == 0 || ne == 0 {
		return Rotation{}, ErrDegenerateOrientation
	}

	h := r3.Cross(e, a)
	nh := r3.Norm(h)
	// Written as !(x >= min) so NaN also lands here.
	if !(nh/(na*ne) >= minSin) {
		return Rotation{}, ErrDegenerateOrientation
	}

	h = r3.Scale(1/nh, h)
	a = r3.Scale(1/na, a)
	m := r3.Cross(a, h)

	return Rotation{
		h.X, h.Y, h.Z,
		m.X, m.Y, m.Z,
		a.X, a.Y, a.Z,
	}, nil
}

// Euler converts the rotation into yaw (azimuth), pitch and roll.
//
//	yaw   = atan2(R01, R11)
//	pitch = asin(-R21)
//	roll  = atan2(-R20, R22)
func (r Rotation) Euler() Sample {
	return Sample{
		Yaw:   wrapPi(math.Atan2(r[1], r[4])),
		Pitch: math.Asin(clamp(-r[7], -1, 1)),
		Roll:  wrapPi(math.Atan2(-r[6], r[8])),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
