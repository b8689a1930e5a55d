// Package magcal corrects magnetometer samples for hard-iron offset and
// soft-iron distortion.
package magcal

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// MinSamples is the smallest sample set Fit accepts.
const MinSamples = 10

var ErrTooFewSamples = errors.New("magcal: too few samples")

// ErrCoplanar is returned when the samples do not span three dimensions,
// typically because the device was only rotated about one axis.
var ErrCoplanar = errors.New("magcal: samples are coplanar")

// Calibration maps a raw sample v to Matrix*(v-Offset).
// Matrix is row-major.
type Calibration struct {
	Offset r3.Vec
	Matrix [9]float64
}

func Identity() Calibration {
	return Calibration{Matrix: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}}
}

// FromSlices builds a calibration from config-style slices. An empty offset
// means zero and an empty matrix means identity.
func FromSlices(offset, matrix []float64) (Calibration, error) {
	c := Identity()
	switch len(offset) {
	case 0:
	case 3:
		c.Offset = r3.Vec{X: offset[0], Y: offset[1], Z: offset[2]}
	default:
		return Calibration{}, fmt.Errorf("magcal: offset must have 3 values, got %d", len(offset))
	}
	switch len(matrix) {
	case 0:
	case 9:
		copy(c.Matrix[:], matrix)
	default:
		return Calibration{}, fmt.Errorf("magcal: matrix must have 9 values, got %d", len(matrix))
	}
	if mat.Det(mat.NewDense(3, 3, c.Matrix[:])) == 0 {
		return Calibration{}, fmt.Errorf("magcal: matrix is singular")
	}
	return c, nil
}

func (c Calibration) Apply(v r3.Vec) r3.Vec {
	d := r3.Sub(v, c.Offset)
	m := c.Matrix
	return r3.Vec{
		X: m[0]*d.X + m[1]*d.Y + m[2]*d.Z,
		Y: m[3]*d.X + m[4]*d.Y + m[5]*d.Z,
		Z: m[6]*d.X + m[7]*d.Y + m[8]*d.Z,
	}
}

// Fit estimates a calibration from samples collected while the device is
// rotated through as many orientations as possible.
//
// The offset is the sample mean. The correction is V*diag(s/S)*V^T from the
// SVD of the centred samples, where S are the singular values and s is their
// mean: an ellipsoid becomes a sphere of about the same radius, without
// rotating the sensor frame.
func Fit(samples []r3.Vec) (Calibration, error) {
	n := len(samples)
	if n < MinSamples {
		return Calibration{}, fmt.Errorf("%w: have %d, need %d", ErrTooFewSamples, n, MinSamples)
	}

	var center r3.Vec
	for _, s := range samples {
		center = r3.Add(center, s)
	}
	center = r3.Scale(1/float64(n), center)

	data := make([]float64, 0, 3*n)
	for _, s := range samples {
		d := r3.Sub(s, center)
		data = append(data, d.X, d.Y, d.Z)
	}
	x := mat.NewDense(n, 3, data)

	var svd mat.SVD
	if ok := svd.Factorize(x, mat.SVDThin); !ok {
		return Calibration{}, fmt.Errorf("magcal: svd failed to converge")
	}
	sv := svd.Values(nil)
	if sv[len(sv)-1] <= sv[0]*1e-6 {
		return Calibration{}, ErrCoplanar
	}
	mean := (sv[0] + sv[1] + sv[2]) / 3

	var v mat.Dense
	svd.VTo(&v)

	scale := mat.NewDiagDense(3, []float64{mean / sv[0], mean / sv[1], mean / sv[2]})
	var tmp, m mat.Dense
	tmp.Mul(&v, scale)
	m.Mul(&tmp, v.T())

	c := Calibration{Offset: center}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			c.Matrix[3*i+j] = m.At(i, j)
		}
	}
	return c, nil
}
