package orientation

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Vector3 is a raw 3-axis sensor sample in device coordinates.
// Units are whatever the sensor reports; only directions matter here.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vector3) Vec() r3.Vec { return r3.Vec{X: v.X, Y: v.Y, Z: v.Z} }

func FromVec(v r3.Vec) Vector3 { return Vector3{X: v.X, Y: v.Y, Z: v.Z} }

func (v Vector3) finite() bool {
	return !math.IsNaN(v.X) && !math.IsInf(v.X, 0) &&
		!math.IsNaN(v.Y) && !math.IsInf(v.Y, 0) &&
		!math.IsNaN(v.Z) && !math.IsInf(v.Z, 0)
}
