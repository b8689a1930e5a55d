package orientation

import "math"

// wrapPi maps an angle into (-pi, pi].
func wrapPi(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a <= 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}

// blendAngle moves prev toward raw by alpha along the shortest arc.
func blendAngle(prev, raw, alpha float64) float64 {
	return wrapPi(prev + alpha*wrapPi(raw-prev))
}

// blend applies the one-pole complementary filter to every axis:
//
//	fused = alpha*raw + (1-alpha)*prev
//
// Yaw and roll wrap at +/-pi, so they are blended on the circle.
func blend(prev, raw Sample, alpha float64) Sample {
	return Sample{
		Yaw:   blendAngle(prev.Yaw, raw.Yaw, alpha),
		Pitch: alpha*raw.Pitch + (1-alpha)*prev.Pitch,
		Roll:  blendAngle(prev.Roll, raw.Roll, alpha),
	}
}
