package kinematics

import "math"

// Vec3 is a momentum-transfer vector in Å⁻¹, expressed in the sample frame.
type Vec3 struct {
	X, Y, Z float64
}

// Norm returns the Euclidean norm of the vector.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// InPlane returns the length of the projection onto the horizontal plane.
func (v Vec3) InPlane() float64 {
	return math.Hypot(v.X, v.Y)
}

// Sub returns v - other.
func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

// Dot returns the dot product of two vectors.
func (v Vec3) Dot(other Vec3) float64 {
	return v.X*other.X + v.Y*other.Y + v.Z*other.Z
}

// ApproxEqual compares component-wise within an absolute tolerance.
func (v Vec3) ApproxEqual(other Vec3, tol float64) bool {
	d := v.Sub(other)
	return math.Abs(d.X) <= tol && math.Abs(d.Y) <= tol && math.Abs(d.Z) <= tol
}

func deg2rad(d float64) float64 { return d * math.Pi / 180 }
func rad2deg(r float64) float64 { return r * 180 / math.Pi }
