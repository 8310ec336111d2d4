package cloud

import "math"

// Transform is a rigid transform stored as a 4x4 row-major matrix
// (m00..m03, m10..m13, m20..m23, m30..m33). The same layout is used for
// running pose estimates and for registration corrections.
type Transform [16]float64

// MatrixValidationTolerance is the tolerance for checking rotation matrix validity.
const MatrixValidationTolerance = 0.01

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// NewTranslation returns a pure translation.
func NewTranslation(x, y, z float64) Transform {
	t := Identity()
	t[3], t[7], t[11] = x, y, z
	return t
}

// NewRotationZ returns a rotation of yaw radians about +Z.
func NewRotationZ(yaw float64) Transform {
	c, s := math.Cos(yaw), math.Sin(yaw)
	return Transform{
		c, -s, 0, 0,
		s, c, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// FromRotationTranslation builds a transform from a row-major 3x3 rotation
// and a translation.
func FromRotationTranslation(r [9]float64, x, y, z float64) Transform {
	return Transform{
		r[0], r[1], r[2], x,
		r[3], r[4], r[5], y,
		r[6], r[7], r[8], z,
		0, 0, 0, 1,
	}
}

// Mul returns t*o: o is applied first, then t. Pre-multiplying a pose by a
// correction applies the correction in the reference frame.
func (t Transform) Mul(o Transform) Transform {
	var out Transform
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += t[r*4+k] * o[k*4+c]
			}
			out[r*4+c] = sum
		}
	}
	return out
}

// Inverse returns the inverse of a rigid transform (R^T, -R^T*t).
func (t Transform) Inverse() Transform {
	r := t.Rotation()
	tx, ty, tz := t.Translation()
	inv := [9]float64{
		r[0], r[3], r[6],
		r[1], r[4], r[7],
		r[2], r[5], r[8],
	}
	return FromRotationTranslation(inv,
		-(inv[0]*tx + inv[1]*ty + inv[2]*tz),
		-(inv[3]*tx + inv[4]*ty + inv[5]*tz),
		-(inv[6]*tx + inv[7]*ty + inv[8]*tz),
	)
}

// Apply transforms a single point. Intensity is preserved.
func (t Transform) Apply(p Point) Point {
	return Point{
		X:         t[0]*p.X + t[1]*p.Y + t[2]*p.Z + t[3],
		Y:         t[4]*p.X + t[5]*p.Y + t[6]*p.Z + t[7],
		Z:         t[8]*p.X + t[9]*p.Y + t[10]*p.Z + t[11],
		Intensity: p.Intensity,
	}
}

// Translation returns the translation component.
func (t Transform) Translation() (x, y, z float64) {
	return t[3], t[7], t[11]
}

// Rotation returns the row-major 3x3 rotation component.
func (t Transform) Rotation() [9]float64 {
	return [9]float64{
		t[0], t[1], t[2],
		t[4], t[5], t[6],
		t[8], t[9], t[10],
	}
}

// Yaw returns the heading about +Z in radians.
func (t Transform) Yaw() float64 {
	return math.Atan2(t[4], t[0])
}

// RotationAngle returns the magnitude of the rotation in radians.
func (t Transform) RotationAngle() float64 {
	cos := (t[0] + t[5] + t[10] - 1) / 2
	return math.Acos(math.Max(-1, math.Min(1, cos)))
}

// ApproxEqual reports whether every element of t is within tol of o.
func (t Transform) ApproxEqual(o Transform, tol float64) bool {
	for i := range t {
		if math.Abs(t[i]-o[i]) > tol {
			return false
		}
	}
	return true
}

// IsValid checks that t is a proper rigid transform:
// 1. Rotation submatrix has det ≈ 1 (not a reflection)
// 2. Last row is [0 0 0 1]
func (t Transform) IsValid() bool {
	r00, r01, r02 := t[0], t[1], t[2]
	r10, r11, r12 := t[4], t[5], t[6]
	r20, r21, r22 := t[8], t[9], t[10]

	det := r00*(r11*r22-r12*r21) - r01*(r10*r22-r12*r20) + r02*(r10*r21-r11*r20)
	if math.Abs(det-1.0) > MatrixValidationTolerance {
		return false
	}

	if t[12] != 0 || t[13] != 0 || t[14] != 0 || math.Abs(t[15]-1.0) > 0.001 {
		return false
	}

	return true
}

// TransformCloud returns a new cloud with every point of c transformed by t.
func TransformCloud(c PointCloud, t Transform) PointCloud {
	if c == nil {
		return nil
	}
	out := make(PointCloud, len(c))
	for i, p := range c {
		out[i] = t.Apply(p)
	}
	return out
}
