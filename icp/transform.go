package icp

import "math"

// Transform is a 4x4 homogeneous rigid transform, row-major:
// m00,m01,m02,m03, m10,...,m33. The last row is always 0 0 0 1.
type Transform [16]float64

// RigidTolerance bounds the orthonormality error accepted by IsRigid.
const RigidTolerance = 1e-6

// Identity returns the identity transform
func Identity() Transform {
	return Transform{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Translation creates a translation-only transform
func Translation(tx, ty, tz float64) Transform {
	t := Identity()
	t[3], t[7], t[11] = tx, ty, tz
	return t
}

// RotationXYZ builds the rotation Rz(rz)·Ry(ry)·Rx(rx), angles in radians.
// Applied to a point, the X rotation happens first.
func RotationXYZ(rx, ry, rz float64) Transform {
	ca, sa := math.Cos(rx), math.Sin(rx)
	cb, sb := math.Cos(ry), math.Sin(ry)
	cg, sg := math.Cos(rz), math.Sin(rz)
	return Transform{
		cg * cb, cg*sb*sa - sg*ca, cg*sb*ca + sg*sa, 0,
		sg * cb, sg*sb*sa + cg*ca, sg*sb*ca - cg*sa, 0,
		-sb, cb * sa, cb * ca, 0,
		0, 0, 0, 1,
	}
}

// TransformFromTwist converts a solved increment (ωx, ωy, ωz, tx, ty, tz)
// into a rigid transform. The angles go through RotationXYZ, the translation
// is taken as-is.
func TransformFromTwist(x [6]float64) Transform {
	t := RotationXYZ(x[0], x[1], x[2])
	t[3], t[7], t[11] = x[3], x[4], x[5]
	return t
}

// Multiply composes two transforms: result = a * b.
// Applying result is equivalent to applying b first, then a.
func Multiply(a, b Transform) Transform {
	var out Transform
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += a[r*4+k] * b[k*4+c]
			}
			out[r*4+c] = sum
		}
	}
	return out
}

// Invert returns the inverse of a rigid transform: [Rᵀ | -Rᵀt].
func Invert(t Transform) Transform {
	out := Identity()
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*4+c] = t[c*4+r]
		}
	}
	tx, ty, tz := t[3], t[7], t[11]
	for r := 0; r < 3; r++ {
		out[r*4+3] = -(out[r*4]*tx + out[r*4+1]*ty + out[r*4+2]*tz)
	}
	return out
}

// Apply transforms a single point
func (t Transform) Apply(p Vec3) Vec3 {
	return Vec3{
		X: t[0]*p.X + t[1]*p.Y + t[2]*p.Z + t[3],
		Y: t[4]*p.X + t[5]*p.Y + t[6]*p.Z + t[7],
		Z: t[8]*p.X + t[9]*p.Y + t[10]*p.Z + t[11],
	}
}

// Rotate applies only the rotation part, for directions such as normals
func (t Transform) Rotate(v Vec3) Vec3 {
	return Vec3{
		X: t[0]*v.X + t[1]*v.Y + t[2]*v.Z,
		Y: t[4]*v.X + t[5]*v.Y + t[6]*v.Z,
		Z: t[8]*v.X + t[9]*v.Y + t[10]*v.Z,
	}
}

// TranslationPart returns the translation column
func (t Transform) TranslationPart() Vec3 {
	return Vec3{X: t[3], Y: t[7], Z: t[11]}
}

// EulerXYZ recovers (rx, ry, rz) such that RotationXYZ(rx, ry, rz) matches
// the rotation part of t. Near gimbal lock rx is reported as zero.
func (t Transform) EulerXYZ() (rx, ry, rz float64) {
	ry = math.Asin(clamp(-t[8], -1, 1))
	if math.Abs(t[8]) < 1-1e-12 {
		rx = math.Atan2(t[9], t[10])
		rz = math.Atan2(t[4], t[0])
		return rx, ry, rz
	}
	rz = math.Atan2(-t[1], t[5])
	return 0, ry, rz
}

// IsRigid checks the rotation block is orthonormal with det ≈ 1 and the
// last row is [0 0 0 1].
func IsRigid(t Transform, tol float64) bool {
	for _, v := range t {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if t[12] != 0 || t[13] != 0 || t[14] != 0 || math.Abs(t[15]-1) > tol {
		return false
	}
	// RᵀR must be the identity
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var dot float64
			for k := 0; k < 3; k++ {
				dot += t[k*4+i] * t[k*4+j]
			}
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(dot-want) > tol {
				return false
			}
		}
	}
	det := t[0]*(t[5]*t[10]-t[6]*t[9]) - t[1]*(t[4]*t[10]-t[6]*t[8]) + t[2]*(t[4]*t[9]-t[5]*t[8])
	return math.Abs(det-1) <= tol
}

// ApproxEqual reports whether every element of a and b differs by at most tol
func ApproxEqual(a, b Transform, tol float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}

// TransformCloud returns a transformed copy of points
func TransformCloud(points Cloud, t Transform) Cloud {
	out := make(Cloud, len(points))
	for i, p := range points {
		out[i] = t.Apply(p)
	}
	return out
}

// ApplyTransform rewrites every point of cloud as t·p, in place, on dev.
func ApplyTransform(dev Device, cloud Cloud, t Transform) error {
	return dev.Launch(len(cloud), func(s Span) error {
		for i := s.Lo; i < s.Hi; i++ {
			cloud[i] = t.Apply(cloud[i])
		}
		return nil
	})
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
