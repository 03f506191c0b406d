// Package transform implements rigid-body transforms (translation plus
// unit quaternion rotation) with composition, inversion, and
// linear/spherical interpolation, as used by the TF tree.
package transform

import "math"

// Vec3 is a 3-vector.
type Vec3 [3]float64

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v[0] + o[0], v[1] + o[1], v[2] + o[2]} }
func (v Vec3) Scale(s float64) Vec3 { return Vec3{v[0] * s, v[1] * s, v[2] * s} }

// Quat is a unit quaternion (x, y, z, w).
type Quat [4]float64

// IdentityQuat is the no-rotation quaternion.
func IdentityQuat() Quat { return Quat{0, 0, 0, 1} }

// Mul computes q*o (apply o, then q, to a vector rotated by the product).
func (q Quat) Mul(o Quat) Quat {
	x1, y1, z1, w1 := q[0], q[1], q[2], q[3]
	x2, y2, z2, w2 := o[0], o[1], o[2], o[3]
	return Quat{
		w1*x2 + x1*w2 + y1*z2 - z1*y2,
		w1*y2 - x1*z2 + y1*w2 + z1*x2,
		w1*z2 + x1*y2 - y1*x2 + z1*w2,
		w1*w2 - x1*x2 - y1*y2 - z1*z2,
	}
}

// Conjugate is the inverse rotation for a unit quaternion.
func (q Quat) Conjugate() Quat { return Quat{-q[0], -q[1], -q[2], q[3]} }

// RotateVec rotates v by q.
func (q Quat) RotateVec(v Vec3) Vec3 {
	u := Vec3{q[0], q[1], q[2]}
	s := q[3]
	uvDot := u[0]*v[0] + u[1]*v[1] + u[2]*v[2]
	uuDot := u[0]*u[0] + u[1]*u[1] + u[2]*u[2]
	cross := Vec3{
		u[1]*v[2] - u[2]*v[1],
		u[2]*v[0] - u[0]*v[2],
		u[0]*v[1] - u[1]*v[0],
	}
	// v' = 2*(u·v)*u + (s*s - u·u)*v + 2*s*(u×v)
	term1 := u.Scale(2 * uvDot)
	term2 := v.Scale(s*s - uuDot)
	term3 := cross.Scale(2 * s)
	return term1.Add(term2).Add(term3)
}

func (q Quat) Norm() float64 {
	return math.Sqrt(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
}

func (q Quat) Normalized() Quat {
	n := q.Norm()
	if n == 0 {
		return IdentityQuat()
	}
	return Quat{q[0] / n, q[1] / n, q[2] / n, q[3] / n}
}

func (q Quat) dot(o Quat) float64 {
	return q[0]*o[0] + q[1]*o[1] + q[2]*o[2] + q[3]*o[3]
}

// Slerp spherically interpolates between q and o at fraction t in [0, 1].
func (q Quat) Slerp(o Quat, t float64) Quat {
	d := q.dot(o)
	if d < 0 {
		o = Quat{-o[0], -o[1], -o[2], -o[3]}
		d = -d
	}
	if d > 0.9995 {
		// Nearly parallel: linear interpolation avoids a division by ~0.
		return Quat{
			q[0] + (o[0]-q[0])*t,
			q[1] + (o[1]-q[1])*t,
			q[2] + (o[2]-q[2])*t,
			q[3] + (o[3]-q[3])*t,
		}.Normalized()
	}
	theta0 := math.Acos(d)
	theta := theta0 * t
	sinTheta0 := math.Sin(theta0)
	sinTheta := math.Sin(theta)
	s0 := math.Cos(theta) - d*sinTheta/sinTheta0
	s1 := sinTheta / sinTheta0
	return Quat{
		q[0]*s0 + o[0]*s1,
		q[1]*s0 + o[1]*s1,
		q[2]*s0 + o[2]*s1,
		q[3]*s0 + o[3]*s1,
	}
}

// Transform is a rigid-body translation plus rotation.
type Transform struct {
	Translation Vec3
	Rotation    Quat
}

// Identity is the no-op transform.
func Identity() Transform {
	return Transform{Translation: Vec3{0, 0, 0}, Rotation: IdentityQuat()}
}

// FromTranslation builds a pure-translation transform.
func FromTranslation(t Vec3) Transform {
	return Transform{Translation: t, Rotation: IdentityQuat()}
}

// Compose returns self ∘ other: (t1,r1) ∘ (t2,r2) = (t1 + r1·t2, r1·r2).
func (t Transform) Compose(o Transform) Transform {
	return Transform{
		Translation: t.Translation.Add(t.Rotation.RotateVec(o.Translation)),
		Rotation:    t.Rotation.Mul(o.Rotation),
	}
}

// Inverse returns (−r⁻¹·t, r⁻¹).
func (t Transform) Inverse() Transform {
	rInv := t.Rotation.Conjugate()
	return Transform{
		Translation: rInv.RotateVec(t.Translation).Scale(-1),
		Rotation:    rInv,
	}
}

// IsIdentity reports whether t equals Identity within eps.
func (t Transform) IsIdentity(eps float64) bool {
	for i := 0; i < 3; i++ {
		if math.Abs(t.Translation[i]) > eps {
			return false
		}
	}
	id := IdentityQuat()
	for i := 0; i < 4; i++ {
		if math.Abs(t.Rotation[i]-id[i]) > eps {
			return false
		}
	}
	return true
}

// Lerp linearly interpolates translation and spherically interpolates
// rotation between a and b at fraction frac in [0, 1].
func Lerp(a, b Transform, frac float64) Transform {
	return Transform{
		Translation: Vec3{
			a.Translation[0] + (b.Translation[0]-a.Translation[0])*frac,
			a.Translation[1] + (b.Translation[1]-a.Translation[1])*frac,
			a.Translation[2] + (b.Translation[2]-a.Translation[2])*frac,
		},
		Rotation: a.Rotation.Slerp(b.Rotation, frac),
	}
}

// ApproxEqual reports whether two transforms match within eps on every
// translation and quaternion component, treating q and -q as the same
// rotation (the quaternion double cover).
func ApproxEqual(a, b Transform, eps float64) bool {
	for i := 0; i < 3; i++ {
		if math.Abs(a.Translation[i]-b.Translation[i]) > eps {
			return false
		}
	}
	same := true
	for i := 0; i < 4; i++ {
		if math.Abs(a.Rotation[i]-b.Rotation[i]) > eps {
			same = false
			break
		}
	}
	if same {
		return true
	}
	for i := 0; i < 4; i++ {
		if math.Abs(a.Rotation[i]+b.Rotation[i]) > eps {
			return false
		}
	}
	return true
}
