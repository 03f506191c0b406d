package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentity_IsIdentity(t *testing.T) {
	assert.True(t, Identity().IsIdentity(1e-10))
}

func TestCompose_Translations(t *testing.T) {
	a := FromTranslation(Vec3{1, 0, 0})
	b := FromTranslation(Vec3{0.5, 0, 0.2})

	c := a.Compose(b)
	assert.InDelta(t, 1.5, c.Translation[0], 1e-6)
	assert.InDelta(t, 0.2, c.Translation[2], 1e-6)
}

func TestInverse_Translation(t *testing.T) {
	a := FromTranslation(Vec3{1, 0, 0})
	inv := a.Inverse()
	assert.InDelta(t, -1.0, inv.Translation[0], 1e-6)
}

func TestComposeThenInverse_IsIdentity(t *testing.T) {
	a := FromTranslation(Vec3{1, 2, 3})
	result := a.Compose(a.Inverse())
	assert.True(t, result.IsIdentity(1e-9))
}

func TestRotateVec_QuarterTurnAroundZ(t *testing.T) {
	half := 0.70710678118 // sin/cos(pi/4)
	q := Quat{0, 0, half, half}
	v := Vec3{1, 0, 0}
	rotated := q.RotateVec(v)
	assert.InDelta(t, 0.0, rotated[0], 1e-6)
	assert.InDelta(t, 1.0, rotated[1], 1e-6)
}

func TestSlerp_Endpoints(t *testing.T) {
	a := IdentityQuat()
	b := Quat{0, 0, 1, 0}

	start := a.Slerp(b, 0)
	end := a.Slerp(b, 1)
	assert.InDelta(t, a[3], start[3], 1e-6)
	assert.InDelta(t, b[2], end[2], 1e-6)
}
