// Package render draws point clouds as soft round sprites into an image.
package render

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// ViewMode selects how the eye moves.
type ViewMode string

const (
	// ViewOrbit circles the eye around a target at a fixed radius.
	ViewOrbit ViewMode = "orbit"
	// ViewFixed looks from Eye to Target.
	ViewFixed ViewMode = "fixed"
)

// View describes the virtual camera of the render pass.
type View struct {
	Mode ViewMode
	// FovY is the vertical field of view in radians.
	FovY float64
	Near float64
	Far  float64

	// Orbit parameters: the eye circles (0, Height, Depth) at Radius, with
	// angle t*OrbitSpeed.
	Radius     float64
	Height     float64
	Depth      float64
	OrbitSpeed float64

	// Fixed parameters.
	Eye    mgl64.Vec3
	Target mgl64.Vec3
}

// DefaultOrbitView frames a two-camera rig standing about 1.8 m high.
func DefaultOrbitView() View {
	return View{
		Mode:       ViewOrbit,
		FovY:       0.3 * math.Pi,
		Near:       0.1,
		Far:        10,
		Radius:     2,
		Height:     1,
		Depth:      -1,
		OrbitSpeed: 1,
	}
}

// DefaultFixedView looks from just in front of a single camera at its origin.
func DefaultFixedView() View {
	return View{
		Mode:   ViewFixed,
		FovY:   0.5 * math.Pi,
		Near:   0.1,
		Far:    10,
		Eye:    mgl64.Vec3{0, 0, 0.1},
		Target: mgl64.Vec3{0, 0, 0},
	}
}

// Validate checks the view.
func (v View) Validate() error {
	if v.Mode != ViewOrbit && v.Mode != ViewFixed {
		return fmt.Errorf("unknown view mode %q", v.Mode)
	}
	if v.FovY <= 0 || v.FovY >= math.Pi {
		return fmt.Errorf("fov must be in (0, π), got %g", v.FovY)
	}
	if v.Near <= 0 || v.Far <= v.Near {
		return fmt.Errorf("need 0 < near < far, got near=%g far=%g", v.Near, v.Far)
	}
	if v.Mode == ViewFixed && v.Eye.Sub(v.Target).Len() == 0 {
		return fmt.Errorf("eye and target coincide at %v", v.Eye)
	}
	return nil
}

// EyeAt returns the eye and target positions at time t seconds.
func (v View) EyeAt(t float64) (eye, target mgl64.Vec3) {
	if v.Mode == ViewFixed {
		return v.Eye, v.Target
	}
	target = mgl64.Vec3{0, v.Height, v.Depth}
	angle := t * v.OrbitSpeed
	eye = target.Add(mgl64.Vec3{v.Radius * math.Sin(angle), 0, v.Radius * math.Cos(angle)})
	return eye, target
}

// Matrices returns the projection and view matrices at time t for an image
// with the given aspect ratio.
func (v View) Matrices(t, aspect float64) (proj, view mgl64.Mat4) {
	eye, target := v.EyeAt(t)
	proj = mgl64.Perspective(v.FovY, aspect, v.Near, v.Far)
	view = mgl64.LookAtV(eye, target, mgl64.Vec3{0, 1, 0})
	return proj, view
}
