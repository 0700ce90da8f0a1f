// Package level derives a per-camera model matrix from accelerometer readings
// so that every point cloud shares a world frame whose +Y axis points up.
package level

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
)

// Method selects how the smoothed up-vector is turned into a rotation.
type Method string

const (
	// MethodEuler undoes roll about the view axis, then pitch about +X, after
	// placing the camera with its configured position and yaw.
	MethodEuler Method = "euler"
	// MethodPitch only undoes pitch. Used for a single fixed camera viewed from
	// its own origin.
	MethodPitch Method = "pitch"
	// MethodFrame builds an orthonormal frame around the up-vector and rotates
	// it onto world up.
	MethodFrame Method = "frame"
)

// DefaultBlend is the per-frame fraction the up-vector moves toward the latest
// gravity reading.
const DefaultBlend = 0.1

// minAccel is the smallest accelerometer magnitude (m/s²) treated as a reading.
const minAccel = 1e-6

var (
	worldUp   = mgl64.Vec3{0, 1, 0}
	axisXUnit = mgl64.Vec3{1, 0, 0}
	axisZUnit = mgl64.Vec3{0, 0, 1}
)

// Config controls a Leveler.
type Config struct {
	Method Method
	// Blend must be > 0 and <= 1. 1 snaps to the latest reading.
	Blend float64
	// UpsideDown is set for cameras mounted inverted; gravity is then taken as up.
	UpsideDown bool
	// Mirror flips X in the final matrix so the cloud reads like a mirror when
	// viewed from in front of the screen.
	Mirror bool
}

// DefaultConfig returns the configuration used for multi-camera rigs.
func DefaultConfig() Config {
	return Config{
		Method: MethodEuler,
		Blend:  DefaultBlend,
		Mirror: true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Method {
	case MethodEuler, MethodPitch, MethodFrame:
	default:
		return fmt.Errorf("unknown leveling method %q", c.Method)
	}
	if c.Blend <= 0 || c.Blend > 1 || math.IsNaN(c.Blend) {
		return fmt.Errorf("blend must be in (0, 1], got %g", c.Blend)
	}
	return nil
}

// Pose places a camera in the world before leveling is applied.
type Pose struct {
	Position mgl64.Vec3
	// Yaw is the rotation about world +Y in radians.
	Yaw float64
}

// Result is the outcome of one Calibrate call.
type Result struct {
	Up    mgl64.Vec3
	Pitch float64 // rotation about camera +X, radians
	Roll  float64 // rotation about the view axis, radians
	Model mgl64.Mat4
}

// ErrNoReading is returned when an accelerometer sample is too small to
// define a direction.
var ErrNoReading = errors.New("accelerometer reading has no direction")

// Leveler keeps the smoothed up-vector of one camera.
type Leveler struct {
	mu    sync.Mutex
	cfg   Config
	axisY mgl64.Vec3
	last  Result
}

// New creates a Leveler with the up-vector at +Y.
func New(cfg Config) (*Leveler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Leveler{cfg: cfg, axisY: worldUp}
	l.last = Result{Up: worldUp, Model: mgl64.Ident4()}
	return l, nil
}

// Config returns the leveler configuration.
func (l *Leveler) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// Reset returns the up-vector to +Y.
func (l *Leveler) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.axisY = worldUp
	l.last = Result{Up: worldUp, Model: mgl64.Ident4()}
}

// Up returns the current smoothed up-vector in the camera frame.
func (l *Leveler) Up() mgl64.Vec3 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.axisY
}

// Last returns the most recent result.
func (l *Leveler) Last() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Calibrate blends the up-vector toward inverted gravity and rebuilds the
// model matrix for pose. A reading with no direction keeps the previous
// up-vector but still rebuilds the matrix, so pose changes take effect, and
// reports ErrNoReading.
func (l *Leveler) Calibrate(accel mgl64.Vec3, pose Pose) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	if accel.Len() < minAccel || !finite(accel) {
		err = ErrNoReading
	} else {
		sign := -1.0
		if l.cfg.UpsideDown {
			sign = 1.0
		}
		a := accel.Normalize().Mul(sign)
		next := lerp(l.axisY, a, l.cfg.Blend)
		if next.Len() < minAccel {
			// Reading exactly opposite the current up with blend 0.5.
			next = a
		}
		l.axisY = next.Normalize()
	}

	pitch, roll := Angles(l.axisY)
	l.last = Result{
		Up:    l.axisY,
		Pitch: pitch,
		Roll:  roll,
		Model: ModelMatrix(l.cfg.Method, l.axisY, pose, l.cfg.Mirror),
	}
	return l.last, err
}

// Angles returns the pitch (about +X) and roll (about the view axis) implied
// by an up-vector. Both are zero for (0,1,0).
func Angles(up mgl64.Vec3) (pitch, roll float64) {
	pitch = math.Atan2(up[2], up[1])
	roll = math.Atan2(up[0], up[1])
	return pitch, roll
}

// ModelMatrix builds the camera-to-world transform for an up-vector.
func ModelMatrix(method Method, up mgl64.Vec3, pose Pose, mirror bool) mgl64.Mat4 {
	pitch, roll := Angles(up)
	xMat := mgl64.HomogRotate3DX(-pitch)

	if method == MethodPitch {
		return xMat
	}

	m := mgl64.Ident4()
	if mirror {
		m = m.Mul4(mgl64.Scale3D(-1, 1, 1))
	}
	m = m.Mul4(mgl64.Translate3D(pose.Position[0], pose.Position[1], pose.Position[2]))
	m = m.Mul4(mgl64.HomogRotate3DY(pose.Yaw))

	switch method {
	case MethodFrame:
		m = m.Mul4(FrameRotation(up))
	default:
		m = m.Mul4(mgl64.HomogRotate3DZ(-roll))
		m = m.Mul4(xMat)
	}
	return m
}

// FrameRotation returns the rotation that maps up onto +Y using an
// orthonormal frame built against the world axis least aligned with up.
func FrameRotation(up mgl64.Vec3) mgl64.Mat4 {
	y := up.Normalize()
	ref := ReferenceAxis(y)
	x := y.Cross(ref).Normalize()
	z := x.Cross(y).Normalize()
	return mgl64.Mat3FromRows(x, y, z).Mat4()
}

// ReferenceAxis picks the helper axis for FrameRotation: +X when the up-vector
// is mostly along Y or Z, +Z when it is mostly along X.
func ReferenceAxis(up mgl64.Vec3) mgl64.Vec3 {
	ax, ay, az := math.Abs(up[0]), math.Abs(up[1]), math.Abs(up[2])
	switch {
	case az > ax && az > ay:
		// camera facing mostly straight up or down
		return axisXUnit
	case ay > ax && ay > az:
		return axisXUnit
	default:
		// camera twisted on its side
		return axisZUnit
	}
}

func lerp(a, b mgl64.Vec3, t float64) mgl64.Vec3 {
	return a.Add(b.Sub(a).Mul(t))
}

func finite(v mgl64.Vec3) bool {
	for _, c := range v {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}
