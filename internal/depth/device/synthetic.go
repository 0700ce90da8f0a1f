package device

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/banshee-data/depthview/internal/timeutil"
)

const (
	// DefaultWidth and DefaultHeight are used when Options leave them zero.
	DefaultWidth  = 640
	DefaultHeight = 480
	// DefaultFPS paces the synthetic source when Options.FPS is zero.
	DefaultFPS = 30

	standardGravity = 9.80665
)

// Intrinsics are pinhole camera parameters in pixels.
type Intrinsics struct {
	Fx, Fy   float64
	Ppx, Ppy float64
}

// ScaledIntrinsics returns intrinsics typical of a 1280x720 depth module,
// scaled to width x height.
func ScaledIntrinsics(width, height int) Intrinsics {
	sx := float64(width) / 1280
	sy := float64(height) / 720
	return Intrinsics{
		Fx:  906.07 * sx,
		Fy:  905.12 * sy,
		Ppx: 646.95 * sx,
		Ppy: 374.47 * sy,
	}
}

// Deproject maps pixel (u,v) at depth z to a point in the sensor convention.
func (in Intrinsics) Deproject(u, v, z float64) mgl64.Vec3 {
	return mgl64.Vec3{
		(u - in.Ppx) / in.Fx * z,
		(v - in.Ppy) / in.Fy * z,
		z,
	}
}

// SyntheticScene describes what a synthetic camera sees: a floor below the
// camera and an axis-aligned box, viewed with the given tilt.
type SyntheticScene struct {
	// Height of the camera above the floor, metres.
	Height float64
	// Pitch tips the view down (negative) or up (positive), radians.
	Pitch float64
	// Roll turns the image about the view axis, radians.
	Roll float64
	// BoxCenter is in the level camera frame (x right, y up, z backward).
	BoxCenter mgl64.Vec3
	BoxSize   mgl64.Vec3
	// MaxRange beyond which depth is reported as missing.
	MaxRange float64
	// DepthNoise is the standard deviation added to each depth, metres.
	DepthNoise float64
	// AccelNoise is the standard deviation added to each axis, m/s².
	AccelNoise float64
}

// DefaultScene returns the scene used by NewSyntheticDriver for device i.
func DefaultScene(i int) SyntheticScene {
	return SyntheticScene{
		Height:     1.8,
		Pitch:      -(20 + 5*float64(i)) * math.Pi / 180,
		Roll:       float64(2*i-1) * 3 * math.Pi / 180,
		BoxCenter:  mgl64.Vec3{0, -1.5, -3},
		BoxSize:    mgl64.Vec3{0.6, 0.6, 0.6},
		MaxRange:   10,
		DepthNoise: 0.002,
		AccelNoise: 0.02,
	}
}

// rotation returns the level-from-camera rotation in the flipped frame.
func (s SyntheticScene) rotation() mgl64.Mat4 {
	return mgl64.HomogRotate3DZ(s.Roll).Mul4(mgl64.HomogRotate3DX(s.Pitch))
}

// Gravity returns the accelerometer reading this scene produces, expressed in
// the flipped camera frame, without noise.
func (s SyntheticScene) Gravity() mgl64.Vec3 {
	down := mgl64.Vec3{0, -standardGravity, 0}
	return s.rotation().Transpose().Mul4x1(down.Vec4(0)).Vec3()
}

// SyntheticDriver serves a fixed set of virtual cameras.
type SyntheticDriver struct {
	mu      sync.Mutex
	devices []DeviceInfo
	scenes  map[string]SyntheticScene
	clock   timeutil.Clock
	seed    int64
}

// NewSyntheticDriver creates n virtual devices with serials SYN-0001 onward.
func NewSyntheticDriver(n int, seed int64) *SyntheticDriver {
	d := &SyntheticDriver{
		scenes: make(map[string]SyntheticScene),
		clock:  timeutil.RealClock{},
		seed:   seed,
	}
	for i := 0; i < n; i++ {
		info := DeviceInfo{
			Name:         "Synthetic Depth Camera",
			Serial:       fmt.Sprintf("SYN-%04d", i+1),
			Firmware:     "0.0.0.0",
			PhysicalPort: fmt.Sprintf("synthetic:%d", i),
			ProductID:    "0000",
			USBType:      "3.2",
			ProductLine:  "SYN",
		}
		d.devices = append(d.devices, info)
		d.scenes[info.Serial] = DefaultScene(i)
	}
	return d
}

// SetClock replaces the clock used to pace opened sources.
func (d *SyntheticDriver) SetClock(c timeutil.Clock) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clock = c
}

// SetScene replaces the scene of one device.
func (d *SyntheticDriver) SetScene(serial string, s SyntheticScene) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.scenes[serial]; !ok {
		return fmt.Errorf("%w: serial %s", ErrDeviceNotFound, serial)
	}
	d.scenes[serial] = s
	return nil
}

// Devices implements Driver.
func (d *SyntheticDriver) Devices(ctx context.Context) ([]DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DeviceInfo(nil), d.devices...), nil
}

// Open implements Driver.
func (d *SyntheticDriver) Open(ctx context.Context, opts Options) (Source, error) {
	devices, err := d.Devices(ctx)
	if err != nil {
		return nil, err
	}
	info, err := Find(devices, opts.Serial)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	scene := d.scenes[info.Serial]
	clock := d.clock
	seed := d.seed
	d.mu.Unlock()

	w, h, fps := opts.Width, opts.Height, opts.FPS
	if w <= 0 {
		w = DefaultWidth
	}
	if h <= 0 {
		h = DefaultHeight
	}
	if fps == 0 {
		fps = DefaultFPS
	}
	for i := range info.Serial {
		seed = seed*31 + int64(info.Serial[i])
	}
	return &SyntheticSource{
		info:       info,
		scene:      scene,
		intrinsics: ScaledIntrinsics(w, h),
		width:      w,
		height:     h,
		fps:        fps,
		clock:      clock,
		rng:        rand.New(rand.NewSource(seed)),
	}, nil
}

// SyntheticSource ray-casts its scene for every frame.
// A negative fps delivers a frame on every call without pacing.
type SyntheticSource struct {
	mu         sync.Mutex
	info       DeviceInfo
	scene      SyntheticScene
	intrinsics Intrinsics
	width      int
	height     int
	fps        int
	clock      timeutil.Clock
	rng        *rand.Rand
	last       time.Time
	frames     uint64
	closed     bool
}

// Info implements Source.
func (s *SyntheticSource) Info() DeviceInfo { return s.info }

// Intrinsics returns the pinhole parameters used for deprojection.
func (s *SyntheticSource) Intrinsics() Intrinsics { return s.intrinsics }

// Frames returns the number of framesets delivered.
func (s *SyntheticSource) Frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *SyntheticSource) interval() time.Duration {
	return timeutil.FramePeriod(s.fps)
}

// WaitForFrames implements Source.
func (s *SyntheticSource) WaitForFrames(ctx context.Context) (*Frameset, error) {
	for {
		fs, ok, err := s.PollForFrames()
		if err != nil || ok {
			return fs, err
		}
		s.mu.Lock()
		wait := s.interval() - s.clock.Since(s.last)
		s.mu.Unlock()
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// PollForFrames implements Source.
func (s *SyntheticSource) PollForFrames() (*Frameset, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	now := s.clock.Now()
	if !s.last.IsZero() && now.Sub(s.last) < s.interval() {
		return nil, false, nil
	}
	s.last = now
	s.frames++
	return s.render(now), true, nil
}

// Close implements Source.
func (s *SyntheticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *SyntheticSource) render(now time.Time) *Frameset {
	sc := s.scene
	rot := sc.rotation()
	boxMin := sc.BoxCenter.Sub(sc.BoxSize.Mul(0.5))
	boxMax := sc.BoxCenter.Add(sc.BoxSize.Mul(0.5))

	frame := &DepthFrame{
		Width:     s.width,
		Height:    s.height,
		Timestamp: now,
		Vertices:  make([]mgl64.Vec3, s.width*s.height),
	}
	for v := 0; v < s.height; v++ {
		for u := 0; u < s.width; u++ {
			// Ray through the pixel at unit depth, flipped to y up z backward.
			p := s.intrinsics.Deproject(float64(u), float64(v), 1)
			dir := rot.Mul4x1(mgl64.Vec4{p[0], -p[1], -p[2], 0}).Vec3()

			depth := math.Inf(1)
			if dir[1] < 0 {
				depth = -sc.Height / dir[1]
			}
			if t, ok := rayBox(dir, boxMin, boxMax); ok && t < depth {
				depth = t
			}
			if math.IsInf(depth, 1) || depth > sc.MaxRange {
				continue
			}
			if sc.DepthNoise > 0 {
				depth += s.rng.NormFloat64() * sc.DepthNoise
			}
			if depth <= 0 {
				continue
			}
			frame.Vertices[v*s.width+u] = s.intrinsics.Deproject(float64(u), float64(v), depth)
		}
	}

	accel := sc.Gravity()
	if sc.AccelNoise > 0 {
		for i := range accel {
			accel[i] += s.rng.NormFloat64() * sc.AccelNoise
		}
	}
	return &Frameset{Depth: frame, Accel: &accel}
}

// rayBox intersects a ray from the origin with an axis-aligned box and returns
// the ray parameter of the nearest hit in front of the origin.
func rayBox(dir, lo, hi mgl64.Vec3) (float64, bool) {
	tmin, tmax := math.Inf(-1), math.Inf(1)
	for i := 0; i < 3; i++ {
		if dir[i] == 0 {
			if lo[i] > 0 || hi[i] < 0 {
				return 0, false
			}
			continue
		}
		t1 := lo[i] / dir[i]
		t2 := hi[i] / dir[i]
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		tmin = math.Max(tmin, t1)
		tmax = math.Min(tmax, t2)
	}
	if tmax < tmin || tmax <= 0 {
		return 0, false
	}
	if tmin > 0 {
		return tmin, true
	}
	return tmax, true
}
