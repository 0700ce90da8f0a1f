// Package capture turns framesets from a depth source into filtered,
// transformed point clouds and optional triangle meshes.
package capture

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"

	"github.com/banshee-data/depthview/internal/depth/device"
	"github.com/banshee-data/depthview/internal/depth/voxel"
)

const (
	// DefaultBound is the half-extent of the default bounding box, metres.
	DefaultBound = 10.0
	// DefaultMaxArea is the largest cross-product magnitude of a mesh triangle.
	DefaultMaxArea = 0.001
)

// DefaultAccel is the reading a camera reports before its first motion sample.
var DefaultAccel = mgl64.Vec3{0, 0, -10}

var debugLogger = log.New(io.Discard, "[Capture] ", log.LstdFlags)

// SetDebugLogger routes per-frame diagnostics to w. nil disables them.
func SetDebugLogger(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	debugLogger.SetOutput(w)
}

// AccelSource overrides a camera's built-in accelerometer.
type AccelSource interface {
	// Accel returns the latest reading and whether one has been received.
	Accel() (mgl64.Vec3, bool)
}

// Config holds the filter settings of a Camera.
type Config struct {
	Min     mgl64.Vec3
	Max     mgl64.Vec3
	MaxArea float64
}

// DefaultConfig returns ±10 m bounds and the default mesh area limit.
func DefaultConfig() Config {
	return Config{
		Min:     mgl64.Vec3{-DefaultBound, -DefaultBound, -DefaultBound},
		Max:     mgl64.Vec3{DefaultBound, DefaultBound, DefaultBound},
		MaxArea: DefaultMaxArea,
	}
}

// Validate checks that the bounds are ordered and the area limit positive.
func (c Config) Validate() error {
	for i := 0; i < 3; i++ {
		if c.Min[i] >= c.Max[i] {
			return fmt.Errorf("bounds min %v must be below max %v", c.Min, c.Max)
		}
	}
	if c.MaxArea <= 0 {
		return fmt.Errorf("max area must be positive, got %g", c.MaxArea)
	}
	return nil
}

// Camera owns one opened source and the buffers derived from its frames.
type Camera struct {
	mu  sync.Mutex
	src device.Source
	cfg Config

	accel         mgl64.Vec3
	accelOverride AccelSource
	model         mgl64.Mat4

	width, height int
	timestamp     time.Time
	frames        uint64

	vertices []mgl32.Vec3
	normals  []mgl32.Vec3
	valid    []bool
	indices  []uint32
	mesh     bool
	count    int
}

// NewCamera wraps an opened source.
func NewCamera(src device.Source, cfg Config) (*Camera, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Camera{
		src:   src,
		cfg:   cfg,
		accel: DefaultAccel,
		model: mgl64.Ident4(),
	}, nil
}

// Info returns the device description of the source.
func (c *Camera) Info() device.DeviceInfo { return c.src.Info() }

// Serial is shorthand for Info().Serial.
func (c *Camera) Serial() string { return c.src.Info().Serial }

// Close closes the underlying source.
func (c *Camera) Close() error { return c.src.Close() }

// Config returns the filter settings.
func (c *Camera) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// SetConfig replaces the filter settings; they apply from the next grab.
func (c *Camera) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	return nil
}

// SetAccelSource installs an external accelerometer. nil restores the
// built-in one.
func (c *Camera) SetAccelSource(s AccelSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accelOverride = s
}

// Accel returns the latest accelerometer reading.
func (c *Camera) Accel() mgl64.Vec3 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accel
}

// ModelMatrix returns the transform applied to every vertex.
func (c *Camera) ModelMatrix() mgl64.Mat4 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// SetModelMatrix replaces the transform used from the next grab.
func (c *Camera) SetModelMatrix(m mgl64.Mat4) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = m
}

// Count returns the length of the index list from the last grab.
func (c *Camera) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Size returns the dimensions of the last depth frame.
func (c *Camera) Size() (width, height int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.width, c.height
}

// Frames returns the number of framesets processed.
func (c *Camera) Frames() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// Grab acquires a frameset and rebuilds the point index. With wait false it
// returns false when no frameset is ready. A frameset whose vertex count does
// not match its size also returns false.
func (c *Camera) Grab(ctx context.Context, wait bool) (bool, error) {
	return c.GrabMesh(ctx, wait, false, false)
}

// GrabMesh is Grab with optional triangle mesh and normal generation.
func (c *Camera) GrabMesh(ctx context.Context, wait, createMesh, withNormals bool) (bool, error) {
	var (
		fs  *device.Frameset
		err error
	)
	if wait {
		fs, err = c.src.WaitForFrames(ctx)
		if err != nil {
			return false, fmt.Errorf("wait for frames from %s: %w", c.Serial(), err)
		}
	} else {
		var ok bool
		fs, ok, err = c.src.PollForFrames()
		if err != nil {
			return false, fmt.Errorf("poll frames from %s: %w", c.Serial(), err)
		}
		if !ok {
			return false, nil
		}
	}

	// A malformed frame is dropped whole; the previous cloud stays current.
	if df := fs.Depth; df != nil && df.Width*df.Height != len(df.Vertices) {
		debugLogger.Printf("%s: frame %dx%d carries %d vertices, skipping", c.Serial(), df.Width, df.Height, len(df.Vertices))
		return false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.frames++
	if fs.Accel != nil {
		c.accel = *fs.Accel
	}
	if c.accelOverride != nil {
		if a, ok := c.accelOverride.Accel(); ok {
			c.accel = a
		}
	}
	if fs.Depth == nil {
		return true, nil
	}

	c.process(fs.Depth, createMesh, withNormals)
	return true, nil
}

func (c *Camera) process(df *device.DepthFrame, createMesh, withNormals bool) {
	n := df.Width * df.Height
	if df.Width != c.width || df.Height != c.height || len(c.vertices) != n {
		log.Printf("[Capture] %s: frame size %dx%d, allocating %d points", c.src.Info().Serial, df.Width, df.Height, n)
		c.width, c.height = df.Width, df.Height
		c.vertices = make([]mgl32.Vec3, n)
		c.normals = make([]mgl32.Vec3, n)
		c.valid = make([]bool, n)
		c.indices = make([]uint32, 0, n)
	}
	c.timestamp = df.Timestamp

	for i, raw := range df.Vertices {
		if raw[2] == 0 {
			c.vertices[i] = mgl32.Vec3{}
			c.valid[i] = false
			continue
		}
		p := c.model.Mul4x1(mgl64.Vec4{raw[0], -raw[1], -raw[2], 1})
		v := mgl32.Vec3{float32(p[0]), float32(p[1]), float32(p[2])}
		c.vertices[i] = v
		c.valid[i] = c.inBounds(p.Vec3())
	}

	c.indices = c.indices[:0]
	c.mesh = createMesh
	if createMesh {
		if withNormals {
			clear(c.normals)
		}
		c.buildMesh(withNormals)
	} else {
		for i, ok := range c.valid {
			if ok {
				c.indices = append(c.indices, uint32(i))
			}
		}
	}
	c.count = len(c.indices)
	debugLogger.Printf("%s: %d indices (mesh=%v)", c.src.Info().Serial, c.count, createMesh)
}

func (c *Camera) inBounds(p mgl64.Vec3) bool {
	for i := 0; i < 3; i++ {
		if p[i] <= c.cfg.Min[i] || p[i] >= c.cfg.Max[i] {
			return false
		}
	}
	return true
}

func (c *Camera) buildMesh(withNormals bool) {
	w, h := c.width, c.height
	maxArea := float32(c.cfg.MaxArea)
	for y := 0; y+1 < h; y++ {
		for x := 0; x+1 < w; x++ {
			a := uint32(y*w + x)
			b := a + 1
			cc := a + uint32(w)
			d := cc + 1
			va, vb, vc, vd := c.vertices[a], c.vertices[b], c.vertices[cc], c.vertices[d]

			var n1 mgl32.Vec3
			first := false
			if c.valid[a] && c.valid[b] && c.valid[d] {
				n := vd.Sub(va).Cross(vb.Sub(va))
				if l := n.Len(); l > 0 && l < maxArea {
					c.indices = append(c.indices, a, d, b)
					first = true
					if withNormals {
						n1 = n.Mul(1 / l)
						c.normals[a] = n1
						c.normals[b] = n1
						c.normals[d] = n1
					}
				}
			}
			if c.valid[a] && c.valid[cc] && c.valid[d] {
				n := vc.Sub(va).Cross(vd.Sub(va))
				if l := n.Len(); l > 0 && l < maxArea {
					c.indices = append(c.indices, d, a, cc)
					if withNormals {
						n2 := n.Mul(1 / l)
						c.normals[cc] = n2
						shared := n2
						if first {
							shared = n1.Add(n2)
							if sl := shared.Len(); sl > 0 {
								shared = shared.Mul(1 / sl)
							}
						}
						c.normals[a] = shared
						c.normals[d] = shared
					}
				}
			}
		}
	}
}

// Voxels decays grid by mul and then adds add to the cell of every indexed
// point after mapping it through toVoxel. It returns the number of points
// that landed in the grid.
func (c *Camera) Voxels(grid *voxel.Grid, toVoxel mgl64.Mat4, mul, add float32) int {
	grid.Decay(mul)

	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, idx := range c.indices {
		v := c.vertices[idx]
		p := toVoxel.Mul4x1(mgl64.Vec4{float64(v[0]), float64(v[1]), float64(v[2]), 1})
		if grid.Add(p.Vec3(), add) {
			n++
		}
	}
	return n
}

// Cloud is a snapshot of one camera's points in world coordinates.
type Cloud struct {
	Serial    string
	Timestamp time.Time
	Width     int
	Height    int
	Accel     mgl64.Vec3
	Model     mgl64.Mat4
	Points    []mgl32.Vec3
	// Normals is parallel to Points when the last grab built a mesh with normals.
	Normals []mgl32.Vec3
}

// Cloud copies the indexed points. After a mesh grab each referenced vertex
// appears once.
func (c *Camera) Cloud() Cloud {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl := Cloud{
		Serial:    c.src.Info().Serial,
		Timestamp: c.timestamp,
		Width:     c.width,
		Height:    c.height,
		Accel:     c.accel,
		Model:     c.model,
	}
	if !c.mesh {
		cl.Points = make([]mgl32.Vec3, len(c.indices))
		for i, idx := range c.indices {
			cl.Points[i] = c.vertices[idx]
		}
		return cl
	}

	seen := make([]bool, len(c.vertices))
	for _, idx := range c.indices {
		if seen[idx] {
			continue
		}
		seen[idx] = true
		cl.Points = append(cl.Points, c.vertices[idx])
		cl.Normals = append(cl.Normals, c.normals[idx])
	}
	return cl
}

// Mesh is the full vertex buffer of the last frame with triangle indices.
type Mesh struct {
	Vertices  []mgl32.Vec3
	Normals   []mgl32.Vec3
	Triangles []uint32
}

// Mesh copies the last mesh. It is empty unless the last grab built one.
func (c *Camera) Mesh() Mesh {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mesh {
		return Mesh{}
	}
	return Mesh{
		Vertices:  append([]mgl32.Vec3(nil), c.vertices...),
		Normals:   append([]mgl32.Vec3(nil), c.normals...),
		Triangles: append([]uint32(nil), c.indices...),
	}
}
