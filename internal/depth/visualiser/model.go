// Package visualiser streams captured point clouds to remote viewers over
// gRPC and to in-process subscribers.
package visualiser

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
	colorful "github.com/lucasb-eyer/go-colorful"

	"github.com/banshee-data/depthview/internal/depth/capture"
)

// DecimationMode selects how a stream thins point clouds.
type DecimationMode int32

const (
	DecimationNone DecimationMode = iota
	DecimationUniform
	DecimationVoxel
)

func (m DecimationMode) String() string {
	switch m {
	case DecimationNone:
		return "none"
	case DecimationUniform:
		return "uniform"
	case DecimationVoxel:
		return "voxel"
	}
	return "unknown"
}

// ParseDecimation maps a name back to its mode.
func ParseDecimation(s string) (DecimationMode, bool) {
	switch s {
	case "", "none":
		return DecimationNone, true
	case "uniform":
		return DecimationUniform, true
	case "voxel":
		return DecimationVoxel, true
	}
	return DecimationNone, false
}

// FrameBundle is everything published for one tick of the scene loop.
type FrameBundle struct {
	FrameID        uint64
	TimestampNanos int64
	Clouds         []*CameraCloud
}

// CameraCloud is one camera's points in world coordinates.
type CameraCloud struct {
	Serial      string
	Color       [4]float32
	ModelMatrix [16]float32 // column-major
	Accel       [3]float32
	X, Y, Z     []float32
	PointCount  int

	DecimationMode  DecimationMode
	DecimationRatio float32
}

// NewCameraCloud converts a capture snapshot.
func NewCameraCloud(cl capture.Cloud, c colorful.Color) *CameraCloud {
	cc := &CameraCloud{
		Serial:     cl.Serial,
		Color:      [4]float32{float32(c.R), float32(c.G), float32(c.B), 1},
		Accel:      [3]float32{float32(cl.Accel[0]), float32(cl.Accel[1]), float32(cl.Accel[2])},
		X:          make([]float32, len(cl.Points)),
		Y:          make([]float32, len(cl.Points)),
		Z:          make([]float32, len(cl.Points)),
		PointCount: len(cl.Points),
	}
	for i, v := range cl.Model {
		cc.ModelMatrix[i] = float32(v)
	}
	for i, p := range cl.Points {
		cc.X[i], cc.Y[i], cc.Z[i] = p[0], p[1], p[2]
	}
	return cc
}

// Points returns the cloud as vectors.
func (c *CameraCloud) Points() []mgl32.Vec3 {
	out := make([]mgl32.Vec3, c.PointCount)
	for i := range out {
		out[i] = mgl32.Vec3{c.X[i], c.Y[i], c.Z[i]}
	}
	return out
}

// Colorful returns Color as a palette colour.
func (c *CameraCloud) Colorful() colorful.Color {
	return colorful.Color{R: float64(c.Color[0]), G: float64(c.Color[1]), B: float64(c.Color[2])}
}

// clone copies the metadata; points are shared unless withPoints copies them.
func (c *CameraCloud) clone(withPoints bool) *CameraCloud {
	out := *c
	if !withPoints {
		out.X, out.Y, out.Z = nil, nil, nil
		out.PointCount = 0
		return &out
	}
	out.X = append([]float32(nil), c.X...)
	out.Y = append([]float32(nil), c.Y...)
	out.Z = append([]float32(nil), c.Z...)
	return &out
}

// StreamRequest configures one stream.
type StreamRequest struct {
	// Serial restricts the stream to one camera; empty means all.
	Serial          string
	IncludePoints   bool
	Decimation      DecimationMode
	DecimationRatio float32
}

// Validate checks the decimation ratio.
func (r *StreamRequest) Validate() error {
	if r.Decimation != DecimationNone && (r.DecimationRatio <= 0 || r.DecimationRatio > 1) {
		return fmt.Errorf("decimation ratio %.3f outside (0, 1]", r.DecimationRatio)
	}
	return nil
}

// ForRequest returns the view of f a client asked for. f itself is not
// modified, so one bundle can be shared across clients.
func (f *FrameBundle) ForRequest(req *StreamRequest) *FrameBundle {
	out := &FrameBundle{FrameID: f.FrameID, TimestampNanos: f.TimestampNanos}
	for _, c := range f.Clouds {
		if req.Serial != "" && c.Serial != req.Serial {
			continue
		}
		if !req.IncludePoints {
			out.Clouds = append(out.Clouds, c.clone(false))
			continue
		}
		if req.Decimation == DecimationNone {
			out.Clouds = append(out.Clouds, c)
			continue
		}
		cc := c.clone(true)
		cc.ApplyDecimation(req.Decimation, req.DecimationRatio)
		out.Clouds = append(out.Clouds, cc)
	}
	return out
}

// PointCount sums the points of all clouds.
func (f *FrameBundle) PointCount() int {
	n := 0
	for _, c := range f.Clouds {
		n += c.PointCount
	}
	return n
}

// ApplyDecimation thins the cloud in place. Ratios outside (0, 1] are ignored.
func (c *CameraCloud) ApplyDecimation(mode DecimationMode, ratio float32) {
	if mode == DecimationNone || ratio <= 0 || ratio > 1 {
		return
	}
	switch mode {
	case DecimationUniform:
		c.applyUniformDecimation(ratio)
	case DecimationVoxel:
		// At ratio 0.5 the leaf is 2 cm; at 0.25, 4 cm.
		c.applyVoxelDecimation(float32(0.01 / float64(ratio)))
	default:
		return
	}
	c.DecimationMode = mode
	c.DecimationRatio = ratio
}

// applyUniformDecimation keeps every Nth point.
func (c *CameraCloud) applyUniformDecimation(ratio float32) {
	if ratio == 1 || c.PointCount == 0 {
		return
	}
	target := int(float32(c.PointCount) * ratio)
	if target <= 0 {
		target = 1
	}
	stride := c.PointCount / target
	if stride < 1 {
		stride = 1
	}
	kept := 0
	for i := 0; i < c.PointCount && kept < target; i += stride {
		c.X[kept], c.Y[kept], c.Z[kept] = c.X[i], c.Y[i], c.Z[i]
		kept++
	}
	c.truncate(kept)
}

// applyVoxelDecimation keeps, per cubic leaf, the point closest to the
// leaf's centroid.
func (c *CameraCloud) applyVoxelDecimation(leaf float32) {
	if c.PointCount == 0 || leaf <= 0 {
		return
	}
	inv := 1 / float64(leaf)
	key := func(i int) [3]int64 {
		return [3]int64{
			int64(math.Floor(float64(c.X[i]) * inv)),
			int64(math.Floor(float64(c.Y[i]) * inv)),
			int64(math.Floor(float64(c.Z[i]) * inv)),
		}
	}

	type accum struct {
		sum   [3]float64
		count int
		best  int
		bestD float64
	}
	cells := make(map[[3]int64]*accum, c.PointCount/4)
	for i := 0; i < c.PointCount; i++ {
		k := key(i)
		a, ok := cells[k]
		if !ok {
			a = &accum{best: i, bestD: math.MaxFloat64}
			cells[k] = a
		}
		a.sum[0] += float64(c.X[i])
		a.sum[1] += float64(c.Y[i])
		a.sum[2] += float64(c.Z[i])
		a.count++
	}
	for i := 0; i < c.PointCount; i++ {
		a := cells[key(i)]
		n := float64(a.count)
		dx := float64(c.X[i]) - a.sum[0]/n
		dy := float64(c.Y[i]) - a.sum[1]/n
		dz := float64(c.Z[i]) - a.sum[2]/n
		if d := dx*dx + dy*dy + dz*dz; d < a.bestD {
			a.bestD = d
			a.best = i
		}
	}

	keep := make([]bool, c.PointCount)
	for _, a := range cells {
		keep[a.best] = true
	}
	kept := 0
	for i := 0; i < c.PointCount; i++ {
		if keep[i] {
			c.X[kept], c.Y[kept], c.Z[kept] = c.X[i], c.Y[i], c.Z[i]
			kept++
		}
	}
	c.truncate(kept)
}

func (c *CameraCloud) truncate(n int) {
	c.X, c.Y, c.Z = c.X[:n], c.Y[:n], c.Z[:n]
	c.PointCount = n
}
