// Package voxel holds a dense occupancy grid that fades over time.
package voxel

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Grid is a dense float32 grid indexed x + y*dx + z*dx*dy.
type Grid struct {
	Dim  [3]int
	Data []float32
}

// Cell is one occupied voxel.
type Cell struct {
	X     int     `json:"x"`
	Y     int     `json:"y"`
	Z     int     `json:"z"`
	Value float32 `json:"value"`
}

// NewGrid allocates a zeroed grid.
func NewGrid(dx, dy, dz int) (*Grid, error) {
	if dx <= 0 || dy <= 0 || dz <= 0 {
		return nil, fmt.Errorf("invalid voxel dimensions %dx%dx%d", dx, dy, dz)
	}
	return &Grid{Dim: [3]int{dx, dy, dz}, Data: make([]float32, dx*dy*dz)}, nil
}

// Index returns the flat index of cell (x,y,z), or -1 when out of range.
func (g *Grid) Index(x, y, z int) int {
	if x < 0 || y < 0 || z < 0 || x >= g.Dim[0] || y >= g.Dim[1] || z >= g.Dim[2] {
		return -1
	}
	return x + y*g.Dim[0] + z*g.Dim[0]*g.Dim[1]
}

// At returns the value of cell (x,y,z); out of range cells read as zero.
func (g *Grid) At(x, y, z int) float32 {
	if i := g.Index(x, y, z); i >= 0 {
		return g.Data[i]
	}
	return 0
}

// Decay multiplies every cell by mul.
func (g *Grid) Decay(mul float32) {
	if mul == 1 {
		return
	}
	for i := range g.Data {
		g.Data[i] *= mul
	}
}

// Add adds add to the cell containing v, a position in the unit cube.
// It reports whether v fell inside the grid.
func (g *Grid) Add(v mgl64.Vec3, add float32) bool {
	x := int(math.Floor(v[0] * float64(g.Dim[0])))
	y := int(math.Floor(v[1] * float64(g.Dim[1])))
	z := int(math.Floor(v[2] * float64(g.Dim[2])))
	i := g.Index(x, y, z)
	if i < 0 {
		return false
	}
	g.Data[i] += add
	return true
}

// Occupied returns every cell whose value is at least threshold.
func (g *Grid) Occupied(threshold float32) []Cell {
	var out []Cell
	dx, dy := g.Dim[0], g.Dim[1]
	for i, v := range g.Data {
		if v < threshold || v == 0 {
			continue
		}
		out = append(out, Cell{X: i % dx, Y: (i / dx) % dy, Z: i / (dx * dy), Value: v})
	}
	return out
}

// Sum returns the total of all cells.
func (g *Grid) Sum() float64 {
	var s float64
	for _, v := range g.Data {
		s += float64(v)
	}
	return s
}

// Reset zeroes the grid.
func (g *Grid) Reset() {
	clear(g.Data)
}

// ToVoxelMatrix maps the world box [min, max] onto the unit cube.
func ToVoxelMatrix(min, max mgl64.Vec3) mgl64.Mat4 {
	size := max.Sub(min)
	return mgl64.Scale3D(1/size[0], 1/size[1], 1/size[2]).
		Mul4(mgl64.Translate3D(-min[0], -min[1], -min[2]))
}
