package render

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
	colorful "github.com/lucasb-eyer/go-colorful"
)

// DefaultPointScale is the image height in pixels at which a point one unit
// of clip w away covers one pixel.
const DefaultPointScale = 500

// Layer is one camera's contribution to a frame.
type Layer struct {
	Points []mgl32.Vec3
	Color  colorful.Color
	// Alpha scales the additive contribution; 0 is treated as 1.
	Alpha float64
}

// Palette returns the default colour for camera i: cyan, magenta, yellow and
// then further hues spaced around the wheel.
func Palette(i int) colorful.Color {
	hue := math.Mod(180+float64(i)*120, 360)
	if i >= 3 {
		hue = math.Mod(hue+float64(i/3)*40, 360)
	}
	return colorful.Hsv(hue, 1, 1)
}

// ParseColor accepts "#rrggbb" hex colours.
func ParseColor(s string) (colorful.Color, error) {
	c, err := colorful.Hex(s)
	if err != nil {
		return colorful.Color{}, fmt.Errorf("parse colour %q: %w", s, err)
	}
	return c, nil
}

// Renderer draws layers from a View.
type Renderer struct {
	Width      int
	Height     int
	PointScale float64
	View       View
}

// NewRenderer validates the view and image size.
func NewRenderer(width, height int, view View) (*Renderer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", width, height)
	}
	if err := view.Validate(); err != nil {
		return nil, err
	}
	return &Renderer{Width: width, Height: height, PointScale: DefaultPointScale, View: view}, nil
}

// Stats counts what happened to the points of one render.
type Stats struct {
	Drawn   int
	Clipped int
}

// Render draws every layer at time t. Blending is additive with no depth
// test, so overlapping points from different cameras mix their colours.
func (r *Renderer) Render(t float64, layers []Layer) (*image.RGBA, Stats) {
	w, h := r.Width, r.Height
	acc := make([]float32, w*h*3)
	var st Stats

	proj, view := r.View.Matrices(t, float64(w)/float64(h))
	pv := proj.Mul4(view)
	scale := r.PointScale
	if scale <= 0 {
		scale = DefaultPointScale
	}

	for _, layer := range layers {
		alpha := layer.Alpha
		if alpha == 0 {
			alpha = 1
		}
		cr, cg, cb := float32(layer.Color.R), float32(layer.Color.G), float32(layer.Color.B)
		ca := float32(alpha)

		for _, p := range layer.Points {
			clip := pv.Mul4x1(mgl64.Vec4{float64(p[0]), float64(p[1]), float64(p[2]), 1})
			cw := clip[3]
			if cw <= 0 || math.Abs(clip[0]) > cw || math.Abs(clip[1]) > cw || math.Abs(clip[2]) > cw {
				st.Clipped++
				continue
			}
			size := (float64(h) / scale) / cw
			if size < 1 {
				size = 1
			}
			cx := (clip[0]/cw + 1) / 2 * float64(w)
			cy := (1 - clip[1]/cw) / 2 * float64(h)
			r.splat(acc, cx, cy, size, cr, cg, cb, ca)
			st.Drawn++
		}
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < w*h; i++ {
		img.Pix[i*4+0] = toByte(acc[i*3+0])
		img.Pix[i*4+1] = toByte(acc[i*3+1])
		img.Pix[i*4+2] = toByte(acc[i*3+2])
		img.Pix[i*4+3] = 0xff
	}
	return img, st
}

// splat adds one sprite of the given size centred on (cx, cy). Inside the
// sprite pc runs from -1 to 1 on each axis and the colour is scaled by
// max(0, 1-|pc|) before blending with (src.a, one).
func (r *Renderer) splat(acc []float32, cx, cy, size float64, cr, cg, cb, ca float32) {
	if size <= 1 {
		// A one-pixel sprite is sampled at its centre only.
		px, py := int(math.Floor(cx)), int(math.Floor(cy))
		if px < 0 || py < 0 || px >= r.Width || py >= r.Height {
			return
		}
		i := (py*r.Width + px) * 3
		acc[i+0] += cr * ca
		acc[i+1] += cg * ca
		acc[i+2] += cb * ca
		return
	}
	x0 := cx - size/2
	y0 := cy - size/2
	minX := int(math.Floor(x0))
	minY := int(math.Floor(y0))
	maxX := int(math.Ceil(x0 + size))
	maxY := int(math.Ceil(y0 + size))

	for py := max(minY, 0); py < min(maxY, r.Height); py++ {
		v := (float64(py) + 0.5 - y0) / size
		if v < 0 || v > 1 {
			continue
		}
		for px := max(minX, 0); px < min(maxX, r.Width); px++ {
			u := (float64(px) + 0.5 - x0) / size
			if u < 0 || u > 1 {
				continue
			}
			pcx, pcy := (u-0.5)*2, (v-0.5)*2
			dist := float32(math.Max(0, 1-math.Hypot(pcx, pcy)))
			if dist == 0 {
				continue
			}
			srcA := ca * dist
			i := (py*r.Width + px) * 3
			acc[i+0] += cr * dist * srcA
			acc[i+1] += cg * dist * srcA
			acc[i+2] += cb * dist * srcA
		}
	}
}

func toByte(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 0xff
	}
	return uint8(v*255 + 0.5)
}

// RGBA converts a palette colour to an 8-bit colour.
func RGBA(c colorful.Color) color.RGBA {
	r, g, b := c.Clamped().RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 0xff}
}
