// Package pcd reads and writes point clouds in the PCD v0.7 format.
package pcd

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl32"
)

// Format selects the DATA section encoding.
type Format int

const (
	Ascii Format = iota
	Binary
)

func (f Format) String() string {
	switch f {
	case Ascii:
		return "ascii"
	case Binary:
		return "binary"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// ParseFormat accepts "ascii" or "binary"; empty means binary.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "ascii":
		return Ascii, nil
	case "", "binary":
		return Binary, nil
	}
	return 0, fmt.Errorf("unsupported pcd format %q", s)
}

// Cloud is an unorganised point cloud with optional per-point colour.
type Cloud struct {
	Points []mgl32.Vec3
	// Colors is nil or parallel to Points.
	Colors []color.NRGBA
}

// Uniform returns a cloud whose points all share one colour.
func Uniform(points []mgl32.Vec3, c color.NRGBA) Cloud {
	colors := make([]color.NRGBA, len(points))
	for i := range colors {
		colors[i] = c
	}
	return Cloud{Points: points, Colors: colors}
}

// HasColor reports whether the cloud carries an rgb field.
func (c Cloud) HasColor() bool { return c.Colors != nil }

var headerFields = []string{"VERSION", "FIELDS", "SIZE", "TYPE", "COUNT", "WIDTH", "HEIGHT", "VIEWPOINT", "POINTS", "DATA"}

// ErrCompressed is returned for binary_compressed files.
var ErrCompressed = errors.New("compressed pcd not supported")

func packRGB(c color.NRGBA) uint32 {
	return uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B)
}

func unpackRGB(v uint32) color.NRGBA {
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}
}

// Write encodes cloud to w.
func Write(w io.Writer, cloud Cloud, format Format) error {
	if cloud.HasColor() && len(cloud.Colors) != len(cloud.Points) {
		return fmt.Errorf("cloud has %d points but %d colours", len(cloud.Points), len(cloud.Colors))
	}
	if format != Ascii && format != Binary {
		return fmt.Errorf("unsupported pcd format %v", format)
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# .PCD v0.7 - Point Cloud Data file format\nVERSION .7\n")
	if cloud.HasColor() {
		fmt.Fprintf(bw, "FIELDS x y z rgb\nSIZE 4 4 4 4\nTYPE F F F U\nCOUNT 1 1 1 1\n")
	} else {
		fmt.Fprintf(bw, "FIELDS x y z\nSIZE 4 4 4\nTYPE F F F\nCOUNT 1 1 1\n")
	}
	n := len(cloud.Points)
	fmt.Fprintf(bw, "WIDTH %d\nHEIGHT 1\nVIEWPOINT 0 0 0 1 0 0 0\nPOINTS %d\nDATA %s\n", n, n, format)

	var buf [16]byte
	for i, p := range cloud.Points {
		switch format {
		case Binary:
			binary.LittleEndian.PutUint32(buf[0:], math.Float32bits(p[0]))
			binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(p[1]))
			binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(p[2]))
			size := 12
			if cloud.HasColor() {
				binary.LittleEndian.PutUint32(buf[12:], packRGB(cloud.Colors[i]))
				size = 16
			}
			bw.Write(buf[:size])
		case Ascii:
			bw.WriteString(strconv.FormatFloat(float64(p[0]), 'g', -1, 32))
			bw.WriteByte(' ')
			bw.WriteString(strconv.FormatFloat(float64(p[1]), 'g', -1, 32))
			bw.WriteByte(' ')
			bw.WriteString(strconv.FormatFloat(float64(p[2]), 'g', -1, 32))
			if cloud.HasColor() {
				bw.WriteByte(' ')
				bw.WriteString(strconv.FormatUint(uint64(packRGB(cloud.Colors[i])), 10))
			}
			bw.WriteByte('\n')
		}
	}
	return bw.Flush()
}

type header struct {
	color  bool
	width  int
	height int
	points int
	format Format
}

// maxPrealloc caps the slice capacity taken on trust from the POINTS header.
const maxPrealloc = 1 << 16

// Read decodes a cloud written by Write or another PCD v0.7 producer using
// x y z [rgb] float/unsigned fields.
func Read(r io.Reader) (Cloud, error) {
	in := bufio.NewReader(r)
	var h header
	for idx := 0; idx < len(headerFields); {
		line, err := in.ReadString('\n')
		if err != nil {
			return Cloud{}, fmt.Errorf("read header line %d: %w", idx, err)
		}
		line, _, _ = strings.Cut(line, "#")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := parseHeaderLine(line, headerFields[idx], &h); err != nil {
			return Cloud{}, err
		}
		idx++
	}

	if h.points != h.width*h.height {
		return Cloud{}, fmt.Errorf("POINTS %d does not match WIDTH %d x HEIGHT %d", h.points, h.width, h.height)
	}

	n := min(h.points, maxPrealloc)
	cloud := Cloud{Points: make([]mgl32.Vec3, 0, n)}
	if h.color {
		cloud.Colors = make([]color.NRGBA, 0, n)
	}
	var err error
	switch h.format {
	case Ascii:
		err = readAscii(in, h, &cloud)
	default:
		err = readBinary(in, h, &cloud)
	}
	if err != nil {
		return Cloud{}, err
	}
	return cloud, nil
}

func headerInt(name, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s field %q", name, value)
	}
	return n, nil
}

func parseHeaderLine(line, name string, h *header) error {
	field, value, _ := strings.Cut(line, " ")
	if field != name {
		return fmt.Errorf("expected %s header, got %q", name, line)
	}
	switch name {
	case "VERSION":
		if value != ".7" && value != "0.7" {
			return fmt.Errorf("unsupported pcd version %s", value)
		}
	case "FIELDS":
		switch value {
		case "x y z":
		case "x y z rgb":
			h.color = true
		default:
			return fmt.Errorf("unsupported pcd fields %s", value)
		}
	case "SIZE":
		for _, tok := range strings.Fields(value) {
			if tok != "4" {
				return fmt.Errorf("unsupported field size %s", tok)
			}
		}
	case "WIDTH":
		n, err := headerInt(name, value)
		if err != nil {
			return err
		}
		h.width = n
	case "HEIGHT":
		n, err := headerInt(name, value)
		if err != nil {
			return err
		}
		h.height = n
	case "POINTS":
		n, err := headerInt(name, value)
		if err != nil {
			return err
		}
		h.points = n
	case "DATA":
		switch value {
		case "ascii":
			h.format = Ascii
		case "binary":
			h.format = Binary
		case "binary_compressed":
			return ErrCompressed
		default:
			return fmt.Errorf("unsupported pcd data %q", value)
		}
	}
	return nil
}

func readAscii(in *bufio.Reader, h header, cloud *Cloud) error {
	want := 3
	if h.color {
		want = 4
	}
	for i := 0; i < h.points; i++ {
		line, err := in.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return fmt.Errorf("read point %d: %w", i, err)
		}
		tokens := strings.Fields(line)
		if len(tokens) != want {
			return fmt.Errorf("point %d has %d fields, want %d", i, len(tokens), want)
		}
		var p mgl32.Vec3
		for j := 0; j < 3; j++ {
			v, err := strconv.ParseFloat(tokens[j], 32)
			if err != nil {
				return fmt.Errorf("point %d field %d: %w", i, j, err)
			}
			p[j] = float32(v)
		}
		cloud.Points = append(cloud.Points, p)
		if h.color {
			v, err := strconv.ParseFloat(tokens[3], 64)
			if err != nil {
				return fmt.Errorf("point %d rgb: %w", i, err)
			}
			cloud.Colors = append(cloud.Colors, unpackRGB(uint32(v)))
		}
	}
	return nil
}

func readBinary(in *bufio.Reader, h header, cloud *Cloud) error {
	size := 12
	if h.color {
		size = 16
	}
	buf := make([]byte, size)
	for i := 0; i < h.points; i++ {
		if _, err := io.ReadFull(in, buf); err != nil {
			return fmt.Errorf("read point %d: %w", i, err)
		}
		cloud.Points = append(cloud.Points, mgl32.Vec3{
			math.Float32frombits(binary.LittleEndian.Uint32(buf[0:])),
			math.Float32frombits(binary.LittleEndian.Uint32(buf[4:])),
			math.Float32frombits(binary.LittleEndian.Uint32(buf[8:])),
		})
		if h.color {
			cloud.Colors = append(cloud.Colors, unpackRGB(binary.LittleEndian.Uint32(buf[12:])))
		}
	}
	return nil
}
