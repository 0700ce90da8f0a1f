package pcd

import (
	"bytes"
	"image/color"
	"strings"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cyan = color.NRGBA{R: 0, G: 255, B: 255, A: 255}

func samplePoints() []mgl32.Vec3 {
	return []mgl32.Vec3{{0, 0, -1}, {0.25, 1.5, -2.125}, {-3, 0.001, 7}}
}

func TestWriteReadBothFormats(t *testing.T) {
	clouds := map[string]Cloud{
		"plain":   {Points: samplePoints()},
		"colored": Uniform(samplePoints(), cyan),
		"empty":   {Points: []mgl32.Vec3{}},
	}
	for name, cloud := range clouds {
		for _, format := range []Format{Ascii, Binary} {
			t.Run(name+"/"+format.String(), func(t *testing.T) {
				var buf bytes.Buffer
				require.NoError(t, Write(&buf, cloud, format))

				got, err := Read(&buf)
				require.NoError(t, err)
				if diff := cmp.Diff(cloud, got); diff != "" {
					t.Errorf("cloud mismatch (-want +got):\n%s", diff)
				}
			})
		}
	}
}

func TestWriteHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, Uniform(samplePoints()[:1], cyan), Ascii))

	want := strings.Join([]string{
		"# .PCD v0.7 - Point Cloud Data file format",
		"VERSION .7",
		"FIELDS x y z rgb",
		"SIZE 4 4 4 4",
		"TYPE F F F U",
		"COUNT 1 1 1 1",
		"WIDTH 1",
		"HEIGHT 1",
		"VIEWPOINT 0 0 0 1 0 0 0",
		"POINTS 1",
		"DATA ascii",
		"0 0 -1 65535",
		"",
	}, "\n")
	assert.Equal(t, want, buf.String())
}

func TestWriteRejectsMismatchedColors(t *testing.T) {
	err := Write(&bytes.Buffer{}, Cloud{Points: samplePoints(), Colors: []color.NRGBA{cyan}}, Binary)
	assert.Error(t, err)
	assert.Error(t, Write(&bytes.Buffer{}, Cloud{}, Format(9)))
}

func TestReadErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"wrong version", "VERSION .6\n"},
		{"out of order", "VERSION .7\nSIZE 4 4 4\n"},
		{"normals", "VERSION .7\nFIELDS x y z normal_x\n"},
		{"compressed", "VERSION .7\nFIELDS x y z\nSIZE 4 4 4\nTYPE F F F\nCOUNT 1 1 1\nWIDTH 1\nHEIGHT 1\nVIEWPOINT 0 0 0 1 0 0 0\nPOINTS 1\nDATA binary_compressed\n"},
		{"short ascii", "VERSION .7\nFIELDS x y z\nSIZE 4 4 4\nTYPE F F F\nCOUNT 1 1 1\nWIDTH 2\nHEIGHT 1\nVIEWPOINT 0 0 0 1 0 0 0\nPOINTS 2\nDATA ascii\n1 2 3\n"},
		{"points beyond size", "VERSION .7\nFIELDS x y z\nSIZE 4 4 4\nTYPE F F F\nCOUNT 1 1 1\nWIDTH 1\nHEIGHT 1\nVIEWPOINT 0 0 0 1 0 0 0\nPOINTS 99999999999999\nDATA binary\n"},
		{"huge unread cloud", "VERSION .7\nFIELDS x y z\nSIZE 4 4 4\nTYPE F F F\nCOUNT 1 1 1\nWIDTH 99999999999999\nHEIGHT 1\nVIEWPOINT 0 0 0 1 0 0 0\nPOINTS 99999999999999\nDATA binary\n\x00\x00"},
		{"bad width", "VERSION .7\nFIELDS x y z\nSIZE 4 4 4\nTYPE F F F\nCOUNT 1 1 1\nWIDTH -1\n"},
		{"short binary", "VERSION .7\nFIELDS x y z\nSIZE 4 4 4\nTYPE F F F\nCOUNT 1 1 1\nWIDTH 1\nHEIGHT 1\nVIEWPOINT 0 0 0 1 0 0 0\nPOINTS 1\nDATA binary\n\x00\x00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			require.NotPanics(t, func() { _, err = Read(strings.NewReader(tt.in)) })
			assert.Error(t, err)
		})
	}
}

func TestReadAsciiWithoutTrailingNewline(t *testing.T) {
	in := "VERSION 0.7\nFIELDS x y z\nSIZE 4 4 4\nTYPE F F F\nCOUNT 1 1 1\nWIDTH 1\nHEIGHT 1\nVIEWPOINT 0 0 0 1 0 0 0\nPOINTS 1\nDATA ascii\n1 2 3"
	got, err := Read(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, []mgl32.Vec3{{1, 2, 3}}, got.Points)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("ASCII")
	require.NoError(t, err)
	assert.Equal(t, Ascii, f)

	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, Binary, f)

	_, err = ParseFormat("las")
	assert.Error(t, err)
}
