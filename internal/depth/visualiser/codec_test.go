package visualiser

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestCodecRegistered(t *testing.T) {
	c := encoding.GetCodec(CodecName)
	if c == nil {
		t.Fatal("codec not registered")
	}
	if c.Name() != CodecName {
		t.Fatalf("Name() = %q", c.Name())
	}
}

func TestCodecFrameBundle(t *testing.T) {
	want := &FrameBundle{
		FrameID:        77,
		TimestampNanos: 1700000000123456789,
		Clouds: []*CameraCloud{
			testCloud("SYN-0001", 5),
			{Serial: "meta-only", Color: [4]float32{1, 0, 1, 1}, Accel: [3]float32{0, -9.8, 0}},
		},
	}
	want.Clouds[0].ModelMatrix = [16]float32{-1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0.7, 1.8, 0, 1}
	want.Clouds[0].DecimationMode = DecimationVoxel
	want.Clouds[0].DecimationRatio = 0.25

	b, err := Codec{}.Marshal(want)
	if err != nil {
		t.Fatal(err)
	}
	got := new(FrameBundle)
	if err := (Codec{}).Unmarshal(b, got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("bundle mismatch (-want +got):\n%s", diff)
	}

	viaHelper, err := UnmarshalFrame(MarshalFrame(want))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, viaHelper); diff != "" {
		t.Errorf("MarshalFrame mismatch (-want +got):\n%s", diff)
	}
}

func TestCodecStreamRequest(t *testing.T) {
	want := &StreamRequest{Serial: "SYN-0002", IncludePoints: true, Decimation: DecimationUniform, DecimationRatio: 0.5}
	b, err := Codec{}.Marshal(want)
	if err != nil {
		t.Fatal(err)
	}
	got := &StreamRequest{Serial: "stale"}
	if err := (Codec{}).Unmarshal(b, got); err != nil {
		t.Fatal(err)
	}
	if *got != *want {
		t.Errorf("got %+v, want %+v", got, want)
	}

	// The empty request encodes to nothing.
	empty, _ := Codec{}.Marshal(&StreamRequest{})
	if len(empty) != 0 {
		t.Errorf("empty request encoded to %d bytes", len(empty))
	}
}

func TestCodecSkipsUnknownFields(t *testing.T) {
	b := (&StreamRequest{Serial: "X"}).appendWire(nil)
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "future field")
	b = protowire.AppendTag(b, 98, protowire.VarintType)
	b = protowire.AppendVarint(b, 12345)

	var got StreamRequest
	if err := got.unmarshalWire(b); err != nil {
		t.Fatal(err)
	}
	if got.Serial != "X" {
		t.Errorf("Serial = %q", got.Serial)
	}
}

func TestCodecAcceptsUnpackedFloats(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 5, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 0x3f800000) // 1.0
	b = protowire.AppendTag(b, 6, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 0)
	b = protowire.AppendTag(b, 7, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 0)
	b = protowire.AppendTag(b, 8, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)

	var c CameraCloud
	if err := c.unmarshalWire(b); err != nil {
		t.Fatal(err)
	}
	if c.PointCount != 1 || c.X[0] != 1 {
		t.Errorf("got %+v", c)
	}
}

func TestCodecErrors(t *testing.T) {
	if _, err := (Codec{}).Marshal("not a message"); err == nil {
		t.Error("expected marshal error")
	}
	if err := (Codec{}).Unmarshal(nil, new(int)); err == nil {
		t.Error("expected unmarshal error")
	}

	tests := map[string][]byte{
		"truncated tag":   {0x80},
		"bad string type": protowire.AppendVarint(protowire.AppendTag(nil, 1, protowire.VarintType), 1),
		"ragged packed":   protowire.AppendBytes(protowire.AppendTag(nil, 5, protowire.BytesType), []byte{1, 2, 3}),
		"count mismatch":  protowire.AppendVarint(protowire.AppendTag(nil, 8, protowire.VarintType), 3),
	}
	for name, b := range tests {
		var c CameraCloud
		if err := c.unmarshalWire(b); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}

	if _, err := UnmarshalFrame([]byte{0x1a, 0x05, 0x01}); err == nil {
		t.Error("expected error for truncated cloud")
	}
}
