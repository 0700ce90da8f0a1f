package visualiser

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
)

// CodecName is the gRPC content-subtype of the viewer service.
const CodecName = "depthview"

func init() {
	encoding.RegisterCodec(Codec{})
}

// wireMessage is implemented by every message of the viewer service.
type wireMessage interface {
	appendWire(b []byte) []byte
	unmarshalWire(b []byte) error
}

// Codec encodes viewer messages in protobuf wire format:
//
//	message StreamRequest {
//	  string serial = 1; bool include_points = 2;
//	  int32 decimation = 3; float decimation_ratio = 4;
//	}
//	message CameraCloud {
//	  string serial = 1; repeated float color = 2; repeated float model_matrix = 3;
//	  repeated float accel = 4; repeated float x = 5; repeated float y = 6;
//	  repeated float z = 7; int32 point_count = 8; int32 decimation_mode = 9;
//	  float decimation_ratio = 10;
//	}
//	message FrameBundle { uint64 frame_id = 1; int64 timestamp_ns = 2; repeated CameraCloud clouds = 3; }
type Codec struct{}

// Name implements encoding.Codec.
func (Codec) Name() string { return CodecName }

// Marshal implements encoding.Codec.
func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("depthview codec cannot marshal %T", v)
	}
	return m.appendWire(nil), nil
}

// Unmarshal implements encoding.Codec.
func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("depthview codec cannot unmarshal into %T", v)
	}
	return m.unmarshalWire(data)
}

// MarshalFrame encodes a bundle for non-gRPC transports such as websockets.
func MarshalFrame(f *FrameBundle) []byte { return f.appendWire(nil) }

// UnmarshalFrame decodes a bundle produced by MarshalFrame.
func UnmarshalFrame(b []byte) (*FrameBundle, error) {
	f := new(FrameBundle)
	if err := f.unmarshalWire(b); err != nil {
		return nil, err
	}
	return f, nil
}

var errTruncated = errors.New("truncated message")

func appendFloats(b []byte, num protowire.Number, vs []float32) []byte {
	if len(vs) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(4*len(vs)))
	for _, v := range vs {
		b = protowire.AppendFixed32(b, math.Float32bits(v))
	}
	return b
}

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// consumeFloats reads a packed or unpacked repeated float field value.
func consumeFloats(b []byte, typ protowire.Type, dst []float32) ([]float32, int, error) {
	switch typ {
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return dst, 0, protowire.ParseError(n)
		}
		return append(dst, math.Float32frombits(v)), n, nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return dst, 0, protowire.ParseError(n)
		}
		if len(packed)%4 != 0 {
			return dst, 0, errTruncated
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeFixed32(packed)
			dst = append(dst, math.Float32frombits(v))
			packed = packed[m:]
		}
		return dst, n, nil
	}
	return dst, 0, fmt.Errorf("unexpected wire type %d for float field", typ)
}

// walk calls fn for each field; fn returns the bytes consumed of the value,
// or -1 to have the value skipped.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if m < 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(b []byte, typ protowire.Type) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("unexpected wire type %d for varint field", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeString(b []byte, typ protowire.Type) (string, int, error) {
	if typ != protowire.BytesType {
		return "", 0, fmt.Errorf("unexpected wire type %d for string field", typ)
	}
	s, n := protowire.ConsumeString(b)
	if n < 0 {
		return "", 0, protowire.ParseError(n)
	}
	return s, n, nil
}

func consumeFloat(b []byte, typ protowire.Type) (float32, int, error) {
	if typ != protowire.Fixed32Type {
		return 0, 0, fmt.Errorf("unexpected wire type %d for float field", typ)
	}
	v, n := protowire.ConsumeFixed32(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return math.Float32frombits(v), n, nil
}

func (r *StreamRequest) appendWire(b []byte) []byte {
	b = appendString(b, 1, r.Serial)
	b = appendVarint(b, 2, protowire.EncodeBool(r.IncludePoints))
	b = appendVarint(b, 3, uint64(r.Decimation))
	b = appendFloat(b, 4, r.DecimationRatio)
	return b
}

func (r *StreamRequest) unmarshalWire(b []byte) error {
	*r = StreamRequest{}
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			s, n, err := consumeString(v, typ)
			r.Serial = s
			return n, err
		case 2:
			x, n, err := consumeVarint(v, typ)
			r.IncludePoints = protowire.DecodeBool(x)
			return n, err
		case 3:
			x, n, err := consumeVarint(v, typ)
			r.Decimation = DecimationMode(int32(x))
			return n, err
		case 4:
			f, n, err := consumeFloat(v, typ)
			r.DecimationRatio = f
			return n, err
		}
		return -1, nil
	})
}

func (c *CameraCloud) appendWire(b []byte) []byte {
	b = appendString(b, 1, c.Serial)
	b = appendFloats(b, 2, c.Color[:])
	b = appendFloats(b, 3, c.ModelMatrix[:])
	b = appendFloats(b, 4, c.Accel[:])
	b = appendFloats(b, 5, c.X[:c.PointCount])
	b = appendFloats(b, 6, c.Y[:c.PointCount])
	b = appendFloats(b, 7, c.Z[:c.PointCount])
	b = appendVarint(b, 8, uint64(c.PointCount))
	b = appendVarint(b, 9, uint64(c.DecimationMode))
	b = appendFloat(b, 10, c.DecimationRatio)
	return b
}

func (c *CameraCloud) unmarshalWire(b []byte) error {
	*c = CameraCloud{}
	var color, model, accel []float32
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		var (
			n   int
			err error
		)
		switch num {
		case 1:
			c.Serial, n, err = consumeString(v, typ)
		case 2:
			color, n, err = consumeFloats(v, typ, color)
		case 3:
			model, n, err = consumeFloats(v, typ, model)
		case 4:
			accel, n, err = consumeFloats(v, typ, accel)
		case 5:
			c.X, n, err = consumeFloats(v, typ, c.X)
		case 6:
			c.Y, n, err = consumeFloats(v, typ, c.Y)
		case 7:
			c.Z, n, err = consumeFloats(v, typ, c.Z)
		case 8:
			var x uint64
			x, n, err = consumeVarint(v, typ)
			c.PointCount = int(x)
		case 9:
			var x uint64
			x, n, err = consumeVarint(v, typ)
			c.DecimationMode = DecimationMode(int32(x))
		case 10:
			c.DecimationRatio, n, err = consumeFloat(v, typ)
		default:
			return -1, nil
		}
		return n, err
	})
	if err != nil {
		return err
	}
	copy(c.Color[:], color)
	copy(c.ModelMatrix[:], model)
	copy(c.Accel[:], accel)
	if len(c.X) != c.PointCount || len(c.Y) != c.PointCount || len(c.Z) != c.PointCount {
		return fmt.Errorf("cloud %s: point_count %d but x/y/z have %d/%d/%d values",
			c.Serial, c.PointCount, len(c.X), len(c.Y), len(c.Z))
	}
	return nil
}

func (f *FrameBundle) appendWire(b []byte) []byte {
	b = appendVarint(b, 1, f.FrameID)
	b = appendVarint(b, 2, uint64(f.TimestampNanos))
	for _, c := range f.Clouds {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, c.appendWire(nil))
	}
	return b
}

func (f *FrameBundle) unmarshalWire(b []byte) error {
	*f = FrameBundle{}
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			x, n, err := consumeVarint(v, typ)
			f.FrameID = x
			return n, err
		case 2:
			x, n, err := consumeVarint(v, typ)
			f.TimestampNanos = int64(x)
			return n, err
		case 3:
			if typ != protowire.BytesType {
				return 0, fmt.Errorf("unexpected wire type %d for clouds", typ)
			}
			msg, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			c := new(CameraCloud)
			if err := c.unmarshalWire(msg); err != nil {
				return 0, err
			}
			f.Clouds = append(f.Clouds, c)
			return n, nil
		}
		return -1, nil
	})
}
