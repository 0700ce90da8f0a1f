// Package device enumerates depth cameras and opens frame sources on them.
//
// A vendor SDK binding implements Driver. The synthetic driver in this package
// stands in for hardware in tests and demos.
package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

// DeviceInfo describes one connected camera.
type DeviceInfo struct {
	Name         string `json:"name"`
	Serial       string `json:"serial"`
	Firmware     string `json:"firmware"`
	PhysicalPort string `json:"physical_port"`
	ProductID    string `json:"product_id"`
	USBType      string `json:"usb_type"`
	ProductLine  string `json:"product_line"`
}

// Options select the stream to open. Zero values mean "any".
type Options struct {
	Serial string
	Width  int
	Height int
	FPS    int
}

// DepthFrame is one depth image already deprojected to 3D.
type DepthFrame struct {
	Width     int
	Height    int
	Timestamp time.Time
	// Vertices holds Width*Height points, row-major, in the sensor convention
	// (x right, y down, z forward, metres). z == 0 means no depth.
	Vertices []mgl64.Vec3
}

// Frameset is one synchronized delivery of depth and motion data.
type Frameset struct {
	Depth *DepthFrame
	// Accel is nil when no motion sample accompanied the frame.
	Accel *mgl64.Vec3
}

// Source delivers framesets from one opened camera.
type Source interface {
	Info() DeviceInfo
	// WaitForFrames blocks until a frameset is available or ctx is done.
	WaitForFrames(ctx context.Context) (*Frameset, error)
	// PollForFrames returns (nil, false, nil) when nothing is ready.
	PollForFrames() (*Frameset, bool, error)
	Close() error
}

// Driver is the camera subsystem.
type Driver interface {
	Devices(ctx context.Context) ([]DeviceInfo, error)
	Open(ctx context.Context, opts Options) (Source, error)
}

var (
	// ErrDeviceNotFound is returned by Open when the serial is not connected.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrNoDevices is returned by Open when no camera is connected at all.
	ErrNoDevices = errors.New("no devices connected")
	// ErrClosed is returned by a Source after Close.
	ErrClosed = errors.New("source closed")
)

// Find returns the device with the given serial, or the first device when
// serial is empty.
func Find(devices []DeviceInfo, serial string) (DeviceInfo, error) {
	if len(devices) == 0 {
		return DeviceInfo{}, ErrNoDevices
	}
	if serial == "" {
		return devices[0], nil
	}
	for _, d := range devices {
		if d.Serial == serial {
			return d, nil
		}
	}
	return DeviceInfo{}, fmt.Errorf("%w: serial %s", ErrDeviceNotFound, serial)
}
