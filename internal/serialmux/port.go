package serialmux

import (
	"fmt"
	"io"

	"go.bug.st/serial"
)

// Port is what a SerialMux needs from the device.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens the device at path. OpenSerial is the real one; tests
// substitute their own.
type Opener func(path string, mode *serial.Mode) (Port, error)

// OpenSerial opens path with go.bug.st/serial.
func OpenSerial(path string, mode *serial.Mode) (Port, error) {
	return serial.Open(path, mode)
}

// Open builds a SerialMux over the device at path.
func Open(path string, opts PortOptions, open Opener) (*SerialMux, error) {
	if path == "" {
		return nil, fmt.Errorf("serial port path is empty")
	}
	mode, err := opts.Mode()
	if err != nil {
		return nil, err
	}
	if open == nil {
		open = OpenSerial
	}
	port, err := open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s at %d baud: %w", path, mode.BaudRate, err)
	}
	return NewSerialMux(port, opts.Name), nil
}
