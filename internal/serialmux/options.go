package serialmux

import (
	"fmt"
	"strings"

	"go.bug.st/serial"
)

// DefaultBaudRate suits the accelerometer boards the IMU reader expects.
const DefaultBaudRate = 115200

// DefaultFraming is eight data bits, no parity, one stop bit.
const DefaultFraming = "8N1"

// PortOptions describe how to open the IMU port.
type PortOptions struct {
	// Name labels the admin routes.
	Name     string `json:"name,omitempty"`
	BaudRate int    `json:"baud_rate"`
	// Framing is the usual data-bits/parity/stop-bits shorthand, e.g. "8N1"
	// or "7E2". Empty means DefaultFraming.
	Framing string `json:"framing,omitempty"`
}

var parities = map[byte]serial.Parity{
	'N': serial.NoParity,
	'E': serial.EvenParity,
	'O': serial.OddParity,
	'M': serial.MarkParity,
	'S': serial.SpaceParity,
}

var stopBits = map[byte]serial.StopBits{
	'1': serial.OneStopBit,
	'2': serial.TwoStopBits,
}

// ParseFraming parses shorthand such as "8N1".
func ParseFraming(s string) (dataBits int, parity serial.Parity, stop serial.StopBits, err error) {
	f := strings.ToUpper(strings.TrimSpace(s))
	if len(f) != 3 {
		return 0, 0, 0, fmt.Errorf("invalid framing %q: want e.g. 8N1", s)
	}
	if f[0] < '5' || f[0] > '8' {
		return 0, 0, 0, fmt.Errorf("invalid framing %q: data bits must be 5-8", s)
	}
	parity, ok := parities[f[1]]
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid framing %q: parity must be one of N, E, O, M, S", s)
	}
	stop, ok = stopBits[f[2]]
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid framing %q: stop bits must be 1 or 2", s)
	}
	return int(f[0] - '0'), parity, stop, nil
}

// Mode converts the options for go.bug.st/serial.
func (o PortOptions) Mode() (*serial.Mode, error) {
	baud := o.BaudRate
	if baud < 0 {
		return nil, fmt.Errorf("invalid baud rate %d", baud)
	}
	if baud == 0 {
		baud = DefaultBaudRate
	}
	framing := o.Framing
	if framing == "" {
		framing = DefaultFraming
	}
	data, parity, stop, err := ParseFraming(framing)
	if err != nil {
		return nil, err
	}
	return &serial.Mode{BaudRate: baud, DataBits: data, Parity: parity, StopBits: stop}, nil
}
