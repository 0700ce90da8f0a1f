// Package serialmux shares one line-oriented serial device, the external
// accelerometer, between several readers. Every line read from the port is
// stamped and fanned out to all subscribers; commands are serialised onto the
// port.
package serialmux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/depthview/internal/timeutil"
)

var (
	// ErrShortWrite is returned when the port accepted only part of a command.
	ErrShortWrite = errors.New("short write to serial port")
	// ErrClosed is returned by SendCommand after Close.
	ErrClosed = errors.New("serial mux closed")
)

// Line is one line read from the port, without its terminator.
type Line struct {
	Text     string    `json:"text"`
	Received time.Time `json:"received"`
}

// Stats describes the traffic seen on a mux.
type Stats struct {
	Name        string    `json:"name"`
	Enabled     bool      `json:"enabled"`
	Lines       uint64    `json:"lines"`
	Dropped     uint64    `json:"dropped"`
	Commands    uint64    `json:"commands"`
	Subscribers int       `json:"subscribers"`
	LastLine    time.Time `json:"last_line"`
}

// SerialMuxInterface is implemented by SerialMux and DisabledSerialMux.
type SerialMuxInterface interface {
	// Subscribe returns an id and a channel receiving every line read after
	// the call. The channel closes on Unsubscribe or Close.
	Subscribe() (string, <-chan Line)
	Unsubscribe(id string)
	// SendCommand writes command followed by a newline.
	SendCommand(command string) error
	// Initialize sends start-up commands in order. Blank entries and entries
	// starting with '#' are skipped.
	Initialize(commands []string) error
	// Monitor reads the port until ctx is done, the port ends or Close.
	Monitor(ctx context.Context) error
	Stats() Stats
	Close() error
	// AttachAdminRoutes registers the port console under /debug/.
	AttachAdminRoutes(mux *http.ServeMux)
}

// subscriberBuffer is how many lines a slow subscriber may lag before lines
// are dropped for it.
const subscriberBuffer = 32

// SerialMux multiplexes a Port.
type SerialMux struct {
	port  Port
	name  string
	clock timeutil.Clock
	subs  *subscribers

	writeMu  sync.Mutex
	closed   atomic.Bool
	lines    atomic.Uint64
	commands atomic.Uint64
	lastLine atomic.Int64
}

// NewSerialMux wraps port. name labels the admin routes and defaults to
// "serial".
func NewSerialMux(port Port, name string) *SerialMux {
	if name == "" {
		name = "serial"
	}
	return &SerialMux{
		port:  port,
		name:  name,
		clock: timeutil.RealClock{},
		subs:  newSubscribers(subscriberBuffer),
	}
}

// SetClock replaces the clock used to stamp lines.
func (s *SerialMux) SetClock(c timeutil.Clock) { s.clock = c }

// Name returns the admin route label.
func (s *SerialMux) Name() string { return s.name }

func (s *SerialMux) Subscribe() (string, <-chan Line) { return s.subs.add() }

func (s *SerialMux) Unsubscribe(id string) { s.subs.remove(id) }

func (s *SerialMux) SendCommand(command string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	b := []byte(strings.TrimRight(command, "\r\n") + "\n")

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := s.port.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return ErrShortWrite
	}
	s.commands.Add(1)
	return nil
}

func (s *SerialMux) Initialize(commands []string) error {
	return initialize(s, commands)
}

func initialize(m SerialMuxInterface, commands []string) error {
	for i, c := range commands {
		c = strings.TrimSpace(c)
		if c == "" || strings.HasPrefix(c, "#") {
			continue
		}
		if err := m.SendCommand(c); err != nil {
			return &CommandError{Index: i, Command: c, Err: err}
		}
	}
	return nil
}

// CommandError reports which start-up command failed.
type CommandError struct {
	Index   int
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("start-up command %d %q: %v", e.Index, e.Command, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Monitor reads lines until ctx is done (returning ctx.Err()), the port
// reaches EOF (nil), a read fails (the error) or Close is called (nil).
// Carriage returns are stripped and empty lines are not delivered.
func (s *SerialMux) Monitor(ctx context.Context) error {
	done := make(chan error, 1)

	// Scan blocks in Read, so it runs apart from the cancellation select.
	go func() {
		scan := bufio.NewScanner(s.port)
		for scan.Scan() {
			if ctx.Err() != nil || s.closed.Load() {
				done <- nil
				return
			}
			text := strings.TrimRight(scan.Text(), "\r")
			if text == "" {
				continue
			}
			now := s.clock.Now()
			s.lines.Add(1)
			s.lastLine.Store(now.UnixNano())
			s.subs.broadcast(Line{Text: text, Received: now})
		}
		if s.closed.Load() {
			done <- nil
			return
		}
		done <- scan.Err()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (s *SerialMux) Stats() Stats {
	st := Stats{
		Name:        s.name,
		Enabled:     true,
		Lines:       s.lines.Load(),
		Dropped:     s.subs.droppedCount(),
		Commands:    s.commands.Load(),
		Subscribers: s.subs.len(),
	}
	if ns := s.lastLine.Load(); ns != 0 {
		st.LastLine = time.Unix(0, ns)
	}
	return st
}

// Close closes every subscription and the port.
func (s *SerialMux) Close() error {
	s.closed.Store(true)
	s.subs.closeAll()
	return s.port.Close()
}

var (
	_ SerialMuxInterface = (*SerialMux)(nil)
	_ SerialMuxInterface = (*DisabledSerialMux)(nil)
)
