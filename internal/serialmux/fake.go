package serialmux

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"go.bug.st/serial"
)

// FakePort is an in-memory Port for tests. Reads block until lines are fed,
// Hangup is called or the port is closed.
type FakePort struct {
	mu      sync.Mutex
	cond    *sync.Cond
	in      bytes.Buffer
	out     bytes.Buffer
	closed  bool
	readErr error

	// WriteErr, when set, fails every Write.
	WriteErr error
	// ShortWrite makes Write report one byte fewer than it was given.
	ShortWrite bool
}

func NewFakePort() *FakePort {
	p := &FakePort{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Feed queues each line, newline terminated, for reading.
func (p *FakePort) Feed(lines ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range lines {
		p.in.WriteString(l)
		p.in.WriteByte('\n')
	}
	p.cond.Broadcast()
}

// FailReads makes reads return err once the queued input is drained.
func (p *FakePort) FailReads(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = err
	p.cond.Broadcast()
}

// Hangup makes reads return io.EOF once the queued input is drained.
func (p *FakePort) Hangup() { p.FailReads(io.EOF) }

func (p *FakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.in.Len() == 0 && p.readErr == nil && !p.closed {
		p.cond.Wait()
	}
	if p.in.Len() > 0 {
		return p.in.Read(b)
	}
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	return 0, p.readErr
}

func (p *FakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	if p.WriteErr != nil {
		return 0, p.WriteErr
	}
	if p.ShortWrite && len(b) > 0 {
		b = b[:len(b)-1]
	}
	return p.out.Write(b)
}

func (p *FakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

// Written returns the commands written so far, one per element.
func (p *FakePort) Written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := strings.TrimSuffix(p.out.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// Closed reports whether Close was called.
func (p *FakePort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// FakeOpener returns Port from Open and records what was asked for.
type FakeOpener struct {
	Port Port
	Err  error

	Path string
	Mode *serial.Mode
}

func (o *FakeOpener) Open(path string, mode *serial.Mode) (Port, error) {
	o.Path, o.Mode = path, mode
	if o.Err != nil {
		return nil, o.Err
	}
	return o.Port, nil
}
