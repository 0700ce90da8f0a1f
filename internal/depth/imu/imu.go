// Package imu reads accelerometer samples from a serial IMU and exposes the
// latest one as a capture accel source.
package imu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/banshee-data/depthview/internal/monitoring"
	"github.com/banshee-data/depthview/internal/serialmux"
	"github.com/banshee-data/depthview/internal/timeutil"
)

// ErrEmptyLine is returned by ParseLine for blank lines and comments.
var ErrEmptyLine = errors.New("empty line")

type jsonSample struct {
	AX *float64 `json:"ax"`
	AY *float64 `json:"ay"`
	AZ *float64 `json:"az"`
}

// ParseLine parses one IMU line, either "ax,ay,az" or {"ax":..,"ay":..,"az":..}.
// Lines starting with '#' are treated as comments.
func ParseLine(line string) (mgl64.Vec3, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return mgl64.Vec3{}, ErrEmptyLine
	}

	var v mgl64.Vec3
	if strings.HasPrefix(line, "{") {
		var s jsonSample
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			return v, fmt.Errorf("invalid json sample: %w", err)
		}
		if s.AX == nil || s.AY == nil || s.AZ == nil {
			return v, fmt.Errorf("json sample missing ax, ay or az: %q", line)
		}
		v = mgl64.Vec3{*s.AX, *s.AY, *s.AZ}
	} else {
		fields := strings.Split(line, ",")
		if len(fields) != 3 {
			return v, fmt.Errorf("expected 3 comma separated values, got %d", len(fields))
		}
		for i, f := range fields {
			x, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
			if err != nil {
				return v, fmt.Errorf("field %d: %w", i, err)
			}
			v[i] = x
		}
	}

	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return mgl64.Vec3{}, fmt.Errorf("non-finite value in %q", line)
		}
	}
	return v, nil
}

// Reading is the latest parsed sample.
type Reading struct {
	Accel    mgl64.Vec3 `json:"accel"`
	Received time.Time  `json:"received"`
}

// SerialAccel keeps the most recent sample read from a serial mux. It
// satisfies capture.AccelSource.
type SerialAccel struct {
	mux    serialmux.SerialMuxInterface
	clock  timeutil.Clock
	maxAge time.Duration

	mu      sync.RWMutex
	latest  Reading
	have    bool
	samples uint64
	errors  uint64
}

// NewSerialAccel creates a reader over mux. Readings older than maxAge are
// ignored by Accel; zero keeps them forever.
func NewSerialAccel(mux serialmux.SerialMuxInterface, maxAge time.Duration) *SerialAccel {
	return &SerialAccel{mux: mux, clock: timeutil.RealClock{}, maxAge: maxAge}
}

// SetClock replaces the clock used to stamp readings.
func (s *SerialAccel) SetClock(c timeutil.Clock) { s.clock = c }

// Run subscribes to the mux and consumes lines until ctx is done or the
// subscription closes.
func (s *SerialAccel) Run(ctx context.Context) error {
	id, lines := s.mux.Subscribe()
	defer s.mux.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			s.handle(line.Text, line.Received)
		}
	}
}

// Handle parses one line and stores it, stamped now, when valid.
func (s *SerialAccel) Handle(line string) {
	s.handle(line, s.clock.Now())
}

func (s *SerialAccel) handle(line string, received time.Time) {
	v, err := ParseLine(line)
	if errors.Is(err, ErrEmptyLine) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.errors++
		if s.errors%100 == 1 {
			monitoring.Logf("[IMU] failed to parse %q: %v (errors: %d)", line, err, s.errors)
		}
		return
	}
	s.latest = Reading{Accel: v, Received: received}
	s.have = true
	s.samples++
}

// Accel returns the latest reading and whether it is usable.
func (s *SerialAccel) Accel() (mgl64.Vec3, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.have {
		return mgl64.Vec3{}, false
	}
	if s.maxAge > 0 && s.clock.Since(s.latest.Received) > s.maxAge {
		return mgl64.Vec3{}, false
	}
	return s.latest.Accel, true
}

// Latest returns the last reading regardless of age.
func (s *SerialAccel) Latest() (Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.have
}

// Counts returns the number of accepted samples and parse errors.
func (s *SerialAccel) Counts() (samples, errors uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.samples, s.errors
}
