package imu

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/depthview/internal/serialmux"
	"github.com/banshee-data/depthview/internal/timeutil"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    mgl64.Vec3
		wantErr bool
	}{
		{"csv", "0.1,-9.8,0.25", mgl64.Vec3{0.1, -9.8, 0.25}, false},
		{"csv spaces", "  1 , 2 ,3 \r", mgl64.Vec3{1, 2, 3}, false},
		{"json", `{"ax":0,"ay":-9.81,"az":1.5}`, mgl64.Vec3{0, -9.81, 1.5}, false},
		{"json extra fields", `{"t":12,"ax":1,"ay":2,"az":3}`, mgl64.Vec3{1, 2, 3}, false},
		{"json missing", `{"ax":1,"ay":2}`, mgl64.Vec3{}, true},
		{"json broken", `{"ax":1,`, mgl64.Vec3{}, true},
		{"two fields", "1,2", mgl64.Vec3{}, true},
		{"not a number", "1,x,3", mgl64.Vec3{}, true},
		{"nan", "NaN,0,0", mgl64.Vec3{}, true},
		{"inf", "0,+Inf,0", mgl64.Vec3{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLine(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, blank := range []string{"", "   ", "# booting"} {
		_, err := ParseLine(blank)
		assert.ErrorIs(t, err, ErrEmptyLine, "%q", blank)
	}
}

func TestSerialAccelHandle(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	s := NewSerialAccel(serialmux.NewDisabledSerialMux(), time.Second)
	s.SetClock(clock)

	_, ok := s.Accel()
	assert.False(t, ok, "no reading yet")

	s.Handle("0,-9.8,0")
	s.Handle("garbage")
	s.Handle("# comment")

	v, ok := s.Accel()
	require.True(t, ok)
	assert.Equal(t, mgl64.Vec3{0, -9.8, 0}, v)

	samples, errs := s.Counts()
	assert.Equal(t, uint64(1), samples)
	assert.Equal(t, uint64(1), errs)

	clock.Advance(2 * time.Second)
	_, ok = s.Accel()
	assert.False(t, ok, "stale reading is ignored")

	r, ok := s.Latest()
	assert.True(t, ok)
	assert.Equal(t, time.Unix(1000, 0), r.Received)
}

func TestSerialAccelRun(t *testing.T) {
	port := serialmux.NewFakePort()
	mux := serialmux.NewSerialMux(port, "imu")
	stamp := time.Unix(2000, 0)
	mux.SetClock(timeutil.NewMockClock(stamp))
	s := NewSerialAccel(mux, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()
	go mux.Monitor(ctx)

	// Keep feeding until the subscriber has registered and consumed a line.
	require.Eventually(t, func() bool {
		port.Feed(`{"ax":0.5,"ay":-9.7,"az":0.1}`)
		_, ok := s.Accel()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	r, _ := s.Latest()
	assert.Equal(t, mgl64.Vec3{0.5, -9.7, 0.1}, r.Accel)
	assert.Equal(t, stamp, r.Received, "readings carry the time the line arrived")

	cancel()
	select {
	case err := <-runErr:
		assert.True(t, errors.Is(err, context.Canceled) || err == nil)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	port.Close()
}

func TestSerialAccelRunEndsOnClose(t *testing.T) {
	mux := serialmux.NewDisabledSerialMux()
	s := NewSerialAccel(mux, 0)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	// Close races with Subscribe; a closed mux hands out closed channels.
	time.Sleep(10 * time.Millisecond)
	mux.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}
