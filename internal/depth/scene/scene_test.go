package scene

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/depthview/internal/db"
	"github.com/banshee-data/depthview/internal/depth/capture"
	"github.com/banshee-data/depthview/internal/depth/device"
	"github.com/banshee-data/depthview/internal/depth/level"
	"github.com/banshee-data/depthview/internal/depth/render"
	"github.com/banshee-data/depthview/internal/depth/visualiser"
	"github.com/banshee-data/depthview/internal/depth/voxel"
	"github.com/banshee-data/depthview/internal/timeutil"
)

type fakePublisher struct {
	mu      sync.Mutex
	bundles []*visualiser.FrameBundle
}

func (p *fakePublisher) Publish(f *visualiser.FrameBundle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bundles = append(p.bundles, f)
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bundles)
}

type fakeStore struct {
	mu           sync.Mutex
	calibrations []*db.Calibration
	stats        []db.FrameStats
}

func (s *fakeStore) RecordCalibration(c *db.Calibration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calibrations = append(s.calibrations, c)
	return nil
}

func (s *fakeStore) RecordFrameStats(f db.FrameStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = append(s.stats, f)
	return nil
}

type testRig struct {
	clock  *timeutil.MockClock
	driver *device.SyntheticDriver
	rigs   []*Rig
}

// newTestRigs opens n unpaced 64x48 synthetic cameras with noiseless
// accelerometers.
func newTestRigs(t *testing.T, n int, lc level.Config) testRig {
	t.Helper()
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	driver := device.NewSyntheticDriver(n, 7)
	driver.SetClock(clock)

	ctx := context.Background()
	devices, err := driver.Devices(ctx)
	require.NoError(t, err)

	var rigs []*Rig
	for i, d := range devices {
		sc := device.DefaultScene(i)
		sc.AccelNoise = 0
		require.NoError(t, driver.SetScene(d.Serial, sc))

		src, err := driver.Open(ctx, device.Options{Serial: d.Serial, Width: 64, Height: 48, FPS: -1})
		require.NoError(t, err)
		cam, err := capture.NewCamera(src, capture.DefaultConfig())
		require.NoError(t, err)
		t.Cleanup(func() { cam.Close() })

		pose := level.Pose{Position: mgl64.Vec3{float64(i), 1.8, 0}}
		rig, err := NewRig(cam, lc, render.Palette(i), pose, 100)
		require.NoError(t, err)
		rigs = append(rigs, rig)
	}
	return testRig{clock: clock, driver: driver, rigs: rigs}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := map[string]func(c *Config){
		"fps":           func(c *Config) { c.FPS = 0 },
		"calibrate_for": func(c *Config) { c.CalibrateFor = -time.Second },
		"bounds":        func(c *Config) { c.VoxelMax = c.VoxelMin },
		"decay":         func(c *Config) { c.VoxelDecay = 1.5 },
	}
	for name, mutate := range tests {
		cfg := DefaultConfig()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}

	_, err := New(DefaultConfig(), nil, nil, nil)
	assert.Error(t, err, "no rigs")
}

func TestStepPublishesBundle(t *testing.T) {
	tr := newTestRigs(t, 2, level.DefaultConfig())
	s, err := New(DefaultConfig(), tr.rigs, nil, tr.clock)
	require.NoError(t, err)
	pub := &fakePublisher{}
	s.SetPublisher(pub)

	res, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Grabbed)
	assert.Equal(t, uint64(1), res.FrameID)
	assert.Greater(t, res.Points, 0)

	require.Equal(t, 1, pub.count())
	f := pub.bundles[0]
	require.Len(t, f.Clouds, 2)
	assert.Equal(t, "SYN-0001", f.Clouds[0].Serial)
	assert.Equal(t, [4]float32{0, 1, 1, 1}, f.Clouds[0].Color)
	assert.Equal(t, [4]float32{1, 0, 1, 1}, f.Clouds[1].Color)
	assert.Equal(t, tr.clock.Now().UnixNano(), f.TimestampNanos)

	// The published matrix is the one the points were transformed with.
	assert.Equal(t, float32(1), f.Clouds[0].ModelMatrix[0])
	assert.NotEqual(t, tr.rigs[0].Camera.ModelMatrix(), mgl64.Ident4())

	st, ok := s.Rig("SYN-0002")
	require.True(t, ok)
	assert.Equal(t, uint64(1), st.Frames())
	_, ok = s.Rig("nope")
	assert.False(t, ok)
}

func TestStepLevelsToGravity(t *testing.T) {
	lc := level.Config{Method: level.MethodFrame, Blend: 1}
	tr := newTestRigs(t, 1, lc)
	s, err := New(DefaultConfig(), tr.rigs, nil, tr.clock)
	require.NoError(t, err)

	_, err = s.Step(context.Background())
	require.NoError(t, err)

	want := device.DefaultScene(0).Gravity().Mul(-1).Normalize()
	got := tr.rigs[0].Leveler.Up()
	assert.True(t, got.ApproxEqualThreshold(want, 1e-9), "up %v want %v", got, want)

	// The frame rotation maps the measured up onto world up.
	m := tr.rigs[0].Camera.ModelMatrix()
	up := m.Mul4x1(want.Vec4(0)).Vec3()
	assert.True(t, up.ApproxEqualThreshold(mgl64.Vec3{0, 1, 0}, 1e-9), "leveled up %v", up)

	st := tr.rigs[0].Status()
	assert.Equal(t, level.MethodFrame, st.Method)
	assert.Equal(t, 1, st.Summary.Count)
	assert.Equal(t, "#00ffff", st.Color)
}

func TestCalibrateForStopsLeveling(t *testing.T) {
	tr := newTestRigs(t, 2, level.DefaultConfig())
	cfg := DefaultConfig()
	cfg.CalibrateFor = time.Second
	s, err := New(cfg, tr.rigs, nil, tr.clock)
	require.NoError(t, err)
	store := &fakeStore{}
	s.SetStore(store, "session-1")

	ctx := context.Background()
	_, err = s.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.rigs[0].Stats.Len())
	assert.Empty(t, store.calibrations)

	tr.clock.Advance(2 * time.Second)
	model := tr.rigs[0].Camera.ModelMatrix()
	for i := 0; i < 3; i++ {
		_, err = s.Step(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, tr.rigs[0].Stats.Len(), "no leveling after the window")
	assert.Equal(t, model, tr.rigs[0].Camera.ModelMatrix())
	require.Len(t, store.calibrations, 2, "one calibration per camera when the window closes")
	assert.Equal(t, "session-1", store.calibrations[0].SessionID)
	assert.Equal(t, "euler", store.calibrations[0].Method)

	s.Restart()
	_, err = s.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.rigs[0].Stats.Len(), "leveling resumes after Restart")
}

func TestStepVoxelsDecayOncePerFrame(t *testing.T) {
	tr := newTestRigs(t, 2, level.DefaultConfig())
	cfg := DefaultConfig()
	cfg.VoxelDecay = 0
	cfg.VoxelAdd = 1
	grid, err := voxel.NewGrid(16, 16, 16)
	require.NoError(t, err)
	s, err := New(cfg, tr.rigs, grid, tr.clock)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = s.Step(ctx)
	require.NoError(t, err)
	res, err := s.Step(ctx)
	require.NoError(t, err)
	require.Greater(t, res.Voxels, 0)

	snap, ok := s.Voxels(0.5)
	require.True(t, ok)
	// Decay 0 clears the previous frame once; both cameras then add.
	assert.InDelta(t, float64(res.Voxels), snap.Sum, 1e-3)
	assert.NotEmpty(t, snap.Occupied)
	assert.Equal(t, [3]int{16, 16, 16}, snap.Dim)

	noGrid, err := New(cfg, tr.rigs, nil, tr.clock)
	require.NoError(t, err)
	_, ok = noGrid.Voxels(0)
	assert.False(t, ok)
}

func TestFlushWritesWindow(t *testing.T) {
	tr := newTestRigs(t, 2, level.DefaultConfig())
	s, err := New(DefaultConfig(), tr.rigs, nil, tr.clock)
	require.NoError(t, err)
	store := &fakeStore{}
	s.SetStore(store, "s")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Step(ctx)
		require.NoError(t, err)
	}
	s.Flush()
	require.Len(t, store.stats, 2)
	assert.Equal(t, 3, store.stats[0].Frames)
	assert.Greater(t, store.stats[0].MeanPoints, 0.0)
	assert.Len(t, store.calibrations, 2, "continuous leveling records at every flush")

	s.Flush()
	assert.Len(t, store.stats, 2, "empty window writes nothing")
}

func TestStepSkipsFailedCamera(t *testing.T) {
	tr := newTestRigs(t, 2, level.DefaultConfig())
	s, err := New(DefaultConfig(), tr.rigs, nil, tr.clock)
	require.NoError(t, err)

	require.NoError(t, tr.rigs[0].Camera.Close())
	res, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Grabbed)
	f := s.Bundle(res.FrameID)
	require.Len(t, f.Clouds, 1)
	assert.Equal(t, "SYN-0002", f.Clouds[0].Serial)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Step(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitFirstFrames(t *testing.T) {
	tr := newTestRigs(t, 2, level.DefaultConfig())
	s, err := New(DefaultConfig(), tr.rigs, nil, tr.clock)
	require.NoError(t, err)

	require.NoError(t, s.WaitFirstFrames(context.Background()))
	for _, r := range tr.rigs {
		assert.Equal(t, 1, r.Stats.Len())
		assert.NotEqual(t, mgl64.Ident4(), r.Camera.ModelMatrix())
	}

	require.NoError(t, tr.rigs[1].Camera.Close())
	err = s.WaitFirstFrames(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, device.ErrClosed))
	assert.Contains(t, err.Error(), "SYN-0002")
}

func TestRunTicksWithClock(t *testing.T) {
	tr := newTestRigs(t, 1, level.DefaultConfig())
	cfg := DefaultConfig()
	cfg.FPS = 10
	cfg.StatsFlush = time.Second
	s, err := New(cfg, tr.rigs, nil, tr.clock)
	require.NoError(t, err)
	pub := &fakePublisher{}
	s.SetPublisher(pub)
	store := &fakeStore{}
	s.SetStore(store, "run")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Frame and flush tickers.
	require.Eventually(t, func() bool { return tr.clock.Tickers() == 2 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		tr.clock.Advance(100 * time.Millisecond)
		return pub.count() >= 3
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.NotEmpty(t, store.stats, "final flush on shutdown")
}

func TestRenderLatestClouds(t *testing.T) {
	tr := newTestRigs(t, 2, level.DefaultConfig())
	s, err := New(DefaultConfig(), tr.rigs, nil, tr.clock)
	require.NoError(t, err)

	assert.Empty(t, s.Layers(), "nothing grabbed yet")

	// The second frame is drawn with the leveled, placed matrix.
	for i := 0; i < 2; i++ {
		_, err = s.Step(context.Background())
		require.NoError(t, err)
	}
	require.Len(t, s.Layers(), 2)

	r, err := render.NewRenderer(64, 48, render.DefaultOrbitView())
	require.NoError(t, err)
	img, stats := s.Render(r, 0)
	assert.Equal(t, 64, img.Bounds().Dx())
	assert.Greater(t, stats.Drawn, 0)
}
