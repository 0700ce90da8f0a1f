// Package scene runs the per-frame loop over a set of camera rigs: grab,
// level, accumulate voxels, publish.
package scene

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/banshee-data/depthview/internal/db"
	"github.com/banshee-data/depthview/internal/depth/capture"
	"github.com/banshee-data/depthview/internal/depth/level"
	"github.com/banshee-data/depthview/internal/depth/render"
	"github.com/banshee-data/depthview/internal/depth/visualiser"
	"github.com/banshee-data/depthview/internal/depth/voxel"
	"github.com/banshee-data/depthview/internal/timeutil"
)

// Config controls the frame loop.
type Config struct {
	// FPS is the loop rate. Cameras are polled, so the loop may run faster
	// than the cameras deliver.
	FPS int
	// CalibrateFor limits leveling to the start of the session; 0 levels
	// every frame.
	CalibrateFor time.Duration
	// FirstFrameTimeout bounds the blocking grab in WaitFirstFrames.
	FirstFrameTimeout time.Duration

	CreateMesh  bool
	WithNormals bool

	// VoxelMin and VoxelMax span the grid in world space.
	VoxelMin   mgl64.Vec3
	VoxelMax   mgl64.Vec3
	VoxelDecay float32
	VoxelAdd   float32

	// StatsFlush is how often per-camera statistics are written to the store.
	StatsFlush time.Duration
}

// DefaultConfig returns a 30 fps loop over a ±10 m voxel volume.
func DefaultConfig() Config {
	return Config{
		FPS:               30,
		FirstFrameTimeout: 5 * time.Second,
		VoxelMin:          mgl64.Vec3{-capture.DefaultBound, -capture.DefaultBound, -capture.DefaultBound},
		VoxelMax:          mgl64.Vec3{capture.DefaultBound, capture.DefaultBound, capture.DefaultBound},
		VoxelDecay:        0.9,
		VoxelAdd:          0.1,
		StatsFlush:        10 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.FPS <= 0 {
		return fmt.Errorf("fps must be positive, got %d", c.FPS)
	}
	if c.CalibrateFor < 0 {
		return fmt.Errorf("calibrate_for must be non-negative, got %v", c.CalibrateFor)
	}
	for i := 0; i < 3; i++ {
		if c.VoxelMin[i] >= c.VoxelMax[i] {
			return fmt.Errorf("voxel min %v must be below max %v", c.VoxelMin, c.VoxelMax)
		}
	}
	if c.VoxelDecay < 0 || c.VoxelDecay > 1 {
		return fmt.Errorf("voxel decay must be in [0, 1], got %g", c.VoxelDecay)
	}
	return nil
}

// FramePublisher receives every assembled frame.
type FramePublisher interface {
	Publish(*visualiser.FrameBundle)
}

// Store persists leveling results and frame statistics.
type Store interface {
	RecordCalibration(*db.Calibration) error
	RecordFrameStats(db.FrameStats) error
}

// Scene owns the rigs and the shared voxel grid.
type Scene struct {
	cfg   Config
	rigs  []*Rig
	clock timeutil.Clock

	gridMu  sync.Mutex
	grid    *voxel.Grid
	toVoxel mgl64.Mat4

	pub       FramePublisher
	store     Store
	sessionID string

	mu         sync.Mutex
	start      time.Time
	frameID    uint64
	calibrated bool
	grabErrors uint64
}

// New creates a scene. grid may be nil to skip voxel accumulation.
func New(cfg Config, rigs []*Rig, grid *voxel.Grid, clock timeutil.Clock) (*Scene, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(rigs) == 0 {
		return nil, errors.New("scene needs at least one rig")
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Scene{
		cfg:     cfg,
		rigs:    rigs,
		clock:   clock,
		grid:    grid,
		toVoxel: voxel.ToVoxelMatrix(cfg.VoxelMin, cfg.VoxelMax),
		start:   clock.Now(),
	}, nil
}

// SetPublisher sets where assembled frames go.
func (s *Scene) SetPublisher(p FramePublisher) { s.pub = p }

// SetStore sets the store that receives calibrations and statistics, tagged
// with sessionID.
func (s *Scene) SetStore(st Store, sessionID string) {
	s.store = st
	s.sessionID = sessionID
}

// Config returns the scene configuration.
func (s *Scene) Config() Config { return s.cfg }

// Rigs returns the rigs in camera order.
func (s *Scene) Rigs() []*Rig { return s.rigs }

// Rig finds a rig by serial.
func (s *Scene) Rig(serial string) (*Rig, bool) {
	for _, r := range s.rigs {
		if r.Serial() == serial {
			return r, true
		}
	}
	return nil, false
}

// Restart begins a new leveling window and returns every up-vector to +Y.
func (s *Scene) Restart() {
	s.mu.Lock()
	s.start = s.clock.Now()
	s.calibrated = false
	s.mu.Unlock()
	for _, r := range s.rigs {
		r.Leveler.Reset()
	}
}

// Leveling reports whether the current frame re-levels the cameras.
func (s *Scene) Leveling() bool {
	if s.cfg.CalibrateFor == 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Since(s.start) < s.cfg.CalibrateFor
}

// WaitFirstFrames blocks on each camera until it delivers a frame or the
// first-frame timeout passes, then levels it once so the first frame from
// Step is already oriented.
func (s *Scene) WaitFirstFrames(ctx context.Context) error {
	for _, r := range s.rigs {
		wctx := ctx
		var cancel context.CancelFunc = func() {}
		if s.cfg.FirstFrameTimeout > 0 {
			wctx, cancel = context.WithTimeout(ctx, s.cfg.FirstFrameTimeout)
		}
		var err error
		for ok := false; !ok && err == nil; {
			ok, err = r.Camera.GrabMesh(wctx, true, s.cfg.CreateMesh, s.cfg.WithNormals)
		}
		cancel()
		if err != nil {
			return fmt.Errorf("camera %s: no first frame: %w", r.Serial(), err)
		}
		s.levelRig(r)
		log.Printf("[Scene] camera %s ready: %d points", r.Serial(), r.Camera.Count())
	}
	return nil
}

func (s *Scene) levelRig(r *Rig) {
	accel := r.Camera.Accel()
	res, err := r.Leveler.Calibrate(accel, r.Pose())
	if err != nil && !errors.Is(err, level.ErrNoReading) {
		log.Printf("[Scene] camera %s: leveling failed: %v", r.Serial(), err)
		return
	}
	r.Camera.SetModelMatrix(res.Model)
	r.Stats.Record(level.Sample{
		Time:     s.clock.Now(),
		Pitch:    res.Pitch,
		Roll:     res.Roll,
		AccelMag: accel.Len(),
	})
}

// StepResult summarises one call to Step.
type StepResult struct {
	Grabbed int
	Points  int
	FrameID uint64
	Voxels  int
}

// Step runs one frame: a non-blocking grab on every camera, leveling for
// cameras that delivered, voxel accumulation and publishing. A frame is
// published only when at least one camera delivered. Per-camera grab errors
// are logged and do not stop the other cameras.
func (s *Scene) Step(ctx context.Context) (StepResult, error) {
	if err := ctx.Err(); err != nil {
		return StepResult{}, err
	}

	var res StepResult
	var grabbed []*Rig
	leveling := s.Leveling()
	for _, r := range s.rigs {
		// The grab applies the previous model matrix; leveling then updates
		// it for the next frame.
		ok, err := r.Camera.GrabMesh(ctx, false, s.cfg.CreateMesh, s.cfg.WithNormals)
		if err != nil {
			s.mu.Lock()
			s.grabErrors++
			n := s.grabErrors
			s.mu.Unlock()
			if n%100 == 1 {
				log.Printf("[Scene] camera %s: grab failed: %v (errors: %d)", r.Serial(), err, n)
			}
			continue
		}
		if !ok {
			continue
		}
		cl := r.Camera.Cloud()
		if leveling {
			s.levelRig(r)
		}
		r.storeCloud(cl)
		grabbed = append(grabbed, r)
		res.Points += len(cl.Points)
	}
	res.Grabbed = len(grabbed)

	if !leveling {
		s.recordCalibrationsOnce()
	}
	if len(grabbed) == 0 {
		return res, nil
	}

	if s.grid != nil {
		s.gridMu.Lock()
		mul := s.cfg.VoxelDecay
		for _, r := range grabbed {
			res.Voxels += r.Camera.Voxels(s.grid, s.toVoxel, mul, s.cfg.VoxelAdd)
			// Decay once per frame, not once per camera.
			mul = 1
		}
		s.gridMu.Unlock()
	}

	s.mu.Lock()
	s.frameID++
	res.FrameID = s.frameID
	s.mu.Unlock()

	if s.pub != nil {
		s.pub.Publish(s.Bundle(res.FrameID))
	}
	return res, nil
}

// Bundle assembles the latest cloud of every rig into a frame.
func (s *Scene) Bundle(frameID uint64) *visualiser.FrameBundle {
	f := &visualiser.FrameBundle{
		FrameID:        frameID,
		TimestampNanos: s.clock.Now().UnixNano(),
	}
	for _, r := range s.rigs {
		cl, ok := r.Cloud()
		if !ok {
			continue
		}
		f.Clouds = append(f.Clouds, visualiser.NewCameraCloud(cl, r.Color))
	}
	return f
}

// Layers returns one render layer per rig holding a cloud.
func (s *Scene) Layers() []render.Layer {
	var layers []render.Layer
	for _, r := range s.rigs {
		cl, ok := r.Cloud()
		if !ok {
			continue
		}
		layers = append(layers, render.Layer{Points: cl.Points, Color: r.Color, Alpha: 1})
	}
	return layers
}

// Render draws the latest clouds at time t seconds.
func (s *Scene) Render(r *render.Renderer, t float64) (*image.RGBA, render.Stats) {
	return r.Render(t, s.Layers())
}

// Elapsed returns the time since the scene started, for orbit animation.
func (s *Scene) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Since(s.start)
}

// VoxelSnapshot is a copy of the grid for reporting.
type VoxelSnapshot struct {
	Dim      [3]int       `json:"dim"`
	Min      mgl64.Vec3   `json:"min"`
	Max      mgl64.Vec3   `json:"max"`
	Sum      float64      `json:"sum"`
	Occupied []voxel.Cell `json:"occupied"`
}

// Voxels returns the cells at or above threshold. ok is false when the scene
// has no grid.
func (s *Scene) Voxels(threshold float32) (VoxelSnapshot, bool) {
	if s.grid == nil {
		return VoxelSnapshot{}, false
	}
	s.gridMu.Lock()
	defer s.gridMu.Unlock()
	return VoxelSnapshot{
		Dim:      s.grid.Dim,
		Min:      s.cfg.VoxelMin,
		Max:      s.cfg.VoxelMax,
		Sum:      s.grid.Sum(),
		Occupied: s.grid.Occupied(threshold),
	}, true
}

// Run steps the scene at the configured rate until ctx is done, flushing
// statistics to the store every StatsFlush.
func (s *Scene) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(timeutil.FramePeriod(s.cfg.FPS))
	defer ticker.Stop()

	var flush <-chan time.Time
	if s.store != nil && s.cfg.StatsFlush > 0 {
		ft := s.clock.NewTicker(s.cfg.StatsFlush)
		defer ft.Stop()
		flush = ft.C()
	}

	log.Printf("[Scene] running %d camera(s) at %d fps", len(s.rigs), s.cfg.FPS)
	for {
		select {
		case <-ctx.Done():
			s.Flush()
			return ctx.Err()
		case <-ticker.C():
			if _, err := s.Step(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[Scene] step failed: %v", err)
			}
		case <-flush:
			s.Flush()
		}
	}
}

// Flush writes one statistics row per camera for the frames since the last
// flush, along with the current leveling result.
func (s *Scene) Flush() {
	if s.store == nil {
		return
	}
	now := s.clock.Now()
	for _, r := range s.rigs {
		frames, points := r.takeWindow()
		if frames == 0 {
			continue
		}
		sum := r.Stats.Summary()
		err := s.store.RecordFrameStats(db.FrameStats{
			SessionID:  s.sessionID,
			Serial:     r.Serial(),
			WindowEnd:  now,
			Frames:     frames,
			MeanPoints: float64(points) / float64(frames),
			MeanPitch:  sum.PitchMean,
			StdPitch:   sum.PitchStdDev,
			MeanRoll:   sum.RollMean,
			StdRoll:    sum.RollStdDev,
		})
		if err != nil {
			log.Printf("[Scene] failed to record stats for %s: %v", r.Serial(), err)
		}
		if s.cfg.CalibrateFor == 0 {
			s.recordCalibration(r, now)
		}
	}
}

// recordCalibrationsOnce stores the final leveling result of each camera when
// the leveling window closes.
func (s *Scene) recordCalibrationsOnce() {
	s.mu.Lock()
	done := s.calibrated
	s.calibrated = true
	s.mu.Unlock()
	if done || s.store == nil {
		return
	}
	now := s.clock.Now()
	for _, r := range s.rigs {
		s.recordCalibration(r, now)
	}
	log.Printf("[Scene] leveling window of %v closed", s.cfg.CalibrateFor)
}

func (s *Scene) recordCalibration(r *Rig, now time.Time) {
	res := r.Leveler.Last()
	c := &db.Calibration{
		SessionID: s.sessionID,
		Serial:    r.Serial(),
		Taken:     now,
		Method:    string(r.Leveler.Config().Method),
		Up:        [3]float64(res.Up),
		Pitch:     res.Pitch,
		Roll:      res.Roll,
		Model:     [16]float64(res.Model),
	}
	if err := s.store.RecordCalibration(c); err != nil {
		log.Printf("[Scene] failed to record calibration for %s: %v", r.Serial(), err)
	}
}
