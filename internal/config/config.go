package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/banshee-data/depthview/internal/depth/capture"
	"github.com/banshee-data/depthview/internal/depth/level"
	"github.com/banshee-data/depthview/internal/depth/render"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/depthview.defaults.json"

// CameraConfig places one camera. Serial selects the device; an empty serial
// takes the next unclaimed device in enumeration order.
type CameraConfig struct {
	Serial string `json:"serial,omitempty"`
	// Color is a hex colour such as "#00ffff". Empty uses the palette.
	Color    string      `json:"color,omitempty"`
	Position *[3]float64 `json:"position,omitempty"`
	// Yaw is the rotation about world +Y in radians.
	Yaw        *float64 `json:"yaw,omitempty"`
	UpsideDown *bool    `json:"upside_down,omitempty"`
}

// Config is the root configuration. Every field is optional; the Get*
// methods supply defaults for fields the file omits.
type Config struct {
	// Capture
	Cameras           []CameraConfig `json:"cameras,omitempty"`
	Width             *int           `json:"width,omitempty"`
	Height            *int           `json:"height,omitempty"`
	FPS               *int           `json:"fps,omitempty"`
	FirstFrameTimeout *string        `json:"first_frame_timeout,omitempty"` // duration string like "5s"
	BoundsMin         *[3]float64    `json:"bounds_min,omitempty"`
	BoundsMax         *[3]float64    `json:"bounds_max,omitempty"`
	MaxArea           *float64       `json:"max_area,omitempty"`
	CreateMesh        *bool          `json:"create_mesh,omitempty"`
	WithNormals       *bool          `json:"with_normals,omitempty"`

	// Leveling
	LevelMethod  *string  `json:"level_method,omitempty"`
	LevelBlend   *float64 `json:"level_blend,omitempty"`
	Mirror       *bool    `json:"mirror,omitempty"`
	CalibrateFor *string  `json:"calibrate_for,omitempty"` // "0s" levels every frame
	StatsHistory *int     `json:"stats_history,omitempty"`
	StatsFlush   *string  `json:"stats_flush,omitempty"`

	// View and render
	ViewMode     *string     `json:"view_mode,omitempty"`
	FovY         *float64    `json:"fov_y,omitempty"`
	Near         *float64    `json:"near,omitempty"`
	Far          *float64    `json:"far,omitempty"`
	OrbitRadius  *float64    `json:"orbit_radius,omitempty"`
	OrbitHeight  *float64    `json:"orbit_height,omitempty"`
	OrbitDepth   *float64    `json:"orbit_depth,omitempty"`
	OrbitSpeed   *float64    `json:"orbit_speed,omitempty"`
	Eye          *[3]float64 `json:"eye,omitempty"`
	Target       *[3]float64 `json:"target,omitempty"`
	PointScale   *float64    `json:"point_scale,omitempty"`
	RenderWidth  *int        `json:"render_width,omitempty"`
	RenderHeight *int        `json:"render_height,omitempty"`

	// Voxels
	VoxelDim   *[3]int  `json:"voxel_dim,omitempty"`
	VoxelDecay *float64 `json:"voxel_decay,omitempty"`
	VoxelAdd   *float64 `json:"voxel_add,omitempty"`

	// Serial IMU
	IMUMaxAge       *string  `json:"imu_max_age,omitempty"`
	IMUInitCommands []string `json:"imu_init_commands,omitempty"`
}

// EmptyConfig returns a Config with all fields nil.
func EmptyConfig() *Config {
	return &Config{}
}

// LoadConfig loads a Config from a JSON file.
// The file must have a .json extension and be under 1MB.
// Fields omitted from the file fall back to defaults.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/depth/scene/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

func validDuration(name string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must be non-negative, got %s", name, *v)
	}
	return nil
}

// Validate checks the values that are set, then checks the derived
// component configurations.
func (c *Config) Validate() error {
	for _, d := range []struct {
		name string
		v    *string
	}{
		{"first_frame_timeout", c.FirstFrameTimeout},
		{"calibrate_for", c.CalibrateFor},
		{"stats_flush", c.StatsFlush},
		{"imu_max_age", c.IMUMaxAge},
	} {
		if err := validDuration(d.name, d.v); err != nil {
			return err
		}
	}

	for _, i := range []struct {
		name string
		v    *int
	}{
		{"width", c.Width},
		{"height", c.Height},
		{"fps", c.FPS},
		{"stats_history", c.StatsHistory},
		{"render_width", c.RenderWidth},
		{"render_height", c.RenderHeight},
	} {
		if i.v != nil && *i.v < 0 {
			return fmt.Errorf("%s must be non-negative, got %d", i.name, *i.v)
		}
	}

	if c.PointScale != nil && *c.PointScale <= 0 {
		return fmt.Errorf("point_scale must be positive, got %f", *c.PointScale)
	}
	if c.VoxelDim != nil {
		for _, n := range c.VoxelDim {
			if n <= 0 {
				return fmt.Errorf("voxel_dim entries must be positive, got %v", *c.VoxelDim)
			}
		}
	}
	if c.VoxelDecay != nil && (*c.VoxelDecay < 0 || *c.VoxelDecay > 1) {
		return fmt.Errorf("voxel_decay must be between 0 and 1, got %f", *c.VoxelDecay)
	}

	seen := make(map[string]bool)
	for i, cam := range c.Cameras {
		if cam.Serial != "" {
			if seen[cam.Serial] {
				return fmt.Errorf("camera %d: duplicate serial %q", i, cam.Serial)
			}
			seen[cam.Serial] = true
		}
		if cam.Color != "" {
			if _, err := render.ParseColor(cam.Color); err != nil {
				return fmt.Errorf("camera %d: %w", i, err)
			}
		}
	}

	if err := c.GetLevelConfig().Validate(); err != nil {
		return err
	}
	if err := c.GetCaptureConfig().Validate(); err != nil {
		return err
	}
	return c.GetView().Validate()
}

func getInt(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func getFloat(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func getBool(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func getDuration(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def
	}
	return d
}

func getVec3(p *[3]float64, def mgl64.Vec3) mgl64.Vec3 {
	if p == nil {
		return def
	}
	return mgl64.Vec3(*p)
}

// GetWidth returns the requested depth width; 0 means any.
func (c *Config) GetWidth() int { return getInt(c.Width, 0) }

// GetHeight returns the requested depth height; 0 means any.
func (c *Config) GetHeight() int { return getInt(c.Height, 0) }

// GetFPS returns the requested camera frame rate, default 30; 0 means any.
func (c *Config) GetFPS() int { return getInt(c.FPS, 30) }

// GetFirstFrameTimeout bounds the blocking grab at startup.
func (c *Config) GetFirstFrameTimeout() time.Duration {
	return getDuration(c.FirstFrameTimeout, 5*time.Second)
}

// GetCreateMesh reports whether cameras build triangle meshes.
func (c *Config) GetCreateMesh() bool { return getBool(c.CreateMesh, false) }

// GetWithNormals reports whether meshes carry normals.
func (c *Config) GetWithNormals() bool { return getBool(c.WithNormals, false) }

// GetCalibrateFor limits leveling to the start of a session. Zero levels
// every frame.
func (c *Config) GetCalibrateFor() time.Duration { return getDuration(c.CalibrateFor, 0) }

// GetStatsHistory returns the number of leveling samples kept per camera.
func (c *Config) GetStatsHistory() int { return getInt(c.StatsHistory, 600) }

// GetStatsFlush returns how often frame statistics are written to the
// database.
func (c *Config) GetStatsFlush() time.Duration { return getDuration(c.StatsFlush, 10*time.Second) }

// GetIMUMaxAge returns how long an IMU reading stays usable.
func (c *Config) GetIMUMaxAge() time.Duration { return getDuration(c.IMUMaxAge, time.Second) }

// GetRenderSize returns the default image size for /api/render.png.
func (c *Config) GetRenderSize() (int, int) {
	return getInt(c.RenderWidth, 640), getInt(c.RenderHeight, 480)
}

// GetPointScale returns the sprite size divisor.
func (c *Config) GetPointScale() float64 { return getFloat(c.PointScale, render.DefaultPointScale) }

// GetVoxelDim returns the grid dimensions, default 64³.
func (c *Config) GetVoxelDim() [3]int {
	if c.VoxelDim == nil {
		return [3]int{64, 64, 64}
	}
	return *c.VoxelDim
}

// GetVoxelDecay returns the per-frame multiplier applied to the grid.
func (c *Config) GetVoxelDecay() float64 { return getFloat(c.VoxelDecay, 0.9) }

// GetVoxelAdd returns the amount each point adds to its cell.
func (c *Config) GetVoxelAdd() float64 { return getFloat(c.VoxelAdd, 0.1) }

// GetLevelConfig builds the leveler configuration.
func (c *Config) GetLevelConfig() level.Config {
	lc := level.DefaultConfig()
	if c.LevelMethod != nil && *c.LevelMethod != "" {
		lc.Method = level.Method(*c.LevelMethod)
	}
	lc.Blend = getFloat(c.LevelBlend, lc.Blend)
	lc.Mirror = getBool(c.Mirror, lc.Mirror)
	return lc
}

// GetCaptureConfig builds the camera bounds configuration.
func (c *Config) GetCaptureConfig() capture.Config {
	cc := capture.DefaultConfig()
	cc.Min = getVec3(c.BoundsMin, cc.Min)
	cc.Max = getVec3(c.BoundsMax, cc.Max)
	cc.MaxArea = getFloat(c.MaxArea, cc.MaxArea)
	return cc
}

// GetView builds the render view. Orbit is the default mode.
func (c *Config) GetView() render.View {
	v := render.DefaultOrbitView()
	if c.ViewMode != nil && render.ViewMode(*c.ViewMode) == render.ViewFixed {
		v = render.DefaultFixedView()
	} else if c.ViewMode != nil && *c.ViewMode != "" {
		v.Mode = render.ViewMode(*c.ViewMode)
	}
	v.FovY = getFloat(c.FovY, v.FovY)
	v.Near = getFloat(c.Near, v.Near)
	v.Far = getFloat(c.Far, v.Far)
	v.Radius = getFloat(c.OrbitRadius, v.Radius)
	v.Height = getFloat(c.OrbitHeight, v.Height)
	v.Depth = getFloat(c.OrbitDepth, v.Depth)
	v.OrbitSpeed = getFloat(c.OrbitSpeed, v.OrbitSpeed)
	v.Eye = getVec3(c.Eye, v.Eye)
	v.Target = getVec3(c.Target, v.Target)
	return v
}

// DefaultPose spreads n cameras along X, 1.45 m apart at 1.8 m high, each
// turned toward the centre.
func DefaultPose(i, n int) level.Pose {
	c := float64(n-1)/2 - float64(i)
	return level.Pose{
		Position: mgl64.Vec3{-c * 1.45, 1.8, 0},
		Yaw:      -c * 0.6 * math.Pi,
	}
}

// CameraPose returns the configured pose of camera i out of n.
func (c *Config) CameraPose(i, n int) level.Pose {
	p := DefaultPose(i, n)
	if i < len(c.Cameras) {
		cam := c.Cameras[i]
		p.Position = getVec3(cam.Position, p.Position)
		p.Yaw = getFloat(cam.Yaw, p.Yaw)
	}
	return p
}
