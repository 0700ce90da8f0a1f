package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/banshee-data/depthview/internal/depth/level"
	"github.com/banshee-data/depthview/internal/depth/render"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := EmptyConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty config should validate: %v", err)
	}
	if cfg.GetFPS() != 30 {
		t.Errorf("GetFPS() = %d, want 30", cfg.GetFPS())
	}
	if cfg.GetFirstFrameTimeout() != 5*time.Second {
		t.Errorf("GetFirstFrameTimeout() = %v", cfg.GetFirstFrameTimeout())
	}
	if cfg.GetCalibrateFor() != 0 {
		t.Errorf("GetCalibrateFor() = %v, want 0", cfg.GetCalibrateFor())
	}
	if got := cfg.GetLevelConfig(); got != level.DefaultConfig() {
		t.Errorf("GetLevelConfig() = %+v", got)
	}
	if got := cfg.GetView(); got != render.DefaultOrbitView() {
		t.Errorf("GetView() = %+v", got)
	}
	if w, h := cfg.GetRenderSize(); w != 640 || h != 480 {
		t.Errorf("GetRenderSize() = %d, %d", w, h)
	}
	if cfg.GetVoxelDim() != [3]int{64, 64, 64} {
		t.Errorf("GetVoxelDim() = %v", cfg.GetVoxelDim())
	}
}

func TestDefaultsFileMatchesCode(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	empty := EmptyConfig()

	if cfg.GetLevelConfig() != empty.GetLevelConfig() {
		t.Errorf("level config differs: %+v vs %+v", cfg.GetLevelConfig(), empty.GetLevelConfig())
	}
	if cfg.GetCaptureConfig() != empty.GetCaptureConfig() {
		t.Errorf("capture config differs: %+v vs %+v", cfg.GetCaptureConfig(), empty.GetCaptureConfig())
	}
	a, b := cfg.GetView(), empty.GetView()
	if math.Abs(a.FovY-b.FovY) > 1e-12 {
		t.Errorf("fov differs: %v vs %v", a.FovY, b.FovY)
	}
	a.FovY = b.FovY
	if a != b {
		t.Errorf("view differs: %+v vs %+v", a, b)
	}
	if len(cfg.Cameras) != 2 || cfg.Cameras[0].Color != "#00ffff" {
		t.Errorf("unexpected cameras %+v", cfg.Cameras)
	}
	if cfg.GetStatsFlush() != empty.GetStatsFlush() || cfg.GetIMUMaxAge() != empty.GetIMUMaxAge() {
		t.Error("durations differ from code defaults")
	}
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, "rig.json", `{
  "cameras": [{"serial": "SYN-0002", "position": [0, 2, 0], "yaw": 0.5, "upside_down": true}],
  "fps": 15,
  "level_method": "frame",
  "level_blend": 1,
  "mirror": false,
  "calibrate_for": "3s",
  "view_mode": "fixed",
  "eye": [0, 0, 1],
  "bounds_max": [1, 2, 3]
}`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.GetFPS() != 15 {
		t.Errorf("fps = %d", cfg.GetFPS())
	}
	lc := cfg.GetLevelConfig()
	if lc.Method != level.MethodFrame || lc.Blend != 1 || lc.Mirror {
		t.Errorf("level config %+v", lc)
	}
	if cfg.GetCalibrateFor() != 3*time.Second {
		t.Errorf("calibrate_for = %v", cfg.GetCalibrateFor())
	}
	v := cfg.GetView()
	if v.Mode != render.ViewFixed || v.Eye != (mgl64.Vec3{0, 0, 1}) {
		t.Errorf("view %+v", v)
	}
	cc := cfg.GetCaptureConfig()
	if cc.Max != (mgl64.Vec3{1, 2, 3}) || cc.Min != (mgl64.Vec3{-10, -10, -10}) {
		t.Errorf("capture config %+v", cc)
	}

	pose := cfg.CameraPose(0, 2)
	if pose.Position != (mgl64.Vec3{0, 2, 0}) || pose.Yaw != 0.5 {
		t.Errorf("configured pose %+v", pose)
	}
	if got := cfg.CameraPose(1, 2); got != DefaultPose(1, 2) {
		t.Errorf("unconfigured camera pose %+v", got)
	}
}

func TestDefaultPose(t *testing.T) {
	left := DefaultPose(0, 2)
	right := DefaultPose(1, 2)
	if math.Abs(left.Position[0]+0.725) > 1e-12 || math.Abs(right.Position[0]-0.725) > 1e-12 {
		t.Errorf("positions %v %v", left.Position, right.Position)
	}
	if math.Abs(left.Yaw+0.3*math.Pi) > 1e-12 || math.Abs(right.Yaw-0.3*math.Pi) > 1e-12 {
		t.Errorf("yaws %v %v", left.Yaw, right.Yaw)
	}
	single := DefaultPose(0, 1)
	if single.Position != (mgl64.Vec3{0, 1.8, 0}) || single.Yaw != 0 {
		t.Errorf("single camera pose %+v", single)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"extension", "rig.yaml", `{}`, ".json extension"},
		{"syntax", "rig.json", `{"fps": }`, "parse"},
		{"duration", "rig.json", `{"calibrate_for": "soon"}`, "calibrate_for"},
		{"negative duration", "rig.json", `{"stats_flush": "-1s"}`, "stats_flush"},
		{"negative fps", "rig.json", `{"fps": -1}`, "fps"},
		{"method", "rig.json", `{"level_method": "quaternion"}`, "leveling method"},
		{"blend", "rig.json", `{"level_blend": 0}`, "blend"},
		{"bounds", "rig.json", `{"bounds_min": [0, 0, 0], "bounds_max": [1, 0, 1]}`, "bounds"},
		{"view", "rig.json", `{"view_mode": "fly"}`, "view mode"},
		{"voxel dim", "rig.json", `{"voxel_dim": [8, 0, 8]}`, "voxel_dim"},
		{"voxel decay", "rig.json", `{"voxel_decay": 2}`, "voxel_decay"},
		{"color", "rig.json", `{"cameras": [{"color": "teal"}]}`, "camera 0"},
		{"duplicate", "rig.json", `{"cameras": [{"serial": "A"}, {"serial": "A"}]}`, "duplicate"},
		{"point scale", "rig.json", `{"point_scale": 0}`, "point_scale"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.file, tt.body)
			_, err := LoadConfig(path)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadConfig() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}

	big := writeConfig(t, "big.json", `{"cameras": []}`+strings.Repeat(" ", 1024*1024))
	if _, err := LoadConfig(big); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected size error, got %v", err)
	}
}
