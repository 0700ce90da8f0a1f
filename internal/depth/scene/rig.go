package scene

import (
	"sync"

	"github.com/go-gl/mathgl/mgl64"
	colorful "github.com/lucasb-eyer/go-colorful"

	"github.com/banshee-data/depthview/internal/depth/capture"
	"github.com/banshee-data/depthview/internal/depth/level"
)

// Rig is one camera with its leveling state, colour and placement.
type Rig struct {
	Camera  *capture.Camera
	Leveler *level.Leveler
	Stats   *level.Stats
	Color   colorful.Color

	mu     sync.Mutex
	pose   level.Pose
	cloud  capture.Cloud
	frames uint64

	// window accumulates frame counts between database flushes.
	windowFrames int
	windowPoints int
}

// NewRig builds a rig. history bounds the leveling sample ring.
func NewRig(cam *capture.Camera, cfg level.Config, color colorful.Color, pose level.Pose, history int) (*Rig, error) {
	lv, err := level.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Rig{
		Camera:  cam,
		Leveler: lv,
		Stats:   level.NewStats(history),
		Color:   color,
		pose:    pose,
	}, nil
}

// Serial returns the camera serial.
func (r *Rig) Serial() string { return r.Camera.Serial() }

// Pose returns the configured position and yaw.
func (r *Rig) Pose() level.Pose {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pose
}

// SetPose moves the rig. The model matrix follows on the next leveled frame.
func (r *Rig) SetPose(p level.Pose) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pose = p
}

// Cloud returns the points from the most recent grab and whether one exists.
func (r *Rig) Cloud() (capture.Cloud, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cloud, r.frames > 0
}

// Frames returns the number of frames this rig has processed.
func (r *Rig) Frames() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

func (r *Rig) storeCloud(cl capture.Cloud) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cloud = cl
	r.frames++
	r.windowFrames++
	r.windowPoints += len(cl.Points)
}

// takeWindow returns and clears the per-flush counters.
func (r *Rig) takeWindow() (frames, points int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	frames, points = r.windowFrames, r.windowPoints
	r.windowFrames, r.windowPoints = 0, 0
	return frames, points
}

// Status is a JSON-friendly view of a rig.
type Status struct {
	Serial   string        `json:"serial"`
	Color    string        `json:"color"`
	Position mgl64.Vec3    `json:"position"`
	Yaw      float64       `json:"yaw"`
	Frames   uint64        `json:"frames"`
	Points   int           `json:"points"`
	Width    int           `json:"width"`
	Height   int           `json:"height"`
	Accel    mgl64.Vec3    `json:"accel"`
	Up       mgl64.Vec3    `json:"up"`
	Pitch    float64       `json:"pitch"`
	Roll     float64       `json:"roll"`
	Model    mgl64.Mat4    `json:"model"`
	Method   level.Method  `json:"method"`
	Summary  level.Summary `json:"summary"`
}

// Status snapshots the rig.
func (r *Rig) Status() Status {
	pose := r.Pose()
	res := r.Leveler.Last()
	w, h := r.Camera.Size()
	return Status{
		Serial:   r.Serial(),
		Color:    r.Color.Hex(),
		Position: pose.Position,
		Yaw:      pose.Yaw,
		Frames:   r.Frames(),
		Points:   r.Camera.Count(),
		Width:    w,
		Height:   h,
		Accel:    r.Camera.Accel(),
		Up:       res.Up,
		Pitch:    res.Pitch,
		Roll:     res.Roll,
		Model:    r.Camera.ModelMatrix(),
		Method:   r.Leveler.Config().Method,
		Summary:  r.Stats.Summary(),
	}
}
