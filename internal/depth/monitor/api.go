package monitor

import (
	"bytes"
	"fmt"
	"image/color"
	"image/png"
	"net/http"
	"strconv"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/banshee-data/depthview/internal/db"
	"github.com/banshee-data/depthview/internal/depth/device"
	"github.com/banshee-data/depthview/internal/depth/imu"
	"github.com/banshee-data/depthview/internal/depth/level"
	"github.com/banshee-data/depthview/internal/depth/pcd"
	"github.com/banshee-data/depthview/internal/depth/render"
	"github.com/banshee-data/depthview/internal/httputil"
	"github.com/banshee-data/depthview/internal/serialmux"
)

// handleDevices lists connected cameras and, when a database is attached,
// every camera seen before.
func (ws *WebServer) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	resp := struct {
		Connected []device.DeviceInfo `json:"connected"`
		Known     []db.Device         `json:"known,omitempty"`
	}{Connected: []device.DeviceInfo{}}

	if ws.driver != nil {
		devices, err := ws.driver.Devices(r.Context())
		if err != nil {
			ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list devices: %v", err))
			return
		}
		resp.Connected = devices
	} else {
		for _, rig := range ws.scene.Rigs() {
			resp.Connected = append(resp.Connected, rig.Camera.Info())
		}
	}
	if ws.db != nil {
		known, err := ws.db.Devices()
		if err != nil {
			ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load devices: %v", err))
			return
		}
		resp.Known = known
	}
	httputil.WriteJSONOK(w, resp)
}

func (ws *WebServer) handleCameras(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	httputil.WriteJSONOK(w, ws.cameraStatuses())
}

// LevelResponse is the leveling state of one camera.
type LevelResponse struct {
	Serial   string        `json:"serial"`
	Method   level.Method  `json:"method"`
	Leveling bool          `json:"leveling"`
	Accel    mgl64.Vec3    `json:"accel"`
	Up       mgl64.Vec3    `json:"up"`
	Pitch    float64       `json:"pitch"`
	Roll     float64       `json:"roll"`
	PitchDeg float64       `json:"pitch_deg"`
	RollDeg  float64       `json:"roll_deg"`
	Model    mgl64.Mat4    `json:"model"`
	Summary  level.Summary `json:"summary"`
}

// handleLevel reports the up vector, angles and model matrix of a camera.
// Query params:
//   - serial (optional when only one camera is open)
func (ws *WebServer) handleLevel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	rig, ok := ws.rig(w, r)
	if !ok {
		return
	}
	st := rig.Status()
	httputil.WriteJSONOK(w, LevelResponse{
		Serial:   st.Serial,
		Method:   st.Method,
		Leveling: ws.scene.Leveling(),
		Accel:    st.Accel,
		Up:       st.Up,
		Pitch:    st.Pitch,
		Roll:     st.Roll,
		PitchDeg: mgl64.RadToDeg(st.Pitch),
		RollDeg:  mgl64.RadToDeg(st.Roll),
		Model:    st.Model,
		Summary:  st.Summary,
	})
}

// handleLevelRestart starts a new leveling window for every camera.
func (ws *WebServer) handleLevelRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	ws.scene.Restart()
	httputil.WriteJSONOK(w, map[string]string{"status": "restarted"})
}

// handlePCD downloads the latest cloud of a camera.
// Query params:
//   - serial (optional when only one camera is open)
//   - format: ascii or binary (default binary)
//   - color: include the camera colour as rgb (default true)
func (ws *WebServer) handlePCD(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	format, err := pcd.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		ws.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	withColor, err := httputil.QueryBool(r, "color", true)
	if err != nil {
		ws.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	rig, ok := ws.rig(w, r)
	if !ok {
		return
	}
	cl, ok := rig.Cloud()
	if !ok {
		ws.writeJSONError(w, http.StatusNotFound, "no frame captured yet")
		return
	}

	cloud := pcd.Cloud{Points: cl.Points}
	if withColor {
		c := render.RGBA(rig.Color)
		cloud = pcd.Uniform(cl.Points, color.NRGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
	}
	var buf bytes.Buffer
	if err := pcd.Write(&buf, cloud, format); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to write pcd: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rig.Serial()+".pcd"))
	w.Write(buf.Bytes())
}

// handleRender draws the current clouds as a PNG.
// Query params:
//   - t: animation time in seconds (default: time since start)
//   - w, h: image size (default from configuration)
func (ws *WebServer) handleRender(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	t, err := httputil.QueryFloat(r, "t", ws.scene.Elapsed().Seconds())
	if err != nil {
		ws.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	width, err := httputil.QueryInt(r, "w", ws.width, 1, maxRenderSize)
	if err != nil {
		ws.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	height, err := httputil.QueryInt(r, "h", ws.height, 1, maxRenderSize)
	if err != nil {
		ws.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ws.renderMu.Lock()
	defer ws.renderMu.Unlock()
	renderer, err := render.NewRenderer(width, height, ws.view)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	renderer.PointScale = ws.pointScale
	img, stats := ws.scene.Render(renderer, t)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to encode png: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Points-Drawn", strconv.Itoa(stats.Drawn))
	w.Header().Set("X-Points-Clipped", strconv.Itoa(stats.Clipped))
	w.Write(buf.Bytes())
}

// handleVoxels returns the occupied cells of the voxel grid.
// Query params:
//   - threshold: minimum cell value (default 0.5)
func (ws *WebServer) handleVoxels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	threshold, err := httputil.QueryFloat(r, "threshold", 0.5)
	if err != nil {
		ws.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, ok := ws.scene.Voxels(float32(threshold))
	if !ok {
		ws.writeJSONError(w, http.StatusNotFound, "voxel grid disabled")
		return
	}
	httputil.WriteJSONOK(w, snap)
}

func (ws *WebServer) requireDB(w http.ResponseWriter) bool {
	if ws.db == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "no database configured")
		return false
	}
	return true
}

func (ws *WebServer) limit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	limit, err := httputil.QueryInt(r, "limit", def, 1, 1000)
	if err != nil {
		ws.writeJSONError(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return limit, true
}

func (ws *WebServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !ws.requireDB(w) {
		return
	}
	limit, ok := ws.limit(w, r, 20)
	if !ok {
		return
	}
	sessions, err := ws.db.Sessions(limit)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load sessions: %v", err))
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	httputil.WriteJSONOK(w, sessions)
}

// handleCalibrations lists stored calibrations of one camera, newest first.
// The serial need not be open, so past cameras can be queried.
func (ws *WebServer) handleCalibrations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !ws.requireDB(w) {
		return
	}
	serial := r.URL.Query().Get("serial")
	if serial == "" {
		rig, ok := ws.rig(w, r)
		if !ok {
			return
		}
		serial = rig.Serial()
	}
	limit, ok := ws.limit(w, r, 20)
	if !ok {
		return
	}
	cals, err := ws.db.Calibrations(serial, limit)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load calibrations: %v", err))
		return
	}
	if cals == nil {
		cals = []db.Calibration{}
	}
	httputil.WriteJSONOK(w, cals)
}

// handleStreamStats reports publisher counters and connected clients.
func (ws *WebServer) handleStreamStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if ws.publisher == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"stats":   ws.publisher.Stats(),
		"clients": ws.publisher.Clients(),
	})
}

// IMUResponse is the body of /api/imu.
type IMUResponse struct {
	Port        *serialmux.Stats `json:"port,omitempty"`
	Reading     *imu.Reading     `json:"reading,omitempty"`
	Samples     uint64           `json:"samples"`
	ParseErrors uint64           `json:"parse_errors"`
}

// handleIMU reports the external accelerometer: port traffic and the last
// parsed reading.
func (ws *WebServer) handleIMU(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if ws.serial == nil && ws.imu == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "no external accelerometer")
		return
	}
	var resp IMUResponse
	if ws.serial != nil {
		st := ws.serial.Stats()
		resp.Port = &st
	}
	if ws.imu != nil {
		if rd, ok := ws.imu.Latest(); ok {
			resp.Reading = &rd
		}
		resp.Samples, resp.ParseErrors = ws.imu.Counts()
	}
	httputil.WriteJSONOK(w, resp)
}
