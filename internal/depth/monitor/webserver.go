// Package monitor serves the HTTP status surface of a running depthview
// process: a status page, a JSON API over the scene, rendered images, PCD
// downloads, leveling charts, a websocket point stream and admin routes.
package monitor

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/banshee-data/depthview/internal/db"
	"github.com/banshee-data/depthview/internal/depth/device"
	"github.com/banshee-data/depthview/internal/depth/imu"
	"github.com/banshee-data/depthview/internal/depth/render"
	"github.com/banshee-data/depthview/internal/depth/scene"
	"github.com/banshee-data/depthview/internal/depth/visualiser"
	"github.com/banshee-data/depthview/internal/httputil"
	"github.com/banshee-data/depthview/internal/serialmux"
	"github.com/banshee-data/depthview/internal/version"
)

//go:embed status.html
var StatusHTML embed.FS

var statusTemplate = template.Must(template.ParseFS(StatusHTML, "status.html"))

// maxRenderSize bounds the w and h query parameters of /api/render.png.
const maxRenderSize = 2048

// WebServer handles the HTTP interface of the viewer.
type WebServer struct {
	address    string
	server     *http.Server
	scene      *scene.Scene
	publisher  *visualiser.Publisher
	driver     device.Driver
	db         *db.DB
	serial     serialmux.SerialMuxInterface
	imu        *imu.SerialAccel
	view       render.View
	width      int
	height     int
	pointScale float64
	sessionID  string
	started    time.Time

	// renderMu runs one render at a time; each holds a full float
	// accumulator and image.
	renderMu sync.Mutex
}

// WebServerConfig contains configuration options for the web server. Only
// Scene is required; the routes backed by a nil field report 503.
type WebServerConfig struct {
	Address    string
	Scene      *scene.Scene
	Publisher  *visualiser.Publisher
	Driver     device.Driver
	DB         *db.DB
	Serial     serialmux.SerialMuxInterface
	IMU        *imu.SerialAccel
	View       render.View
	Width      int
	Height     int
	PointScale float64
	SessionID  string
}

// NewWebServer creates a new web server with the provided configuration.
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address:    config.Address,
		scene:      config.Scene,
		publisher:  config.Publisher,
		driver:     config.Driver,
		db:         config.DB,
		serial:     config.Serial,
		imu:        config.IMU,
		view:       config.View,
		width:      config.Width,
		height:     config.Height,
		pointScale: config.PointScale,
		sessionID:  config.SessionID,
		started:    time.Now(),
	}
	if ws.view.Mode == "" {
		ws.view = render.DefaultOrbitView()
	}
	if ws.width <= 0 || ws.height <= 0 {
		ws.width, ws.height = 640, 480
	}
	if ws.pointScale <= 0 {
		ws.pointScale = render.DefaultPointScale
	}

	ws.server = &http.Server{
		Addr:    ws.address,
		Handler: ws.setupRoutes(),
	}
	return ws
}

// Handler returns the route multiplexer, for tests and embedding.
func (ws *WebServer) Handler() http.Handler {
	return ws.server.Handler
}

func (ws *WebServer) writeJSONError(w http.ResponseWriter, status int, msg string) {
	httputil.WriteJSONError(w, status, msg)
}

// Start serves HTTP until ctx is done, then shuts the server down.
func (ws *WebServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}

	log.Printf("HTTP server routine stopped")
	return nil
}

// setupRoutes configures the HTTP routes and handlers.
func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "ok", "service": "depthview", "timestamp": "` + time.Now().UTC().Format(time.RFC3339) + `"}`))
	})
	mux.HandleFunc("/", ws.handleStatus)

	mux.HandleFunc("/api/devices", ws.handleDevices)
	mux.HandleFunc("/api/cameras", ws.handleCameras)
	mux.HandleFunc("/api/cameras/level", ws.handleLevel)
	mux.HandleFunc("/api/cameras/level/restart", ws.handleLevelRestart)
	mux.HandleFunc("/api/cameras/pcd", ws.handlePCD)
	mux.HandleFunc("/api/render.png", ws.handleRender)
	mux.HandleFunc("/api/voxels", ws.handleVoxels)
	mux.HandleFunc("/api/sessions", ws.handleSessions)
	mux.HandleFunc("/api/calibrations", ws.handleCalibrations)
	mux.HandleFunc("/api/stream", ws.handleStreamStats)
	mux.HandleFunc("/api/imu", ws.handleIMU)

	mux.HandleFunc("/debug/level", ws.handleLevelChart)
	mux.HandleFunc("/debug/frames", ws.handleFrameStatsChart)

	mux.HandleFunc("/ws/cloud", ws.handleCloudSocket)

	if ws.db != nil {
		ws.db.AttachAdminRoutes(mux)
	}
	if ws.serial != nil {
		ws.serial.AttachAdminRoutes(mux)
	}
	return mux
}

// handleStatus handles the main status page endpoint.
func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")

	data := struct {
		Version     string
		GitSHA      string
		HTTPAddress string
		SessionID   string
		Uptime      string
		View        render.ViewMode
		Cameras     []scene.Status
		Stream      *visualiser.PublisherStats
		IMU         *serialmux.Stats
	}{
		Version:     version.Version,
		GitSHA:      version.GitSHA,
		HTTPAddress: ws.address,
		SessionID:   ws.sessionID,
		Uptime:      time.Since(ws.started).Round(time.Second).String(),
		View:        ws.view.Mode,
		Cameras:     ws.cameraStatuses(),
	}
	if ws.publisher != nil {
		st := ws.publisher.Stats()
		data.Stream = &st
	}
	if ws.serial != nil {
		st := ws.serial.Stats()
		data.IMU = &st
	}

	if err := statusTemplate.Execute(w, data); err != nil {
		http.Error(w, "Error executing template: "+err.Error(), http.StatusInternalServerError)
		return
	}
}

func (ws *WebServer) cameraStatuses() []scene.Status {
	rigs := ws.scene.Rigs()
	out := make([]scene.Status, 0, len(rigs))
	for _, r := range rigs {
		out = append(out, r.Status())
	}
	return out
}

// rig resolves the serial query parameter. An empty serial selects the only
// camera of a single camera scene.
func (ws *WebServer) rig(w http.ResponseWriter, r *http.Request) (*scene.Rig, bool) {
	serial := r.URL.Query().Get("serial")
	if serial == "" {
		rigs := ws.scene.Rigs()
		if len(rigs) == 1 {
			return rigs[0], true
		}
		ws.writeJSONError(w, http.StatusBadRequest, "missing 'serial' parameter")
		return nil, false
	}
	rig, ok := ws.scene.Rig(serial)
	if !ok {
		ws.writeJSONError(w, http.StatusNotFound, "unknown camera "+serial)
		return nil, false
	}
	return rig, true
}
