package monitor

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/depthview/internal/depth/visualiser"
	"github.com/banshee-data/depthview/internal/httputil"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 30 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	// The monitor is a local debugging surface served to any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamRequest builds a StreamRequest from query parameters:
//   - serial: restrict to one camera
//   - points: include point data (default true)
//   - decimation: none, uniform or voxel
//   - ratio: decimation ratio in (0, 1]
func streamRequest(r *http.Request) (*visualiser.StreamRequest, error) {
	q := r.URL.Query()
	points, err := httputil.QueryBool(r, "points", true)
	if err != nil {
		return nil, err
	}
	req := &visualiser.StreamRequest{Serial: q.Get("serial"), IncludePoints: points}
	if d := q.Get("decimation"); d != "" {
		mode, ok := visualiser.ParseDecimation(d)
		if !ok {
			return nil, errors.New("invalid 'decimation' parameter")
		}
		req.Decimation = mode
	}
	ratio, err := httputil.QueryFloat(r, "ratio", 0)
	if err != nil {
		return nil, err
	}
	req.DecimationRatio = float32(ratio)
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// handleCloudSocket streams published frames as binary websocket messages,
// each one FrameBundle in the gRPC wire encoding.
func (ws *WebServer) handleCloudSocket(w http.ResponseWriter, r *http.Request) {
	if ws.publisher == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	req, err := streamRequest(r)
	if err != nil {
		ws.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, frames, err := ws.publisher.Subscribe("ws", req)
	if err != nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer ws.publisher.Unsubscribe(id)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		log.Printf("[WS] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// Inbound messages are ignored; reading is needed to process control
	// frames and to notice the peer going away.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case frame, ok := <-frames:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "publisher stopped"),
					time.Now().Add(wsWriteWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, visualiser.MarshalFrame(frame.ForRequest(req))); err != nil {
				log.Printf("[WS] write to %s failed: %v", id, err)
				return
			}
		}
	}
}
