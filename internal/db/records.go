package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned when a session id does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Device is a camera seen by the process.
type Device struct {
	Serial       string    `json:"serial"`
	Name         string    `json:"name"`
	Firmware     string    `json:"firmware"`
	PhysicalPort string    `json:"physical_port"`
	ProductID    string    `json:"product_id"`
	USBType      string    `json:"usb_type"`
	ProductLine  string    `json:"product_line"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*1e9))
}

// UpsertDevice records d, keeping the first-seen time of an existing row.
func (db *DB) UpsertDevice(d Device, seen time.Time) error {
	if d.Serial == "" {
		return fmt.Errorf("device serial is empty")
	}
	_, err := db.Exec(`
		INSERT INTO devices (serial, name, firmware, physical_port, product_id, usb_type, product_line, first_seen_unix, last_seen_unix)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(serial) DO UPDATE SET
			name = excluded.name,
			firmware = excluded.firmware,
			physical_port = excluded.physical_port,
			product_id = excluded.product_id,
			usb_type = excluded.usb_type,
			product_line = excluded.product_line,
			last_seen_unix = excluded.last_seen_unix`,
		d.Serial, d.Name, d.Firmware, d.PhysicalPort, d.ProductID, d.USBType, d.ProductLine,
		unixSeconds(seen), unixSeconds(seen))
	if err != nil {
		return fmt.Errorf("failed to upsert device %s: %w", d.Serial, err)
	}
	return nil
}

// Devices returns every recorded device ordered by serial.
func (db *DB) Devices() ([]Device, error) {
	rows, err := db.Query(`
		SELECT serial, name, firmware, physical_port, product_id, usb_type, product_line, first_seen_unix, last_seen_unix
		FROM devices ORDER BY serial`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		var first, last float64
		if err := rows.Scan(&d.Serial, &d.Name, &d.Firmware, &d.PhysicalPort, &d.ProductID, &d.USBType, &d.ProductLine, &first, &last); err != nil {
			return nil, err
		}
		d.FirstSeen = fromUnixSeconds(first)
		d.LastSeen = fromUnixSeconds(last)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Session is one run of the capture loop.
type Session struct {
	ID         string          `json:"id"`
	Label      string          `json:"label"`
	Started    time.Time       `json:"started"`
	Ended      *time.Time      `json:"ended,omitempty"`
	ConfigJSON json.RawMessage `json:"config"`
}

// StartSession inserts a new session. config is stored as JSON.
func (db *DB) StartSession(label string, config any, started time.Time) (*Session, error) {
	cfg := []byte("{}")
	if config != nil {
		b, err := json.Marshal(config)
		if err != nil {
			return nil, fmt.Errorf("failed to encode session config: %w", err)
		}
		cfg = b
	}
	s := &Session{ID: uuid.NewString(), Label: label, Started: started, ConfigJSON: cfg}
	if _, err := db.Exec(`INSERT INTO sessions (session_id, label, started_unix, config_json) VALUES (?, ?, ?, ?)`,
		s.ID, s.Label, unixSeconds(started), string(cfg)); err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	return s, nil
}

// EndSession stamps the end time of a session.
func (db *DB) EndSession(id string, ended time.Time) error {
	res, err := db.Exec(`UPDATE sessions SET ended_unix = ? WHERE session_id = ?`, unixSeconds(ended), id)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Sessions returns the most recent sessions, newest first.
func (db *DB) Sessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT session_id, label, started_unix, ended_unix, config_json
		FROM sessions ORDER BY started_unix DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		var started float64
		var ended sql.NullFloat64
		var cfg string
		if err := rows.Scan(&s.ID, &s.Label, &started, &ended, &cfg); err != nil {
			return nil, err
		}
		s.Started = fromUnixSeconds(started)
		if ended.Valid {
			t := fromUnixSeconds(ended.Float64)
			s.Ended = &t
		}
		s.ConfigJSON = json.RawMessage(cfg)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Calibration is one leveling result for a camera.
type Calibration struct {
	ID        int64       `json:"id"`
	SessionID string      `json:"session_id"`
	Serial    string      `json:"serial"`
	Taken     time.Time   `json:"taken"`
	Method    string      `json:"method"`
	Up        [3]float64  `json:"up"`
	Pitch     float64     `json:"pitch"`
	Roll      float64     `json:"roll"`
	Model     [16]float64 `json:"model"`
}

// RecordCalibration inserts c and sets its ID.
func (db *DB) RecordCalibration(c *Calibration) error {
	model, err := json.Marshal(c.Model)
	if err != nil {
		return err
	}
	res, err := db.Exec(`
		INSERT INTO calibrations (session_id, serial, taken_unix, method, up_x, up_y, up_z, pitch, roll, model_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SessionID, c.Serial, unixSeconds(c.Taken), c.Method, c.Up[0], c.Up[1], c.Up[2], c.Pitch, c.Roll, string(model))
	if err != nil {
		return fmt.Errorf("failed to record calibration: %w", err)
	}
	c.ID, err = res.LastInsertId()
	return err
}

// LatestCalibration returns the newest calibration for serial, or nil.
func (db *DB) LatestCalibration(serial string) (*Calibration, error) {
	cals, err := db.Calibrations(serial, 1)
	if err != nil || len(cals) == 0 {
		return nil, err
	}
	return &cals[0], nil
}

// Calibrations returns calibrations for serial, newest first.
func (db *DB) Calibrations(serial string, limit int) ([]Calibration, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT calibration_id, session_id, serial, taken_unix, method, up_x, up_y, up_z, pitch, roll, model_json
		FROM calibrations WHERE serial = ? ORDER BY taken_unix DESC, calibration_id DESC LIMIT ?`, serial, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Calibration
	for rows.Next() {
		var c Calibration
		var taken float64
		var model string
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Serial, &taken, &c.Method, &c.Up[0], &c.Up[1], &c.Up[2], &c.Pitch, &c.Roll, &model); err != nil {
			return nil, err
		}
		c.Taken = fromUnixSeconds(taken)
		if err := json.Unmarshal([]byte(model), &c.Model); err != nil {
			return nil, fmt.Errorf("calibration %d: bad model: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FrameStats summarises a window of frames from one camera.
type FrameStats struct {
	SessionID  string    `json:"session_id"`
	Serial     string    `json:"serial"`
	WindowEnd  time.Time `json:"window_end"`
	Frames     int       `json:"frames"`
	MeanPoints float64   `json:"mean_points"`
	MeanPitch  float64   `json:"mean_pitch"`
	StdPitch   float64   `json:"std_pitch"`
	MeanRoll   float64   `json:"mean_roll"`
	StdRoll    float64   `json:"std_roll"`
}

func (db *DB) RecordFrameStats(s FrameStats) error {
	_, err := db.Exec(`
		INSERT INTO frame_stats (session_id, serial, window_end_unix, frames, mean_points, mean_pitch, std_pitch, mean_roll, std_roll)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.SessionID, s.Serial, unixSeconds(s.WindowEnd), s.Frames, s.MeanPoints, s.MeanPitch, s.StdPitch, s.MeanRoll, s.StdRoll)
	if err != nil {
		return fmt.Errorf("failed to record frame stats: %w", err)
	}
	return nil
}

// RecentFrameStats returns stats rows for serial, newest first. An empty
// serial returns every camera.
func (db *DB) RecentFrameStats(serial string, limit int) ([]FrameStats, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT session_id, serial, window_end_unix, frames, mean_points, mean_pitch, std_pitch, mean_roll, std_roll
		FROM frame_stats WHERE (? = '' OR serial = ?) ORDER BY window_end_unix DESC, stat_id DESC LIMIT ?`,
		serial, serial, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FrameStats
	for rows.Next() {
		var s FrameStats
		var end float64
		if err := rows.Scan(&s.SessionID, &s.Serial, &end, &s.Frames, &s.MeanPoints, &s.MeanPitch, &s.StdPitch, &s.MeanRoll, &s.StdRoll); err != nil {
			return nil, err
		}
		s.WindowEnd = fromUnixSeconds(end)
		out = append(out, s)
	}
	return out, rows.Err()
}
