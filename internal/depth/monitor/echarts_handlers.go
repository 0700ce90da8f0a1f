package monitor

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-gl/mathgl/mgl64"

	"github.com/banshee-data/depthview/internal/db"
	"github.com/banshee-data/depthview/internal/depth/scene"
)

// echartsAssetsHost serves the echarts javascript.
const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleLevelChart renders the recent pitch, roll and accelerometer magnitude
// of each camera as line charts. This is a debugging-only endpoint.
// Query params:
//   - serial (optional; defaults to every camera)
func (ws *WebServer) handleLevelChart(w http.ResponseWriter, r *http.Request) {
	var rigs []*scene.Rig
	if serial := r.URL.Query().Get("serial"); serial != "" {
		rig, ok := ws.scene.Rig(serial)
		if !ok {
			ws.writeJSONError(w, http.StatusNotFound, "unknown camera "+serial)
			return
		}
		rigs = []*scene.Rig{rig}
	} else {
		rigs = ws.scene.Rigs()
	}

	page := components.NewPage()
	page.PageTitle = "depthview leveling"
	page.SetAssetsHost(echartsAssetsHost)
	for _, rig := range rigs {
		page.AddCharts(levelChart(rig))
	}

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func levelChart(rig *scene.Rig) *charts.Line {
	samples := rig.Stats.Samples()
	summary := rig.Stats.Summary()

	x := make([]string, 0, len(samples))
	pitch := make([]opts.LineData, 0, len(samples))
	roll := make([]opts.LineData, 0, len(samples))
	accel := make([]opts.LineData, 0, len(samples))
	for _, s := range samples {
		x = append(x, s.Time.Format("15:04:05.000"))
		pitch = append(pitch, opts.LineData{Value: mgl64.RadToDeg(s.Pitch)})
		roll = append(roll, opts.LineData{Value: mgl64.RadToDeg(s.Roll)})
		accel = append(accel, opts.LineData{Value: s.AccelMag})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: "dark", Width: "100%", Height: "420px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{
			Title: "Leveling " + rig.Serial(),
			Subtitle: fmt.Sprintf("samples=%d pitch=%.2f±%.2f° roll=%.2f±%.2f° |a|=%.3f",
				summary.Count,
				mgl64.RadToDeg(summary.PitchMean), mgl64.RadToDeg(summary.PitchStdDev),
				mgl64.RadToDeg(summary.RollMean), mgl64.RadToDeg(summary.RollStdDev),
				summary.AccelMean),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "deg / m/s²"}),
	)
	line.SetXAxis(x).
		AddSeries("pitch (deg)", pitch).
		AddSeries("roll (deg)", roll).
		AddSeries("|accel|", accel).
		SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	return line
}

// handleFrameStatsChart plots the stored per-window point counts of each
// camera. Query params:
//   - serial (optional; defaults to every camera)
//   - limit (optional; default 200)
func (ws *WebServer) handleFrameStatsChart(w http.ResponseWriter, r *http.Request) {
	if !ws.requireDB(w) {
		return
	}
	limit, ok := ws.limit(w, r, 200)
	if !ok {
		return
	}
	rows, err := ws.db.RecentFrameStats(r.URL.Query().Get("serial"), limit)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load frame stats: %v", err))
		return
	}

	line := frameStatsChart(rows)
	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// frameStatsChart aligns rows on their window end times, one series per
// camera. Rows arrive newest first.
func frameStatsChart(rows []db.FrameStats) *charts.Line {
	times := map[time.Time]struct{}{}
	bySerial := map[string]map[time.Time]float64{}
	for _, row := range rows {
		times[row.WindowEnd] = struct{}{}
		if bySerial[row.Serial] == nil {
			bySerial[row.Serial] = map[time.Time]float64{}
		}
		bySerial[row.Serial][row.WindowEnd] = row.MeanPoints
	}

	axis := make([]time.Time, 0, len(times))
	for t := range times {
		axis = append(axis, t)
	}
	sort.Slice(axis, func(i, j int) bool { return axis[i].Before(axis[j]) })
	labels := make([]string, len(axis))
	for i, t := range axis {
		labels[i] = t.Local().Format("15:04:05")
	}

	serials := make([]string, 0, len(bySerial))
	for s := range bySerial {
		serials = append(serials, s)
	}
	sort.Strings(serials)

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "depthview frame stats", Theme: "dark", Width: "100%", Height: "600px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Mean points per frame", Subtitle: fmt.Sprintf("windows=%d cameras=%d", len(axis), len(serials))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
	)
	line.SetXAxis(labels)
	for _, serial := range serials {
		values := bySerial[serial]
		data := make([]opts.LineData, len(axis))
		for i, t := range axis {
			if v, ok := values[t]; ok {
				data[i] = opts.LineData{Value: v}
			} else {
				data[i] = opts.LineData{Value: "-"}
			}
		}
		line.AddSeries(serial, data)
	}
	return line
}
