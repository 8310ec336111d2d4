package monitor

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleCloudChart renders a top-down scatter (HTML) of the last aligned
// cloud, coloured by height.
// Query params:
//   - max_points (optional; default 8000) to reduce payload size
func (ws *WebServer) handleCloudChart(w http.ResponseWriter, r *http.Request) {
	if ws.frames == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "cloud publisher not configured")
		return
	}
	frame := ws.frames.Latest()
	if frame == nil || frame.PointCount == 0 {
		ws.writeJSONError(w, http.StatusNotFound, "no aligned cloud available")
		return
	}

	maxPoints := 8000
	if mp := r.URL.Query().Get("max_points"); mp != "" {
		if v, err := strconv.Atoi(mp); err == nil && v > 100 && v <= 50000 {
			maxPoints = v
		}
	}

	// Downsample by stride to stay within maxPoints
	stride := 1
	if frame.PointCount > maxPoints {
		stride = int(math.Ceil(float64(frame.PointCount) / float64(maxPoints)))
	}

	data := make([]opts.ScatterData, 0, frame.PointCount/stride+1)
	maxAbs := 0.0
	minZ, maxZ := math.Inf(1), math.Inf(-1)
	for i := 0; i < frame.PointCount; i += stride {
		x, y, z := float64(frame.X[i]), float64(frame.Y[i]), float64(frame.Z[i])
		maxAbs = math.Max(maxAbs, math.Max(math.Abs(x), math.Abs(y)))
		minZ = math.Min(minZ, z)
		maxZ = math.Max(maxZ, z)
		data = append(data, opts.ScatterData{Value: []interface{}{x, y, z}})
	}

	pad := maxAbs * 1.05
	if pad == 0 {
		pad = 1.0
	}
	if maxZ <= minZ {
		maxZ = minZ + 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Aligned Cloud", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Last Aligned Cloud",
			Subtitle: fmt.Sprintf("frame=%d points=%d stride=%d at %s", frame.FrameID, len(data), stride, time.Unix(0, frame.TimestampNanos).Format(time.RFC3339)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(minZ),
			Max:        float32(maxZ),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#3e4989", "#26828e", "#35b779", "#fde725"}},
		}),
	)
	scatter.AddSeries("aligned", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleTrajectoryChart renders the journalled pose translations and yaw
// against scan index.
// Query params:
//   - session_id (optional; defaults to the running session)
//   - limit (optional, default 500)
func (ws *WebServer) handleTrajectoryChart(w http.ResponseWriter, r *http.Request) {
	records, ok := ws.listPoses(w, r)
	if !ok {
		return
	}
	if len(records) == 0 {
		ws.writeJSONError(w, http.StatusNotFound, "no poses journalled")
		return
	}

	labels := make([]string, len(records))
	xs := make([]opts.LineData, len(records))
	ys := make([]opts.LineData, len(records))
	zs := make([]opts.LineData, len(records))
	yaws := make([]opts.LineData, len(records))
	failed := 0
	for i, rec := range records {
		x, y, z := rec.Transform.Translation()
		labels[i] = strconv.Itoa(i + 1)
		xs[i] = opts.LineData{Value: x}
		ys[i] = opts.LineData{Value: y}
		zs[i] = opts.LineData{Value: z}
		yaws[i] = opts.LineData{Value: rec.Transform.Yaw()}
		if !rec.Converged {
			failed++
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Pose Trajectory", Width: "100%", Height: "720px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Pose Trajectory",
			Subtitle: fmt.Sprintf("session=%s scans=%d failed=%d", records[0].SessionID, len(records), failed),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Scan"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "m / rad"}),
	)
	line.SetXAxis(labels).
		AddSeries("x (m)", xs).
		AddSeries("y (m)", ys).
		AddSeries("z (m)", zs).
		AddSeries("yaw (rad)", yaws)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
