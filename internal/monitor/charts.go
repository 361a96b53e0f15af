package monitor

import (
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/lattice.flow/internal/solver"
)

// RenderResidualChart writes an interactive HTML line chart of the
// residual and peak speed history.
func RenderResidualChart(w io.Writer, runID string, reports []solver.Progress) error {
	xs := make([]string, 0, len(reports))
	residual := make([]opts.LineData, 0, len(reports))
	speed := make([]opts.LineData, 0, len(reports))
	for _, r := range reports {
		xs = append(xs, strconv.Itoa(r.Iteration))
		// echarts treats "-" as a gap.
		var v interface{} = "-"
		if r.Residual > 0 && !math.IsInf(r.Residual, 0) {
			v = r.Residual
		}
		residual = append(residual, opts.LineData{Value: v})
		speed = append(speed, opts.LineData{Value: finite0(r.MaxSpeed)})
	}

	subtitle := fmt.Sprintf("checkpoints=%d", len(reports))
	if runID != "" {
		subtitle = fmt.Sprintf("run=%s %s", runID, subtitle)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "LBM Convergence", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Convergence", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Iteration", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Residual", Type: "log"}),
	)
	line.ExtendYAxis(opts.YAxis{Name: "Max speed", Type: "value"})
	line.SetXAxis(xs).
		AddSeries("residual", residual).
		AddSeries("max speed", speed, charts.WithLineChartOpts(opts.LineChart{YAxisIndex: 1}))

	if err := line.Render(w); err != nil {
		return fmt.Errorf("failed to render residual chart: %w", err)
	}
	return nil
}
