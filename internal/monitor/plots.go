package monitor

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/lattice.flow/internal/lattice"
	"github.com/banshee-data/lattice.flow/internal/solver"
)

// ErrNoData is returned when there is nothing to plot yet.
var ErrNoData = errors.New("no data to plot")

// Plot sizes for the PNG endpoints.
const (
	plotWidth  = 10 * vg.Inch
	plotHeight = 5 * vg.Inch
)

// ResidualPlot plots the convergence residual of each checkpoint against
// iteration on a log scale. Checkpoints without a finite, positive
// residual are skipped.
func ResidualPlot(reports []solver.Progress) (*plot.Plot, error) {
	pts := make(plotter.XYs, 0, len(reports))
	for _, r := range reports {
		if r.Residual > 0 && !math.IsInf(r.Residual, 0) {
			pts = append(pts, plotter.XY{X: float64(r.Iteration), Y: r.Residual})
		}
	}
	if len(pts) == 0 {
		return nil, ErrNoData
	}

	p := plot.New()
	p.Title.Text = "Convergence"
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = "Max relative speed change"
	p.Y.Scale = plot.LogScale{}
	p.Y.Tick.Marker = plot.LogTicks{Prec: -1}
	p.Add(plotter.NewGrid())

	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, fmt.Errorf("residual line: %w", err)
	}
	line.Width = vg.Points(1)
	line.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	p.Add(line)
	return p, nil
}

// CentrelinePlot plots the velocity magnitude along the x axis through
// the centre of the y/z cross-section. Solid nodes are drawn at zero.
func CentrelinePlot(s *solver.Snapshot) (*plot.Plot, error) {
	if s == nil || s.NX == 0 || len(s.Velocity) != s.NX*s.NY*s.NZ || len(s.Types) != len(s.Velocity) {
		return nil, ErrNoData
	}
	d := s.Dims()
	y, z := s.NY/2, s.NZ/2
	dx := s.Spacing[0]
	if dx <= 0 {
		dx = 1
	}

	speed := make(plotter.XYs, s.NX)
	ux := make(plotter.XYs, s.NX)
	for x := 0; x < s.NX; x++ {
		i := d.Index(x, y, z)
		pos := float64(x) * dx
		speed[x].X, ux[x].X = pos, pos
		if s.Types[i] == lattice.Solid {
			continue
		}
		u := s.Velocity[i]
		speed[x].Y = u.Norm()
		ux[x].Y = u[0]
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Centreline velocity - iteration %d", s.Iteration)
	p.X.Label.Text = "x"
	p.Y.Label.Text = "Velocity (lattice units)"
	p.Add(plotter.NewGrid())

	speedLine, err := plotter.NewLine(speed)
	if err != nil {
		return nil, fmt.Errorf("speed line: %w", err)
	}
	speedLine.Width = vg.Points(1.5)
	speedLine.Color = color.RGBA{R: 214, G: 39, B: 40, A: 255}

	uxLine, err := plotter.NewLine(ux)
	if err != nil {
		return nil, fmt.Errorf("ux line: %w", err)
	}
	uxLine.Width = vg.Points(1)
	uxLine.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}

	p.Add(speedLine, uxLine)
	p.Legend.Add("|u|", speedLine)
	p.Legend.Add("ux", uxLine)
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// WritePNG renders p as a PNG to w.
func WritePNG(w io.Writer, p *plot.Plot) error {
	wt, err := p.WriterTo(plotWidth, plotHeight, "png")
	if err != nil {
		return fmt.Errorf("failed to render plot: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}
