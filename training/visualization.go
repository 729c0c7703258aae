package training

import (
	"fmt"
	"io"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// CurveMetric selects the summary field a curve tracks
type CurveMetric string

const (
	CurveLoss      CurveMetric = "loss"
	CurvePrecision CurveMetric = "precision"
	CurveRecall    CurveMetric = "recall"
	CurveF1        CurveMetric = "f1"
)

// DefaultCurves are drawn when no metric is requested
var DefaultCurves = []CurveMetric{CurveLoss, CurveF1}

func (c CurveMetric) value(s Summary) (float64, error) {
	switch c {
	case CurveLoss:
		return s.Loss, nil
	case CurvePrecision:
		return s.Precision, nil
	case CurveRecall:
		return s.Recall, nil
	case CurveF1:
		return s.F1, nil
	default:
		return 0, fmt.Errorf("unknown curve metric %q", c)
	}
}

// CurvePoints returns (epoch, value) points for one phase and metric,
// ordered by epoch. A later summary for the same epoch replaces an earlier one.
func CurvePoints(summaries []Summary, phase Phase, metric CurveMetric) (plotter.XYs, error) {
	byEpoch := make(map[int]float64)
	for _, s := range summaries {
		if s.Phase != phase {
			continue
		}
		v, err := metric.value(s)
		if err != nil {
			return nil, err
		}
		byEpoch[s.Epoch] = v
	}

	epochs := make([]int, 0, len(byEpoch))
	for e := range byEpoch {
		epochs = append(epochs, e)
	}
	sort.Ints(epochs)

	pts := make(plotter.XYs, len(epochs))
	for i, e := range epochs {
		pts[i].X, pts[i].Y = float64(e), byEpoch[e]
	}
	return pts, nil
}

// NewCurvesPlot draws one line per phase and metric
func NewCurvesPlot(title string, summaries []Summary, metrics ...CurveMetric) (*plot.Plot, error) {
	if len(metrics) == 0 {
		metrics = DefaultCurves
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.X.Tick.Label.Font.Size = vg.Points(10)
	p.Y.Tick.Label.Font.Size = vg.Points(10)
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	colour := 0
	for _, phase := range []Phase{PhaseTrain, PhaseValid} {
		for _, metric := range metrics {
			pts, err := CurvePoints(summaries, phase, metric)
			if err != nil {
				return nil, err
			}
			if len(pts) == 0 {
				continue
			}
			line, err := plotter.NewLine(pts)
			if err != nil {
				return nil, fmt.Errorf("failed to build %s %s curve: %w", phase, metric, err)
			}
			line.Width = vg.Points(2)
			line.Color = plotutil.Color(colour)
			if phase == PhaseValid {
				line.Dashes = plotutil.Dashes(1)
			}
			colour++
			p.Add(line)
			p.Legend.Add(fmt.Sprintf("%s %s", phase, metric), line)
		}
	}
	return p, nil
}

// WriteCurves renders the curves in format ("svg", "png", "pdf") to w
func WriteCurves(w io.Writer, format string, title string, summaries []Summary, width, height int, metrics ...CurveMetric) error {
	p, err := NewCurvesPlot(title, summaries, metrics...)
	if err != nil {
		return err
	}
	writer, err := p.WriterTo(vg.Points(float64(width)), vg.Points(float64(height)), format)
	if err != nil {
		return fmt.Errorf("failed to render plot: %w", err)
	}
	if _, err := writer.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write plot: %w", err)
	}
	return nil
}

// SaveCurves writes the curves to path; the extension picks the format.
func SaveCurves(path string, title string, summaries []Summary, metrics ...CurveMetric) error {
	p, err := NewCurvesPlot(title, summaries, metrics...)
	if err != nil {
		return err
	}
	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save plot %s: %w", path, err)
	}
	return nil
}
