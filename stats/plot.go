package stats

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// NewSeriesPlot creates new plot of the analysis RMSE and spread series from
// the collected records. Diverged and NaN records are skipped.
// It returns error if there are no analysis records to plot or if the gonum
// plotters fail to be created.
func NewSeriesPlot(recs []Record) (*plot.Plot, error) {
	rmse := make(plotter.XYs, 0, len(recs))
	spread := make(plotter.XYs, 0, len(recs))

	for _, rec := range recs {
		if rec.Phase != Analysis || rec.Diverged {
			continue
		}
		if rec.RMSE == rec.RMSE {
			rmse = append(rmse, plotter.XY{X: rec.T, Y: rec.RMSE})
		}
		if rec.Spread == rec.Spread {
			spread = append(spread, plotter.XY{X: rec.T, Y: rec.Spread})
		}
	}

	if len(rmse) == 0 && len(spread) == 0 {
		return nil, fmt.Errorf("no analysis records to plot")
	}

	p := plot.New()

	p.Title.Text = "Assimilation"
	p.X.Label.Text = "time"
	p.Y.Label.Text = "RMSE / spread"

	legend := plot.NewLegend()
	legend.Top = true
	p.Legend = legend

	rmseLine, err := plotter.NewLine(rmse)
	if err != nil {
		return nil, fmt.Errorf("failed to create RMSE line: %v", err)
	}
	rmseLine.LineStyle.Color = color.RGBA{R: 255, A: 255}
	rmseLine.LineStyle.Width = vg.Points(1)

	p.Add(rmseLine)
	p.Legend.Add("rmse", rmseLine)

	spreadLine, err := plotter.NewLine(spread)
	if err != nil {
		return nil, fmt.Errorf("failed to create spread line: %v", err)
	}
	spreadLine.LineStyle.Color = color.RGBA{B: 255, A: 255}
	spreadLine.LineStyle.Width = vg.Points(1)
	spreadLine.LineStyle.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}

	p.Add(spreadLine)
	p.Legend.Add("spread", spreadLine)

	return p, nil
}
