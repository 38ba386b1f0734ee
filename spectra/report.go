package spectra

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-analyze/charts"
)

// SummaryCounts aggregates the coverage figures rendered in the summary chart.
type SummaryCounts struct {
	Nodes, CoveredNodes, FailureCoveredNodes int
	PassingTraces, FailingTraces            int
	ExecutionTraces                         int
}

// Summarize computes the coverage figures of s.
func Summarize(s *Spectra) SummaryCounts {
	c := SummaryCounts{Nodes: s.NodeCount()}
	for i := 0; i < s.NodeCount(); i++ {
		counts := s.NodeCounts(i)
		if counts.EF+counts.EP > 0 {
			c.CoveredNodes++
		}
		if counts.EF > 0 {
			c.FailureCoveredNodes++
		}
	}
	for _, t := range s.traces {
		if t.successful {
			c.PassingTraces++
		} else {
			c.FailingTraces++
		}
		c.ExecutionTraces += len(t.execTraces)
	}
	return c
}

func (c SummaryCounts) String() string {
	return fmt.Sprintf("%s nodes (%s covered, %s by failing tests), %s traces (%s failing), %s execution traces",
		humanize.Comma(int64(c.Nodes)), humanize.Comma(int64(c.CoveredNodes)),
		humanize.Comma(int64(c.FailureCoveredNodes)),
		humanize.Comma(int64(c.PassingTraces+c.FailingTraces)), humanize.Comma(int64(c.FailingTraces)),
		humanize.Comma(int64(c.ExecutionTraces)))
}

// RenderSummaryChart writes a coverage overview chart of s to path; the image format follows the
// file extension (.png, .jpg, .jpeg or .svg).
func RenderSummaryChart(path string, s *Spectra) error {
	var outputType string
	if strings.HasSuffix(path, ".png") {
		outputType = charts.ChartOutputPNG
	} else if strings.HasSuffix(path, ".jpg") || strings.HasSuffix(path, ".jpeg") {
		outputType = charts.ChartOutputJPG
	} else if strings.HasSuffix(path, ".svg") {
		outputType = charts.ChartOutputSVG
	} else {
		return fmt.Errorf("unhandled chart file type: %s", path)
	}
	if s.NodeCount() == 0 || len(s.traces) == 0 {
		return ErrEmptySpectra
	}

	buf, err := renderSummaryChart(charts.PainterOptions{
		OutputFormat: outputType,
		Width:        800,
		Height:       400,
	}, Summarize(s))
	if err != nil {
		return fmt.Errorf("render chart failed: %w", err)
	} else if err = os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("write chart file failed: %w", err)
	}
	return nil
}

func renderSummaryChart(painterOpt charts.PainterOptions, c SummaryCounts) ([]byte, error) {
	root := charts.NewPainter(painterOpt)
	root.FilledRect(0, 0, root.Width(), root.Height(), charts.ColorWhite, charts.ColorWhite, 0)
	p := root.Child(charts.PainterPaddingOption(charts.NewBox(10, 10, 10, 10)))

	painters, err := p.LayoutByRows().
		Row().Height("128").Columns("nodes", "traces").
		Row().Columns("failing").
		Build()
	if err != nil {
		return nil, fmt.Errorf("error building chart layout: %w", err)
	}

	theme := charts.GetTheme(charts.ThemeLight).
		WithBackgroundColor(charts.ColorTransparent).
		WithSeriesColors([]charts.Color{
			charts.ColorGreenAlt1,
			charts.ColorRed,
		})
	gauges := []struct {
		painter       string
		title         string
		first, second int
	}{
		{"nodes", "Node Coverage", c.CoveredNodes, c.Nodes - c.CoveredNodes},
		{"traces", "Test Outcomes", c.PassingTraces, c.FailingTraces},
		{"failing", "Nodes Reached By Failing Tests", c.FailureCoveredNodes, c.Nodes - c.FailureCoveredNodes},
	}
	for _, g := range gauges {
		total := float64(g.first + g.second)
		opt := charts.NewHorizontalBarChartOptionWithData([][]float64{
			{float64(g.first)}, {float64(g.second)},
		})
		opt.StackSeries = charts.Ptr(true)
		opt.Theme = theme
		opt.Title.Text = g.title
		opt.YAxis.Show = charts.Ptr(false)
		opt.SeriesList[1].Label.Show = charts.Ptr(true)
		opt.SeriesList[1].Label.ValueFormatter = func(f float64) string {
			if total == 0 {
				return "0%"
			}
			return charts.FormatValueHumanize(100.0*(total-f)/total, 1, false) + "%"
		}
		if err := painters[g.painter].HorizontalBarChart(opt); err != nil {
			return nil, fmt.Errorf("error rendering chart: %w", err)
		}
	}
	return root.Bytes()
}
