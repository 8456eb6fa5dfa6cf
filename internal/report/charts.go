package report

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"

	"github.com/captainpan007/smartbtc-v1/internal/backtest"
)

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorEquity        = "#3b82f6"
	colorDrawdown      = "#f87171"
	colorHistogram     = "#a78bfa"

	chartWidthPx  = 1400
	chartHeightPx = 480
	histogramBins = 30
)

// BuildReportHTML 生成资金曲线、回撤曲线与盈亏分布三联图。
func BuildReportHTML(run backtest.Run, trades []backtest.Trade, equity []backtest.EquityPoint) ([]byte, error) {
	if len(equity) == 0 {
		return nil, fmt.Errorf("no equity points for run %s", run.ID)
	}
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)
	page.AddCharts(
		buildEquityChart(run, equity),
		buildDrawdownChart(run, equity),
		buildPnLHistogram(run, trades),
	)
	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func chartInit(height int) opts.Initialization {
	return opts.Initialization{
		Theme:           types.ThemeWesteros,
		Width:           fmt.Sprintf("%dpx", chartWidthPx),
		Height:          fmt.Sprintf("%dpx", height),
		BackgroundColor: colorBackground,
	}
}

func buildAxisLabels(equity []backtest.EquityPoint) []string {
	labels := make([]string, 0, len(equity))
	for _, p := range equity {
		labels = append(labels, time.UnixMilli(p.TS).UTC().Format("2006-01-02 15:04"))
	}
	return labels
}

func buildEquityChart(run backtest.Run, equity []backtest.EquityPoint) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(chartInit(chartHeightPx)),
		charts.WithTitleOpts(opts.Title{
			Title:         fmt.Sprintf("%s %s Equity", strings.ToUpper(run.Symbol), run.Timeframe),
			Subtitle:      fmt.Sprintf("initial %.2f, final %.2f (%.2f%%)", run.InitialBalance, run.FinalBalance, run.ReturnPct),
			Left:          "left",
			TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
		}),
	)
	data := make([]opts.LineData, 0, len(equity))
	for _, p := range equity {
		data = append(data, opts.LineData{Value: round2(p.Equity)})
	}
	line.SetXAxis(buildAxisLabels(equity)).
		AddSeries("Equity", data,
			charts.WithLineStyleOpts(opts.LineStyle{Color: colorEquity, Width: 2}),
			charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}),
		)
	return line
}

func buildDrawdownChart(run backtest.Run, equity []backtest.EquityPoint) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(chartInit(320)),
		charts.WithTitleOpts(opts.Title{
			Title:      "Drawdown",
			Left:       "left",
			TitleStyle: &opts.TextStyle{Color: colorTextPrimary, FontSize: 16},
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary, Formatter: "{value}%"},
		}),
	)
	data := make([]opts.LineData, 0, len(equity))
	for _, p := range equity {
		data = append(data, opts.LineData{Value: round2(p.Drawdown * 100)})
	}
	line.SetXAxis(buildAxisLabels(equity)).
		AddSeries("Drawdown", data,
			charts.WithLineStyleOpts(opts.LineStyle{Color: colorDrawdown, Width: 2}),
			charts.WithAreaStyleOpts(opts.AreaStyle{Color: colorDrawdown, Opacity: opts.Float(0.25)}),
		)
	return line
}

func buildPnLHistogram(run backtest.Run, trades []backtest.Trade) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(chartInit(320)),
		charts.WithTitleOpts(opts.Title{
			Title:      "PnL Distribution",
			Left:       "left",
			TitleStyle: &opts.TextStyle{Color: colorTextPrimary, FontSize: 16},
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary, Rotate: 45},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
		}),
	)
	labels, counts := histogram(closedPnLs(trades), histogramBins)
	data := make([]opts.BarData, 0, len(counts))
	for _, c := range counts {
		data = append(data, opts.BarData{Value: c})
	}
	bar.SetXAxis(labels).
		AddSeries("Trades", data, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorHistogram}))
	return bar
}

func closedPnLs(trades []backtest.Trade) []float64 {
	var pnls []float64
	for _, t := range trades {
		if t.Action == "sell" {
			pnls = append(pnls, t.PnL)
		}
	}
	return pnls
}

// histogram 把盈亏分桶,返回桶标签与计数。
func histogram(values []float64, bins int) ([]string, []int) {
	if len(values) == 0 || bins <= 0 {
		return nil, nil
	}
	lo, hi := values[0], values[0]
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	width := (hi - lo) / float64(bins)
	if width <= 0 {
		return []string{fmt.Sprintf("%.2f", lo)}, []int{len(values)}
	}
	counts := make([]int, bins)
	for _, v := range values {
		idx := int((v - lo) / width)
		if idx >= bins {
			idx = bins - 1
		}
		counts[idx]++
	}
	labels := make([]string, bins)
	for i := range labels {
		labels[i] = fmt.Sprintf("%.1f", lo+width*(float64(i)+0.5))
	}
	return labels, counts
}
