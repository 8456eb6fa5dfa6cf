// Package report 汇总回测绩效并输出 HTML/PNG 报表。
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/captainpan007/smartbtc-v1/internal/backtest"
	"github.com/captainpan007/smartbtc-v1/internal/logger"
)

// Result 一次报表生成的产物路径。
type Result struct {
	Metrics     Metrics `json:"metrics"`
	HTMLPath    string  `json:"html_path"`
	PNGPath     string  `json:"png_path,omitempty"`
	MetricsPath string  `json:"metrics_path"`
}

// Generate 为指定回测生成报表:绩效 JSON、图表 HTML,headless
// 浏览器可用时再加一张 PNG 快照。
func Generate(ctx context.Context, outDir string, run backtest.Run, trades []backtest.Trade, equity []backtest.EquityPoint) (Result, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create report dir: %w", err)
	}

	metrics := Compute(trades, equity)
	res := Result{Metrics: metrics}

	res.MetricsPath = filepath.Join(outDir, run.ID+"_metrics.json")
	if err := writeMetrics(res.MetricsPath, metrics); err != nil {
		return Result{}, err
	}

	html, err := BuildReportHTML(run, trades, equity)
	if err != nil {
		return Result{}, err
	}
	res.HTMLPath = filepath.Join(outDir, run.ID+".html")
	if err := os.WriteFile(res.HTMLPath, html, 0o644); err != nil {
		return Result{}, fmt.Errorf("write report html: %w", err)
	}

	png, err := RenderPNG(ctx, html, chartHeightPx+2*320+120)
	if err != nil {
		logger.Warnf("png render unavailable, html only: %v", err)
		return res, nil
	}
	res.PNGPath = filepath.Join(outDir, run.ID+".png")
	if err := os.WriteFile(res.PNGPath, png, 0o644); err != nil {
		return Result{}, fmt.Errorf("write report png: %w", err)
	}
	return res, nil
}

func writeMetrics(path string, m Metrics) error {
	// json 不接受 Inf,无亏损单时以 -1 表示
	out := m
	if math.IsInf(out.ProfitFactor, 1) {
		out.ProfitFactor = -1
	}
	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}
