package predictor

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/markcheno/go-talib"

	"github.com/captainpan007/smartbtc-v1/internal/analysis/pattern"
	"github.com/captainpan007/smartbtc-v1/internal/market"
)

// ErrNotTrained 模型尚未训练,调用方应先 Train 再 Predict。
var ErrNotTrained = errors.New("predictor: model not trained")

const (
	featureCount   = 12
	labelHorizon   = 5
	minTrainRows   = 50
	defaultWindow  = 180
	defaultLR      = 0.05
	defaultEpochs  = 200
	stdDevPeriod   = 20
	probLookback   = 5
	trendChangeLag = 5
)

// Prediction 方向预测结果,Confidence 为所预测方向的概率。
type Prediction struct {
	Up         bool    `json:"up"`
	Confidence float64 `json:"confidence"`
}

// Predictor 滚动窗口上的逻辑回归方向分类器。
// 标签为未来 5 根 K 线的涨跌,特征做 min-max 归一化。
type Predictor struct {
	WindowSize   int
	LearningRate float64
	Epochs       int

	mu      sync.Mutex
	weights [featureCount]float64
	bias    float64
	scaler  minMaxScaler
	trained bool
}

func New(windowSize int, learningRate float64, epochs int) *Predictor {
	if windowSize <= 0 {
		windowSize = defaultWindow
	}
	if learningRate <= 0 {
		learningRate = defaultLR
	}
	if epochs <= 0 {
		epochs = defaultEpochs
	}
	return &Predictor{WindowSize: windowSize, LearningRate: learningRate, Epochs: epochs}
}

func (p *Predictor) Trained() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trained
}

// Train 在窗口末尾 WindowSize 根上重训模型。
// 有效样本不足时返回错误且保留旧模型。
func (p *Predictor) Train(window market.Series) error {
	if len(window) < p.WindowSize+labelHorizon {
		return fmt.Errorf("predictor: %d bars given, need %d", len(window), p.WindowSize+labelHorizon)
	}
	window = window[len(window)-p.WindowSize:]

	feats := buildFeatures(window)
	var xs [][featureCount]float64
	var ys []float64
	closes := window.Closes()
	for i := 0; i < len(window)-labelHorizon; i++ {
		row, ok := feats.row(i)
		if !ok {
			continue
		}
		xs = append(xs, row)
		label := 0.0
		if closes[i] != 0 && closes[i+labelHorizon]/closes[i]-1 > 0 {
			label = 1.0
		}
		ys = append(ys, label)
	}
	if len(xs) < minTrainRows {
		return fmt.Errorf("predictor: %d usable rows after feature preparation, need %d", len(xs), minTrainRows)
	}

	var scaler minMaxScaler
	scaler.fit(xs)
	for i := range xs {
		xs[i] = scaler.transform(xs[i])
	}

	var weights [featureCount]float64
	bias := 0.0
	n := float64(len(xs))
	for epoch := 0; epoch < p.Epochs; epoch++ {
		var gradW [featureCount]float64
		gradB := 0.0
		for i, x := range xs {
			pred := sigmoid(dot(weights, x) + bias)
			diff := pred - ys[i]
			for j := range gradW {
				gradW[j] += diff * x[j]
			}
			gradB += diff
		}
		for j := range weights {
			weights[j] -= p.LearningRate * gradW[j] / n
		}
		bias -= p.LearningRate * gradB / n
	}

	p.mu.Lock()
	p.weights = weights
	p.bias = bias
	p.scaler = scaler
	p.trained = true
	p.mu.Unlock()
	return nil
}

// Predict 对窗口末根给出方向预测。未训练时返回 ErrNotTrained。
func (p *Predictor) Predict(window market.Series) (Prediction, error) {
	p.mu.Lock()
	trained := p.trained
	weights := p.weights
	bias := p.bias
	scaler := p.scaler
	p.mu.Unlock()
	if !trained {
		return Prediction{}, ErrNotTrained
	}
	if len(window) == 0 {
		return Prediction{}, fmt.Errorf("predictor: empty window")
	}

	feats := buildFeatures(window)
	row, ok := feats.row(len(window) - 1)
	if !ok {
		return Prediction{}, fmt.Errorf("predictor: features not available on latest bar")
	}
	prob := sigmoid(dot(weights, scaler.transform(row)) + bias)
	if prob >= 0.5 {
		return Prediction{Up: true, Confidence: prob}, nil
	}
	return Prediction{Up: false, Confidence: 1 - prob}, nil
}

// featureTable 按列存放窗口内逐根的特征值。
type featureTable struct {
	cols [featureCount][]float64
	n    int
}

func (f featureTable) row(i int) ([featureCount]float64, bool) {
	var out [featureCount]float64
	if i < 0 || i >= f.n {
		return out, false
	}
	for j, col := range f.cols {
		v := col[i]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return out, false
		}
		out[j] = v
	}
	return out, true
}

func buildFeatures(window market.Series) featureTable {
	n := len(window)
	closes := window.Closes()
	highs := window.Highs()
	lows := window.Lows()
	vols := window.Volumes()

	rsi := markNaNLeading(talib.Rsi(closes, 14), 14)
	upper, middle, lower := talib.BBands(closes, 20, 2.0, 2.0, talib.SMA)
	bbWidth := make([]float64, n)
	for i := range bbWidth {
		if middle[i] != 0 {
			bbWidth[i] = (upper[i] - lower[i]) / middle[i]
		} else {
			bbWidth[i] = math.NaN()
		}
	}
	adx := markNaNLeading(talib.Adx(highs, lows, closes, 14), 28)
	macd, _, _ := talib.Macd(closes, 12, 26, 9)
	macd = markNaNLeading(macd, 34)
	fastK, _ := talib.StochRsi(closes, 14, 14, 3, talib.SMA)
	stochRSI := markNaNLeading(fastK, 31)

	volumeChange := make([]float64, n)
	trend := make([]float64, n)
	volumeTrend := make([]float64, n)
	priceRange := make([]float64, n)
	for i := 0; i < n; i++ {
		volumeChange[i] = math.NaN()
		trend[i] = math.NaN()
		volumeTrend[i] = math.NaN()
		if i > 0 && vols[i-1] != 0 {
			volumeChange[i] = vols[i] / vols[i-1]
		}
		// pct_change(5) 再后移一根:基于 i-1 与 i-6
		if i > trendChangeLag && closes[i-trendChangeLag-1] != 0 {
			trend[i] = closes[i-1]/closes[i-trendChangeLag-1] - 1
		}
		if i > trendChangeLag && vols[i-trendChangeLag-1] != 0 {
			volumeTrend[i] = vols[i-1]/vols[i-trendChangeLag-1] - 1
		}
		if closes[i] != 0 {
			priceRange[i] = (highs[i] - lows[i]) / closes[i]
		} else {
			priceRange[i] = math.NaN()
		}
	}
	volatility := markNaNLeading(talib.StdDev(closes, stdDevPeriod, 1.0), stdDevPeriod-1)

	// 形态概率在窗口内是常量列
	hammerProb := pattern.UpProbability(window, pattern.IsHammer, probLookback)
	engulfProb := pattern.UpProbability(window, func(w market.Series) bool {
		ok, dir := pattern.Engulfing(w)
		return ok && dir == pattern.DirectionBullish
	}, probLookback)
	hammerCol := constantColumn(n, hammerProb)
	engulfCol := constantColumn(n, engulfProb)

	return featureTable{
		n: n,
		cols: [featureCount][]float64{
			rsi, bbWidth, adx, volumeChange, macd, stochRSI,
			hammerCol, engulfCol, trend, volumeTrend, volatility, priceRange,
		},
	}
}

// markNaNLeading 把 talib 的零值预热段标成 NaN,防止被当成真实特征。
func markNaNLeading(series []float64, warmup int) []float64 {
	out := make([]float64, len(series))
	copy(out, series)
	for i := 0; i < warmup && i < len(out); i++ {
		out[i] = math.NaN()
	}
	return out
}

func constantColumn(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

type minMaxScaler struct {
	min [featureCount]float64
	max [featureCount]float64
}

func (s *minMaxScaler) fit(rows [][featureCount]float64) {
	for j := 0; j < featureCount; j++ {
		s.min[j] = math.Inf(1)
		s.max[j] = math.Inf(-1)
	}
	for _, row := range rows {
		for j, v := range row {
			if v < s.min[j] {
				s.min[j] = v
			}
			if v > s.max[j] {
				s.max[j] = v
			}
		}
	}
}

func (s *minMaxScaler) transform(row [featureCount]float64) [featureCount]float64 {
	var out [featureCount]float64
	for j, v := range row {
		span := s.max[j] - s.min[j]
		if span == 0 {
			out[j] = 0
			continue
		}
		scaled := (v - s.min[j]) / span
		// 超出训练区间的值夹到 [0,1]
		out[j] = math.Min(1, math.Max(0, scaled))
	}
	return out
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func dot(w, x [featureCount]float64) float64 {
	sum := 0.0
	for i := range w {
		sum += w[i] * x[i]
	}
	return sum
}
