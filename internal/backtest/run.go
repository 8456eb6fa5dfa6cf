package backtest

import (
	"encoding/json"
	"time"
)

const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusFailed  = "failed"
)

// 平仓原因。
const (
	ExitStopLoss   = "stop_loss"
	ExitTakeProfit = "take_profit"
	ExitSignal     = "signal"
	ExitEndOfData  = "end_of_data"
)

// RunConfig 记录本次回放的参数快照,便于重放。
type RunConfig struct {
	Symbol             string  `json:"symbol"`
	Timeframe          string  `json:"timeframe"`
	StartTS            int64   `json:"start_ts"`
	EndTS              int64   `json:"end_ts"`
	InitialBalance     float64 `json:"initial_balance"`
	CommissionRate     float64 `json:"commission_rate"`
	SlippageBaseRate   float64 `json:"slippage_base_rate"`
	SLATRMultiplier    float64 `json:"sl_atr_multiplier"`
	TPATRMultiplier    float64 `json:"tp_atr_multiplier"`
	MaxDrawdownPct     float64 `json:"max_drawdown_pct"`
	MaxPositionRiskPct float64 `json:"max_position_risk_pct"`
	WindowSize         int     `json:"window_size"`
	RetrainInterval    int     `json:"retrain_interval"`
	Notes              string  `json:"notes,omitempty"`
}

// RunStats 汇总收益与风控指标。
type RunStats struct {
	FinalBalance    float64   `json:"final_balance"`
	Profit          float64   `json:"profit"`
	ReturnPct       float64   `json:"return_pct"`
	WinRate         float64   `json:"win_rate"`
	MaxDrawdownPct  float64   `json:"max_drawdown_pct"`
	Trades          int       `json:"trades"`
	Wins            int       `json:"wins"`
	Losses          int       `json:"losses"`
	StopLossExits   int       `json:"stop_loss_exits"`
	TakeProfitExits int       `json:"take_profit_exits"`
	SignalExits     int       `json:"signal_exits"`
	TotalCommission float64   `json:"total_commission"`
	TotalSlippage   float64   `json:"total_slippage"`
	BarsProcessed   int       `json:"bars_processed"`
	TradingPaused   bool      `json:"trading_paused"`
	EquityPeak      float64   `json:"equity_peak"`
	FinishedAt      time.Time `json:"finished_at"`
}

// Run 一次回放任务。
type Run struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	Timeframe      string    `json:"timeframe"`
	Status         string    `json:"status"`
	StartTS        int64     `json:"start_ts"`
	EndTS          int64     `json:"end_ts"`
	InitialBalance float64   `json:"initial_balance"`
	FinalBalance   float64   `json:"final_balance"`
	Profit         float64   `json:"profit"`
	ReturnPct      float64   `json:"return_pct"`
	WinRate        float64   `json:"win_rate"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	Message        string    `json:"message"`
	Config         RunConfig `json:"config"`
	Stats          RunStats  `json:"stats"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	CompletedAt    time.Time `json:"completed_at"`
}

func (r Run) MarshalStats() ([]byte, error) {
	return json.Marshal(r.Stats)
}

func (r Run) MarshalConfig() ([]byte, error) {
	return json.Marshal(r.Config)
}

// Trade 一次模拟成交记录。
type Trade struct {
	ID           int64           `json:"id"`
	RunID        string          `json:"run_id"`
	Action       string          `json:"action"`
	Reason       string          `json:"reason,omitempty"`
	Price        float64         `json:"price"`
	Amount       float64         `json:"amount"`
	Commission   float64         `json:"commission"`
	Slippage     float64         `json:"slippage"`
	PnL          float64         `json:"pnl"`
	BalanceAfter float64         `json:"balance_after"`
	Time         int64           `json:"time"`
	Signal       json.RawMessage `json:"signal,omitempty"`
}

// EquityPoint 资金曲线采样点。
type EquityPoint struct {
	ID       int64   `json:"id"`
	RunID    string  `json:"run_id"`
	TS       int64   `json:"ts"`
	Equity   float64 `json:"equity"`
	Balance  float64 `json:"balance"`
	Drawdown float64 `json:"drawdown"`
	Position float64 `json:"position"`
}

// RunRequest HTTP 提交回测任务的入参。
type RunRequest struct {
	Symbol         string  `json:"symbol" binding:"required"`
	Timeframe      string  `json:"timeframe"`
	StartTS        int64   `json:"start_ts"`
	EndTS          int64   `json:"end_ts"`
	InitialBalance float64 `json:"initial_balance"`
	CSVPath        string  `json:"csv_path,omitempty"`
}
