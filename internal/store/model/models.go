package model

import "gorm.io/datatypes"

type LiveTradeStatus int

const (
	LiveTradeStatusUnknown LiveTradeStatus = 0
	LiveTradeStatusOpen    LiveTradeStatus = 1
	LiveTradeStatusClosed  LiveTradeStatus = 2
	LiveTradeStatusFailed  LiveTradeStatus = 3
)

// LiveTradeModel 实盘持仓记录,平仓后保留全程信息。
type LiveTradeModel struct {
	ID            int64           `gorm:"column:id;primaryKey"`
	Symbol        string          `gorm:"column:symbol;index"`
	Side          string          `gorm:"column:side"`
	Amount        float64         `gorm:"column:amount"`
	EntryPrice    float64         `gorm:"column:entry_price"`
	StopLoss      float64         `gorm:"column:stop_loss"`
	TakeProfit    float64         `gorm:"column:take_profit"`
	ExitPrice     float64         `gorm:"column:exit_price"`
	ExitReason    string          `gorm:"column:exit_reason"`
	PnL           float64         `gorm:"column:pnl"`
	OrderID       int64           `gorm:"column:order_id"`
	Status        LiveTradeStatus `gorm:"column:status;index"`
	SignalJSON    datatypes.JSON  `gorm:"column:signal_json;type:TEXT"`
	OpenedAtUnix  int64           `gorm:"column:opened_at"`
	ClosedAtUnix  int64           `gorm:"column:closed_at"`
	CreatedAtUnix int64           `gorm:"column:created_at"`
	UpdatedAtUnix int64           `gorm:"column:updated_at"`
}

func (LiveTradeModel) TableName() string { return "live_trades" }

// 操作类型。
const (
	OperationSignal    = "signal"
	OperationOrder     = "order"
	OperationExit      = "exit"
	OperationPause     = "pause"
	OperationResume    = "resume"
	OperationRetrain   = "retrain"
	OperationHeartbeat = "heartbeat"
)

// OperationModel 实盘运行期的操作审计,按时间追加。
type OperationModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	Kind          string         `gorm:"column:kind;index"`
	Symbol        string         `gorm:"column:symbol"`
	Detail        string         `gorm:"column:detail"`
	PayloadJSON   datatypes.JSON `gorm:"column:payload_json;type:TEXT"`
	CreatedAtUnix int64          `gorm:"column:created_at;index"`
}

func (OperationModel) TableName() string { return "operations" }
