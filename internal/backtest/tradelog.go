package backtest

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

var tradeLogHeader = []string{
	"time", "action", "reason", "price", "amount",
	"commission", "slippage", "pnl", "balance_after",
}

// ExportTradeLog 把一次回放的成交记录导出为 CSV,便于离线复盘。
func ExportTradeLog(path string, trades []Trade) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create trade log dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create trade log: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(tradeLogHeader); err != nil {
		return err
	}
	for _, t := range trades {
		row := []string{
			time.UnixMilli(t.Time).UTC().Format(time.RFC3339),
			t.Action,
			t.Reason,
			formatFloat(t.Price),
			formatFloat(t.Amount),
			formatFloat(t.Commission),
			formatFloat(t.Slippage),
			formatFloat(t.PnL),
			formatFloat(t.BalanceAfter),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
