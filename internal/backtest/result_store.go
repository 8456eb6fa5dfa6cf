package backtest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ResultStore 回测结果库:任务、成交与资金曲线。
type ResultStore struct {
	db *sql.DB
}

func NewResultStore(path string) (*ResultStore, error) {
	if path == "" {
		return nil, fmt.Errorf("result db path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureResultSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &ResultStore{db: db}, nil
}

func (s *ResultStore) Close() error {
	return s.db.Close()
}

func ensureResultSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			status TEXT NOT NULL,
			start_ts INTEGER,
			end_ts INTEGER,
			initial_balance REAL,
			final_balance REAL,
			profit REAL DEFAULT 0,
			return_pct REAL DEFAULT 0,
			win_rate REAL DEFAULT 0,
			max_drawdown_pct REAL DEFAULT 0,
			message TEXT,
			config TEXT,
			stats TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			action TEXT NOT NULL,
			reason TEXT,
			price REAL,
			amount REAL,
			commission REAL,
			slippage REAL,
			pnl REAL,
			balance_after REAL,
			ts INTEGER,
			signal TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_run ON trades(run_id, ts);`,
		`CREATE TABLE IF NOT EXISTS equity (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			ts INTEGER,
			equity REAL,
			balance REAL,
			drawdown REAL,
			position REAL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_equity_run ON equity(run_id, ts);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *ResultStore) InsertRun(ctx context.Context, run Run) error {
	cfg, err := run.MarshalConfig()
	if err != nil {
		return err
	}
	stats, err := run.MarshalStats()
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, symbol, timeframe, status, start_ts, end_ts,
			initial_balance, final_balance, message, config, stats, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Symbol, run.Timeframe, run.Status, run.StartTS, run.EndTS,
		run.InitialBalance, run.FinalBalance, run.Message, string(cfg), string(stats), now, now)
	return err
}

func (s *ResultStore) UpdateRunStatus(ctx context.Context, id, status, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, message = ?, updated_at = ? WHERE id = ?`,
		status, message, time.Now().UnixMilli(), id)
	return err
}

// UpdateRunSummary 写入最终统计并落状态。
func (s *ResultStore) UpdateRunSummary(ctx context.Context, id, status string, stats RunStats, message string) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, message = ?, final_balance = ?, profit = ?,
			return_pct = ?, win_rate = ?, max_drawdown_pct = ?, stats = ?,
			updated_at = ?, completed_at = ?
		WHERE id = ?`,
		status, message, stats.FinalBalance, stats.Profit, stats.ReturnPct,
		stats.WinRate, stats.MaxDrawdownPct, string(raw), now, now, id)
	return err
}

func (s *ResultStore) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, symbol, timeframe, status, start_ts, end_ts, initial_balance,
			final_balance, profit, return_pct, win_rate, max_drawdown_pct,
			COALESCE(message,''), COALESCE(config,''), COALESCE(stats,''),
			created_at, updated_at, COALESCE(completed_at,0)
		FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

func (s *ResultStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, timeframe, status, start_ts, end_ts, initial_balance,
			final_balance, profit, return_pct, win_rate, max_drawdown_pct,
			COALESCE(message,''), COALESCE(config,''), COALESCE(stats,''),
			created_at, updated_at, COALESCE(completed_at,0)
		FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var run Run
	var cfgRaw, statsRaw string
	var created, updated, completed int64
	err := row.Scan(&run.ID, &run.Symbol, &run.Timeframe, &run.Status,
		&run.StartTS, &run.EndTS, &run.InitialBalance, &run.FinalBalance,
		&run.Profit, &run.ReturnPct, &run.WinRate, &run.MaxDrawdownPct,
		&run.Message, &cfgRaw, &statsRaw, &created, &updated, &completed)
	if err != nil {
		return Run{}, err
	}
	if cfgRaw != "" {
		_ = json.Unmarshal([]byte(cfgRaw), &run.Config)
	}
	if statsRaw != "" {
		_ = json.Unmarshal([]byte(statsRaw), &run.Stats)
	}
	run.CreatedAt = time.UnixMilli(created)
	run.UpdatedAt = time.UnixMilli(updated)
	if completed > 0 {
		run.CompletedAt = time.UnixMilli(completed)
	}
	return run, nil
}

func (s *ResultStore) InsertTrade(ctx context.Context, trade *Trade) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (run_id, action, reason, price, amount, commission,
			slippage, pnl, balance_after, ts, signal)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trade.RunID, trade.Action, trade.Reason, trade.Price, trade.Amount,
		trade.Commission, trade.Slippage, trade.PnL, trade.BalanceAfter,
		trade.Time, string(trade.Signal))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	trade.ID = id
	return id, nil
}

func (s *ResultStore) ListTrades(ctx context.Context, runID string) ([]Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, action, COALESCE(reason,''), price, amount, commission,
			slippage, pnl, balance_after, ts, COALESCE(signal,'')
		FROM trades WHERE run_id = ? ORDER BY ts ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Trade
	for rows.Next() {
		var t Trade
		var sig string
		if err := rows.Scan(&t.ID, &t.RunID, &t.Action, &t.Reason, &t.Price,
			&t.Amount, &t.Commission, &t.Slippage, &t.PnL, &t.BalanceAfter,
			&t.Time, &sig); err != nil {
			return nil, err
		}
		if sig != "" {
			t.Signal = json.RawMessage(sig)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *ResultStore) InsertEquityPoint(ctx context.Context, p *EquityPoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO equity (run_id, ts, equity, balance, drawdown, position)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.RunID, p.TS, p.Equity, p.Balance, p.Drawdown, p.Position)
	return err
}

func (s *ResultStore) ListEquity(ctx context.Context, runID string) ([]EquityPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, ts, equity, balance, drawdown, position
		FROM equity WHERE run_id = ? ORDER BY ts ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EquityPoint
	for rows.Next() {
		var p EquityPoint
		if err := rows.Scan(&p.ID, &p.RunID, &p.TS, &p.Equity, &p.Balance,
			&p.Drawdown, &p.Position); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
