package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/captainpan007/smartbtc-v1/internal/store/model"
)

// SqliteStore 实盘交易与操作审计的持久化层。
type SqliteStore struct {
	db *gorm.DB
}

func NewSqliteStore(path string) (*SqliteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	return newSqliteStore(db)
}

func NewSqliteStoreFromDB(db *gorm.DB) (*SqliteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db 不能为空")
	}
	return newSqliteStore(db)
}

func newSqliteStore(db *gorm.DB) (*SqliteStore, error) {
	models := []interface{}{
		&model.LiveTradeModel{},
		&model.OperationModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &SqliteStore{db: db}, nil
}

func (s *SqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// OpenTrade 记录一笔新开仓。
func (s *SqliteStore) OpenTrade(ctx context.Context, trade *model.LiveTradeModel) error {
	if trade == nil {
		return errors.New("trade cannot be nil")
	}
	now := time.Now().Unix()
	trade.Status = model.LiveTradeStatusOpen
	if trade.OpenedAtUnix == 0 {
		trade.OpenedAtUnix = now
	}
	trade.CreatedAtUnix = now
	trade.UpdatedAtUnix = now
	return s.db.WithContext(ctx).Create(trade).Error
}

// CloseTrade 把持仓标记为已平并补写成交结果。
func (s *SqliteStore) CloseTrade(ctx context.Context, id int64, exitPrice float64, reason string, pnl float64) error {
	now := time.Now().Unix()
	res := s.db.WithContext(ctx).Model(&model.LiveTradeModel{}).
		Where("id = ? AND status = ?", id, model.LiveTradeStatusOpen).
		Updates(map[string]any{
			"status":      model.LiveTradeStatusClosed,
			"exit_price":  exitPrice,
			"exit_reason": reason,
			"pnl":         pnl,
			"closed_at":   now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("no open trade with id %d", id)
	}
	return nil
}

// ConfirmTradeFill 下单成功后用实际成交回填入场价、数量和订单号。
func (s *SqliteStore) ConfirmTradeFill(ctx context.Context, id int64, fillPrice, amount float64, orderID int64) error {
	res := s.db.WithContext(ctx).Model(&model.LiveTradeModel{}).
		Where("id = ? AND status = ?", id, model.LiveTradeStatusOpen).
		Updates(map[string]any{
			"entry_price": fillPrice,
			"amount":      amount,
			"order_id":    orderID,
			"updated_at":  time.Now().Unix(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("no open trade with id %d", id)
	}
	return nil
}

// MarkTradeFailed 下单失败时落库,避免状态悬空。
func (s *SqliteStore) MarkTradeFailed(ctx context.Context, id int64, reason string) error {
	now := time.Now().Unix()
	return s.db.WithContext(ctx).Model(&model.LiveTradeModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      model.LiveTradeStatusFailed,
			"exit_reason": reason,
			"updated_at":  now,
		}).Error
}

// ActiveTrade 返回某标的当前的未平仓记录,没有则返回 nil。
func (s *SqliteStore) ActiveTrade(ctx context.Context, symbol string) (*model.LiveTradeModel, error) {
	var trade model.LiveTradeModel
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND status = ?", strings.ToUpper(symbol), model.LiveTradeStatusOpen).
		Order("opened_at DESC").
		First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &trade, nil
}

// ListTrades 按开仓时间倒序返回最近 limit 条记录。
func (s *SqliteStore) ListTrades(ctx context.Context, limit int) ([]model.LiveTradeModel, error) {
	if limit <= 0 {
		limit = 50
	}
	var trades []model.LiveTradeModel
	err := s.db.WithContext(ctx).
		Order("opened_at DESC, id DESC").
		Limit(limit).
		Find(&trades).Error
	return trades, err
}

// LogOperation 追加一条操作审计。payload 可以为 nil。
func (s *SqliteStore) LogOperation(ctx context.Context, kind, symbol, detail string, payload []byte) error {
	op := model.OperationModel{
		Kind:          kind,
		Symbol:        strings.ToUpper(symbol),
		Detail:        detail,
		CreatedAtUnix: time.Now().Unix(),
	}
	if len(payload) > 0 {
		op.PayloadJSON = datatypes.JSON(payload)
	}
	return s.db.WithContext(ctx).Create(&op).Error
}

// ListOperations 按时间倒序返回最近 limit 条操作记录。
func (s *SqliteStore) ListOperations(ctx context.Context, limit int) ([]model.OperationModel, error) {
	if limit <= 0 {
		limit = 100
	}
	var ops []model.OperationModel
	err := s.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&ops).Error
	return ops, err
}
