package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	gobinance "github.com/adshao/go-binance/v2"

	"github.com/captainpan007/smartbtc-v1/internal/logger"
	"github.com/captainpan007/smartbtc-v1/internal/strategy"
)

// OrderResult 实盘市价单的成交回执。
type OrderResult struct {
	OrderID  int64
	Symbol   string
	Action   strategy.Action
	Amount   float64
	AvgPrice float64
	Status   string
}

// Broker 通过 Binance 现货接口下市价单并查询余额。
type Broker struct {
	client *gobinance.Client
}

func NewBroker(apiKey, apiSecret, restBase string) *Broker {
	client := gobinance.NewClient(apiKey, apiSecret)
	if base := strings.TrimRight(strings.TrimSpace(restBase), "/"); base != "" {
		client.BaseURL = base
	}
	return &Broker{client: client}
}

// MarketOrder 提交市价单。quantity 为基础币数量。
func (b *Broker) MarketOrder(ctx context.Context, symbol string, action strategy.Action, quantity float64) (*OrderResult, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("order quantity must be positive, got %v", quantity)
	}
	var side gobinance.SideType
	switch action {
	case strategy.ActionBuy:
		side = gobinance.SideTypeBuy
	case strategy.ActionSell:
		side = gobinance.SideTypeSell
	default:
		return nil, fmt.Errorf("unsupported order action %q", action)
	}

	res, err := b.client.NewCreateOrderService().
		Symbol(strings.ToUpper(symbol)).
		Side(side).
		Type(gobinance.OrderTypeMarket).
		Quantity(strconv.FormatFloat(quantity, 'f', -1, 64)).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("create market order: %w", err)
	}

	result := &OrderResult{
		OrderID: res.OrderID,
		Symbol:  res.Symbol,
		Action:  action,
		Status:  string(res.Status),
	}
	var totalQty, totalQuote float64
	for _, fill := range res.Fills {
		qty := parseFloat(fill.Quantity)
		price := parseFloat(fill.Price)
		totalQty += qty
		totalQuote += qty * price
	}
	result.Amount = totalQty
	if totalQty > 0 {
		result.AvgPrice = totalQuote / totalQty
	}
	logger.Infof("LIVE %s %s: qty=%.6f avg=%.2f status=%s",
		strings.ToUpper(string(action)), result.Symbol, result.Amount, result.AvgPrice, result.Status)
	return result, nil
}

// FreeBalance 查询某币种的可用余额。
func (b *Broker) FreeBalance(ctx context.Context, asset string) (float64, error) {
	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("get account: %w", err)
	}
	asset = strings.ToUpper(strings.TrimSpace(asset))
	for _, bal := range account.Balances {
		if bal.Asset == asset {
			return parseFloat(bal.Free), nil
		}
	}
	return 0, nil
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}
