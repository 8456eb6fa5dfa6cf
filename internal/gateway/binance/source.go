package binance

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/captainpan007/smartbtc-v1/internal/logger"
	"github.com/captainpan007/smartbtc-v1/internal/market"
)

const (
	defaultRESTBase = "https://api.binance.com"
	pageLimit       = 1000
)

// intervalDurations 支持的 K 线周期。
var intervalDurations = map[string]time.Duration{
	"1m": time.Minute, "3m": 3 * time.Minute, "5m": 5 * time.Minute,
	"15m": 15 * time.Minute, "30m": 30 * time.Minute,
	"1h": time.Hour, "2h": 2 * time.Hour, "4h": 4 * time.Hour,
	"6h": 6 * time.Hour, "8h": 8 * time.Hour, "12h": 12 * time.Hour,
	"1d": 24 * time.Hour, "3d": 72 * time.Hour, "1w": 168 * time.Hour,
}

// IntervalDuration 返回周期时长,未知周期返回 false。
func IntervalDuration(interval string) (time.Duration, bool) {
	d, ok := intervalDurations[strings.ToLower(strings.TrimSpace(interval))]
	return d, ok
}

// Source 通过 Binance 公共行情接口拉取历史 K 线,不需要鉴权。
type Source struct {
	base   string
	client *http.Client
}

func NewSource(restBase string) *Source {
	base := strings.TrimRight(strings.TrimSpace(restBase), "/")
	if base == "" {
		base = defaultRESTBase
	}
	return &Source{
		base:   base,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// FetchRange 拉取 [start, end] 毫秒区间的全部 K 线,按 1000 根分页。
// end 为 0 时取当前时间;未收盘的最后一根被丢弃。
func (s *Source) FetchRange(ctx context.Context, symbol, interval string, start, end int64) (market.Series, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	dur, ok := IntervalDuration(interval)
	if !ok {
		return nil, fmt.Errorf("unsupported interval %q", interval)
	}
	now := time.Now().UnixMilli()
	if end <= 0 || end > now {
		end = now
	}
	if start >= end {
		return nil, fmt.Errorf("start %d must be before end %d", start, end)
	}

	var out market.Series
	cursor := start
	for cursor < end {
		page, err := s.fetchPage(ctx, symbol, interval, cursor, end)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		out = append(out, page...)
		last := page[len(page)-1]
		cursor = last.OpenTime + dur.Milliseconds()
		if len(page) < pageLimit {
			break
		}
	}
	out = dropUnclosed(out, dur)
	logger.Infof("fetched %d %s %s candles", len(out), symbol, interval)
	return out, nil
}

// FetchLatest 拉取最近 limit 根已收盘 K 线。
func (s *Source) FetchLatest(ctx context.Context, symbol, interval string, limit int) (market.Series, error) {
	dur, ok := IntervalDuration(interval)
	if !ok {
		return nil, fmt.Errorf("unsupported interval %q", interval)
	}
	// 多取一根,丢弃未收盘的那根后仍然够数
	start := time.Now().Add(-dur * time.Duration(limit+1)).UnixMilli()
	candles, err := s.FetchRange(ctx, symbol, interval, start, 0)
	if err != nil {
		return nil, err
	}
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

func (s *Source) fetchPage(ctx context.Context, symbol, interval string, start, end int64) (market.Series, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("startTime", strconv.FormatInt(start, 10))
	q.Set("endTime", strconv.FormatInt(end, 10))
	q.Set("limit", strconv.Itoa(pageLimit))

	endpoint := s.base + "/api/v3/klines?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("klines request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("klines status=%d body=%s", resp.StatusCode, truncate(string(body), 200))
	}
	return parseKlines(body)
}

// parseKlines 解析交易所返回的嵌套数组:
// [openTime, open, high, low, close, volume, closeTime, quoteVol, trades, ...]
func parseKlines(body []byte) (market.Series, error) {
	parsed := gjson.ParseBytes(body)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("unexpected klines payload: %s", truncate(parsed.String(), 200))
	}
	var out market.Series
	parsed.ForEach(func(_, row gjson.Result) bool {
		cols := row.Array()
		if len(cols) < 9 {
			return true
		}
		out = append(out, market.Candle{
			OpenTime:  cols[0].Int(),
			Open:      cols[1].Float(),
			High:      cols[2].Float(),
			Low:       cols[3].Float(),
			Close:     cols[4].Float(),
			Volume:    cols[5].Float(),
			CloseTime: cols[6].Int(),
			Trades:    cols[8].Int(),
		})
		return true
	})
	return out, nil
}

// dropUnclosed 丢掉收盘时间还在未来的最后一根。
func dropUnclosed(candles market.Series, interval time.Duration) market.Series {
	if len(candles) == 0 {
		return candles
	}
	now := time.Now().UnixMilli()
	last := candles[len(candles)-1]
	closeTime := last.CloseTime
	if closeTime == 0 {
		closeTime = last.OpenTime + interval.Milliseconds() - 1
	}
	if closeTime >= now {
		return candles[:len(candles)-1]
	}
	return candles
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
