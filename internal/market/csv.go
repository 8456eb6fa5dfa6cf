package market

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadCSV 从 CSV 文件读取 K 线序列。
// 支持首行表头(timestamp,open,high,low,close,volume),时间戳接受
// Unix 秒/毫秒或 RFC3339。minBars > 0 时行数不足直接报错,避免把
// 不够预热的样本送进回放。
func LoadCSV(path string, minBars int) (Series, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening candle csv failed: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	var out Series
	line := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s line %d failed: %w", path, line+1, err)
		}
		line++
		if line == 1 && looksLikeHeader(rec) {
			continue
		}
		if len(rec) < 6 {
			return nil, fmt.Errorf("%s line %d: expected 6 columns, got %d", path, line, len(rec))
		}
		c, err := parseRow(rec)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		out = append(out, c)
	}

	if minBars > 0 && len(out) < minBars {
		return nil, fmt.Errorf("%s: %d bars loaded, need at least %d", path, len(out), minBars)
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}

func looksLikeHeader(rec []string) bool {
	if len(rec) == 0 {
		return false
	}
	first := strings.ToLower(strings.TrimSpace(rec[0]))
	return first == "timestamp" || first == "open_time" || first == "time" || first == "date"
}

func parseRow(rec []string) (Candle, error) {
	ts, err := parseTimestamp(strings.TrimSpace(rec[0]))
	if err != nil {
		return Candle{}, err
	}
	vals := make([]float64, 5)
	for i := 0; i < 5; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[i+1]), 64)
		if err != nil {
			return Candle{}, fmt.Errorf("column %d: %w", i+2, err)
		}
		vals[i] = v
	}
	return Candle{
		OpenTime: ts,
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}, nil
}

func parseTimestamp(raw string) (int64, error) {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		// 13 位按毫秒,10 位按秒
		if n > 1e12 {
			return n, nil
		}
		return n * 1000, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("unrecognized timestamp %q", raw)
}

// WriteCSV 把序列写回 CSV,便于离线检查与再加载。
func WriteCSV(path string, s Series) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating candle csv failed: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"timestamp", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for _, c := range s {
		rec := []string{
			strconv.FormatInt(c.OpenTime, 10),
			strconv.FormatFloat(c.Open, 'f', -1, 64),
			strconv.FormatFloat(c.High, 'f', -1, 64),
			strconv.FormatFloat(c.Low, 'f', -1, 64),
			strconv.FormatFloat(c.Close, 'f', -1, 64),
			strconv.FormatFloat(c.Volume, 'f', -1, 64),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
