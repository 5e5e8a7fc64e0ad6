package history

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"crypto-futures-trader/internal/model"
)

// ErrMissingColumn CSV 缺少必需列
var ErrMissingColumn = errors.New("history: missing column")

var required = []string{"open_time", "open", "high", "low", "close", "volume"}

// LoadFile 读取单个交易对的历史 K 线
func LoadFile(path, symbol, interval string, step time.Duration) ([]model.Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadCSV(f, symbol, interval, step)
}

// LoadCSV 按表头定位列，open_interest 和 funding_rate 可选
// open_time 支持毫秒时间戳或 RFC3339 / "2006-01-02 15:04:05"
func LoadCSV(r io.Reader, symbol, interval string, step time.Duration) ([]model.Candle, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("history: read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, name := range required {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, name)
		}
	}

	var out []model.Candle
	line := 1
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("history: line %d: %w", line, err)
		}

		openTime, err := parseTime(rec[cols["open_time"]])
		if err != nil {
			return nil, fmt.Errorf("history: line %d open_time: %w", line, err)
		}
		c := model.Candle{
			Symbol:   symbol,
			Interval: interval,
			OpenTime: openTime,
		}
		if step > 0 {
			c.CloseTime = openTime.Add(step - time.Millisecond)
		}

		fields := []struct {
			name string
			dst  *float64
		}{
			{"open", &c.Open}, {"high", &c.High}, {"low", &c.Low}, {"close", &c.Close}, {"volume", &c.Volume},
			{"open_interest", &c.OpenInterest}, {"funding_rate", &c.FundingRate},
		}
		for _, fd := range fields {
			idx, ok := cols[fd.name]
			if !ok || idx >= len(rec) || rec[idx] == "" {
				continue
			}
			v, err := strconv.ParseFloat(rec[idx], 64)
			if err != nil {
				return nil, fmt.Errorf("history: line %d %s: %w", line, fd.name, err)
			}
			*fd.dst = v
		}
		out = append(out, c)
	}
	return out, nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}
