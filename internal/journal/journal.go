package journal

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"crypto-futures-trader/internal/model"
)

// Recorder 持久化已完成的交易
type Recorder interface {
	Record(ctx context.Context, rec model.TradeRecord) error
}

// Headers 是交易日志 CSV 的列
var Headers = []string{
	"timestamp_utc",
	"symbol",
	"side",
	"quantity",
	"entry_price",
	"exit_price",
	"pnl_usdt",
	"pnl_percentage",
	"entry_reason",
	"exit_reason",
}

const timeLayout = "2006-01-02 15:04:05"

// Row 把交易记录格式化为 CSV 行
func Row(rec model.TradeRecord) []string {
	return []string{
		rec.ExitTime.UTC().Format(timeLayout),
		rec.Symbol,
		rec.Side.String(),
		strconv.FormatFloat(rec.Quantity, 'f', -1, 64),
		strconv.FormatFloat(rec.EntryPrice, 'f', -1, 64),
		strconv.FormatFloat(rec.ExitPrice, 'f', -1, 64),
		strconv.FormatFloat(rec.RealizedPnL, 'f', 4, 64),
		strconv.FormatFloat(rec.PnLPercent, 'f', 2, 64) + "%",
		rec.EntryReason,
		string(rec.ExitReason),
	}
}

// CSVJournal 追加写入 CSV 文件，首次写入时补表头
type CSVJournal struct {
	mu   sync.Mutex
	path string
}

func NewCSVJournal(path string) *CSVJournal {
	return &CSVJournal{path: path}
}

func (j *CSVJournal) Record(_ context.Context, rec model.TradeRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if dir := filepath.Dir(j.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("journal: create dir: %w", err)
		}
	}

	needHeader := false
	if info, err := os.Stat(j.path); errors.Is(err, os.ErrNotExist) || (err == nil && info.Size() == 0) {
		needHeader = true
	}

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open %s: %w", j.path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if needHeader {
		if err := w.Write(Headers); err != nil {
			return err
		}
	}
	if err := w.Write(Row(rec)); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// Multi 依次写入所有 Recorder，错误合并返回
type Multi []Recorder

func (m Multi) Record(ctx context.Context, rec model.TradeRecord) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
