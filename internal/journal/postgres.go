package journal

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"crypto-futures-trader/internal/model"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
)

// PostgresOption 连接参数，ConnString 非空时直接使用
type PostgresOption struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	Params     map[string]string
	ConnString string
}

// DSN 生成 postgres:// 连接串
func (opt PostgresOption) DSN() string {
	if opt.ConnString != "" {
		return opt.ConnString
	}

	host := opt.Host
	if host == "" {
		host = defaultPostgresHost
	}
	port := opt.Port
	if port == 0 {
		port = defaultPostgresPort
	}
	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range opt.Params {
		if key != "" {
			query.Set(key, value)
		}
	}
	u.RawQuery = query.Encode()
	return u.String()
}

// TradeRow 是 trades 表的一行
type TradeRow struct {
	ID          uint      `gorm:"primaryKey"`
	Symbol      string    `gorm:"size:32;index"`
	Side        string    `gorm:"size:8"`
	EntryTime   time.Time `gorm:"index"`
	ExitTime    time.Time
	EntryPrice  float64
	ExitPrice   float64
	Quantity    float64
	Leverage    int
	RealizedPnL float64
	PnLPercent  float64
	Fees        float64
	EntryReason string
	ExitReason  string `gorm:"size:16"`
}

func (TradeRow) TableName() string { return "trades" }

// NewTradeRow 转换为数据库行
func NewTradeRow(rec model.TradeRecord) TradeRow {
	return TradeRow{
		Symbol:      rec.Symbol,
		Side:        rec.Side.String(),
		EntryTime:   rec.EntryTime.UTC(),
		ExitTime:    rec.ExitTime.UTC(),
		EntryPrice:  rec.EntryPrice,
		ExitPrice:   rec.ExitPrice,
		Quantity:    rec.Quantity,
		Leverage:    rec.Leverage,
		RealizedPnL: rec.RealizedPnL,
		PnLPercent:  rec.PnLPercent,
		Fees:        rec.Fees,
		EntryReason: rec.EntryReason,
		ExitReason:  string(rec.ExitReason),
	}
}

// PostgresJournal 通过 gorm 写入 PostgreSQL
type PostgresJournal struct {
	db *gorm.DB
}

// OpenPostgres 连接并自动建表
func OpenPostgres(opt PostgresOption) (*PostgresJournal, error) {
	db, err := gorm.Open(postgres.Open(opt.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("journal: open postgres: %w", err)
	}
	if err := db.AutoMigrate(&TradeRow{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return &PostgresJournal{db: db}, nil
}

func (p *PostgresJournal) Record(ctx context.Context, rec model.TradeRecord) error {
	row := NewTradeRow(rec)
	return p.db.WithContext(ctx).Create(&row).Error
}

// Close 关闭连接池
func (p *PostgresJournal) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
