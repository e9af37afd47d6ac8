package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// 未配置时的连接池缺省值。
const (
	defaultMaxOpenConns = 20
	defaultMaxIdleConns = 10
	defaultConnLifetime = 30 * time.Minute
)

// Config 描述 MySQL 连接池的建立参数。驱动相关的行为（例如 parseTime）
// 由 DSN 自身携带，这里只负责连接池尺寸与探活。
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func openDatabase(ctx context.Context, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("缺少 MySQL DSN")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("打开 MySQL 连接: %w", err)
	}
	db.SetMaxOpenConns(positiveOr(cfg.MaxOpenConns, defaultMaxOpenConns))
	db.SetMaxIdleConns(positiveOr(cfg.MaxIdleConns, defaultMaxIdleConns))
	db.SetConnMaxLifetime(positiveOr(cfg.ConnMaxLifetime, defaultConnLifetime))
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("MySQL 探活失败: %w", err)
	}
	return db, nil
}

// positiveOr 返回正数参数本身，否则返回缺省值。
func positiveOr[T int | time.Duration](v, fallback T) T {
	if v > 0 {
		return v
	}
	return fallback
}
