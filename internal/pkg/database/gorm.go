package database

import (
	"Kaarigar/internal/api/config"
	"Kaarigar/internal/pkg/logger"
	"fmt"
	log "log/slog"
	"net/url"
	"strings"
	"time"

	driver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// normalizeDSN 迁移流水依赖 time.Time 字段，强制 parseTime；未指定 charset 时使用 utf8mb4
func normalizeDSN(dsn string) (string, error) {
	dc, err := driver.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid database dsn: %w", err)
	}
	dc.ParseTime = true
	out := dc.FormatDSN()
	if !hasDSNParam(dsn, "charset") {
		sep := "?"
		if strings.Contains(out, "?") {
			sep = "&"
		}
		out += sep + "charset=utf8mb4"
	}
	return out, nil
}

// hasDSNParam charset 解析后不会出现在 Config.Params 中，只能查原始参数
func hasDSNParam(dsn, name string) bool {
	idx := strings.LastIndex(dsn, "?")
	if idx < 0 {
		return false
	}
	q, err := url.ParseQuery(dsn[idx+1:])
	if err != nil {
		return false
	}
	return q.Has(name)
}

// NewGormDB 初始化并返回 *gorm.DB 实例，处理连接池配置
func NewGormDB(cfg *config.DBConfig) (*gorm.DB, error) {
	dsn, err := normalizeDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:      logger.NewGormLogger(time.Duration(cfg.SlowThreshold) * time.Millisecond),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.MaxIdle)
	sqlDB.SetMaxOpenConns(cfg.MaxOpen)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.MaxLifetime) * time.Minute)

	if err = sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database connection check failed: %w", err)
	}

	log.Info("Migration ledger database connected")
	return db, nil
}

// Close 关闭底层连接池
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
