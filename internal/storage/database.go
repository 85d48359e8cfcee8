package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jianbinzhang1987/mac-monitor/internal/logger"
)

var (
	db   *gorm.DB
	once sync.Once
)

// Options 数据库初始化选项
// 默认值由 config 模块兜底，这里照单全收
type Options struct {
	DataDir         string
	FileName        string
	LogLevel        string // silent, error, warn, info
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	JournalMode     string
	Synchronous     string
	TempStore       string
	ForeignKeys     bool
}

// Setup 打开数据库并执行迁移
// 失败必须让调用者感知，审计记录没有数据库无处可写
func Setup(opts Options) error {
	var err error
	once.Do(func() {
		db, err = open(opts)
	})
	return err
}

func open(opts Options) (*gorm.DB, error) {
	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db dir %s: %w", opts.DataDir, err)
	}
	dbPath := filepath.Join(opts.DataDir, opts.FileName)

	conn, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormLevel(opts.LogLevel)),
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", dbPath, err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)

	if err := applyPragmas(conn, opts); err != nil {
		return nil, err
	}

	// 迁移列表有序幂等：老库补列，新库建表，失败即启动失败
	if err := runMigrations(conn); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	logger.Info("Database initialized",
		"path", dbPath,
		"journal_mode", opts.JournalMode,
		"foreign_keys", opts.ForeignKeys,
	)
	return conn, nil
}

func gormLevel(s string) gormlogger.LogLevel {
	switch strings.ToLower(s) {
	case "silent":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "info":
		return gormlogger.Info
	default:
		return gormlogger.Warn
	}
}

// applyPragmas 调整 SQLite 运行参数
// foreign_keys 是连接级 PRAGMA，MaxOpenConns=1 时执行一次即可覆盖
func applyPragmas(conn *gorm.DB, opts Options) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA journal_mode = %s;", opts.JournalMode),
		fmt.Sprintf("PRAGMA synchronous = %s;", opts.Synchronous),
		fmt.Sprintf("PRAGMA temp_store = %s;", opts.TempStore),
	}
	if opts.ForeignKeys {
		pragmas = append(pragmas, "PRAGMA foreign_keys = ON;")
	}
	for _, p := range pragmas {
		if err := conn.Exec(p).Error; err != nil {
			return fmt.Errorf("failed to exec pragma %s: %w", p, err)
		}
	}
	return nil
}

// GetDB 获取数据库实例
func GetDB() (*gorm.DB, error) {
	if db == nil {
		return nil, fmt.Errorf("database not initialized! call Setup() first")
	}
	return db, nil
}

// CloseDB 关闭数据库连接，测试收尾用
func CloseDB() error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	return sqlDB.Close()
}
