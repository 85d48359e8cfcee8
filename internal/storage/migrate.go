package storage

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/jianbinzhang1987/mac-monitor/internal/logger"
	"github.com/jianbinzhang1987/mac-monitor/internal/model"
)

// ==========================================
// 结构迁移
// ==========================================

// migration 一条幂等迁移
// 同一个库可能被多个历史版本打开过，每条迁移自己判断是否需要执行
type migration struct {
	ID    string
	Apply func(db *gorm.DB) error
}

// migrations 有序迁移列表
// 只允许追加，禁止修改或删除已发布的条目
var migrations = []migration{
	{
		ID: "001_create_log_tables",
		Apply: func(db *gorm.DB) error {
			return db.AutoMigrate(
				&model.TrafficLog{},
				&model.BehaviorLog{},
				&model.ScreenshotLog{},
				&model.ClipboardLog{},
			)
		},
	},
	{
		ID: "002_traffic_add_title_risk",
		Apply: func(db *gorm.DB) error {
			// 老版本库缺 title / risk_level 两列
			for _, col := range []string{"title", "risk_level"} {
				if db.Migrator().HasColumn(&model.TrafficLog{}, col) {
					continue
				}
				if err := db.Migrator().AddColumn(&model.TrafficLog{}, col); err != nil {
					return err
				}
			}
			return nil
		},
	},
	{
		ID: "003_screenshot_add_app_name",
		Apply: func(db *gorm.DB) error {
			if db.Migrator().HasColumn(&model.ScreenshotLog{}, "app_name") {
				return nil
			}
			return db.Migrator().AddColumn(&model.ScreenshotLog{}, "app_name")
		},
	},
	{
		ID: "004_record_device_and_risk_columns",
		Apply: func(db *gorm.DB) error {
			// 流量记录补设备标识；截屏/剪贴板补分级字段
			specs := []struct {
				table any
				cols  []string
			}{
				{&model.TrafficLog{}, []string{"ip", "mac", "host_id"}},
				{&model.ScreenshotLog{}, []string{"ocr_text", "risk_level"}},
				{&model.ClipboardLog{}, []string{"content_type", "bundle_id", "risk_level"}},
			}
			for _, s := range specs {
				for _, col := range s.cols {
					if db.Migrator().HasColumn(s.table, col) {
						continue
					}
					if err := db.Migrator().AddColumn(s.table, col); err != nil {
						return err
					}
				}
			}
			return nil
		},
	},
}

// runMigrations 按序执行全部迁移
func runMigrations(db *gorm.DB) error {
	for _, m := range migrations {
		if err := m.Apply(db); err != nil {
			return fmt.Errorf("migration %s: %w", m.ID, err)
		}
		logger.Debug("Migration applied", "id", m.ID)
	}
	return nil
}
