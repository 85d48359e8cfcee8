package storage

import (
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"

	"github.com/jianbinzhang1987/mac-monitor/internal/logger"
	"github.com/jianbinzhang1987/mac-monitor/internal/model"
)

// ==========================================
// 持久化发件箱 (Outbox)
// ==========================================

// 每轮同步各类记录的上报批量上限
// 截屏记录带文件上传，批量放小；剪贴板都是短文本，批量放大
const (
	TrafficBatchSize    = 10
	BehaviorBatchSize   = 10
	ScreenshotBatchSize = 5
	ClipboardBatchSize  = 20
)

var (
	outbox     *Outbox
	outboxOnce sync.Once
)

// Outbox 审计记录发件箱
// 所有记录先落库再上报，is_uploaded 标记状态，记录永不删除。
// 上报失败保持未发送状态，下一轮重试，保证至少一次送达。
type Outbox struct {
	db *gorm.DB
}

// SetupOutbox 初始化发件箱单例
// db 必须已完成迁移
func SetupOutbox(db *gorm.DB) error {
	if db == nil {
		return errors.New("outbox requires a database connection")
	}
	outboxOnce.Do(func() {
		outbox = &Outbox{db: db}
		logger.Info("Outbox initialized")
	})
	return nil
}

// GetOutbox 获取发件箱单例
func GetOutbox() (*Outbox, error) {
	if outbox == nil {
		return nil, errors.New("outbox not initialized! call SetupOutbox() first")
	}
	return outbox, nil
}

// NewOutbox 直接构造 (测试用，绕开单例)
func NewOutbox(db *gorm.DB) *Outbox {
	return &Outbox{db: db}
}

// ==========================================
// 写入
// ==========================================

// InsertTraffic 写入一条流量记录
func (o *Outbox) InsertTraffic(rec *model.TrafficLog) error {
	if err := o.db.Create(rec).Error; err != nil {
		return fmt.Errorf("insert traffic log: %w", err)
	}
	return nil
}

// InsertBehavior 写入一条行为记录
func (o *Outbox) InsertBehavior(rec *model.BehaviorLog) error {
	if err := o.db.Create(rec).Error; err != nil {
		return fmt.Errorf("insert behavior log: %w", err)
	}
	return nil
}

// InsertClipboard 写入一条剪贴板记录
func (o *Outbox) InsertClipboard(rec *model.ClipboardLog) error {
	if err := o.db.Create(rec).Error; err != nil {
		return fmt.Errorf("insert clipboard log: %w", err)
	}
	return nil
}

// InsertScreenshot 写入一条截屏记录，按 image_hash 去重
// 返回值表示是否真正插入：哈希已存在时是静默空操作
func (o *Outbox) InsertScreenshot(rec *model.ScreenshotLog) (bool, error) {
	var count int64
	if err := o.db.Model(&model.ScreenshotLog{}).
		Where("image_hash = ?", rec.ImageHash).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("check screenshot hash: %w", err)
	}
	if count > 0 {
		return false, nil
	}
	if err := o.db.Create(rec).Error; err != nil {
		return false, fmt.Errorf("insert screenshot log: %w", err)
	}
	return true, nil
}

// ==========================================
// 批量读取待上报记录
// ==========================================

// listUnsent 按写入顺序取未上报记录
func listUnsent[T any](db *gorm.DB, limit int) ([]T, error) {
	var out []T
	err := db.Where("is_uploaded = ?", false).
		Order("id").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PendingTraffic 待上报流量记录，最多 TrafficBatchSize 条
func (o *Outbox) PendingTraffic() ([]model.TrafficLog, error) {
	return listUnsent[model.TrafficLog](o.db, TrafficBatchSize)
}

// PendingBehavior 待上报行为记录
func (o *Outbox) PendingBehavior() ([]model.BehaviorLog, error) {
	return listUnsent[model.BehaviorLog](o.db, BehaviorBatchSize)
}

// PendingScreenshots 待上报截屏记录
func (o *Outbox) PendingScreenshots() ([]model.ScreenshotLog, error) {
	return listUnsent[model.ScreenshotLog](o.db, ScreenshotBatchSize)
}

// PendingClipboard 待上报剪贴板记录
func (o *Outbox) PendingClipboard() ([]model.ClipboardLog, error) {
	return listUnsent[model.ClipboardLog](o.db, ClipboardBatchSize)
}

// ==========================================
// 上报状态更新
// ==========================================

// MarkTrafficSent 按ID批量标记流量记录已上报
func (o *Outbox) MarkTrafficSent(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return o.db.Model(&model.TrafficLog{}).
		Where("id IN ?", ids).
		Update("is_uploaded", true).Error
}

// MarkBehaviorSent 按ID批量标记行为记录已上报
func (o *Outbox) MarkBehaviorSent(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return o.db.Model(&model.BehaviorLog{}).
		Where("id IN ?", ids).
		Update("is_uploaded", true).Error
}

// MarkClipboardSent 按ID批量标记剪贴板记录已上报
func (o *Outbox) MarkClipboardSent(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return o.db.Model(&model.ClipboardLog{}).
		Where("id IN ?", ids).
		Update("is_uploaded", true).Error
}

// MarkScreenshotSent 按内容哈希标记截屏记录已上报
// 相同画面可能被不同路径引用，以哈希为准
func (o *Outbox) MarkScreenshotSent(imageHash string) error {
	return o.db.Model(&model.ScreenshotLog{}).
		Where("image_hash = ?", imageHash).
		Update("is_uploaded", true).Error
}

// UpdateScreenshotPath 更新截屏记录的图片路径
// 元数据上报前把本地路径替换为远端URL；上报失败时调用方负责回写本地路径
func (o *Outbox) UpdateScreenshotPath(id, path string) error {
	return o.db.Model(&model.ScreenshotLog{}).
		Where("id = ?", id).
		Update("image_path", path).Error
}

// RecentScreenshots 最近 N 条截屏记录 (本地命令通道查询用)
func (o *Outbox) RecentScreenshots(limit int) ([]model.ScreenshotLog, error) {
	var out []model.ScreenshotLog
	err := o.db.Order("create_time DESC").Limit(limit).Find(&out).Error
	return out, err
}
