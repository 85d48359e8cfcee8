package storage

import (
	"fmt"
	"path/filepath"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jianbinzhang1987/mac-monitor/internal/model"
)

// newTestOutbox 打开临时库并执行迁移
func newTestOutbox(t *testing.T) *Outbox {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "outbox_test.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open test db: %v", err)
	}
	if err := runMigrations(db); err != nil {
		t.Fatalf("Migrations failed: %v", err)
	}
	return NewOutbox(db)
}

func makeTraffic(i int) *model.TrafficLog {
	return &model.TrafficLog{
		ID:         fmt.Sprintf("1700000000%03d-%d", i, i),
		PinNumber:  "pin-1",
		URL:        fmt.Sprintf("https://example.com/page/%d", i),
		Domain:     "example.com",
		MethodType: "GET",
		ReqTime:    "2026-01-01 10:00:00",
	}
}

// TestOutbox_AtLeastOnceCycle 验证 写入->待上报->标记已上报 的完整周期
func TestOutbox_AtLeastOnceCycle(t *testing.T) {
	ob := newTestOutbox(t)

	// 1. 写入 3 条
	for i := 0; i < 3; i++ {
		if err := ob.InsertTraffic(makeTraffic(i)); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	// 2. 全部处于待上报状态
	pending, err := ob.PendingTraffic()
	if err != nil {
		t.Fatalf("PendingTraffic failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("Expected 3 pending, got %d", len(pending))
	}

	// 3. 模拟只上报成功前 2 条
	ids := []string{pending[0].ID, pending[1].ID}
	if err := ob.MarkTrafficSent(ids); err != nil {
		t.Fatalf("MarkTrafficSent failed: %v", err)
	}

	// 4. 剩下 1 条仍待上报 (失败的下一轮重试)
	pending, _ = ob.PendingTraffic()
	if len(pending) != 1 {
		t.Fatalf("Expected 1 pending after partial send, got %d", len(pending))
	}

	// 5. 已上报记录不被删除，库里仍是 3 条
	var total int64
	ob.db.Model(&model.TrafficLog{}).Count(&total)
	if total != 3 {
		t.Errorf("Records must never be deleted. Expected 3 rows, got %d", total)
	}
}

// TestOutbox_BatchSizeCap 验证各类记录的批量上限
func TestOutbox_BatchSizeCap(t *testing.T) {
	ob := newTestOutbox(t)

	for i := 0; i < TrafficBatchSize+5; i++ {
		if err := ob.InsertTraffic(makeTraffic(i)); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	pending, err := ob.PendingTraffic()
	if err != nil {
		t.Fatalf("PendingTraffic failed: %v", err)
	}
	if len(pending) != TrafficBatchSize {
		t.Errorf("Expected batch capped at %d, got %d", TrafficBatchSize, len(pending))
	}
}

// TestOutbox_ScreenshotDedup 验证截屏按内容哈希去重
func TestOutbox_ScreenshotDedup(t *testing.T) {
	ob := newTestOutbox(t)

	first := &model.ScreenshotLog{
		ID:         "shot-1",
		ImageHash:  "abc123",
		ImagePath:  "/tmp/a.jpg.enc",
		CreateTime: "2026-01-01 10:00:00",
	}
	inserted, err := ob.InsertScreenshot(first)
	if err != nil || !inserted {
		t.Fatalf("First insert should succeed, inserted=%v err=%v", inserted, err)
	}

	// 相同哈希再插一次：静默空操作
	dup := &model.ScreenshotLog{
		ID:         "shot-2",
		ImageHash:  "abc123",
		ImagePath:  "/tmp/b.jpg.enc",
		CreateTime: "2026-01-01 10:00:05",
	}
	inserted, err = ob.InsertScreenshot(dup)
	if err != nil {
		t.Fatalf("Duplicate insert should be a no-op, got err: %v", err)
	}
	if inserted {
		t.Error("Duplicate hash must not create a second record")
	}

	var total int64
	ob.db.Model(&model.ScreenshotLog{}).Count(&total)
	if total != 1 {
		t.Errorf("Expected 1 screenshot row, got %d", total)
	}

	// 按哈希标记已上报
	if err := ob.MarkScreenshotSent("abc123"); err != nil {
		t.Fatalf("MarkScreenshotSent failed: %v", err)
	}
	pending, _ := ob.PendingScreenshots()
	if len(pending) != 0 {
		t.Errorf("Expected no pending screenshots, got %d", len(pending))
	}
}

// TestOutbox_ScreenshotPathRevert 验证两阶段上报的路径回写
func TestOutbox_ScreenshotPathRevert(t *testing.T) {
	ob := newTestOutbox(t)

	rec := &model.ScreenshotLog{
		ID:         "shot-9",
		ImageHash:  "feed99",
		ImagePath:  "/tmp/local.jpg.enc",
		CreateTime: "2026-01-01 11:00:00",
	}
	if _, err := ob.InsertScreenshot(rec); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// 阶段一成功：路径替换为远端URL
	if err := ob.UpdateScreenshotPath("shot-9", "https://cdn.example.com/feed99.jpg"); err != nil {
		t.Fatalf("UpdateScreenshotPath failed: %v", err)
	}

	// 阶段二失败：回写本地路径，记录保持待上报
	if err := ob.UpdateScreenshotPath("shot-9", "/tmp/local.jpg.enc"); err != nil {
		t.Fatalf("Path revert failed: %v", err)
	}

	pending, _ := ob.PendingScreenshots()
	if len(pending) != 1 || pending[0].ImagePath != "/tmp/local.jpg.enc" {
		t.Errorf("Expected reverted local path still pending, got %+v", pending)
	}
}

// TestMigrations_Idempotent 迁移重复执行不报错
func TestMigrations_Idempotent(t *testing.T) {
	ob := newTestOutbox(t)
	if err := runMigrations(ob.db); err != nil {
		t.Fatalf("Second migration run must be a no-op, got: %v", err)
	}
}

// TestMigrations_DeviceAndRiskColumns 补列迁移后新字段可直接读写
func TestMigrations_DeviceAndRiskColumns(t *testing.T) {
	ob := newTestOutbox(t)

	cases := []struct {
		table   any
		columns []string
	}{
		{&model.TrafficLog{}, []string{"ip", "mac", "host_id"}},
		{&model.ScreenshotLog{}, []string{"ocr_text", "risk_level"}},
		{&model.ClipboardLog{}, []string{"content_type", "bundle_id", "risk_level"}},
	}
	for _, c := range cases {
		for _, col := range c.columns {
			if !ob.db.Migrator().HasColumn(c.table, col) {
				t.Errorf("column %q missing on %T", col, c.table)
			}
		}
	}
}
