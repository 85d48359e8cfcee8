package device

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/jianbinzhang1987/mac-monitor/internal/model"
)

// TestInit_And_Persist 初始化 + 凭据持久化 + 重新加载
func TestInit_And_Persist(t *testing.T) {
	dataDir := t.TempDir()

	// 1. 首次初始化：未注册
	if err := Init(dataDir); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if Get().HardwareID == "" {
		t.Error("HardwareID should not be empty after Init")
	}
	if IsRegistered() {
		t.Error("Fresh agent should not be registered")
	}

	// 2. 写入平台分配的凭据
	if err := UpdateAndPersist("pin-123", "cpe-456"); err != nil {
		t.Fatalf("UpdateAndPersist failed: %v", err)
	}
	if !IsRegistered() {
		t.Error("Agent should be registered after persisting credentials")
	}
	if Get().PinNumber != "pin-123" || Get().CpeID != "cpe-456" {
		t.Errorf("Unexpected credentials in memory: %+v", Get())
	}

	// 3. 模拟重启：直接从文件重新加载
	if err := loadCredentials(); err != nil {
		t.Fatalf("Reload credentials failed: %v", err)
	}
	if Get().PinNumber != "pin-123" {
		t.Errorf("Expected pin-123 after reload, got %s", Get().PinNumber)
	}

	// 4. 空 pin 拒绝写入
	if err := UpdateAndPersist("", "x"); err == nil {
		t.Error("Empty pin number must be rejected")
	}
}

// TestWriteInfoFile 外部代理进程消费的设备信息文件
func TestWriteInfoFile(t *testing.T) {
	dataDir := t.TempDir()
	if err := Init(dataDir); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	path := filepath.Join(dataDir, "sub", "device_info.json")
	if err := WriteInfoFile(path); err != nil {
		t.Fatalf("WriteInfoFile failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read info file: %v", err)
	}
	var got model.DeviceInfo
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Info file is not valid JSON: %v", err)
	}
	if got.HardwareID != Get().HardwareID {
		t.Errorf("Info file hardware id mismatch: %s vs %s", got.HardwareID, Get().HardwareID)
	}
}
