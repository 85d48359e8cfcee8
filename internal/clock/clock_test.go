package clock

import (
	"testing"
	"time"
)

// TestUpdateOffset_Replace 验证偏移量是整体替换而非累加
func TestUpdateOffset_Replace(t *testing.T) {
	c := NewLogicalClock()

	// 1. 服务端快 10 秒
	c.UpdateOffset(time.Now().UnixMilli() + 10_000)
	off1 := c.OffsetMS()
	if off1 < 9_000 || off1 > 11_000 {
		t.Fatalf("Expected offset around +10s, got %dms", off1)
	}

	// 2. 再次校准，服务端快 3 秒
	// 如果实现是累加，这里会得到 13 秒左右
	c.UpdateOffset(time.Now().UnixMilli() + 3_000)
	off2 := c.OffsetMS()
	if off2 < 2_000 || off2 > 4_000 {
		t.Fatalf("Offset should be replaced, not accumulated. Got %dms", off2)
	}
}

// TestNowMS_AppliesOffset 验证 NowMS 带上了偏移
func TestNowMS_AppliesOffset(t *testing.T) {
	c := NewLogicalClock()
	c.UpdateOffset(time.Now().UnixMilli() - 60_000) // 服务端慢 1 分钟

	diff := time.Now().UnixMilli() - c.NowMS()
	if diff < 59_000 || diff > 61_000 {
		t.Errorf("Expected logical clock ~60s behind local, diff=%dms", diff)
	}
}

// TestNowString_Format 验证落库时间格式
func TestNowString_Format(t *testing.T) {
	c := NewLogicalClock()
	s := c.NowString()

	if _, err := time.Parse("2006-01-02 15:04:05", s); err != nil {
		t.Errorf("NowString format invalid: %q (%v)", s, err)
	}
}

// TestZeroValue 零值时钟跟随本地时间
func TestZeroValue(t *testing.T) {
	var c LogicalClock
	diff := c.NowMS() - time.Now().UnixMilli()
	if diff < -100 || diff > 100 {
		t.Errorf("Zero-value clock should track local time, diff=%dms", diff)
	}
}
