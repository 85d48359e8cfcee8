// Package clock 提供与服务端对齐的逻辑时钟
//
// 终端本地时间可能被用户随意修改，审计记录的时间戳必须以服务端时间为准。
// 这里维护一个毫秒级偏移量 (服务端时间 - 本地时间)，每次心跳用服务端
// 返回的时间整体替换，而不是累加。
package clock

import (
	"sync/atomic"
	"time"
)

// timeLayout 审计记录使用的时间格式
const timeLayout = "2006-01-02 15:04:05"

// LogicalClock 逻辑时钟
// 零值即可用，偏移量为 0 表示跟随本地时间
type LogicalClock struct {
	offsetMS atomic.Int64
}

// NewLogicalClock 创建逻辑时钟
func NewLogicalClock() *LogicalClock {
	return &LogicalClock{}
}

// UpdateOffset 用服务端时间校准
// serverMS: 服务端当前 Unix 毫秒时间戳
// 偏移量整体替换，避免多次心跳误差累积
func (c *LogicalClock) UpdateOffset(serverMS int64) {
	localMS := time.Now().UnixMilli()
	c.offsetMS.Store(serverMS - localMS)
}

// OffsetMS 当前偏移量 (毫秒)
func (c *LogicalClock) OffsetMS() int64 {
	return c.offsetMS.Load()
}

// NowMS 校准后的当前 Unix 毫秒时间戳
func (c *LogicalClock) NowMS() int64 {
	return time.Now().UnixMilli() + c.offsetMS.Load()
}

// Now 校准后的当前时间
func (c *LogicalClock) Now() time.Time {
	return time.UnixMilli(c.NowMS())
}

// NowString 校准后的当前时间字符串 (记录落库用)
func (c *LogicalClock) NowString() string {
	return c.Now().Format(timeLayout)
}
