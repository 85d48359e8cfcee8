// Package scanner 终端异常扫描
// 对照下发的黑名单策略检查运行中的进程与已安装应用，
// 命中生成高风险行为记录写入发件箱。
package scanner

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/jianbinzhang1987/mac-monitor/internal/clock"
	"github.com/jianbinzhang1987/mac-monitor/internal/device"
	"github.com/jianbinzhang1987/mac-monitor/internal/logger"
	"github.com/jianbinzhang1987/mac-monitor/internal/model"
	"github.com/jianbinzhang1987/mac-monitor/internal/policy"
	"github.com/jianbinzhang1987/mac-monitor/internal/storage"
)

// ProcessLister 列出当前运行的进程名
// 抽成接口便于测试注入
type ProcessLister interface {
	ProcessNames() ([]string, error)
}

// systemLister 通过 gopsutil 枚举真实进程
type systemLister struct{}

func (systemLister) ProcessNames() ([]string, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(procs))
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			// 进程可能已退出或权限不足，跳过
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// AnomalyScanner 周期异常扫描器
type AnomalyScanner struct {
	policies *policy.Store
	outbox   *storage.Outbox
	clock    *clock.LogicalClock
	lister   ProcessLister
	appDirs  []string
	interval time.Duration

	// 已上报的命中，避免同一进程/应用每轮重复出记录
	mu       sync.Mutex
	reported map[string]struct{}

	stopChan chan struct{}
}

// New 创建扫描器
// lister 传 nil 使用系统进程枚举；appDirs 为空时用默认应用目录
func New(ps *policy.Store, ob *storage.Outbox, lc *clock.LogicalClock, lister ProcessLister, appDirs []string, interval time.Duration) *AnomalyScanner {
	if lister == nil {
		lister = systemLister{}
	}
	if len(appDirs) == 0 {
		appDirs = defaultAppDirs()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &AnomalyScanner{
		policies: ps,
		outbox:   ob,
		clock:    lc,
		lister:   lister,
		appDirs:  appDirs,
		interval: interval,
		reported: make(map[string]struct{}),
		stopChan: make(chan struct{}),
	}
}

// defaultAppDirs 系统、共享、用户三处应用目录
func defaultAppDirs() []string {
	dirs := []string{"/Applications", "/Users/Shared"}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, "Applications"))
	}
	return dirs
}

// Start 启动周期扫描
func (s *AnomalyScanner) Start() {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.RunOnce()
			}
		}
	}()
}

// Stop 停止扫描
func (s *AnomalyScanner) Stop() {
	close(s.stopChan)
}

// RunOnce 执行单轮扫描 (同步服务每轮也会调用)
func (s *AnomalyScanner) RunOnce() {
	scan := s.policies.Current().ScanPolicy()
	if len(scan.ProcessBlacklist) > 0 {
		s.scanProcesses(scan.ProcessBlacklist)
	}
	if len(scan.AppBlacklist) > 0 {
		s.scanApps(scan.AppBlacklist)
	}
}

// ==========================================
// 进程扫描
// ==========================================

func (s *AnomalyScanner) scanProcesses(blacklist []string) {
	names, err := s.lister.ProcessNames()
	if err != nil {
		logger.Error("Failed to list processes", "err", err)
		return
	}

	for _, name := range names {
		hit, ok := matchProcess(name, blacklist)
		if !ok {
			continue
		}
		s.report(model.OpTypeAbnormalProcess, "检测到黑名单进程: "+hit, name)
	}
}

// matchProcess 大小写不敏感子串匹配，第一个命中的黑名单项生效
func matchProcess(name string, blacklist []string) (string, bool) {
	lower := strings.ToLower(name)
	for _, b := range blacklist {
		if b == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(b)) {
			return b, true
		}
	}
	return "", false
}

// ==========================================
// 已安装应用扫描
// ==========================================

func (s *AnomalyScanner) scanApps(blacklist []string) {
	for _, dir := range s.appDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			// 目录不存在很常见 (如 ~/Applications)，静默跳过
			continue
		}
		for _, entry := range entries {
			hit, ok := matchApp(entry.Name(), blacklist)
			if !ok {
				continue
			}
			s.report(model.OpTypeAbnormalAppInstalled, "检测到黑名单应用: "+hit, filepath.Join(dir, entry.Name()))
		}
	}
}

// matchApp 应用名匹配
// 精确: 条目名等于 "{黑名单项}.app"；模糊: .app 条目名包含黑名单项。
// 均大小写不敏感。
func matchApp(entryName string, blacklist []string) (string, bool) {
	lower := strings.ToLower(entryName)
	if !strings.HasSuffix(lower, ".app") {
		return "", false
	}
	for _, b := range blacklist {
		if b == "" {
			continue
		}
		lb := strings.ToLower(b)
		if lower == lb+".app" || strings.Contains(lower, lb) {
			return b, true
		}
	}
	return "", false
}

// ==========================================
// 记录生成
// ==========================================

func (s *AnomalyScanner) report(opType, title, content string) {
	key := opType + "|" + content
	s.mu.Lock()
	if _, dup := s.reported[key]; dup {
		s.mu.Unlock()
		return
	}
	s.reported[key] = struct{}{}
	s.mu.Unlock()

	dev := device.Get()
	rec := &model.BehaviorLog{
		ID:        uuid.NewString(),
		PinNumber: dev.PinNumber,
		CpeID:     dev.CpeID,
		OpType:    opType,
		Title:     title,
		Content:   content,
		RiskLevel: model.RiskLevelHigh,
		OpTime:    s.clock.NowString(),
	}
	if err := s.outbox.InsertBehavior(rec); err != nil {
		logger.Error("Failed to record anomaly", "op_type", opType, "err", err)
		return
	}
	logger.Warn("Anomaly detected", "op_type", opType, "content", content)
}
