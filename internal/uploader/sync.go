package uploader

import (
	"errors"
	"math/rand"
	"os"
	"time"

	"github.com/jianbinzhang1987/mac-monitor/internal/clock"
	"github.com/jianbinzhang1987/mac-monitor/internal/device"
	"github.com/jianbinzhang1987/mac-monitor/internal/logger"
	"github.com/jianbinzhang1987/mac-monitor/internal/model"
	"github.com/jianbinzhang1987/mac-monitor/internal/policy"
	"github.com/jianbinzhang1987/mac-monitor/internal/security"
	"github.com/jianbinzhang1987/mac-monitor/internal/storage"
)

// Scanner 同步服务每轮先跑一次的异常扫描
// 依赖接口而非具体实现
type Scanner interface {
	RunOnce()
}

// SyncService 周期同步服务
// 每轮固定顺序: 异常扫描 -> 心跳 (校时 + 策略) -> 批量上报。
// 任何一步失败只影响本轮，下一轮从头再来。
type SyncService struct {
	client   *Client
	clock    *clock.LogicalClock
	policies *policy.Store
	outbox   *storage.Outbox
	scanner  Scanner

	interval time.Duration
	stopChan chan struct{}
}

// NewSyncService 创建同步服务
// scanner 可以为 nil (方案B的独立代理进程不带扫描)
func NewSyncService(client *Client, lc *clock.LogicalClock, ps *policy.Store, ob *storage.Outbox, scanner Scanner, interval time.Duration) *SyncService {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SyncService{
		client:   client,
		clock:    lc,
		policies: ps,
		outbox:   ob,
		scanner:  scanner,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start 启动同步循环
func (s *SyncService) Start() {
	go func() {
		// 启动随机抖动，防止所有终端在同一秒冲击平台
		jitter := time.Duration(rand.Int63n(int64(s.interval)))
		select {
		case <-s.stopChan:
			return
		case <-time.After(jitter):
		}

		logger.Info("Sync service started", "interval", s.interval)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		// 立即执行一次
		s.RunOnce()

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

// Stop 停止同步
func (s *SyncService) Stop() {
	close(s.stopChan)
}

// RunOnce 执行单轮同步 (导出供测试与命令通道手动触发)
func (s *SyncService) RunOnce() {
	if s.scanner != nil {
		s.scanner.RunOnce()
	}
	s.doHeartbeat()
	s.drainOutbox()
}

// ==========================================
// 心跳
// ==========================================

func (s *SyncService) doHeartbeat() {
	dev := device.Get()
	data, err := s.client.Heartbeat(model.HeartbeatRequest{
		PinNumber:     dev.PinNumber,
		CpeID:         dev.CpeID,
		Version:       dev.Version,
		IP:            dev.IP,
		MAC:           dev.MAC,
		PolicyVersion: s.policies.Current().Version(),
	})
	if err != nil {
		// 心跳失败是常态（网络波动），记录 Warn 即可
		logger.Warn("Heartbeat failed", "err", err)
		return
	}

	// 1. 校准逻辑时钟
	if data.ServerTime > 0 {
		s.clock.UpdateOffset(data.ServerTime)
	}

	// 2. 策略更新：整体拉取并替换
	if data.NeedUpdate {
		bundle, err := s.client.FetchPolicy(dev.PinNumber)
		if err != nil {
			logger.Error("Failed to fetch updated policy", "err", err)
		} else {
			s.policies.Replace(bundle)
		}
	}

	// 3. 远程指令只透出，不执行
	for _, cmd := range data.Commands {
		logger.Info("Remote command received", "cmd_id", cmd.CmdID, "cmd", cmd.Cmd)
	}
}

// ==========================================
// 批量上报
// ==========================================

func (s *SyncService) drainOutbox() {
	s.drainTraffic()
	s.drainBehavior()
	s.drainScreenshots()
	s.drainClipboard()
}

func (s *SyncService) drainTraffic() {
	logs, err := s.outbox.PendingTraffic()
	if err != nil {
		logger.Error("Failed to list pending traffic logs", "err", err)
		return
	}
	if len(logs) == 0 {
		return
	}

	if err := s.client.UploadTrafficLogs(logs); err != nil {
		// 保持未上报状态，下一轮重试
		logger.Warn("Traffic upload failed", "count", len(logs), "err", err)
		return
	}

	ids := make([]string, len(logs))
	for i, l := range logs {
		ids[i] = l.ID
	}
	if err := s.outbox.MarkTrafficSent(ids); err != nil {
		logger.Error("Failed to mark traffic logs sent", "err", err)
	}
}

func (s *SyncService) drainBehavior() {
	logs, err := s.outbox.PendingBehavior()
	if err != nil {
		logger.Error("Failed to list pending behavior logs", "err", err)
		return
	}
	if len(logs) == 0 {
		return
	}

	if err := s.client.UploadBehaviorLogs(logs); err != nil {
		logger.Warn("Behavior upload failed", "count", len(logs), "err", err)
		return
	}

	ids := make([]string, len(logs))
	for i, l := range logs {
		ids[i] = l.ID
	}
	if err := s.outbox.MarkBehaviorSent(ids); err != nil {
		logger.Error("Failed to mark behavior logs sent", "err", err)
	}
}

func (s *SyncService) drainClipboard() {
	logs, err := s.outbox.PendingClipboard()
	if err != nil {
		logger.Error("Failed to list pending clipboard logs", "err", err)
		return
	}
	if len(logs) == 0 {
		return
	}

	if err := s.client.UploadClipboardLogs(logs); err != nil {
		logger.Warn("Clipboard upload failed", "count", len(logs), "err", err)
		return
	}

	ids := make([]string, len(logs))
	for i, l := range logs {
		ids[i] = l.ID
	}
	if err := s.outbox.MarkClipboardSent(ids); err != nil {
		logger.Error("Failed to mark clipboard logs sent", "err", err)
	}
}

// drainScreenshots 截屏两阶段上报
// 阶段一: 解密图片，上传文件换取远端URL，路径替换为URL
// 阶段二: 上报元数据，成功按哈希标记；失败回写本地路径下一轮重来
func (s *SyncService) drainScreenshots() {
	logs, err := s.outbox.PendingScreenshots()
	if err != nil {
		logger.Error("Failed to list pending screenshots", "err", err)
		return
	}

	for _, shot := range logs {
		localPath := shot.ImagePath

		// 本地文件已丢失：记录无法再补救，直接标记避免永久卡批次
		img, err := security.DecryptFromFile(localPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				logger.Warn("Screenshot file missing, marking sent", "id", shot.ID, "path", localPath)
				_ = s.outbox.MarkScreenshotSent(shot.ImageHash)
			} else {
				logger.Error("Failed to decrypt screenshot", "id", shot.ID, "err", err)
			}
			continue
		}

		// 阶段一: 文件上传
		remoteURL, err := s.client.UploadFile(shot.ImageHash+".jpg", img)
		if err != nil {
			logger.Warn("Screenshot file upload failed", "id", shot.ID, "err", err)
			continue
		}
		if err := s.outbox.UpdateScreenshotPath(shot.ID, remoteURL); err != nil {
			logger.Error("Failed to switch screenshot path", "id", shot.ID, "err", err)
			continue
		}

		// 阶段二: 元数据上报
		shot.ImagePath = remoteURL
		if err := s.client.UploadScreenshotLog(shot); err != nil {
			logger.Warn("Screenshot metadata upload failed, reverting path", "id", shot.ID, "err", err)
			if revertErr := s.outbox.UpdateScreenshotPath(shot.ID, localPath); revertErr != nil {
				logger.Error("Failed to revert screenshot path", "id", shot.ID, "err", revertErr)
			}
			continue
		}

		if err := s.outbox.MarkScreenshotSent(shot.ImageHash); err != nil {
			logger.Error("Failed to mark screenshot sent", "id", shot.ID, "err", err)
		}
	}
}
