package policy

import (
	"sync"

	"github.com/jianbinzhang1987/mac-monitor/internal/logger"
	"github.com/jianbinzhang1987/mac-monitor/internal/model"
)

// ==========================================
// 策略存储 (热更新)
// ==========================================

// Snapshot 某一时刻的完整策略视图
// 拦截路径上只读，取到快照后本次请求内保持一致
type Snapshot struct {
	audit   model.AuditPolicy
	scan    model.ScanPolicy
	version string
}

// AuditPolicy 快照中的流量策略副本
func (s *Snapshot) AuditPolicy() model.AuditPolicy { return s.audit }

// ScanPolicy 快照中的扫描策略副本
func (s *Snapshot) ScanPolicy() model.ScanPolicy { return s.scan }

// Version 策略版本号
func (s *Snapshot) Version() string { return s.version }

// Store 策略存储
// 心跳协程写，拦截/扫描协程读。更新时先深拷贝再整体替换指针，
// 读侧永远看到完整的新策略或完整的旧策略，不会读到半更新状态。
type Store struct {
	mu      sync.RWMutex
	current *Snapshot
}

// NewStore 创建策略存储
// 初始策略：审计开启、列表为空 (全量记录)
func NewStore() *Store {
	return &Store{
		current: &Snapshot{
			audit: model.AuditPolicy{Enabled: true},
		},
	}
}

// Current 当前策略快照
func (st *Store) Current() *Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current
}

// Replace 整体替换策略
// 对切片做深拷贝，调用方之后修改入参不影响已发布的快照
func (st *Store) Replace(bundle model.PolicyBundle) {
	snap := &Snapshot{
		audit: model.AuditPolicy{
			Enabled:       bundle.Audit.Enabled,
			TargetDomains: append([]model.TargetDomain(nil), bundle.Audit.TargetDomains...),
			WhiteDomains:  append([]model.WhiteDomain(nil), bundle.Audit.WhiteDomains...),
			ResponseRules: append([]model.ResponseCaptureRule(nil), bundle.Audit.ResponseRules...),
		},
		scan: model.ScanPolicy{
			ProcessBlacklist: append([]string(nil), bundle.Scan.ProcessBlacklist...),
			AppBlacklist:     append([]string(nil), bundle.Scan.AppBlacklist...),
		},
		version: bundle.Version,
	}

	st.mu.Lock()
	st.current = snap
	st.mu.Unlock()

	logger.Info("Policy replaced",
		"version", bundle.Version,
		"targets", len(snap.audit.TargetDomains),
		"whites", len(snap.audit.WhiteDomains),
		"enabled", snap.audit.Enabled,
	)
}

// SetEnabled 切换审计总开关，其余策略内容不动
func (st *Store) SetEnabled(enabled bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.current.audit.Enabled == enabled {
		return
	}
	snap := *st.current
	snap.audit.Enabled = enabled
	st.current = &snap
	logger.Info("Audit switch toggled", "enabled", enabled)
}

// ReplaceAudit 仅替换流量策略 (本地命令通道 set_audit_policy 用)
func (st *Store) ReplaceAudit(audit model.AuditPolicy) {
	st.mu.Lock()
	defer st.mu.Unlock()

	snap := *st.current
	snap.audit = model.AuditPolicy{
		Enabled:       audit.Enabled,
		TargetDomains: append([]model.TargetDomain(nil), audit.TargetDomains...),
		WhiteDomains:  append([]model.WhiteDomain(nil), audit.WhiteDomains...),
		ResponseRules: append([]model.ResponseCaptureRule(nil), audit.ResponseRules...),
	}
	st.current = &snap
}
