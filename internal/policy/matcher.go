// Package policy 审计策略的匹配与热更新
package policy

import (
	"strings"

	"github.com/jianbinzhang1987/mac-monitor/internal/model"
)

// ==========================================
// 域名匹配
// ==========================================

// matchDomain 单条策略域名是否命中
// 规则:
//   - "*.suffix" 通配: 命中 suffix 本身，或以 ".suffix" 结尾的子域名
//   - 其余条目: 精确匹配 (大小写不敏感)
func matchDomain(pattern, domain string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	domain = strings.ToLower(domain)
	if pattern == "" || domain == "" {
		return false
	}

	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return domain == suffix || strings.HasSuffix(domain, "."+suffix)
	}
	return domain == pattern
}

// matchTargets 目标列表中任意一条启用的条目命中
// 停用条目保留在列表里但不参与匹配
func matchTargets(entries []model.TargetDomain, domain string) bool {
	for _, e := range entries {
		if !e.Enabled {
			continue
		}
		if matchDomain(e.Domain, domain) {
			return true
		}
	}
	return false
}

// matchWhites 白名单中任意一条命中
func matchWhites(entries []model.WhiteDomain, domain string) bool {
	for _, e := range entries {
		if matchDomain(e.Domain, domain) {
			return true
		}
	}
	return false
}

// ==========================================
// 审计决策
// ==========================================

// Decision 一条请求的审计决策
type Decision struct {
	// 是否记录该请求
	Audit bool
	// 是否保留响应体
	CaptureResponse bool
	// 响应体截断长度 (CaptureResponse 为 true 时有效)
	ResponseLimit int
}

// ShouldAudit 域名是否需要审计
// 白名单优先；目标列表为空表示全量记录
func (s *Snapshot) ShouldAudit(domain string) bool {
	if !s.audit.Enabled {
		return false
	}
	if matchWhites(s.audit.WhiteDomains, domain) {
		return false
	}
	if len(s.audit.TargetDomains) == 0 {
		return true
	}
	return matchTargets(s.audit.TargetDomains, domain)
}

// Decide 对一条请求做完整决策
// url 用于响应体抓取规则的子串匹配
func (s *Snapshot) Decide(domain, url string) Decision {
	d := Decision{Audit: s.ShouldAudit(domain)}
	if !d.Audit {
		return d
	}

	// 响应体抓取规则：第一条命中的生效
	for _, rule := range s.audit.ResponseRules {
		if rule.URL != "" && strings.Contains(url, rule.URL) {
			if rule.RspBodyLength > 0 {
				d.CaptureResponse = true
				d.ResponseLimit = rule.RspBodyLength
			}
			break
		}
	}
	return d
}
