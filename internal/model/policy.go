package model

// ==========================================
// 审计策略下发 - 数据模型
// ==========================================

// ResponseCaptureRule 响应体抓取规则
// URL 为子串匹配；命中后响应体按 RspBodyLength 截断保留
type ResponseCaptureRule struct {
	// URL 匹配子串，必填
	URL string `json:"url"`
	// 响应体保留长度 (字节)，0 表示不保留
	RspBodyLength int `json:"rspbodylength"`
}

// TargetDomain 一条目标域名策略
// 平台侧可以单独停用某条而不从列表删除
type TargetDomain struct {
	// 域名模式，支持 "*.suffix" 通配
	Domain string `json:"domain"`
	// 停用的条目保留在列表里但不参与匹配
	Enabled bool `json:"enabled"`
}

// WhiteDomain 一条白名单域名
type WhiteDomain struct {
	Domain string `json:"domain"`
	// 平台侧条目ID (可选，原样回传用)
	ID string `json:"id,omitempty"`
}

// AuditPolicy 流量审计策略
// 由平台心跳下发，整体替换生效
type AuditPolicy struct {
	// 审计总开关，关闭时不记录任何流量
	Enabled bool `json:"enabled"`
	// 目标域名列表；为空表示全量记录，只含停用条目时不记录
	TargetDomains []TargetDomain `json:"target_domains"`
	// 白名单域名，命中则排除，优先级高于目标列表
	WhiteDomains []WhiteDomain `json:"white_domains"`
	// 响应体抓取规则
	ResponseRules []ResponseCaptureRule `json:"response_rules"`
}

// ScanPolicy 异常扫描策略 (进程 / 应用黑名单)
type ScanPolicy struct {
	// 进程名黑名单，大小写不敏感子串匹配
	ProcessBlacklist []string `json:"process_blacklist"`
	// 应用黑名单，匹配 {Name}.app 精确名与 .app 模糊子串
	AppBlacklist []string `json:"app_blacklist"`
}

// PolicyBundle 心跳 need_update 时整体下发的策略集合
type PolicyBundle struct {
	Audit AuditPolicy `json:"audit"`
	Scan  ScanPolicy  `json:"scan"`
	// 策略版本号，回传给平台用于增量判断
	Version string `json:"version"`
}
