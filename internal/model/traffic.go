package model

// ==========================================
// 流量审计记录 - 数据模型
// ==========================================

// TrafficLog 一次被审计的 HTTP(S) 请求/响应
// 记录一旦写入不再删除，is_uploaded 标记上报状态
type TrafficLog struct {
	// 记录ID，格式 "{毫秒时间戳}-{进程内序号}"，同毫秒内多条不冲突
	ID string `json:"id" gorm:"column:id;primaryKey;type:varchar(64)"`
	// 设备PIN码
	PinNumber string `json:"pin_number" gorm:"column:pin_number;type:varchar(64)"`
	// 设备CPE标识
	CpeID string `json:"cpe_id" gorm:"column:cpe_id;type:varchar(64)"`
	// 设备出口IP (可选)
	IP string `json:"ip,omitempty" gorm:"column:ip;type:varchar(64)"`
	// 设备出口网卡MAC (可选)
	MAC string `json:"mac,omitempty" gorm:"column:mac;type:varchar(64)"`
	// 主机硬件标识 (可选)
	HostID string `json:"host_id,omitempty" gorm:"column:host_id;type:varchar(128)"`
	// 完整URL ({scheme}://{domain}{path})
	URL string `json:"url" gorm:"column:url;type:text"`
	// 目标域名
	Domain string `json:"domain" gorm:"column:domain;type:varchar(255)"`
	// 请求方法，解析失败时为 UNKNOWN
	MethodType string `json:"method_type" gorm:"column:method_type;type:varchar(16)"`
	// 响应状态码，未取到响应时为 0
	StatusCode int `json:"status_code" gorm:"column:status_code"`
	// 页面标题 (可选，从响应体提取)
	Title string `json:"title,omitempty" gorm:"column:title;type:varchar(255)"`
	// 请求体 (按策略截断)
	RequestBody string `json:"request_body" gorm:"column:request_body;type:text"`
	// 响应体 (仅命中抓取规则时保留，按 rspbodylength 截断)
	ResponseBody string `json:"response_body" gorm:"column:response_body;type:text"`
	// 请求时间，逻辑时钟，"2006-01-02 15:04:05"
	ReqTime string `json:"req_time" gorm:"column:req_time;type:varchar(32)"`
	// 响应时间
	RespTime string `json:"resp_time" gorm:"column:resp_time;type:varchar(32)"`
	// 发起请求的进程名，查不到时为 "unknown"
	ProcessName string `json:"process_name" gorm:"column:process_name;type:varchar(255)"`
	// 风险等级 (可选，0 表示未评估)
	RiskLevel int `json:"risk_level,omitempty" gorm:"column:risk_level"`
	// 是否已上报
	IsUploaded bool `json:"-" gorm:"column:is_uploaded;default:false;index"`
}

// TableName 对齐既有库表名
func (TrafficLog) TableName() string {
	return "monitor_log_traffic"
}
