package model

// ==========================================
// 行为审计记录 - 数据模型
// ==========================================

// 行为类型
const (
	OpTypeFileModify           = "FileModify"           // 敏感文件改动
	OpTypeIntegrityCheck       = "IntegrityCheck"       // 完整性校验告警
	OpTypeClipboard            = "Clipboard"            // 剪贴板写入
	OpTypeNetworkShare         = "NetworkShare"         // 开启网络共享
	OpTypeHotspotShare         = "HotspotShare"         // 开启个人热点
	OpTypeProxy                = "Proxy"                // 启用系统代理
	OpTypeDevicePlug           = "DevicePlug"           // 外设插入
	OpTypeAbnormalProcess      = "AbnormalProcess"      // 命中黑名单的进程
	OpTypeAbnormalAppInstalled = "AbnormalAppInstalled" // 命中黑名单的已安装应用
)

// 风险等级
const (
	RiskLevelLow    = 0
	RiskLevelMedium = 1
	RiskLevelHigh   = 2
)

// BehaviorLog 终端行为事件 (异常进程、异常应用等)
type BehaviorLog struct {
	// 记录ID，UUID
	ID string `json:"id" gorm:"column:id;primaryKey;type:varchar(64)"`
	// 设备PIN码
	PinNumber string `json:"pin_number" gorm:"column:pin_number;type:varchar(64)"`
	// 设备CPE标识
	CpeID string `json:"cpe_id" gorm:"column:cpe_id;type:varchar(64)"`
	// 行为类型，见 OpType* 常量
	OpType string `json:"op_type" gorm:"column:op_type;type:varchar(64)"`
	// 事件标题
	Title string `json:"title" gorm:"column:title;type:varchar(255)"`
	// 事件内容 (命中的进程名 / 应用路径)
	Content string `json:"content" gorm:"column:content;type:text"`
	// 风险等级，见 RiskLevel* 常量
	RiskLevel int `json:"risk_level" gorm:"column:risk_level"`
	// 事件时间，逻辑时钟
	OpTime string `json:"op_time" gorm:"column:op_time;type:varchar(32)"`
	// 是否已上报
	IsUploaded bool `json:"-" gorm:"column:is_uploaded;default:false;index"`
}

func (BehaviorLog) TableName() string {
	return "behavior_logs"
}
