package model

// ==========================================
// 截屏 / 剪贴板审计记录 - 数据模型
// ==========================================

// ScreenshotLog 一次截屏事件
// image_hash 为图片原始字节的 SHA-256，相同画面只落一条记录
type ScreenshotLog struct {
	// 记录ID，UUID
	ID string `json:"id" gorm:"column:id;primaryKey;type:varchar(64)"`
	// 设备PIN码
	PinNumber string `json:"pin_number" gorm:"column:pin_number;type:varchar(64)"`
	// 设备CPE标识
	CpeID string `json:"cpe_id" gorm:"column:cpe_id;type:varchar(64)"`
	// 图片内容哈希，去重键
	ImageHash string `json:"image_hash" gorm:"column:image_hash;type:varchar(64);uniqueIndex"`
	// 本地加密图片路径；上报成功后替换为远端URL
	ImagePath string `json:"image_path" gorm:"column:image_path;type:text"`
	// 截屏时刻的前台应用 (可选)
	AppName string `json:"app_name,omitempty" gorm:"column:app_name;type:varchar(255)"`
	// 本地 OCR 识别文本，仅用于敏感性分级，原文不出端
	OcrText string `json:"-" gorm:"column:ocr_text;type:text"`
	// 风险等级，见 RiskLevel* 常量
	RiskLevel int `json:"risk_level,omitempty" gorm:"column:risk_level"`
	// 截屏时间，逻辑时钟
	CreateTime string `json:"create_time" gorm:"column:create_time;type:varchar(32)"`
	// 是否已上报
	IsUploaded bool `json:"-" gorm:"column:is_uploaded;default:false;index"`
}

func (ScreenshotLog) TableName() string {
	return "screenshot_logs"
}

// ClipboardLog 一次剪贴板写入事件
type ClipboardLog struct {
	// 记录ID，UUID
	ID string `json:"id" gorm:"column:id;primaryKey;type:varchar(64)"`
	// 设备PIN码
	PinNumber string `json:"pin_number" gorm:"column:pin_number;type:varchar(64)"`
	// 设备CPE标识
	CpeID string `json:"cpe_id" gorm:"column:cpe_id;type:varchar(64)"`
	// 剪贴板文本内容
	Content string `json:"content" gorm:"column:content;type:text"`
	// 内容类型 (text/url/file 等，采集方给出)
	ContentType string `json:"content_type,omitempty" gorm:"column:content_type;type:varchar(64)"`
	// 来源应用 (可选)
	AppName string `json:"app_name,omitempty" gorm:"column:app_name;type:varchar(255)"`
	// 来源应用 Bundle ID (可选)
	BundleID string `json:"bundle_id,omitempty" gorm:"column:bundle_id;type:varchar(255)"`
	// 风险等级，见 RiskLevel* 常量
	RiskLevel int `json:"risk_level,omitempty" gorm:"column:risk_level"`
	// 事件时间，逻辑时钟
	CreateTime string `json:"create_time" gorm:"column:create_time;type:varchar(32)"`
	// 是否已上报
	IsUploaded bool `json:"-" gorm:"column:is_uploaded;default:false;index"`
}

func (ClipboardLog) TableName() string {
	return "clipboard_logs"
}
