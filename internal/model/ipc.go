package model

import "encoding/json"

// ==========================================
// 本地命令通道 - 数据模型
// ==========================================

// 响应状态
const (
	IPCStatusOK    = "ok"
	IPCStatusError = "error"
)

// IPCCommand 本地命令请求包络
// 每个连接一行 JSON，payload 由具体命令各自解析
type IPCCommand struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IPCResponse 本地命令响应包络
type IPCResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewIPCError 构造错误响应
func NewIPCError(msg string) IPCResponse {
	return IPCResponse{Status: IPCStatusError, Message: msg}
}

// NewIPCOK 构造成功响应，payload 序列化失败时降级为纯状态
func NewIPCOK(payload any) IPCResponse {
	resp := IPCResponse{Status: IPCStatusOK}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			resp.Payload = raw
		}
	}
	return resp
}

// ==========================================
// log_event 事件载荷 (封闭类型集)
// ==========================================

// 事件类型，log_event 只接受这三种，其余拒绝
const (
	EventTypeScreenshot = "screenshot"
	EventTypeClipboard  = "clipboard"
	EventTypeBehavior   = "behavior"
)

// Event log_event 命令的载荷包络
// 在通道边界一次性解码成具体事件类型，内部不再传递原始 JSON
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ScreenshotEvent 截屏事件：原始图片字节由采集方传入
type ScreenshotEvent struct {
	// 图片原始字节 (JSON 中为 base64)
	ImageData []byte `json:"image_data"`
	// 截屏时刻的前台应用
	AppName string `json:"app_name,omitempty"`
	// 采集方本地 OCR 文本，仅入库做分级，不回传平台
	OcrText string `json:"ocr_text,omitempty"`
	// 采集方给出的风险等级
	RiskLevel int `json:"risk_level,omitempty"`
}

// ClipboardEvent 剪贴板事件
type ClipboardEvent struct {
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
	AppName     string `json:"app_name,omitempty"`
	BundleID    string `json:"bundle_id,omitempty"`
	RiskLevel   int    `json:"risk_level,omitempty"`
}

// BehaviorEvent 行为事件
type BehaviorEvent struct {
	OpType    string `json:"op_type"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	RiskLevel int    `json:"risk_level"`
}

// TrafficEvent log_traffic 命令的载荷：外部代理进程上报的既成记录
type TrafficEvent struct {
	URL          string `json:"url"`
	Domain       string `json:"domain"`
	MethodType   string `json:"method_type"`
	StatusCode   int    `json:"status_code"`
	RequestBody  string `json:"request_body,omitempty"`
	ResponseBody string `json:"response_body,omitempty"`
	ProcessName  string `json:"process_name,omitempty"`
}
