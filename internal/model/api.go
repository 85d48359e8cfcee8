package model

import "encoding/json"

// ==========================================
// 管理平台接口 - 数据模型
// ==========================================

// APIResponse 平台统一响应包络
// code == 200 表示业务成功，data 按接口各自解析
type APIResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// OK 业务是否成功
func (r *APIResponse) OK() bool {
	return r.Code == 200
}

// TokenData 访问令牌
type TokenData struct {
	VisitToken string `json:"visit_token"`
	// 有效期 (秒)
	ExpiresIn int64 `json:"expires_in"`
}

// ==========================================
// 心跳
// ==========================================

// HeartbeatRequest 心跳请求
type HeartbeatRequest struct {
	PinNumber string `json:"pin_number"`
	CpeID     string `json:"cpe_id"`
	Version   string `json:"version"`
	IP        string `json:"ip"`
	MAC       string `json:"mac"`
	// 当前策略版本，平台据此决定 need_update
	PolicyVersion string `json:"policy_version"`
}

// HeartbeatData 心跳响应数据
type HeartbeatData struct {
	// 服务端当前时间 (Unix 毫秒)，用于校准逻辑时钟
	ServerTime int64 `json:"server_time"`
	// 策略有更新时为 true，随后应拉取新策略
	NeedUpdate bool `json:"need_update"`
	// 平台下发的远程指令，仅透出给调用方，本地不执行
	Commands []RemoteCommand `json:"commands,omitempty"`
}

// RemoteCommand 平台远程指令
type RemoteCommand struct {
	CmdID string          `json:"cmd_id"`
	Cmd   string          `json:"cmd"`
	Param json.RawMessage `json:"param,omitempty"`
}

// ==========================================
// 注册 / 登录
// ==========================================

// RegisterRequest 设备注册请求
type RegisterRequest struct {
	HardwareID string `json:"hardware_id"`
	Hostname   string `json:"hostname"`
	MAC        string `json:"mac"`
	IP         string `json:"ip"`
	Version    string `json:"version"`
}

// RegisterData 注册响应：平台分配的设备与应用凭据
type RegisterData struct {
	PinNumber string `json:"pin_number"`
	CpeID     string `json:"cpe_id"`
	AppCode   string `json:"app_code"`
	AppSecret string `json:"app_secret"`
	ServerURL string `json:"server_url,omitempty"`
}

// LoginRequest 用户登录请求
type LoginRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	PinNumber string `json:"pin_number"`
}

// ==========================================
// 其他查询接口
// ==========================================

// PopInfo 接入点信息
type PopInfo struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Region  string `json:"region,omitempty"`
}

// UpdateInfo 版本更新信息
type UpdateInfo struct {
	HasUpdate   bool   `json:"has_update"`
	Version     string `json:"version,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
	Md5         string `json:"md5,omitempty"`
}

// CertInfo 平台下发的证书信息
type CertInfo struct {
	CertPEM string `json:"cert_pem"`
	Expiry  string `json:"expiry,omitempty"`
}

// FileUploadData 文件上传响应：远端访问地址
type FileUploadData struct {
	URL string `json:"url"`
}
