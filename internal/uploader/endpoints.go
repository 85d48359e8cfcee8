package uploader

import (
	"github.com/jianbinzhang1987/mac-monitor/internal/api"
	"github.com/jianbinzhang1987/mac-monitor/internal/model"
)

// ==========================================
// 平台接口的类型化封装
// ==========================================

// Register 设备注册，返回平台分配的凭据
func (c *Client) Register(req model.RegisterRequest) (model.RegisterData, error) {
	var data model.RegisterData
	err := c.PostJSON(api.RouteRegister, req, &data)
	return data, err
}

// Login 用户登录
func (c *Client) Login(req model.LoginRequest) error {
	return c.PostJSON(api.RouteLogin, req, nil)
}

// Logout 用户登出
func (c *Client) Logout(pinNumber string) error {
	return c.PostJSON(api.RouteLogout, map[string]string{"pin_number": pinNumber}, nil)
}

// Heartbeat 心跳：上报状态，带回服务端时间与策略更新标记
func (c *Client) Heartbeat(req model.HeartbeatRequest) (model.HeartbeatData, error) {
	var data model.HeartbeatData
	err := c.PostJSON(api.RouteHeartbeat, req, &data)
	return data, err
}

// FetchPolicy 拉取完整策略
func (c *Client) FetchPolicy(pinNumber string) (model.PolicyBundle, error) {
	var data model.PolicyBundle
	err := c.PostJSON(api.RoutePolicy, map[string]string{"pin_number": pinNumber}, &data)
	return data, err
}

// GetPops 查询接入点列表
func (c *Client) GetPops() ([]model.PopInfo, error) {
	var data []model.PopInfo
	err := c.PostJSON(api.RoutePops, nil, &data)
	return data, err
}

// CheckUpdate 查询版本更新
func (c *Client) CheckUpdate(version string) (model.UpdateInfo, error) {
	var data model.UpdateInfo
	err := c.PostJSON(api.RouteCheckUpdate, map[string]string{"version": version}, &data)
	return data, err
}

// GetCertInfo 查询平台证书信息
func (c *Client) GetCertInfo() (model.CertInfo, error) {
	var data model.CertInfo
	err := c.PostJSON(api.RouteCertInfo, nil, &data)
	return data, err
}

// GetServerTime 查询服务端时间 (Unix 毫秒)
func (c *Client) GetServerTime() (int64, error) {
	var data struct {
		ServerTime int64 `json:"server_time"`
	}
	err := c.PostJSON(api.RouteServerTime, nil, &data)
	return data.ServerTime, err
}

// ==========================================
// 批量日志上报
// ==========================================

// UploadTrafficLogs 批量上报流量记录
func (c *Client) UploadTrafficLogs(logs []model.TrafficLog) error {
	return c.PostJSON(api.RouteLogTraffic, map[string]any{"logs": logs}, nil)
}

// UploadBehaviorLogs 批量上报行为记录
func (c *Client) UploadBehaviorLogs(logs []model.BehaviorLog) error {
	return c.PostJSON(api.RouteLogBehavior, map[string]any{"logs": logs}, nil)
}

// UploadScreenshotLog 上报单条截屏元数据 (图片文件已先行上传)
func (c *Client) UploadScreenshotLog(log model.ScreenshotLog) error {
	return c.PostJSON(api.RouteLogScreenshot, log, nil)
}

// UploadClipboardLogs 批量上报剪贴板记录
func (c *Client) UploadClipboardLogs(logs []model.ClipboardLog) error {
	return c.PostJSON(api.RouteLogClipboard, map[string]any{"logs": logs}, nil)
}
