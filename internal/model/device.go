package model

// ==========================================
// 设备信息 - 数据模型
// ==========================================

// DeviceInfo 终端设备标识
// 按值传递，注册成功后整体换新，各组件每次取最新值
type DeviceInfo struct {
	// 设备PIN码，注册时平台分配
	PinNumber string `json:"pin_number"`
	// 设备CPE标识
	CpeID string `json:"cpe_id"`
	// 硬件指纹 (machine-id 的 SHA-256)
	HardwareID string `json:"hardware_id"`
	// 主机名
	Hostname string `json:"hostname"`
	// 出口网卡 MAC 地址
	MAC string `json:"mac"`
	// 出口 IP 地址
	IP string `json:"ip"`
	// 软件版本号
	Version string `json:"version"`
}
