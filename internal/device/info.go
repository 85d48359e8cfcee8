// Package device 终端设备标识
package device

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/jianbinzhang1987/mac-monitor/internal/model"
)

// =========================================================================
// 1. 编译时注入变量 (Build-Time Variables)
// 通过 -ldflags -X 修改
// =========================================================================

var (
	// Version 软件版本
	Version string = "00000000_DevBuild"

	// Vendor 厂商名称
	Vendor string = "OpenSource"

	// BuildTime 编译时间
	BuildTime string = "Unknown"
)

// =========================================================================
// 2. 运行时状态
// =========================================================================

var (
	// info 启动时解析一次，之后只读
	info model.DeviceInfo

	// idFilePath 设备凭据文件 (pin/cpe) 的绝对路径
	idFilePath string

	idFilename = "device.id"

	mu sync.RWMutex
)

// =========================================================================
// 3. 核心生命周期方法
// =========================================================================

// Init 初始化设备信息
// 必须在 main.go 启动时最先调用
func Init(dataDir string) error {
	// 1. 硬件指纹 (永远需要，用于注册或校验)
	hwID, err := hardwareID()
	if err != nil {
		return fmt.Errorf("hardware id init failed: %v", err)
	}

	// 2. 主机名 / 出口网卡
	hostname, _ := os.Hostname()
	mac, ip := primaryInterface()

	mu.Lock()
	info = model.DeviceInfo{
		HardwareID: hwID,
		Hostname:   hostname,
		MAC:        mac,
		IP:         ip,
		Version:    Version,
	}
	mu.Unlock()

	// 3. 尝试加载已注册的设备凭据
	idFilePath = filepath.Join(dataDir, idFilename)
	if err := loadCredentials(); err != nil {
		// 加载失败不报错，说明是首次启动或未注册
		fmt.Printf("[Device] Credentials not found at %s. Waiting for registration.\n", idFilePath)
	}

	return nil
}

// Get 获取设备信息副本
func Get() model.DeviceInfo {
	mu.RLock()
	defer mu.RUnlock()
	return info
}

// IsRegistered 判断是否已完成注册
func IsRegistered() bool {
	mu.RLock()
	defer mu.RUnlock()
	return info.PinNumber != ""
}

// =========================================================================
// 4. 凭据持久化
// =========================================================================

// credFile 凭据文件内容
type credFile struct {
	PinNumber string `json:"pin_number"`
	CpeID     string `json:"cpe_id"`
}

// UpdateAndPersist 注册成功后写入平台分配的设备凭据
func UpdateAndPersist(pinNumber, cpeID string) error {
	if pinNumber == "" {
		return fmt.Errorf("pin number cannot be empty")
	}

	mu.Lock()
	defer mu.Unlock()

	// 1. 确保目录存在
	if err := os.MkdirAll(filepath.Dir(idFilePath), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %v", err)
	}

	// 2. 写入文件
	// 0600: 仅所有者可读写
	raw, _ := json.Marshal(credFile{PinNumber: pinNumber, CpeID: cpeID})
	file, err := os.OpenFile(idFilePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open credentials file: %v", err)
	}

	_, writeErr := file.Write(raw)
	syncErr := file.Sync() // 确保落盘
	closeErr := file.Close()
	if writeErr != nil || syncErr != nil || closeErr != nil {
		return fmt.Errorf("failed to write credentials file: %v | %v | %v", writeErr, syncErr, closeErr)
	}

	// 3. 更新内存
	info.PinNumber = pinNumber
	info.CpeID = cpeID
	fmt.Printf("[Device] Credentials persisted at %s\n", idFilePath)
	return nil
}

func loadCredentials() error {
	content, err := os.ReadFile(idFilePath)
	if err != nil {
		return err
	}
	var cf credFile
	if err := json.Unmarshal(content, &cf); err != nil {
		return fmt.Errorf("corrupt credentials file: %v", err)
	}
	if cf.PinNumber == "" {
		return fmt.Errorf("empty pin number")
	}

	mu.Lock()
	info.PinNumber = cf.PinNumber
	info.CpeID = cf.CpeID
	mu.Unlock()
	return nil
}

// =========================================================================
// 5. 外部代理进程的设备信息文件
// =========================================================================

// WriteInfoFile 将当前设备信息写到指定路径
// 独立代理进程周期性读取该文件获取 pin/cpe，避免跨进程 RPC
func WriteInfoFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create dir for device info file: %v", err)
	}
	raw, err := json.MarshalIndent(Get(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0644)
}

// =========================================================================
// 6. 内部工具函数
// =========================================================================

func hardwareID() (string, error) {
	hostInfo, err := host.Info()
	if err != nil {
		return "", err
	}

	rawID := strings.TrimSpace(hostInfo.HostID)
	// 兜底逻辑：容器环境可能没有 machine-id
	if rawID == "" {
		if hostInfo.Hostname != "" {
			rawID = hostInfo.Hostname
		} else {
			return "", fmt.Errorf("machine-id and hostname are empty")
		}
	}

	// 使用 SHA256 规范化指纹长度，且不暴露原始信息
	hash := sha256.Sum256([]byte(rawID))
	return hex.EncodeToString(hash[:]), nil
}

// primaryInterface 第一个非回环、已启用网卡的 MAC 与 IPv4
// 拿不到时用 UDP 探测兜底确定出口 IP
func primaryInterface() (mac, ip string) {
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
				continue
			}
			if iface.HardwareAddr.String() == "" {
				continue
			}
			addrs, _ := iface.Addrs()
			for _, addr := range addrs {
				ipNet, ok := addr.(*net.IPNet)
				if !ok || ipNet.IP.To4() == nil {
					continue
				}
				return iface.HardwareAddr.String(), ipNet.IP.String()
			}
			if mac == "" {
				mac = iface.HardwareAddr.String()
			}
		}
	}

	// UDP 探测：不真正发包，只让内核选路
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err == nil {
		ip = conn.LocalAddr().(*net.UDPAddr).IP.String()
		conn.Close()
	}
	return mac, ip
}
