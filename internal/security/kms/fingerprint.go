package kms

import (
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
	gnet "github.com/shirou/gopsutil/v3/net"
)

// 取不到网卡时的占位 MAC，保证指纹格式稳定
const zeroMAC = "00:00:00:00:00:00"

// hardwareFingerprint 机器身份 = machine-id + 首块物理网卡 MAC
// 同一台机器上多次采集必须得到同一结果，否则已落盘的密文解不开
func hardwareFingerprint() (string, error) {
	info, err := host.Info()
	if err != nil {
		return "", fmt.Errorf("failed to get host info: %v", err)
	}
	machineID := strings.TrimSpace(info.HostID)
	if machineID == "" {
		return "", fmt.Errorf("machine-id is empty")
	}

	return machineID + "|" + primaryMAC(), nil
}

// primaryMAC 第一块启用的非回环网卡
func primaryMAC() string {
	ifaces, err := gnet.Interfaces()
	if err != nil {
		return zeroMAC
	}
	for _, ifc := range ifaces {
		if hasFlag(ifc.Flags, "loopback") || !hasFlag(ifc.Flags, "up") {
			continue
		}
		if ifc.HardwareAddr != "" {
			return ifc.HardwareAddr
		}
	}
	return zeroMAC
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}
