package intercept

import (
	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// ==========================================
// 源端口 -> 进程名 反查
// ==========================================

// unknownProcess 反查失败时的兜底进程名
const unknownProcess = "unknown"

// ProcessLookup 端口反查接口，测试时注入假实现
type ProcessLookup interface {
	ProcessBySourcePort(port uint32) string
}

// SystemProcessLookup 基于 gopsutil 的真实现
type SystemProcessLookup struct{}

// ProcessBySourcePort 反查本机以 port 为源端口的 TCP 连接归属进程
// 尽力而为：连接表快照和请求之间存在竞态，查不到就是 "unknown"
func (SystemProcessLookup) ProcessBySourcePort(port uint32) string {
	conns, err := gnet.Connections("tcp")
	if err != nil {
		return unknownProcess
	}

	for _, c := range conns {
		if c.Laddr.Port != port || c.Pid == 0 {
			continue
		}
		p, err := process.NewProcess(c.Pid)
		if err != nil {
			return unknownProcess
		}
		name, err := p.Name()
		if err != nil || name == "" {
			return unknownProcess
		}
		return name
	}
	return unknownProcess
}
