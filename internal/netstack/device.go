// Package netstack 用户态协议栈 (方案A)
//
// 宿主的网络扩展层把隧道里的原始 IP 包写进虚拟设备，协议栈轮询处理：
// DNS 查询就地应答 Fake-IP，其余包透传，TCP 载荷旁路送审计引擎。
package netstack

import "sync"

// 面向原生调用方的状态码
const (
	StatusOK    = 0
	StatusError = -1
)

// TunDevice 虚拟隧道设备
// 两条无界 FIFO 字节队列：inbound 是宿主写入待处理的包，
// outbound 是协议栈产出待宿主取走的包。锁内只做少量拷贝。
type TunDevice struct {
	mu       sync.Mutex
	inbound  [][]byte
	outbound [][]byte
}

// NewTunDevice 创建虚拟设备
func NewTunDevice() *TunDevice {
	return &TunDevice{}
}

// WritePacket 宿主写入一个 IP 包
// 返回 StatusOK / StatusError
func (d *TunDevice) WritePacket(pkt []byte) int {
	if len(pkt) == 0 {
		return StatusError
	}
	// 拷贝一份，调用方的缓冲区随时会被复用
	cp := make([]byte, len(pkt))
	copy(cp, pkt)

	d.mu.Lock()
	d.inbound = append(d.inbound, cp)
	d.mu.Unlock()
	return StatusOK
}

// ReadPacket 宿主取走一个出向包
// 返回 (写入字节数, 状态码):
//   - 队列为空: (0, StatusOK)
//   - buf 太小: (所需长度, StatusError)，包不出队，调用方扩容后重试
func (d *TunDevice) ReadPacket(buf []byte) (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.outbound) == 0 {
		return 0, StatusOK
	}

	head := d.outbound[0]
	if len(buf) < len(head) {
		return len(head), StatusError
	}

	copy(buf, head)
	d.outbound = d.outbound[1:]
	return len(head), StatusOK
}

// popInbound 协议栈取一个待处理包，没有则返回 nil
func (d *TunDevice) popInbound() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.inbound) == 0 {
		return nil
	}
	head := d.inbound[0]
	d.inbound = d.inbound[1:]
	return head
}

// pushOutbound 协议栈产出一个出向包
func (d *TunDevice) pushOutbound(pkt []byte) {
	d.mu.Lock()
	d.outbound = append(d.outbound, pkt)
	d.mu.Unlock()
}

// PendingInbound 待处理包数量 (调试用)
func (d *TunDevice) PendingInbound() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inbound)
}
