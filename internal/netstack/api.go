package netstack

import "sync"

// ==========================================
// 原生调用面
// ==========================================
//
// 宿主的网络扩展通过 cgo 导出层调用这里的包级函数，
// 约定只用整型状态码和调用方自备缓冲区，不跨边界传 Go 对象。

var (
	apiMu        sync.RWMutex
	defaultStack *Stack
)

// Bind 绑定全局协议栈实例
func Bind(s *Stack) {
	apiMu.Lock()
	defaultStack = s
	apiMu.Unlock()
}

func bound() *Stack {
	apiMu.RLock()
	defer apiMu.RUnlock()
	return defaultStack
}

// WritePacket 宿主写入一个 IP 包
// 返回 StatusOK / StatusError
func WritePacket(pkt []byte) int {
	s := bound()
	if s == nil {
		return StatusError
	}
	return s.dev.WritePacket(pkt)
}

// NextPacketSize 探测下一个出向包的长度
// 0 表示当前没有待取的包；调用方按返回值准备缓冲区
func NextPacketSize() int {
	s := bound()
	if s == nil {
		return 0
	}
	// 用空缓冲区探测：队列非空时返回 (所需长度, StatusError)
	n, code := s.dev.ReadPacket(nil)
	if code == StatusError {
		return n
	}
	return 0
}

// ReadPacket 宿主取走一个出向包
// 返回写入 buf 的字节数；0 表示无包；StatusError 表示 buf 不够大
func ReadPacket(buf []byte) int {
	s := bound()
	if s == nil {
		return StatusError
	}
	n, code := s.dev.ReadPacket(buf)
	if code == StatusError {
		return StatusError
	}
	return n
}
