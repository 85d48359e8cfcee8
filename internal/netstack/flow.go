package netstack

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/jianbinzhang1987/mac-monitor/internal/intercept"
)

// ==========================================
// 流表
// ==========================================

// flow 一条被观察的 TCP 连接
type flow struct {
	domain string
	// 请求侧已送审时非 nil，等待响应侧补全
	exchange *intercept.Exchange
	// 客户端首个载荷已处理
	sawRequest bool
	// 服务端首个载荷已处理
	sawResponse bool
}

// flowTable 以四元组为键的流表
// 一个方向的键和反方向的键映射到同一条流
type flowTable struct {
	mu    sync.Mutex
	flows map[string]*flow
}

func newFlowTable() *flowTable {
	return &flowTable{flows: make(map[string]*flow)}
}

// flowKey 规范化四元组：小端点在前，两个方向得到同一个键
func flowKey(srcIP net.IP, srcPort uint16, dstIP net.IP, dstPort uint16) string {
	a := fmt.Sprintf("%s:%d", srcIP, srcPort)
	b := fmt.Sprintf("%s:%d", dstIP, dstPort)
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// getOrCreate 查流，不存在时创建
func (t *flowTable) getOrCreate(key, domain string) *flow {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fl, ok := t.flows[key]; ok {
		return fl
	}
	fl := &flow{domain: domain}
	t.flows[key] = fl
	return fl
}

// lookup 只查不建
func (t *flowTable) lookup(key string) (*flow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fl, ok := t.flows[key]
	return fl, ok
}

// remove 连接结束时摘除
func (t *flowTable) remove(key string) (*flow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fl, ok := t.flows[key]
	if ok {
		delete(t.flows, key)
	}
	return fl, ok
}

// size 流表规模 (调试用)
func (t *flowTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.flows)
}

// ==========================================
// 响应状态行解析
// ==========================================

// parseStatusCode 从服务端首个载荷解析状态码
// 非 HTTP 响应 (TLS 等) 返回 0
func parseStatusCode(payload []byte) int {
	line := string(payload)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if !strings.HasPrefix(line, "HTTP/") {
		return 0
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 || code > 599 {
		return 0
	}
	return code
}
