// Package intercept 流量审计引擎
package intercept

import (
	"fmt"
	"sync/atomic"

	"github.com/jianbinzhang1987/mac-monitor/internal/clock"
	"github.com/jianbinzhang1987/mac-monitor/internal/device"
	"github.com/jianbinzhang1987/mac-monitor/internal/logger"
	"github.com/jianbinzhang1987/mac-monitor/internal/model"
	"github.com/jianbinzhang1987/mac-monitor/internal/policy"
	"github.com/jianbinzhang1987/mac-monitor/internal/storage"
)

// Engine 把一次 HTTP(S) 往返变成一条审计记录
// 两条接入路径共用：用户态协议栈 (方案A) 和 CONNECT 代理 (方案B)。
// 落库失败只记日志不阻塞转发，审计绝不能拖垮用户流量。
type Engine struct {
	clock    *clock.LogicalClock
	policies *policy.Store
	outbox   *storage.Outbox
	deviceFn func() model.DeviceInfo
	lookup   ProcessLookup

	// 进程内序号，和毫秒时间戳拼成记录ID
	seq atomic.Int64
}

// NewEngine 创建审计引擎
// lookup 传 nil 时使用 gopsutil 真实现；deviceFn 传 nil 时读全局设备信息。
// 设备信息每条记录现取：注册命令热更新 pin/cpe 后无需重启
func NewEngine(lc *clock.LogicalClock, ps *policy.Store, ob *storage.Outbox, deviceFn func() model.DeviceInfo, lookup ProcessLookup) *Engine {
	if lookup == nil {
		lookup = SystemProcessLookup{}
	}
	if deviceFn == nil {
		deviceFn = device.Get
	}
	return &Engine{
		clock:    lc,
		policies: ps,
		outbox:   ob,
		deviceFn: deviceFn,
		lookup:   lookup,
	}
}

// NextID 生成记录ID: "{逻辑毫秒}-{序号}"
// 序号进程内单调递增，同毫秒多条记录不冲突
func (e *Engine) NextID() string {
	return fmt.Sprintf("%d-%d", e.clock.NowMS(), e.seq.Add(1))
}

// ==========================================
// 请求 / 响应两段式审计
// ==========================================

// Exchange 一次进行中的往返
// BeginRequest 命中策略时返回，响应到达后由 Complete 落库
type Exchange struct {
	engine *Engine
	record model.TrafficLog
	// 命中响应抓取规则时保留响应体
	captureResponse bool
	responseLimit   int
}

// BeginRequest 请求侧审计入口
// 不命中策略时返回 nil，调用方直接转发即可
func (e *Engine) BeginRequest(domain string, srcPort uint32, req ParsedRequest) *Exchange {
	snap := e.policies.Current()
	url := canonicalURL(req.Scheme, domain, req.Path)
	decision := snap.Decide(domain, url)
	if !decision.Audit {
		return nil
	}

	processName := unknownProcess
	if srcPort > 0 {
		processName = e.lookup.ProcessBySourcePort(srcPort)
	}

	dev := e.deviceFn()
	return &Exchange{
		engine: e,
		record: model.TrafficLog{
			ID:          e.NextID(),
			PinNumber:   dev.PinNumber,
			CpeID:       dev.CpeID,
			IP:          dev.IP,
			MAC:         dev.MAC,
			HostID:      dev.HardwareID,
			URL:         url,
			Domain:      domain,
			MethodType:  req.Method,
			RequestBody: req.Body,
			ReqTime:     e.clock.NowString(),
			ProcessName: processName,
		},
		captureResponse: decision.CaptureResponse,
		responseLimit:   decision.ResponseLimit,
	}
}

// canonicalURL 记录用的规范URL
// scheme 未知时按 https 处理 (TLS 接入是主路径)
func canonicalURL(scheme, domain, path string) string {
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + domain + path
}

// Complete 响应侧：补全并落库
// respBody 只在命中抓取规则时保留，按策略截断
func (x *Exchange) Complete(statusCode int, respBody []byte) {
	x.record.RespTime = x.engine.clock.NowString()
	x.record.StatusCode = statusCode
	if x.captureResponse {
		body := string(respBody)
		x.record.ResponseBody = Truncate(body, x.responseLimit)
		x.record.Title = ExtractTitle(body)
	}
	x.engine.enqueue(&x.record)
}

// Abandon 响应未到达 (连接中断) 时落库请求侧信息
func (x *Exchange) Abandon() {
	x.record.RespTime = x.engine.clock.NowString()
	x.engine.enqueue(&x.record)
}

// ==========================================
// 既成记录直录 (log_traffic 命令 / 外部代理上报)
// ==========================================

// RecordCompleted 外部进程送来的完整往返，过策略后补设备字段落库
// 外部代理不做策略判断，白名单/非目标域名的抑制统一在这里执行，
// 被抑制的事件静默丢弃 (返回 nil，不算错误)
func (e *Engine) RecordCompleted(ev model.TrafficEvent) error {
	snap := e.policies.Current()
	decision := snap.Decide(ev.Domain, ev.URL)
	if !decision.Audit {
		logger.Debug("Traffic event suppressed by policy", "domain", ev.Domain)
		return nil
	}

	// 响应体同样只在命中抓取规则时保留，与进程内路径一个口径
	responseBody := ""
	title := ""
	if decision.CaptureResponse && ev.ResponseBody != "" {
		responseBody = Truncate(ev.ResponseBody, decision.ResponseLimit)
		title = ExtractTitle(ev.ResponseBody)
	}

	dev := e.deviceFn()
	rec := &model.TrafficLog{
		ID:           e.NextID(),
		PinNumber:    dev.PinNumber,
		CpeID:        dev.CpeID,
		IP:           dev.IP,
		MAC:          dev.MAC,
		HostID:       dev.HardwareID,
		URL:          ev.URL,
		Domain:       ev.Domain,
		MethodType:   ev.MethodType,
		StatusCode:   ev.StatusCode,
		RequestBody:  ev.RequestBody,
		ResponseBody: responseBody,
		Title:        title,
		ProcessName:  ev.ProcessName,
		ReqTime:      e.clock.NowString(),
		RespTime:     e.clock.NowString(),
	}
	if rec.MethodType == "" {
		rec.MethodType = "UNKNOWN"
	}
	if rec.ProcessName == "" {
		rec.ProcessName = unknownProcess
	}
	return e.outbox.InsertTraffic(rec)
}

// enqueue 落库，失败只记日志
func (e *Engine) enqueue(rec *model.TrafficLog) {
	if err := e.outbox.InsertTraffic(rec); err != nil {
		logger.Error("Failed to persist traffic log", "id", rec.ID, "domain", rec.Domain, "err", err)
	}
}
