// trafficproxy 独立审计代理进程
// 与主代理 (auditd) 分进程部署的方案B形态: 自己终结 TLS 做明文审计，
// 既成往返通过主代理的本地命令通道 (log_traffic) 上报，不直接碰数据库。
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jianbinzhang1987/mac-monitor/internal/ca"
	"github.com/jianbinzhang1987/mac-monitor/internal/config"
	"github.com/jianbinzhang1987/mac-monitor/internal/device"
	"github.com/jianbinzhang1987/mac-monitor/internal/intercept"
	"github.com/jianbinzhang1987/mac-monitor/internal/logger"
	"github.com/jianbinzhang1987/mac-monitor/internal/model"
	"github.com/jianbinzhang1987/mac-monitor/internal/proxy"
)

// ==========================================
// 命令通道上报
// ==========================================

// ipcAuditor 把往返封装成 log_traffic 命令发往主代理
// 策略过滤由主代理侧的策略下发统一控制，本进程全量上报
type ipcAuditor struct {
	socketPath string
	lookup     intercept.ProcessLookup
}

func (a *ipcAuditor) BeginRequest(domain string, srcPort uint32, req intercept.ParsedRequest) proxy.Exchange {
	processName := "unknown"
	if srcPort > 0 {
		processName = a.lookup.ProcessBySourcePort(srcPort)
	}
	scheme := req.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return &ipcExchange{
		auditor: a,
		event: model.TrafficEvent{
			URL:         scheme + "://" + domain + req.Path,
			Domain:      domain,
			MethodType:  req.Method,
			RequestBody: req.Body,
			ProcessName: processName,
		},
	}
}

type ipcExchange struct {
	auditor *ipcAuditor
	event   model.TrafficEvent
}

func (x *ipcExchange) Complete(statusCode int, respBody []byte) {
	x.event.StatusCode = statusCode
	// 响应体原样上报，保留与截断由主代理按抓取规则统一决定
	x.event.ResponseBody = string(respBody)
	x.auditor.send(x.event)
}

func (x *ipcExchange) Abandon() {
	x.auditor.send(x.event)
}

// send 每条记录一条短连接，丢失只记日志不重试 (主代理侧有落库重试)
func (a *ipcAuditor) send(ev model.TrafficEvent) {
	conn, err := net.Dial("unix", a.socketPath)
	if err != nil {
		logger.Warn("Failed to reach audit agent", "socket", a.socketPath, "err", err)
		return
	}
	defer conn.Close()

	payload, _ := json.Marshal(ev)
	if err := json.NewEncoder(conn).Encode(model.IPCCommand{
		Command: "log_traffic",
		Payload: payload,
	}); err != nil {
		logger.Warn("Failed to report traffic", "err", err)
		return
	}

	var resp model.IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return
	}
	if resp.Status != model.IPCStatusOK {
		logger.Warn("Audit agent rejected traffic record", "msg", resp.Message)
	}
}

// watchDeviceInfo 周期性重读主代理写出的设备信息文件
// pin/cpe 变化说明终端完成了 (重新)注册，记一条日志方便排查
func watchDeviceInfo(path string, stop <-chan struct{}) {
	var lastPin, lastCpe string
	load := func() {
		raw, err := os.ReadFile(path)
		if err != nil {
			return
		}
		var info model.DeviceInfo
		if json.Unmarshal(raw, &info) != nil {
			return
		}
		if info.PinNumber != lastPin || info.CpeID != lastCpe {
			lastPin, lastCpe = info.PinNumber, info.CpeID
			logger.Info("Device info updated", "pin", lastPin, "cpe", lastCpe)
		}
	}
	load()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			load()
		}
	}
}

// ==========================================
// 入口
// ==========================================

func main() {
	configPath := flag.String("c", "configs/config.json", "配置文件路径")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "trafficproxy: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	if err := config.LoadConfig(configPath); err != nil {
		return fmt.Errorf("加载配置文件失败: %w", err)
	}
	cfg := config.Get()

	if err := logger.Setup(logger.Options{
		Level:      cfg.Agent.LogLevel,
		FilePath:   cfg.Agent.LogFile + ".proxy",
		MaxSize:    cfg.Agent.LogMaxSize,
		MaxBackups: cfg.Agent.LogMaxBackups,
		MaxAge:     cfg.Agent.LogMaxAge,
		Compress:   cfg.Agent.LogCompress,
		Stdout:     cfg.Agent.LogStdout,
	}); err != nil {
		return fmt.Errorf("日志系统初始化失败: %w", err)
	}

	// 设备信息由主代理写出，这里只读 (没有也不影响转发)
	// 周期性重读：主代理注册成功后会改写该文件
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	if cfg.Storage.DeviceInfoFile != "" {
		go watchDeviceInfo(cfg.Storage.DeviceInfoFile, stopWatch)
	}

	// 与主代理共用根证书文件，字节级一致的根保证信任链只装一次
	certPath := cfg.Proxy.CACert
	keyPath := cfg.Proxy.CAKey
	if certPath == "" {
		certPath = filepath.Join(cfg.Agent.DataDir, "audit-root.crt")
	}
	if keyPath == "" {
		keyPath = filepath.Join(cfg.Agent.DataDir, "audit-root.key")
	}
	authority, err := ca.Load(certPath, keyPath)
	if err != nil {
		return fmt.Errorf("根证书初始化失败: %w", err)
	}

	auditor := &ipcAuditor{
		socketPath: cfg.IPC.SocketPath,
		lookup:     intercept.SystemProcessLookup{},
	}
	srv := proxy.NewServer(cfg.Proxy.Listen, authority, auditor)
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	fmt.Printf("审计代理进程已启动: %s (版本 %s)\n", srv.Addr(), device.Version)
	logger.Info("Traffic proxy running", "addr", srv.Addr(), "report_socket", cfg.IPC.SocketPath)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	fmt.Println("\n正在退出...")
	return nil
}
