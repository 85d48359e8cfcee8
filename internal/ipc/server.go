// Package ipc 本地命令通道
// 桌面控制端通过 Unix Socket 下发命令: 每条请求一行 JSON
// {command, payload}，响应 {status, message, payload}。
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/jianbinzhang1987/mac-monitor/internal/clock"
	"github.com/jianbinzhang1987/mac-monitor/internal/intercept"
	"github.com/jianbinzhang1987/mac-monitor/internal/logger"
	"github.com/jianbinzhang1987/mac-monitor/internal/model"
	"github.com/jianbinzhang1987/mac-monitor/internal/policy"
	"github.com/jianbinzhang1987/mac-monitor/internal/storage"
	"github.com/jianbinzhang1987/mac-monitor/internal/uploader"
)

// RootPEMFunc 取根证书 PEM (get_cert 命令)
type RootPEMFunc func() []byte

// Deps 命令通道依赖集合
type Deps struct {
	Client   *uploader.Client
	Policies *policy.Store
	Outbox   *storage.Outbox
	Clock    *clock.LogicalClock
	Engine   *intercept.Engine

	RootPEM RootPEMFunc
	// 截屏加密文件落盘目录
	ScreenshotDir string
}

// Server Unix Socket 命令服务
// 阻塞式每连接一协程；涉及平台网络请求的命令经桥接执行，
// 超时后向调用方返回超时错误而不是一直挂着连接。
type Server struct {
	deps       Deps
	socketPath string
	timeout    time.Duration

	ln       net.Listener
	stopChan chan struct{}

	handlers map[string]func(payload json.RawMessage) model.IPCResponse
}

// NewServer 创建命令服务
func NewServer(deps Deps, socketPath string, timeout time.Duration) *Server {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s := &Server{
		deps:       deps,
		socketPath: socketPath,
		timeout:    timeout,
		stopChan:   make(chan struct{}),
	}
	s.handlers = map[string]func(json.RawMessage) model.IPCResponse{
		"register":             s.handleRegister,
		"login":                s.handleLogin,
		"logout":               s.handleLogout,
		"get_pops":             s.handleGetPops,
		"check_update":         s.handleCheckUpdate,
		"get_cert":             s.handleGetCert,
		"get_server_time":      s.handleGetServerTime,
		"log_traffic":          s.handleLogTraffic,
		"log_event":            s.handleLogEvent,
		"set_audit_policy":     s.handleSetAuditPolicy,
		"set_redaction_status": s.handleSetRedactionStatus,
		"get_screenshot_logs":  s.handleGetScreenshotLogs,
	}
	return s
}

// Start 监听并启动接收循环
func (s *Server) Start() error {
	// 上次异常退出可能留下残留 socket 文件
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket %s: %w", s.socketPath, err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	s.ln = ln

	go s.acceptLoop()
	logger.Info("IPC server listening", "socket", s.socketPath)
	return nil
}

// Stop 关闭监听并清理 socket 文件
func (s *Server) Stop() {
	close(s.stopChan)
	if s.ln != nil {
		_ = s.ln.Close()
	}
	_ = os.Remove(s.socketPath)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
				logger.Warn("IPC accept failed", "err", err)
				continue
			}
		}
		go s.serveConn(conn)
	}
}

// serveConn 处理一个连接，连接上可以连续发多条命令
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		var cmd model.IPCCommand
		if err := dec.Decode(&cmd); err != nil {
			// EOF: 对端正常断开；其余为坏包，回错误后断开
			if !errors.Is(err, io.EOF) {
				_ = enc.Encode(model.NewIPCError("malformed command: " + err.Error()))
			}
			return
		}

		resp := s.dispatch(cmd)
		if err := enc.Encode(resp); err != nil {
			logger.Warn("IPC write failed", "cmd", cmd.Command, "err", err)
			return
		}
	}
}

func (s *Server) dispatch(cmd model.IPCCommand) model.IPCResponse {
	h, ok := s.handlers[cmd.Command]
	if !ok {
		return model.NewIPCError("unknown command: " + cmd.Command)
	}
	logger.Debug("IPC command", "cmd", cmd.Command)
	return h(cmd.Payload)
}

// ==========================================
// 阻塞世界 -> 平台请求的桥接
// ==========================================

// bridge 在独立协程里执行平台请求，当前连接协程等单发结果通道
// 超时返回错误，已发出的请求继续跑完但结果丢弃
func (s *Server) bridge(op string, fn func() (any, error)) model.IPCResponse {
	type result struct {
		v   any
		err error
	}
	done := make(chan result, 1)

	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return model.NewIPCError(r.err.Error())
		}
		return model.NewIPCOK(r.v)
	case <-time.After(s.timeout):
		logger.Warn("IPC command timed out", "cmd", op, "timeout", s.timeout)
		return model.NewIPCError(fmt.Sprintf("%s timed out after %s", op, s.timeout))
	}
}
