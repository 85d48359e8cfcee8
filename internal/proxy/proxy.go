// Package proxy CONNECT 中间人代理 (方案B接入路径)
// 系统代理把浏览器流量指到这里: CONNECT 隧道内用本地根证书签发的
// 域名叶子证书完成 TLS 终结，明文审计后再以全新 TLS 连上游。
package proxy

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jianbinzhang1987/mac-monitor/internal/ca"
	"github.com/jianbinzhang1987/mac-monitor/internal/intercept"
	"github.com/jianbinzhang1987/mac-monitor/internal/logger"
)

// certExportPath 明文 HTTP 访问此路径可下载根证书
const certExportPath = "/ssl"

// Exchange 一次在途往返的审计句柄
type Exchange interface {
	Complete(statusCode int, respBody []byte)
	Abandon()
}

// Auditor 审计入口
// 返回 nil 表示本次往返不审计，正常转发即可。
// 进程内用 EngineAuditor；独立代理进程经命令通道上报。
type Auditor interface {
	BeginRequest(domain string, srcPort uint32, req intercept.ParsedRequest) Exchange
}

// EngineAuditor 进程内审计引擎适配
type EngineAuditor struct {
	Engine *intercept.Engine
}

func (a EngineAuditor) BeginRequest(domain string, srcPort uint32, req intercept.ParsedRequest) Exchange {
	// 具体类型的 nil 不能直接当接口返回，否则调用方 nil 判断失效
	if x := a.Engine.BeginRequest(domain, srcPort, req); x != nil {
		return x
	}
	return nil
}

// Server 审计代理服务
type Server struct {
	listenAddr string
	authority  *ca.CertificateAuthority
	auditor    Auditor

	upstream *http.Client

	ln       net.Listener
	stopChan chan struct{}
}

// NewServer 创建代理服务
func NewServer(listenAddr string, authority *ca.CertificateAuthority, auditor Auditor) *Server {
	return &Server{
		listenAddr: listenAddr,
		authority:  authority,
		auditor:    auditor,
		upstream: &http.Client{
			// 重定向原样透给客户端，由浏览器自己跟
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Timeout: 30 * time.Second,
		},
		stopChan: make(chan struct{}),
	}
}

// SetUpstream 替换上游客户端 (测试里注入自定义信任配置)
func (s *Server) SetUpstream(client *http.Client) {
	s.upstream = client
}

// Start 监听并启动接收循环
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("proxy listen %s: %w", s.listenAddr, err)
	}
	s.ln = ln
	go s.acceptLoop()
	logger.Info("Audit proxy listening", "addr", s.listenAddr)
	return nil
}

// Stop 停止监听
func (s *Server) Stop() {
	close(s.stopChan)
	if s.ln != nil {
		_ = s.ln.Close()
	}
}

// Addr 实际监听地址 (监听 :0 时测试用)
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.listenAddr
	}
	return s.ln.Addr().String()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
				logger.Warn("Proxy accept failed", "err", err)
				continue
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	req, err := http.ReadRequest(reader)
	if err != nil {
		return
	}

	if req.Method == http.MethodConnect {
		s.handleConnect(conn, req)
		return
	}
	s.handlePlainHTTP(conn, req)
}

// ==========================================
// CONNECT 隧道 (HTTPS)
// ==========================================

func (s *Server) handleConnect(conn net.Conn, connectReq *http.Request) {
	domain, port := splitHostPort(connectReq.Host, "443")

	tlsConfig, err := s.authority.TLSConfigForDomain(domain)
	if err != nil {
		// 签发失败只影响这条连接
		logger.Error("Leaf cert issue failed", "domain", domain, "err", err)
		_, _ = conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return
	}

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	tlsConn := tls.Server(conn, tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		logger.Debug("Client TLS handshake failed", "domain", domain, "err", err)
		return
	}
	defer tlsConn.Close()

	srcPort := remotePort(conn)
	reader := bufio.NewReader(tlsConn)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			if err != io.EOF {
				logger.Debug("Tunnel read failed", "domain", domain, "err", err)
			}
			return
		}
		if !s.serveExchange(tlsConn, req, domain, port, srcPort, true) {
			return
		}
	}
}

// ==========================================
// 明文 HTTP
// ==========================================

func (s *Server) handlePlainHTTP(conn net.Conn, req *http.Request) {
	// 根证书导出路径，供终端装入信任库
	if req.URL.Path == certExportPath {
		s.serveCertExport(conn)
		return
	}

	domain, port := splitHostPort(req.Host, "80")
	s.serveExchange(conn, req, domain, port, remotePort(conn), false)
}

func (s *Server) serveCertExport(conn net.Conn) {
	pem := s.authority.RootPEM()
	resp := fmt.Sprintf(
		"HTTP/1.1 200 OK\r\nContent-Type: application/x-pem-file\r\nContent-Length: %d\r\n\r\n%s",
		len(pem), pem,
	)
	_, _ = conn.Write([]byte(resp))
}

// ==========================================
// 单次往返: 审计 + 转发
// ==========================================

// serveExchange 转发一次请求并把往返送入审计引擎
// 返回 false 表示连接不可继续复用
func (s *Server) serveExchange(conn net.Conn, req *http.Request, domain, port string, srcPort uint32, isTLS bool) bool {
	reqBody, _ := io.ReadAll(req.Body)
	_ = req.Body.Close()

	scheme := "http"
	if isTLS {
		scheme = "https"
	}
	exchange := s.auditor.BeginRequest(domain, srcPort, intercept.ParsedRequest{
		Method: req.Method,
		Path:   req.URL.RequestURI(),
		Host:   domain,
		Body:   string(reqBody),
		Scheme: scheme,
	})

	resp, err := s.forward(req, reqBody, domain, port, isTLS)
	if err != nil {
		logger.Warn("Upstream request failed", "domain", domain, "err", err)
		if exchange != nil {
			exchange.Abandon()
		}
		_, _ = conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return false
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if exchange != nil {
			exchange.Abandon()
		}
		return false
	}

	if exchange != nil {
		exchange.Complete(resp.StatusCode, respBody)
	}

	// 响应体已整体读出，回写时重建 body 并修正长度
	resp.Body = io.NopCloser(bytes.NewReader(respBody))
	resp.ContentLength = int64(len(respBody))
	resp.Header.Del("Transfer-Encoding")
	if err := resp.Write(conn); err != nil {
		return false
	}
	return resp.StatusCode != http.StatusSwitchingProtocols
}

// forward 以全新连接请求真实上游
func (s *Server) forward(req *http.Request, body []byte, domain, port string, isTLS bool) (*http.Response, error) {
	scheme := "http"
	if isTLS {
		scheme = "https"
	}

	outURL := *req.URL
	outURL.Scheme = scheme
	outURL.Host = net.JoinHostPort(domain, port)
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		outURL.Host = domain
	}

	outReq, err := http.NewRequest(req.Method, outURL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	outReq.Header = req.Header.Clone()
	outReq.Header.Del("Proxy-Connection")
	outReq.Host = req.Host

	return s.upstream.Do(outReq)
}

// ==========================================
// 工具
// ==========================================

// splitHostPort 拆域名和端口，port 缺省用 def
func splitHostPort(host, def string) (string, string) {
	if h, p, err := net.SplitHostPort(host); err == nil {
		return h, p
	}
	return strings.TrimSuffix(host, ":"), def
}

// remotePort 客户端源端口，进程反查用
func remotePort(conn net.Conn) uint32 {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return 0
	}
	return uint32(addr.Port)
}
