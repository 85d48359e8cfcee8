package proxy

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jianbinzhang1987/mac-monitor/internal/ca"
	"github.com/jianbinzhang1987/mac-monitor/internal/clock"
	"github.com/jianbinzhang1987/mac-monitor/internal/intercept"
	"github.com/jianbinzhang1987/mac-monitor/internal/model"
	"github.com/jianbinzhang1987/mac-monitor/internal/policy"
	"github.com/jianbinzhang1987/mac-monitor/internal/storage"
)

type fakeLookup struct{}

func (fakeLookup) ProcessBySourcePort(uint32) string { return "TestBrowser" }

func newTestOutbox(t *testing.T) *storage.Outbox {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.AutoMigrate(&model.TrafficLog{}); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	return storage.NewOutbox(db)
}

// newTestProxy 起代理 + 审计引擎，上游客户端信任任意证书
func newTestProxy(t *testing.T) (*Server, *storage.Outbox, *policy.Store) {
	t.Helper()

	dir := t.TempDir()
	authority, err := ca.Load(filepath.Join(dir, "root.crt"), filepath.Join(dir, "root.key"))
	if err != nil {
		t.Fatalf("failed to load CA: %v", err)
	}

	ps := policy.NewStore()
	ob := newTestOutbox(t)
	engine := intercept.NewEngine(&clock.LogicalClock{}, ps, ob,
		func() model.DeviceInfo { return model.DeviceInfo{PinNumber: "pin-1", CpeID: "cpe-1"} }, fakeLookup{})

	srv := NewServer("127.0.0.1:0", authority, EngineAuditor{Engine: engine})
	srv.SetUpstream(&http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 5 * time.Second,
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start proxy: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv, ob, ps
}

// proxyHTTPClient 走代理的 HTTP 客户端，信任审计根证书
func proxyHTTPClient(t *testing.T, srv *Server) *http.Client {
	t.Helper()
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(srv.authority.RootPEM()) {
		t.Fatal("failed to trust audit root cert")
	}
	proxyURL, err := url.Parse("http://" + srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(proxyURL),
			TLSClientConfig: &tls.Config{RootCAs: pool},
		},
		Timeout: 5 * time.Second,
	}
}

func waitTraffic(t *testing.T, ob *storage.Outbox, want int) []model.TrafficLog {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		logs, err := ob.PendingTraffic()
		if err != nil {
			t.Fatal(err)
		}
		if len(logs) >= want || time.Now().After(deadline) {
			return logs
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// ==========================================
// CONNECT 隧道审计
// ==========================================

func TestConnectTunnelAuditsExchange(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("<html><title>Order Done</title></html>"))
	}))
	defer upstream.Close()

	srv, ob, _ := newTestProxy(t)
	client := proxyHTTPClient(t, srv)

	upstreamHost := strings.TrimPrefix(upstream.URL, "https://")
	resp, err := client.Post("https://"+upstreamHost+"/checkout", "text/plain", strings.NewReader("item=42"))
	if err != nil {
		t.Fatalf("request through proxy failed: %v", err)
	}
	defer resp.Body.Close()

	// 1. 客户端拿到真实上游的响应
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Order Done") {
		t.Errorf("body = %q", body)
	}

	// 2. 往返进入审计记录
	logs := waitTraffic(t, ob, 1)
	if len(logs) != 1 {
		t.Fatalf("got %d traffic logs, want 1", len(logs))
	}
	rec := logs[0]
	if rec.MethodType != "POST" {
		t.Errorf("method = %q", rec.MethodType)
	}
	if rec.StatusCode != http.StatusCreated {
		t.Errorf("status_code = %d", rec.StatusCode)
	}
	if rec.RequestBody != "item=42" {
		t.Errorf("request_body = %q", rec.RequestBody)
	}
	if !strings.Contains(rec.URL, "/checkout") {
		t.Errorf("url = %q", rec.URL)
	}
	if rec.ProcessName != "TestBrowser" {
		t.Errorf("process = %q", rec.ProcessName)
	}
}

func TestWhiteListedDomainNotRecorded(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()
	upstreamHost := strings.TrimPrefix(upstream.URL, "https://")
	domain, _, _ := net.SplitHostPort(upstreamHost)

	srv, ob, ps := newTestProxy(t)
	ps.ReplaceAudit(model.AuditPolicy{Enabled: true, WhiteDomains: []model.WhiteDomain{{Domain: domain}}})
	client := proxyHTTPClient(t, srv)

	resp, err := client.Get("https://" + upstreamHost + "/private")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	// 白名单域名正常转发但不留记录
	time.Sleep(100 * time.Millisecond)
	logs, err := ob.PendingTraffic()
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 0 {
		t.Errorf("white-listed domain produced %d records", len(logs))
	}
}

func TestResponseCaptureRule(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html><title>Account</title>0123456789</html>"))
	}))
	defer upstream.Close()
	upstreamHost := strings.TrimPrefix(upstream.URL, "https://")

	srv, ob, ps := newTestProxy(t)
	ps.ReplaceAudit(model.AuditPolicy{
		Enabled:       true,
		ResponseRules: []model.ResponseCaptureRule{{URL: "/account", RspBodyLength: 12}},
	})
	client := proxyHTTPClient(t, srv)

	resp, err := client.Get("https://" + upstreamHost + "/account")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	logs := waitTraffic(t, ob, 1)
	if len(logs) != 1 {
		t.Fatalf("got %d logs", len(logs))
	}
	// 1. 响应体按规则截断保留
	if len(logs[0].ResponseBody) != 12 {
		t.Errorf("response_body length = %d, want 12", len(logs[0].ResponseBody))
	}
	// 2. 标题从完整响应体提取
	if logs[0].Title != "Account" {
		t.Errorf("title = %q", logs[0].Title)
	}
}

// ==========================================
// 明文 HTTP 与证书导出
// ==========================================

func TestPlainHTTPProxied(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("plain ok"))
	}))
	defer upstream.Close()

	srv, ob, _ := newTestProxy(t)

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	upstreamHost := strings.TrimPrefix(upstream.URL, "http://")
	req := fmt.Sprintf("GET http://%s/page HTTP/1.1\r\nHost: %s\r\n\r\n", upstreamHost, upstreamHost)
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatal(err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "plain ok" {
		t.Errorf("body = %q", body)
	}

	logs := waitTraffic(t, ob, 1)
	if len(logs) != 1 {
		t.Fatalf("got %d logs, want 1", len(logs))
	}
	// 明文代理的记录 URL 必须是 http://
	if !strings.HasPrefix(logs[0].URL, "http://") {
		t.Errorf("plain HTTP exchange recorded with wrong scheme: %s", logs[0].URL)
	}
}

func TestCertExportPath(t *testing.T) {
	srv, _, _ := newTestProxy(t)

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("GET /ssl HTTP/1.1\r\nHost: audit.local\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	// 导出的就是可解析的根证书 PEM
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(body) {
		t.Fatalf("exported bytes are not a valid PEM certificate: %q", body[:min(len(body), 64)])
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
