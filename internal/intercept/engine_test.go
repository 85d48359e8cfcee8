package intercept

import (
	"path/filepath"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jianbinzhang1987/mac-monitor/internal/clock"
	"github.com/jianbinzhang1987/mac-monitor/internal/model"
	"github.com/jianbinzhang1987/mac-monitor/internal/policy"
	"github.com/jianbinzhang1987/mac-monitor/internal/storage"
)

// fakeLookup 固定返回值的端口反查
type fakeLookup struct{ name string }

func (f fakeLookup) ProcessBySourcePort(port uint32) string { return f.name }

func newTestEngine(t *testing.T, ps *policy.Store) (*Engine, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "engine.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&model.TrafficLog{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	dev := model.DeviceInfo{
		PinNumber:  "pin-9",
		CpeID:      "cpe-9",
		IP:         "10.1.2.3",
		MAC:        "aa:bb:cc:dd:ee:ff",
		HardwareID: "hw-9",
	}
	eng := NewEngine(clock.NewLogicalClock(), ps, storage.NewOutbox(db),
		func() model.DeviceInfo { return dev }, fakeLookup{name: "Safari"})
	return eng, db
}

// TestParseRequest 容错解析
func TestParseRequest(t *testing.T) {
	// 1. 完整请求
	raw := []byte("POST /api/login HTTP/1.1\r\nHost: bank.com\r\nContent-Length: 9\r\n\r\nuser=test")
	got := ParseRequest(raw)
	if got.Method != "POST" || got.Path != "/api/login" || got.Host != "bank.com" || got.Body != "user=test" {
		t.Errorf("Unexpected parse result: %+v", got)
	}

	// 2. 半包：只有首行
	got = ParseRequest([]byte("GET /index.html HTTP/1.1\r\nHos"))
	if got.Method != "GET" || got.Path != "/index.html" {
		t.Errorf("First-line fallback failed: %+v", got)
	}

	// 3. 非 HTTP 字节流：兜底值，不丢记录
	got = ParseRequest([]byte{0x16, 0x03, 0x01, 0x02, 0x00})
	if got.Method != "UNKNOWN" || got.Path != "/" {
		t.Errorf("Expected UNKNOWN//, got %+v", got)
	}

	// 4. 空输入
	got = ParseRequest(nil)
	if got.Method != "UNKNOWN" || got.Path != "/" {
		t.Errorf("Empty input fallback failed: %+v", got)
	}
}

// TestEngine_EndToEnd 策略命中 -> 请求/响应两段 -> 落库
func TestEngine_EndToEnd(t *testing.T) {
	ps := policy.NewStore()
	ps.Replace(model.PolicyBundle{
		Audit: model.AuditPolicy{
			Enabled:       true,
			TargetDomains: []model.TargetDomain{{Domain: "*.bank.com", Enabled: true}},
			WhiteDomains:  []model.WhiteDomain{{Domain: "static.bank.com"}},
			ResponseRules: []model.ResponseCaptureRule{{URL: "/api/", RspBodyLength: 5}},
		},
	})
	eng, db := newTestEngine(t, ps)

	// 1. 白名单域名：不产生 Exchange
	if x := eng.BeginRequest("static.bank.com", 5000, ParsedRequest{Method: "GET", Path: "/a.css"}); x != nil {
		t.Fatal("White-listed domain must not be audited")
	}

	// 2. 非目标域名：不产生 Exchange
	if x := eng.BeginRequest("other.com", 5000, ParsedRequest{Method: "GET", Path: "/"}); x != nil {
		t.Fatal("Non-target domain must not be audited")
	}

	// 3. 命中目标 + 响应抓取规则
	x := eng.BeginRequest("login.bank.com", 5001, ParsedRequest{Method: "POST", Path: "/api/login", Body: "u=1"})
	if x == nil {
		t.Fatal("Target domain must be audited")
	}
	x.Complete(200, []byte("0123456789"))

	var recs []model.TrafficLog
	if err := db.Find(&recs).Error; err != nil || len(recs) != 1 {
		t.Fatalf("Expected exactly 1 record, got %d (err=%v)", len(recs), err)
	}
	rec := recs[0]

	if rec.URL != "https://login.bank.com/api/login" {
		t.Errorf("Unexpected URL: %s", rec.URL)
	}
	if rec.MethodType != "POST" || rec.StatusCode != 200 {
		t.Errorf("Unexpected method/status: %s/%d", rec.MethodType, rec.StatusCode)
	}
	if rec.ProcessName != "Safari" {
		t.Errorf("Expected process Safari, got %s", rec.ProcessName)
	}
	if rec.PinNumber != "pin-9" || rec.CpeID != "cpe-9" {
		t.Errorf("Device fields not filled: %+v", rec)
	}
	if rec.IP != "10.1.2.3" || rec.MAC != "aa:bb:cc:dd:ee:ff" || rec.HostID != "hw-9" {
		t.Errorf("Network identity fields not filled: %+v", rec)
	}
	// 响应体按规则截断为 5 字节
	if rec.ResponseBody != "01234" {
		t.Errorf("Expected truncated response '01234', got %q", rec.ResponseBody)
	}
	if rec.ReqTime == "" || rec.RespTime == "" {
		t.Error("Both timestamps must be set")
	}
}

// TestEngine_IDUnique 同毫秒多条记录ID不冲突
func TestEngine_IDUnique(t *testing.T) {
	eng, _ := newTestEngine(t, policy.NewStore())

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := eng.NextID()
		if seen[id] {
			t.Fatalf("Duplicate record id: %s", id)
		}
		seen[id] = true
		if !strings.Contains(id, "-") {
			t.Fatalf("ID missing sequence part: %s", id)
		}
	}
}

// TestEngine_RecordCompleted 外部代理上报的既成记录
func TestEngine_RecordCompleted(t *testing.T) {
	eng, db := newTestEngine(t, policy.NewStore())

	err := eng.RecordCompleted(model.TrafficEvent{
		URL:        "https://x.com/p",
		Domain:     "x.com",
		StatusCode: 301,
	})
	if err != nil {
		t.Fatalf("RecordCompleted failed: %v", err)
	}

	var rec model.TrafficLog
	if err := db.First(&rec).Error; err != nil {
		t.Fatalf("Record not persisted: %v", err)
	}
	// 缺省字段补兜底值
	if rec.MethodType != "UNKNOWN" || rec.ProcessName != "unknown" {
		t.Errorf("Fallback fields wrong: method=%s process=%s", rec.MethodType, rec.ProcessName)
	}
}

// TestEngine_RecordCompletedPolicy 既成记录同样受策略约束：
// 白名单域名一条都不落库，抓取规则决定响应体去留
func TestEngine_RecordCompletedPolicy(t *testing.T) {
	ps := policy.NewStore()
	ps.ReplaceAudit(model.AuditPolicy{
		Enabled:       true,
		TargetDomains: []model.TargetDomain{{Domain: "*.bank.com", Enabled: true}},
		WhiteDomains:  []model.WhiteDomain{{Domain: "static.bank.com"}},
		ResponseRules: []model.ResponseCaptureRule{{URL: "/api/", RspBodyLength: 4}},
	})
	eng, db := newTestEngine(t, ps)

	// 1. 白名单域名：返回 nil 但不产生记录
	if err := eng.RecordCompleted(model.TrafficEvent{
		URL:    "https://static.bank.com/a.css",
		Domain: "static.bank.com",
	}); err != nil {
		t.Fatalf("Suppressed event must not error: %v", err)
	}
	// 2. 非目标域名同理
	if err := eng.RecordCompleted(model.TrafficEvent{
		URL:    "https://other.com/",
		Domain: "other.com",
	}); err != nil {
		t.Fatalf("Non-target event must not error: %v", err)
	}
	var count int64
	db.Model(&model.TrafficLog{}).Count(&count)
	if count != 0 {
		t.Fatalf("Expected 0 records after suppressed events, got %d", count)
	}

	// 3. 命中目标 + 抓取规则：响应体按规则截断
	if err := eng.RecordCompleted(model.TrafficEvent{
		URL:          "https://login.bank.com/api/login",
		Domain:       "login.bank.com",
		ResponseBody: "ABCDEFGH",
	}); err != nil {
		t.Fatalf("RecordCompleted failed: %v", err)
	}
	// 4. 命中目标但无抓取规则：响应体丢弃
	if err := eng.RecordCompleted(model.TrafficEvent{
		URL:          "https://login.bank.com/static/app.js",
		Domain:       "login.bank.com",
		ResponseBody: "console.log(1)",
	}); err != nil {
		t.Fatalf("RecordCompleted failed: %v", err)
	}

	var recs []model.TrafficLog
	if err := db.Order("url").Find(&recs).Error; err != nil || len(recs) != 2 {
		t.Fatalf("Expected 2 records, got %d (err=%v)", len(recs), err)
	}
	if recs[0].ResponseBody != "ABCD" {
		t.Errorf("Expected truncated body 'ABCD', got %q", recs[0].ResponseBody)
	}
	if recs[1].ResponseBody != "" {
		t.Errorf("Body without capture rule must be dropped, got %q", recs[1].ResponseBody)
	}
}

// TestEngine_DeviceRefresh 注册后换发的 pin/cpe 必须体现在后续记录上
func TestEngine_DeviceRefresh(t *testing.T) {
	ps := policy.NewStore()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "engine.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&model.TrafficLog{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	dev := model.DeviceInfo{PinNumber: "pin-old", CpeID: "cpe-old"}
	eng := NewEngine(clock.NewLogicalClock(), ps, storage.NewOutbox(db),
		func() model.DeviceInfo { return dev }, fakeLookup{name: "Safari"})

	x := eng.BeginRequest("a.com", 5000, ParsedRequest{Method: "GET", Path: "/"})
	x.Complete(200, nil)

	// 模拟注册完成后设备信息更新
	dev = model.DeviceInfo{PinNumber: "pin-new", CpeID: "cpe-new"}
	x = eng.BeginRequest("a.com", 5001, ParsedRequest{Method: "GET", Path: "/"})
	x.Complete(200, nil)

	var recs []model.TrafficLog
	if err := db.Order("pin_number").Find(&recs).Error; err != nil || len(recs) != 2 {
		t.Fatalf("Expected 2 records, got %d (err=%v)", len(recs), err)
	}
	if recs[0].PinNumber != "pin-new" || recs[0].CpeID != "cpe-new" {
		t.Errorf("Updated device info not picked up: %+v", recs[0])
	}
	if recs[1].PinNumber != "pin-old" {
		t.Errorf("First record should carry original pin: %+v", recs[1])
	}
}

// TestEngine_PlainHTTPScheme 明文 HTTP 的 URL 不能拼成 https://
func TestEngine_PlainHTTPScheme(t *testing.T) {
	eng, db := newTestEngine(t, policy.NewStore())

	x := eng.BeginRequest("plain.example.com", 5000,
		ParsedRequest{Method: "GET", Path: "/index.html", Scheme: "http"})
	x.Complete(200, nil)
	// Scheme 留空按 https 处理
	x = eng.BeginRequest("tls.example.com", 5001,
		ParsedRequest{Method: "GET", Path: "/"})
	x.Complete(200, nil)

	var recs []model.TrafficLog
	if err := db.Order("url").Find(&recs).Error; err != nil || len(recs) != 2 {
		t.Fatalf("Expected 2 records, got %d (err=%v)", len(recs), err)
	}
	if recs[0].URL != "http://plain.example.com/index.html" {
		t.Errorf("Plain HTTP URL wrong: %s", recs[0].URL)
	}
	if recs[1].URL != "https://tls.example.com/" {
		t.Errorf("Default scheme URL wrong: %s", recs[1].URL)
	}
}
