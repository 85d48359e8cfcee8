package ipc

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/jianbinzhang1987/mac-monitor/internal/config"
	"github.com/jianbinzhang1987/mac-monitor/internal/device"
	"github.com/jianbinzhang1987/mac-monitor/internal/logger"
	"github.com/jianbinzhang1987/mac-monitor/internal/model"
	"github.com/jianbinzhang1987/mac-monitor/internal/security"
)

// ==========================================
// 注册 / 登录
// ==========================================

type registerPayload struct {
	ServerIP   string `json:"server_ip"`
	ServerPort int    `json:"server_port"`
	CpeID      string `json:"cpe_id"`
	Pin        string `json:"pin"`
}

// handleRegister 设备注册
// 1. 回写平台地址配置  2. 向平台注册本机硬件信息  3. 持久化凭据
func (s *Server) handleRegister(payload json.RawMessage) model.IPCResponse {
	var p registerPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return model.NewIPCError("invalid register payload: " + err.Error())
	}
	if p.ServerIP == "" || p.ServerPort <= 0 {
		return model.NewIPCError("server_ip and server_port are required")
	}

	serverURL := fmt.Sprintf("https://%s:%d", p.ServerIP, p.ServerPort)

	return s.bridge("register", func() (any, error) {
		cfg := config.Get()
		s.deps.Client.UpdateEndpoint(serverURL, cfg.Server.AppCode, cfg.Server.AppSecret)

		dev := device.Get()
		data, err := s.deps.Client.Register(model.RegisterRequest{
			HardwareID: dev.HardwareID,
			Hostname:   dev.Hostname,
			MAC:        dev.MAC,
			IP:         dev.IP,
			Version:    dev.Version,
		})
		if err != nil {
			return nil, fmt.Errorf("platform register failed: %w", err)
		}

		// 平台可能改派凭据，以平台返回为准；没给就用控制端传入的
		pin, cpe := data.PinNumber, data.CpeID
		if pin == "" {
			pin = p.Pin
		}
		if cpe == "" {
			cpe = p.CpeID
		}
		if err := device.UpdateAndPersist(pin, cpe); err != nil {
			return nil, err
		}

		appCode, appSecret := cfg.Server.AppCode, cfg.Server.AppSecret
		if data.AppCode != "" {
			appCode, appSecret = data.AppCode, data.AppSecret
			s.deps.Client.UpdateEndpoint(serverURL, appCode, appSecret)
		}
		if err := config.PersistServer(serverURL, appCode, appSecret); err != nil {
			// 配置回写失败不影响本次注册结果，重启前内存态仍可用
			logger.Error("Failed to persist server config", "err", err)
		}

		return map[string]string{"pin_number": pin, "cpe_id": cpe}, nil
	})
}

type loginPayload struct {
	Pin      string `json:"pin"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

func (s *Server) handleLogin(payload json.RawMessage) model.IPCResponse {
	var p loginPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return model.NewIPCError("invalid login payload: " + err.Error())
	}
	pin := p.Pin
	if pin == "" {
		pin = device.Get().PinNumber
	}
	if pin == "" {
		return model.NewIPCError("not registered: pin is empty")
	}

	return s.bridge("login", func() (any, error) {
		return nil, s.deps.Client.Login(model.LoginRequest{
			Username:  p.Username,
			Password:  p.Password,
			PinNumber: pin,
		})
	})
}

func (s *Server) handleLogout(json.RawMessage) model.IPCResponse {
	pin := device.Get().PinNumber
	if pin == "" {
		return model.NewIPCError("not registered: pin is empty")
	}
	return s.bridge("logout", func() (any, error) {
		return nil, s.deps.Client.Logout(pin)
	})
}

// ==========================================
// 平台查询
// ==========================================

func (s *Server) handleGetPops(json.RawMessage) model.IPCResponse {
	return s.bridge("get_pops", func() (any, error) {
		return s.deps.Client.GetPops()
	})
}

func (s *Server) handleCheckUpdate(json.RawMessage) model.IPCResponse {
	return s.bridge("check_update", func() (any, error) {
		return s.deps.Client.CheckUpdate(device.Get().Version)
	})
}

func (s *Server) handleGetServerTime(json.RawMessage) model.IPCResponse {
	return s.bridge("get_server_time", func() (any, error) {
		ts, err := s.deps.Client.GetServerTime()
		if err != nil {
			return nil, err
		}
		return map[string]int64{"server_time": ts}, nil
	})
}

// handleGetCert 导出根证书 PEM，控制端负责装入系统信任库
func (s *Server) handleGetCert(json.RawMessage) model.IPCResponse {
	if s.deps.RootPEM == nil {
		return model.NewIPCError("certificate authority not available")
	}
	pem := s.deps.RootPEM()
	if len(pem) == 0 {
		return model.NewIPCError("root certificate not loaded")
	}
	return model.NewIPCOK(map[string]string{"cert_pem": string(pem)})
}

// ==========================================
// 事件入库 (本地操作，不走桥接)
// ==========================================

// handleLogTraffic 外部代理进程上报的既成流量记录
func (s *Server) handleLogTraffic(payload json.RawMessage) model.IPCResponse {
	var ev model.TrafficEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return model.NewIPCError("invalid traffic payload: " + err.Error())
	}
	if ev.URL == "" && ev.Domain == "" {
		return model.NewIPCError("traffic event requires url or domain")
	}
	if err := s.deps.Engine.RecordCompleted(ev); err != nil {
		return model.NewIPCError(err.Error())
	}
	return model.NewIPCOK(nil)
}

// handleLogEvent 封闭事件集: screenshot / clipboard / behavior
func (s *Server) handleLogEvent(payload json.RawMessage) model.IPCResponse {
	var ev model.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return model.NewIPCError("invalid event payload: " + err.Error())
	}

	switch ev.Type {
	case model.EventTypeScreenshot:
		return s.ingestScreenshot(ev.Data)
	case model.EventTypeClipboard:
		return s.ingestClipboard(ev.Data)
	case model.EventTypeBehavior:
		return s.ingestBehavior(ev.Data)
	default:
		return model.NewIPCError("unknown event type: " + ev.Type)
	}
}

// ingestScreenshot 图片按内容哈希去重，加密落盘后记录待发
func (s *Server) ingestScreenshot(data json.RawMessage) model.IPCResponse {
	var ev model.ScreenshotEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return model.NewIPCError("invalid screenshot event: " + err.Error())
	}
	if len(ev.ImageData) == 0 {
		return model.NewIPCError("screenshot event has no image data")
	}

	sum := sha256.Sum256(ev.ImageData)
	hash := hex.EncodeToString(sum[:])
	path := filepath.Join(s.deps.ScreenshotDir, hash+".bin")

	dev := device.Get()
	inserted, err := s.deps.Outbox.InsertScreenshot(&model.ScreenshotLog{
		ID:         uuid.NewString(),
		PinNumber:  dev.PinNumber,
		CpeID:      dev.CpeID,
		ImageHash:  hash,
		ImagePath:  path,
		AppName:    ev.AppName,
		OcrText:    ev.OcrText,
		RiskLevel:  ev.RiskLevel,
		CreateTime: s.deps.Clock.NowString(),
	})
	if err != nil {
		return model.NewIPCError(err.Error())
	}
	if !inserted {
		// 相同画面已有记录，不重复落盘
		return model.NewIPCOK(map[string]any{"duplicate": true, "image_hash": hash})
	}

	if err := security.EncryptToFile(ev.ImageData, path); err != nil {
		logger.Error("Failed to persist screenshot image", "hash", hash, "err", err)
		return model.NewIPCError("failed to persist image: " + err.Error())
	}
	return model.NewIPCOK(map[string]any{"duplicate": false, "image_hash": hash})
}

func (s *Server) ingestClipboard(data json.RawMessage) model.IPCResponse {
	var ev model.ClipboardEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return model.NewIPCError("invalid clipboard event: " + err.Error())
	}
	if ev.Content == "" {
		return model.NewIPCError("clipboard event has no content")
	}

	dev := device.Get()
	err := s.deps.Outbox.InsertClipboard(&model.ClipboardLog{
		ID:          uuid.NewString(),
		PinNumber:   dev.PinNumber,
		CpeID:       dev.CpeID,
		Content:     ev.Content,
		ContentType: ev.ContentType,
		AppName:     ev.AppName,
		BundleID:    ev.BundleID,
		RiskLevel:   ev.RiskLevel,
		CreateTime:  s.deps.Clock.NowString(),
	})
	if err != nil {
		return model.NewIPCError(err.Error())
	}
	return model.NewIPCOK(nil)
}

func (s *Server) ingestBehavior(data json.RawMessage) model.IPCResponse {
	var ev model.BehaviorEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return model.NewIPCError("invalid behavior event: " + err.Error())
	}
	if ev.OpType == "" {
		return model.NewIPCError("behavior event requires op_type")
	}

	dev := device.Get()
	err := s.deps.Outbox.InsertBehavior(&model.BehaviorLog{
		ID:        uuid.NewString(),
		PinNumber: dev.PinNumber,
		CpeID:     dev.CpeID,
		OpType:    ev.OpType,
		Title:     ev.Title,
		Content:   ev.Content,
		RiskLevel: ev.RiskLevel,
		OpTime:    s.deps.Clock.NowString(),
	})
	if err != nil {
		return model.NewIPCError(err.Error())
	}
	return model.NewIPCOK(nil)
}

// ==========================================
// 策略开关 / 查询
// ==========================================

func (s *Server) handleSetAuditPolicy(payload json.RawMessage) model.IPCResponse {
	var audit model.AuditPolicy
	if err := json.Unmarshal(payload, &audit); err != nil {
		return model.NewIPCError("invalid policy payload: " + err.Error())
	}
	s.deps.Policies.ReplaceAudit(audit)
	return model.NewIPCOK(nil)
}

type redactionPayload struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleSetRedactionStatus(payload json.RawMessage) model.IPCResponse {
	var p redactionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return model.NewIPCError("invalid redaction payload: " + err.Error())
	}
	s.deps.Policies.SetEnabled(p.Enabled)
	return model.NewIPCOK(map[string]bool{"enabled": p.Enabled})
}

type screenshotQueryPayload struct {
	Limit int `json:"limit,omitempty"`
}

func (s *Server) handleGetScreenshotLogs(payload json.RawMessage) model.IPCResponse {
	var p screenshotQueryPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return model.NewIPCError("invalid query payload: " + err.Error())
		}
	}
	if p.Limit <= 0 {
		p.Limit = 20
	}

	logs, err := s.deps.Outbox.RecentScreenshots(p.Limit)
	if err != nil {
		return model.NewIPCError(err.Error())
	}
	return model.NewIPCOK(map[string]any{"logs": logs})
}
