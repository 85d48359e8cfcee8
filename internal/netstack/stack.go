package netstack

import (
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/jianbinzhang1987/mac-monitor/internal/intercept"
	"github.com/jianbinzhang1987/mac-monitor/internal/logger"
)

// ==========================================
// 协议栈引擎
// ==========================================

// Stack 轮询驱动的包处理引擎
// 职责:
//  1. UDP/53 查询就地应答 Fake-IP，查询包不再外发
//  2. 目的/源地址落在 Fake-IP 池内的 TCP 流登记流表，
//     客户端首个载荷送审计引擎，服务端首个载荷补全响应
//  3. 其余包原样透传
//
// 协议栈只旁路观察，不终结连接；转发语义由宿主的扩展层负责。
type Stack struct {
	dev   *TunDevice
	dns   *FakeDNS
	audit *intercept.Engine
	flows *flowTable

	stopChan chan struct{}
}

// NewStack 组装协议栈
func NewStack(dev *TunDevice, dns *FakeDNS, audit *intercept.Engine) *Stack {
	return &Stack{
		dev:      dev,
		dns:      dns,
		audit:    audit,
		flows:    newFlowTable(),
		stopChan: make(chan struct{}),
	}
}

// Device 宿主侧的虚拟设备句柄
func (s *Stack) Device() *TunDevice { return s.dev }

// DNS Fake-IP 分配器 (宿主侧 NAT 需要同一份映射)
func (s *Stack) DNS() *FakeDNS { return s.dns }

// Start 启动轮询协程
func (s *Stack) Start() {
	go s.loop()
	logger.Info("Netstack started")
}

// Stop 停止轮询
func (s *Stack) Stop() {
	close(s.stopChan)
}

// loop 轮询 inbound 队列
// 空转时短暂休眠，避免忙等烧 CPU
func (s *Stack) loop() {
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		pkt := s.dev.popInbound()
		if pkt == nil {
			time.Sleep(time.Millisecond)
			continue
		}
		s.ProcessPacket(pkt)
	}
}

// ProcessPacket 处理单个 IP 包 (导出供测试直接驱动)
func (s *Stack) ProcessPacket(pkt []byte) {
	parsed := gopacket.NewPacket(pkt, layers.LayerTypeIPv4, gopacket.NoCopy)

	ip4Layer := parsed.Layer(layers.LayerTypeIPv4)
	if ip4Layer == nil {
		// 非 IPv4 (IPv6 等) 透传
		s.dev.pushOutbound(pkt)
		return
	}
	ip4 := ip4Layer.(*layers.IPv4)

	// 1. DNS 查询
	if udpLayer := parsed.Layer(layers.LayerTypeUDP); udpLayer != nil {
		udp := udpLayer.(*layers.UDP)
		if udp.DstPort == 53 {
			if resp := s.dns.HandleQuery(ip4, udp, udp.Payload); resp != nil {
				// 查询被就地应答，原包吞掉
				s.dev.pushOutbound(resp)
				return
			}
		}
		s.dev.pushOutbound(pkt)
		return
	}

	// 2. TCP 流观察
	if tcpLayer := parsed.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		s.observeTCP(ip4, tcpLayer.(*layers.TCP))
	}

	// 3. 透传
	s.dev.pushOutbound(pkt)
}

// observeTCP 旁路观察一段 TCP 流
func (s *Stack) observeTCP(ip4 *layers.IPv4, tcp *layers.TCP) {
	toFake := s.dns.Contains(ip4.DstIP)
	fromFake := s.dns.Contains(ip4.SrcIP)
	if !toFake && !fromFake {
		return
	}

	key := flowKey(ip4.SrcIP, uint16(tcp.SrcPort), ip4.DstIP, uint16(tcp.DstPort))

	// 连接结束：摘流，悬挂的请求按无响应落库
	if tcp.FIN || tcp.RST {
		if fl, ok := s.flows.remove(key); ok && fl.exchange != nil && !fl.sawResponse {
			fl.exchange.Abandon()
			fl.exchange = nil
		}
		return
	}

	// 客户端 -> Fake-IP 方向
	if toFake {
		domain, ok := s.dns.DomainForIP(ip4.DstIP)
		if !ok {
			return
		}
		fl := s.flows.getOrCreate(key, domain)
		if len(tcp.Payload) == 0 || fl.sawRequest {
			return
		}
		fl.sawRequest = true
		// 首个载荷当作请求送审；TLS 字节流解析兜底为 UNKNOWN
		req := intercept.ParseRequest(tcp.Payload)
		if tcp.DstPort == 80 {
			req.Scheme = "http"
		}
		fl.exchange = s.audit.BeginRequest(domain, uint32(tcp.SrcPort), req)
		return
	}

	// Fake-IP -> 客户端方向
	fl, ok := s.flows.lookup(key)
	if !ok || fl.sawResponse || len(tcp.Payload) == 0 {
		return
	}
	fl.sawResponse = true
	if fl.exchange != nil {
		fl.exchange.Complete(parseStatusCode(tcp.Payload), tcp.Payload)
		fl.exchange = nil
	}
}
