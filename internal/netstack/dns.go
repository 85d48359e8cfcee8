package netstack

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/jianbinzhang1987/mac-monitor/internal/logger"
)

// ==========================================
// Fake-IP DNS
// ==========================================

// FakeDNS Fake-IP 分配器 + DNS 应答器
// 每个被查询的域名分配一个池内地址，后续 TCP 包凭目的地址反查域名。
// 池耗尽时复用最早分配的地址 (应答 TTL 很短，旧映射大概率已失效)。
type FakeDNS struct {
	mu sync.Mutex

	// 域名 <-> Fake-IP 双向映射
	byDomain map[string]uint32
	byIP     map[uint32]string

	// 分配顺序，池耗尽时从头复用
	order []uint32

	base     uint32 // 池起始地址 (含偏移)
	capacity uint32 // 池容量
	next     uint32 // 下一个待分配偏移
	ttl      uint32 // 应答 TTL (秒)
}

// poolOffset 跳过池首的保留段 (x.x.0.0 ~ x.x.0.255)
// /16 池的首个可分配地址是 x.x.1.1
const poolOffset = 257

// NewFakeDNS 创建分配器
// cidr: 池网段，如 "10.0.0.0/16"
func NewFakeDNS(cidr string, ttlSeconds int) (*FakeDNS, error) {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid fake-ip cidr %s: %w", cidr, err)
	}
	ones, bits := ipNet.Mask.Size()
	if bits != 32 {
		return nil, fmt.Errorf("fake-ip pool must be IPv4: %s", cidr)
	}
	size := uint32(1) << (32 - ones)
	if size <= poolOffset+1 {
		return nil, fmt.Errorf("fake-ip pool too small: %s", cidr)
	}

	if ttlSeconds <= 0 {
		ttlSeconds = 60
	}

	return &FakeDNS{
		byDomain: make(map[string]uint32),
		byIP:     make(map[uint32]string),
		base:     binary.BigEndian.Uint32(ipNet.IP.To4()) + poolOffset,
		capacity: size - poolOffset - 1,
		ttl:      uint32(ttlSeconds),
	}, nil
}

// AllocIP 取域名的 Fake-IP，没有则分配
func (f *FakeDNS) AllocIP(domain string) net.IP {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))

	f.mu.Lock()
	defer f.mu.Unlock()

	if ip, ok := f.byDomain[domain]; ok {
		return uint32ToIP(ip)
	}

	var ip uint32
	if uint32(len(f.order)) < f.capacity {
		ip = f.base + f.next
		f.next++
		f.order = append(f.order, ip)
	} else {
		// 池耗尽：复用最早分配的地址
		ip = f.order[0]
		f.order = append(f.order[1:], ip)
		old := f.byIP[ip]
		delete(f.byDomain, old)
		logger.Warn("Fake-IP pool exhausted, recycling", "ip", uint32ToIP(ip), "evicted", old, "domain", domain)
	}

	f.byDomain[domain] = ip
	f.byIP[ip] = domain
	return uint32ToIP(ip)
}

// DomainForIP Fake-IP 反查域名
func (f *FakeDNS) DomainForIP(ip net.IP) (string, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return "", false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	domain, ok := f.byIP[binary.BigEndian.Uint32(v4)]
	return domain, ok
}

// Contains 地址是否在池内 (含保留段)
func (f *FakeDNS) Contains(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	v := binary.BigEndian.Uint32(v4)
	return v >= f.base-poolOffset && v < f.base+f.capacity
}

// ==========================================
// DNS 应答合成
// ==========================================

// HandleQuery 处理一个 UDP/53 查询包，返回合成的应答 IP 包
// 只应答 A/IN 查询；其他类型返回 nil，调用方透传
func (f *FakeDNS) HandleQuery(ip4 *layers.IPv4, udp *layers.UDP, payload []byte) []byte {
	var query layers.DNS
	if err := query.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return nil
	}
	if query.QR || len(query.Questions) == 0 {
		return nil
	}

	q := query.Questions[0]
	if q.Type != layers.DNSTypeA || q.Class != layers.DNSClassIN {
		return nil
	}

	domain := string(q.Name)
	fakeIP := f.AllocIP(domain)

	// 应答：复制查询头，填充单条 A 记录
	resp := query
	resp.QR = true
	resp.RA = true
	resp.ResponseCode = layers.DNSResponseCodeNoErr
	resp.Answers = []layers.DNSResourceRecord{{
		Name:  q.Name,
		Type:  layers.DNSTypeA,
		Class: layers.DNSClassIN,
		TTL:   f.ttl,
		IP:    fakeIP,
	}}
	resp.ANCount = 1

	// 回包：源宿互换
	respIP := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    ip4.DstIP,
		DstIP:    ip4.SrcIP,
	}
	respUDP := &layers.UDP{
		SrcPort: udp.DstPort,
		DstPort: udp.SrcPort,
	}
	if err := respUDP.SetNetworkLayerForChecksum(respIP); err != nil {
		return nil
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, respIP, respUDP, &resp); err != nil {
		logger.Error("Failed to serialize DNS answer", "domain", domain, "err", err)
		return nil
	}

	logger.Debug("DNS answered", "domain", domain, "fake_ip", fakeIP)
	return buf.Bytes()
}

func uint32ToIP(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}
