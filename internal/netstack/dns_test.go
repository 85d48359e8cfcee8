package netstack

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// buildQuery 构造一个 A/IN 查询 IP 包
func buildQuery(t *testing.T, domain string, qtype layers.DNSType) []byte {
	t.Helper()

	ip4 := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(192, 168, 1, 10).To4(),
		DstIP:    net.IPv4(192, 168, 1, 1).To4(),
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: 53}
	if err := udp.SetNetworkLayerForChecksum(ip4); err != nil {
		t.Fatalf("checksum setup: %v", err)
	}
	dns := &layers.DNS{
		ID:      0x1234,
		RD:      true,
		QDCount: 1,
		Questions: []layers.DNSQuestion{{
			Name:  []byte(domain),
			Type:  qtype,
			Class: layers.DNSClassIN,
		}},
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip4, udp, dns); err != nil {
		t.Fatalf("serialize query: %v", err)
	}
	return buf.Bytes()
}

func newTestDNS(t *testing.T) *FakeDNS {
	t.Helper()
	f, err := NewFakeDNS("10.0.0.0/16", 60)
	if err != nil {
		t.Fatalf("NewFakeDNS: %v", err)
	}
	return f
}

// TestFakeDNS_SequentialAlloc 顺序分配，从 x.x.1.1 开始
func TestFakeDNS_SequentialAlloc(t *testing.T) {
	f := newTestDNS(t)

	ip1 := f.AllocIP("a.com")
	ip2 := f.AllocIP("b.com")

	if ip1.String() != "10.0.1.1" {
		t.Errorf("First allocation should be 10.0.1.1, got %s", ip1)
	}
	if ip2.String() != "10.0.1.2" {
		t.Errorf("Second allocation should be 10.0.1.2, got %s", ip2)
	}

	// 同域名重复分配返回同一地址
	if again := f.AllocIP("a.com"); !again.Equal(ip1) {
		t.Errorf("Repeated allocation must be stable: %s vs %s", again, ip1)
	}

	// 双向映射
	if d, ok := f.DomainForIP(ip1); !ok || d != "a.com" {
		t.Errorf("Reverse lookup failed: %s %v", d, ok)
	}
	if !f.Contains(ip1) || f.Contains(net.IPv4(192, 168, 0, 1)) {
		t.Error("Contains misjudged the pool range")
	}
}

// TestFakeDNS_ExhaustionRecycle 池耗尽时复用最早分配的地址
func TestFakeDNS_ExhaustionRecycle(t *testing.T) {
	f := newTestDNS(t)

	first := f.AllocIP("first.com")

	// 填满整个池
	for i := uint32(1); i < f.capacity; i++ {
		f.AllocIP(uint32ToIP(i).String() + ".filler")
	}

	// 下一次分配触发复用：拿走最早的 first.com 的地址
	recycled := f.AllocIP("newcomer.com")
	if !recycled.Equal(first) {
		t.Errorf("Expected oldest fake-ip %s recycled, got %s", first, recycled)
	}

	// 旧映射被摘除，新映射生效
	if d, ok := f.DomainForIP(first); !ok || d != "newcomer.com" {
		t.Errorf("Recycled IP should map to newcomer.com, got %q %v", d, ok)
	}
	if _, ok := f.byDomain["first.com"]; ok {
		t.Error("Evicted domain must be removed from the forward map")
	}
}

// TestFakeDNS_HandleQuery A 查询得到合成应答
func TestFakeDNS_HandleQuery(t *testing.T) {
	f := newTestDNS(t)

	pkt := gopacket.NewPacket(buildQuery(t, "www.example.com", layers.DNSTypeA), layers.LayerTypeIPv4, gopacket.Default)
	ip4 := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	udp := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)

	resp := f.HandleQuery(ip4, udp, udp.Payload)
	if resp == nil {
		t.Fatal("A/IN query must be answered")
	}

	// 解析应答
	respPkt := gopacket.NewPacket(resp, layers.LayerTypeIPv4, gopacket.Default)
	respIP := respPkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	respUDP := respPkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	dnsLayer := respPkt.Layer(layers.LayerTypeDNS)
	if dnsLayer == nil {
		t.Fatal("Answer has no DNS layer")
	}
	answer := dnsLayer.(*layers.DNS)

	// 源宿互换
	if !respIP.SrcIP.Equal(ip4.DstIP) || !respIP.DstIP.Equal(ip4.SrcIP) {
		t.Errorf("Answer addresses not swapped: %s -> %s", respIP.SrcIP, respIP.DstIP)
	}
	if respUDP.SrcPort != 53 || respUDP.DstPort != 40000 {
		t.Errorf("Answer ports wrong: %d -> %d", respUDP.SrcPort, respUDP.DstPort)
	}

	// 应答内容
	if !answer.QR || answer.ID != 0x1234 {
		t.Errorf("Answer header wrong: QR=%v ID=%x", answer.QR, answer.ID)
	}
	if len(answer.Answers) != 1 {
		t.Fatalf("Expected 1 answer, got %d", len(answer.Answers))
	}
	rr := answer.Answers[0]
	if rr.TTL != 60 {
		t.Errorf("Expected TTL 60, got %d", rr.TTL)
	}
	if d, ok := f.DomainForIP(rr.IP); !ok || d != "www.example.com" {
		t.Errorf("Answered IP %s should map back to the domain, got %q", rr.IP, d)
	}
}

// TestFakeDNS_NonAQueryIgnored AAAA 等查询不应答
func TestFakeDNS_NonAQueryIgnored(t *testing.T) {
	f := newTestDNS(t)

	pkt := gopacket.NewPacket(buildQuery(t, "www.example.com", layers.DNSTypeAAAA), layers.LayerTypeIPv4, gopacket.Default)
	ip4 := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	udp := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)

	if resp := f.HandleQuery(ip4, udp, udp.Payload); resp != nil {
		t.Error("Non-A query must be passed through, not answered")
	}
}
