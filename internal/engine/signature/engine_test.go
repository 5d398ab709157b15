package signature

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Go2NetDPI/internal/config"
	"Go2NetDPI/internal/engine"
	"Go2NetDPI/internal/factory"
	"Go2NetDPI/internal/model"
)

type endpoint struct {
	ip   string
	port uint16
}

var (
	client = endpoint{"10.0.0.1", 40000}
	server = endpoint{"10.0.0.2", 0}
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func ipv4(src, dst endpoint, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.ParseIP(src.ip).To4(),
		DstIP:    net.ParseIP(dst.ip).To4(),
	}
}

func tcpPacket(t *testing.T, src, dst endpoint, payload []byte) []byte {
	ip := ipv4(src, dst, layers.IPProtocolTCP)
	tcp := &layers.TCP{SrcPort: layers.TCPPort(src.port), DstPort: layers.TCPPort(dst.port), PSH: true, ACK: true, Window: 1024}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ip, tcp, gopacket.Payload(payload))
}

func udpPacket(t *testing.T, src, dst endpoint, payload []byte) []byte {
	ip := ipv4(src, dst, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(src.port), DstPort: layers.UDPPort(dst.port)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ip, udp, gopacket.Payload(payload))
}

type flowScratch struct {
	flow, a, b engine.State
}

func newEngine(t *testing.T, protocols ...string) (*Engine, flowScratch) {
	t.Helper()
	e, err := New(protocols)
	require.NoError(t, err)
	require.NoError(t, e.Initialize())

	var s flowScratch
	s.flow, err = e.AllocFlowState()
	require.NoError(t, err)
	s.a, err = e.AllocEndpointState()
	require.NoError(t, err)
	s.b, err = e.AllocEndpointState()
	require.NoError(t, err)
	return e, s
}

func TestDetect_SinglePacket(t *testing.T) {
	dnsQuery := serialize(t, &layers.DNS{
		ID:      7,
		RD:      true,
		QDCount: 1,
		Questions: []layers.DNSQuestion{
			{Name: []byte("example.com"), Type: layers.DNSTypeA, Class: layers.DNSClassIN},
		},
	})
	clientHello := []byte{22, 3, 1, 0, 8, 1, 0, 0, 4, 3, 3, 0, 0}

	tests := []struct {
		name       string
		packet     func(t *testing.T) []byte
		wantMaster model.ProtocolID
		wantApp    model.ProtocolID
	}{
		{
			name: "http request",
			packet: func(t *testing.T) []byte {
				return tcpPacket(t, client, endpoint{server.ip, 80}, []byte("GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n"))
			},
			wantMaster: model.ProtocolHTTP,
		},
		{
			name: "dns query",
			packet: func(t *testing.T) []byte {
				return udpPacket(t, client, endpoint{server.ip, 53}, dnsQuery)
			},
			wantApp: model.ProtocolDNS,
		},
		{
			name: "ssh banner",
			packet: func(t *testing.T) []byte {
				return tcpPacket(t, endpoint{server.ip, 22}, client, []byte("SSH-2.0-OpenSSH_9.6\r\n"))
			},
			wantApp: model.ProtocolSSH,
		},
		{
			name: "tls client hello",
			packet: func(t *testing.T) []byte {
				return tcpPacket(t, client, endpoint{server.ip, 443}, clientHello)
			},
			wantApp: model.ProtocolSSL,
		},
		{
			name: "mqtt connect",
			packet: func(t *testing.T) []byte {
				return tcpPacket(t, client, endpoint{server.ip, 1883}, []byte{0x10, 6, 0, 4, 'M', 'Q', 'T', 'T'})
			},
			wantApp: model.ProtocolMQTT,
		},
		{
			name: "icmp echo",
			packet: func(t *testing.T) []byte {
				ip := ipv4(client, server, layers.IPProtocolICMPv4)
				icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 1, Seq: 1}
				return serialize(t, ip, icmp)
			},
			wantApp: model.ProtocolICMP,
		},
		{
			name: "unrecognized payload",
			packet: func(t *testing.T) []byte {
				return tcpPacket(t, client, endpoint{server.ip, 9999}, []byte("hello there"))
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e, s := newEngine(t)
			got := e.Detect(tc.packet(t), s.flow, s.a, s.b, 1)
			assert.Equal(t, tc.wantMaster, got.Master)
			assert.Equal(t, tc.wantApp, got.App)
		})
	}
}

func TestDetect_SMTPNeedsBothDirections(t *testing.T) {
	e, s := newEngine(t)
	mail := endpoint{server.ip, 25}

	got := e.Detect(tcpPacket(t, mail, client, []byte("220 mail.example.com ESMTP\r\n")), s.flow, s.b, s.a, 1)
	assert.Equal(t, model.ProtocolUnknown, got.Protocol())

	got = e.Detect(tcpPacket(t, client, mail, []byte("EHLO client.example.com\r\n")), s.flow, s.a, s.b, 2)
	assert.Equal(t, model.ProtocolSMTP, got.App)
}

func TestDetect_SMTPGreetingFromSameSideIsNotSMTP(t *testing.T) {
	e, s := newEngine(t, "SMTP")
	mail := endpoint{server.ip, 25}

	e.Detect(tcpPacket(t, mail, client, []byte("220 ready\r\n")), s.flow, s.b, s.a, 1)
	got := e.Detect(tcpPacket(t, mail, client, []byte("EHLO me\r\n")), s.flow, s.b, s.a, 2)
	assert.Equal(t, model.ProtocolUnknown, got.Protocol())
}

func TestDetect_FTPGreeting(t *testing.T) {
	e, s := newEngine(t)
	ftp := endpoint{server.ip, 21}

	got := e.Detect(tcpPacket(t, ftp, client, []byte("220 FTP server ready\r\n")), s.flow, s.b, s.a, 1)
	assert.Equal(t, model.ProtocolFTP, got.App)
}

func TestDetect_HTTPLaterInFlow(t *testing.T) {
	e, s := newEngine(t)
	web := endpoint{server.ip, 8080}

	got := e.Detect(tcpPacket(t, client, web, nil), s.flow, s.a, s.b, 1)
	assert.Equal(t, model.ProtocolUnknown, got.Protocol())
	got = e.Detect(tcpPacket(t, client, web, []byte("POST /api HTTP/1.0\r\n\r\n")), s.flow, s.a, s.b, 2)
	assert.Equal(t, model.ProtocolHTTP, got.Master)
}

func TestNew_ProtocolFilter(t *testing.T) {
	e, s := newEngine(t, "dns")
	got := e.Detect(tcpPacket(t, client, endpoint{server.ip, 80}, []byte("GET / HTTP/1.1\r\n\r\n")), s.flow, s.a, s.b, 1)
	assert.Equal(t, model.ProtocolUnknown, got.Protocol())

	_, err := New([]string{"gopher"})
	assert.Error(t, err)

	_, err = New([]string{"BitTorrent"})
	assert.Error(t, err)
}

func TestEngine_Lifecycle(t *testing.T) {
	e, err := New(nil)
	require.NoError(t, err)

	_, err = e.AllocFlowState()
	assert.ErrorIs(t, err, engine.ErrAllocation)

	require.NoError(t, e.Initialize())
	fs, err := e.AllocFlowState()
	require.NoError(t, err)
	ep, err := e.AllocEndpointState()
	require.NoError(t, err)
	assert.Equal(t, 2, e.Live())

	e.Free(fs)
	e.Free(fs)
	assert.Equal(t, 1, e.Live())

	assert.ErrorIs(t, e.Destroy(), ErrStatesAlive)
	e.Free(ep)
	assert.Zero(t, e.Live())
}

func TestDetect_ReleasedStateIsIgnored(t *testing.T) {
	e, s := newEngine(t)
	e.Free(s.flow)
	got := e.Detect(tcpPacket(t, client, endpoint{server.ip, 80}, []byte("GET / HTTP/1.1\r\n\r\n")), s.flow, s.a, s.b, 1)
	assert.Equal(t, engine.Result{}, got)
}

func fragmentPacket(t *testing.T, src, dst endpoint, l4 ...gopacket.SerializableLayer) []byte {
	ip := ipv4(src, dst, layers.IPProtocolTCP)
	ip.Flags = layers.IPv4MoreFragments
	ip.Id = 7
	for _, l := range l4 {
		if tcp, ok := l.(*layers.TCP); ok {
			require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
		}
	}
	return serialize(t, append([]gopacket.SerializableLayer{ip}, l4...)...)
}

func TestDetect_FirstFragmentIsInspected(t *testing.T) {
	clientHello := []byte{22, 3, 1, 0, 8, 1, 0, 0, 4, 3, 3, 0, 0}
	dst := endpoint{server.ip, 443}
	e, s := newEngine(t)

	tcp := &layers.TCP{SrcPort: layers.TCPPort(client.port), DstPort: layers.TCPPort(dst.port), PSH: true, ACK: true, Window: 1024}
	got := e.Detect(fragmentPacket(t, client, dst, tcp, gopacket.Payload(clientHello)), s.flow, s.a, s.b, 1)
	assert.Equal(t, model.ProtocolSSL, got.Protocol())
}

func TestDetect_TruncatedFirstFragmentExcludesNothing(t *testing.T) {
	clientHello := []byte{22, 3, 1, 0, 8, 1, 0, 0, 4, 3, 3, 0, 0}
	dst := endpoint{server.ip, 443}
	e, s := newEngine(t)

	// Only four bytes of TCP header made it into the first fragment.
	partial := gopacket.Payload{0x9c, 0x40, 0x01, 0xbb}
	got := e.Detect(fragmentPacket(t, client, dst, partial), s.flow, s.a, s.b, 1)
	assert.Equal(t, engine.Result{}, got)
	for i, excluded := range s.flow.(*flowState).excluded {
		assert.False(t, excluded, "dissector %d excluded", i)
	}

	got = e.Detect(tcpPacket(t, client, dst, clientHello), s.flow, s.a, s.b, 2)
	assert.Equal(t, model.ProtocolSSL, got.Protocol())
}

func TestFactoryRegistration(t *testing.T) {
	assert.Contains(t, factory.Registered(), Name)

	eng, err := factory.NewEngine(config.EngineConfig{Type: Name, Protocols: []string{"HTTP", "SSH"}})
	require.NoError(t, err)
	assert.Equal(t, Name, eng.Name())
	assert.Len(t, eng.(*Engine).dissectors, 2)
}
