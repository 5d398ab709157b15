package classifier

import (
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Go2NetDPI/internal/engine"
	"Go2NetDPI/internal/flow"
	"Go2NetDPI/internal/model"
)

type stubState struct{ id int }

// stubEngine replays scripted results and records every interaction.
type stubEngine struct {
	results   []engine.Result
	calls     int
	ticks     []uint64
	srcs      []engine.State
	allocs    int
	failAlloc int
	freed     map[engine.State]int
	destroyed int
}

func newStub(results ...engine.Result) *stubEngine {
	return &stubEngine{results: results, freed: map[engine.State]int{}}
}

func (s *stubEngine) Name() string      { return "stub" }
func (s *stubEngine) Initialize() error { return nil }
func (s *stubEngine) Destroy() error    { s.destroyed++; return nil }

func (s *stubEngine) alloc() (engine.State, error) {
	s.allocs++
	if s.failAlloc > 0 && s.allocs == s.failAlloc {
		return nil, engine.ErrAllocation
	}
	return &stubState{id: s.allocs}, nil
}

func (s *stubEngine) AllocFlowState() (engine.State, error)     { return s.alloc() }
func (s *stubEngine) AllocEndpointState() (engine.State, error) { return s.alloc() }
func (s *stubEngine) Free(st engine.State)                      { s.freed[st]++ }

func (s *stubEngine) Detect(_ []byte, _, src, _ engine.State, tick uint64) engine.Result {
	s.calls++
	s.ticks = append(s.ticks, tick)
	s.srcs = append(s.srcs, src)
	if s.calls <= len(s.results) {
		return s.results[s.calls-1]
	}
	return engine.Result{}
}

type packet struct {
	proto      layers.IPProtocol
	src, dst   string
	sport      uint16
	dport      uint16
	payload    []byte
	fragOffset uint16
}

func (p packet) reply() packet {
	p.src, p.dst = p.dst, p.src
	p.sport, p.dport = p.dport, p.sport
	return p
}

func buildFrame(t *testing.T, p packet) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:    4,
		TTL:        64,
		Protocol:   p.proto,
		SrcIP:      net.ParseIP(p.src).To4(),
		DstIP:      net.ParseIP(p.dst).To4(),
		FragOffset: p.fragOffset,
	}
	ls := []gopacket.SerializableLayer{eth, ip}
	switch p.proto {
	case layers.IPProtocolTCP:
		tcp := &layers.TCP{SrcPort: layers.TCPPort(p.sport), DstPort: layers.TCPPort(p.dport), ACK: true, Window: 512}
		require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
		ls = append(ls, tcp)
	case layers.IPProtocolUDP:
		udp := &layers.UDP{SrcPort: layers.UDPPort(p.sport), DstPort: layers.UDPPort(p.dport)}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		ls = append(ls, udp)
	}
	ls = append(ls, gopacket.Payload(p.payload))

	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, ls...))
	return buf.Bytes()
}

func capture(data []byte, ts time.Time) gopacket.CaptureInfo {
	return gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
}

var (
	udpFlow = packet{proto: layers.IPProtocolUDP, src: "1.2.3.4", dst: "5.6.7.8", sport: 1000, dport: 2000, payload: []byte("query")}
	tcpFlow = packet{proto: layers.IPProtocolTCP, src: "10.1.1.1", dst: "10.2.2.2", sport: 51000, dport: 80, payload: []byte("data")}
	start   = time.Unix(1_700_000_000, 0)
)

func newClassifier(t *testing.T, eng engine.Engine, opts ...Option) *Classifier {
	t.Helper()
	c, err := New(eng, opts...)
	require.NoError(t, err)
	return c
}

func TestProcess_UDPCompletesOnFirstPacket(t *testing.T) {
	stub := newStub(engine.Result{})
	c := newClassifier(t, stub)

	for i, p := range []packet{udpFlow, udpFlow.reply(), udpFlow} {
		data := buildFrame(t, p)
		proto, err := c.Process(capture(data, start.Add(time.Duration(i)*time.Millisecond)), data)
		require.NoError(t, err)
		assert.Equal(t, model.ProtocolUnknown, proto)
	}

	assert.Equal(t, 1, stub.calls)
	assert.Equal(t, 1, c.Len())

	verdicts := c.Verdicts(0)
	require.Len(t, verdicts, 1)
	assert.True(t, verdicts[0].Completed)
	assert.EqualValues(t, 1, verdicts[0].PacketCount)
	assert.Equal(t, "1.2.3.4", verdicts[0].FiveTuple.LowerIP.String())

	require.Len(t, stub.freed, 3)
	for _, n := range stub.freed {
		assert.Equal(t, 1, n)
	}
}

func TestProcess_TCPCeiling(t *testing.T) {
	results := make([]engine.Result, 12)
	results[11] = engine.Result{App: model.ProtocolHTTP}
	stub := newStub(results...)
	c := newClassifier(t, stub)

	var rec *flow.Record
	for i := 1; i <= 12; i++ {
		p := tcpFlow
		if i%2 == 0 {
			p = tcpFlow.reply()
		}
		data := buildFrame(t, p)
		ci := capture(data, start.Add(time.Duration(i)*time.Millisecond))
		if rec == nil {
			var err error
			rec, err = c.CreateFlowFor(ci, data)
			require.NoError(t, err)
		}

		proto, err := c.ProcessPacket(ci, data, rec)
		require.NoError(t, err)
		assert.Equal(t, model.ProtocolUnknown, proto, "packet %d", i)

		switch {
		case i <= 10:
			assert.False(t, rec.Completed(), "packet %d", i)
		default:
			assert.True(t, rec.Completed(), "packet %d", i)
		}
	}

	assert.Equal(t, 11, stub.calls)
	assert.EqualValues(t, 11, rec.Packets)
	assert.Equal(t, model.ProtocolUnknown, rec.Protocol())
}

func TestProcess_CompletesOnVerdict(t *testing.T) {
	stub := newStub(engine.Result{}, engine.Result{}, engine.Result{App: model.ProtocolHTTP})
	c := newClassifier(t, stub)
	data := buildFrame(t, tcpFlow)

	for i := 0; i < 2; i++ {
		proto, err := c.Process(capture(data, start), data)
		require.NoError(t, err)
		assert.Equal(t, model.ProtocolUnknown, proto)
	}
	for i := 0; i < 3; i++ {
		proto, err := c.Process(capture(data, start), data)
		require.NoError(t, err)
		assert.Equal(t, model.ProtocolHTTP, proto)
	}
	assert.Equal(t, 3, stub.calls)
}

func TestProcess_MasterProtocolWins(t *testing.T) {
	stub := newStub(engine.Result{Master: model.ProtocolHTTP, App: model.ProtocolSSL})
	c := newClassifier(t, stub)
	data := buildFrame(t, tcpFlow)

	proto, err := c.Process(capture(data, start), data)
	require.NoError(t, err)
	assert.Equal(t, model.ProtocolHTTP, proto)
}

func TestProcess_OnCompleteFiresOnce(t *testing.T) {
	var completed []*flow.Record
	stub := newStub(engine.Result{App: model.ProtocolDNS})
	c := newClassifier(t, stub, WithOnComplete(func(r *flow.Record) { completed = append(completed, r) }))
	data := buildFrame(t, udpFlow)

	for i := 0; i < 3; i++ {
		_, err := c.Process(capture(data, start), data)
		require.NoError(t, err)
	}
	require.Len(t, completed, 1)
	assert.Equal(t, model.ProtocolDNS, completed[0].Protocol())
}

func TestProcess_EndpointStatesFollowDirection(t *testing.T) {
	stub := newStub()
	c := newClassifier(t, stub)

	for _, p := range []packet{tcpFlow, tcpFlow.reply(), tcpFlow} {
		data := buildFrame(t, p)
		_, err := c.Process(capture(data, start), data)
		require.NoError(t, err)
	}

	require.Len(t, stub.srcs, 3)
	assert.Same(t, stub.srcs[0], stub.srcs[2])
	assert.NotSame(t, stub.srcs[0], stub.srcs[1])
}

func TestProcess_Tick(t *testing.T) {
	stub := newStub()
	c := newClassifier(t, stub)
	data := buildFrame(t, tcpFlow)

	_, err := c.Process(capture(data, time.Unix(5, 123_456_000)), data)
	require.NoError(t, err)

	c2 := newClassifier(t, newStub(), WithTickResolution(100))
	_, err = c2.Process(capture(data, time.Unix(5, 123_456_000)), data)
	require.NoError(t, err)

	assert.Equal(t, []uint64{5123}, stub.ticks)
	assert.Equal(t, []uint64{512}, c2.engine.(*stubEngine).ticks)
}

func TestProcess_TickBeforeEpoch(t *testing.T) {
	stub := newStub()
	c := newClassifier(t, stub)
	data := buildFrame(t, tcpFlow)

	_, err := c.Process(capture(data, time.Time{}), data)
	require.NoError(t, err)
	_, err = c.Process(capture(data, time.Unix(-1, 500_000_000)), data)
	require.NoError(t, err)

	assert.Equal(t, []uint64{0, 0}, stub.ticks)
}

func TestProcess_ByteCountUsesWireLength(t *testing.T) {
	c := newClassifier(t, newStub())
	data := buildFrame(t, tcpFlow)
	ci := capture(data, start)
	ci.Length = 1514

	rec, err := c.CreateFlowFor(ci, data)
	require.NoError(t, err)
	_, err = c.ProcessPacket(ci, data, rec)
	require.NoError(t, err)
	assert.EqualValues(t, 1514, rec.Bytes)
}

func TestProcess_Rejections(t *testing.T) {
	valid := buildFrame(t, tcpFlow)

	fragment := append([]byte(nil), valid...)
	fragment[14+6], fragment[14+7] = 0x00, 0x20

	badTotal := append([]byte(nil), valid...)
	badTotal[14+2], badTotal[14+3] = 0x05, 0xdc

	arp := append([]byte(nil), valid...)
	arp[12], arp[13] = 0x08, 0x06

	ipv6 := append([]byte(nil), valid...)
	ipv6[12], ipv6[13] = 0x86, 0xdd

	tests := []struct {
		name string
		data []byte
		want error
		code int
	}{
		{"fragment", fragment, ErrFragmentedPacket, CodeFragmentedPacket},
		{"total length", badTotal, ErrMalformedHeader, CodeMalformedHeader},
		{"arp", arp, ErrUnsupportedLinkType, CodeUnsupportedLinkType},
		{"ipv6", ipv6, ErrUnsupportedLinkType, CodeUnsupportedLinkType},
		{"short frame", valid[:10], ErrUnsupportedLinkType, CodeUnsupportedLinkType},
		{"short ip header", valid[:14+12], ErrUnsupportedLinkType, CodeUnsupportedLinkType},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stub := newStub()
			c := newClassifier(t, stub)

			rec, err := c.CreateFlowFor(capture(valid, start), valid)
			require.NoError(t, err)

			_, err = c.Process(capture(tc.data, start), tc.data)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, tc.code, Code(err))

			_, err = c.ProcessPacket(capture(tc.data, start), tc.data, rec)
			assert.ErrorIs(t, err, tc.want)

			assert.Zero(t, rec.Packets)
			assert.Zero(t, rec.Bytes)
			assert.Zero(t, stub.calls)
			assert.Equal(t, 1, c.Len())
		})
	}
}

func TestProcessPacket_NoFlow(t *testing.T) {
	c := newClassifier(t, newStub())
	data := buildFrame(t, tcpFlow)

	_, err := c.ProcessPacket(capture(data, start), data, nil)
	assert.ErrorIs(t, err, ErrNoFlow)
	assert.Equal(t, CodeNoFlow, Code(err))

	other := buildFrame(t, udpFlow)
	rec, err := c.CreateFlowFor(capture(other, start), other)
	require.NoError(t, err)
	_, err = c.ProcessPacket(capture(data, start), data, rec)
	assert.ErrorIs(t, err, ErrNoFlow)
	assert.Zero(t, rec.Packets)
}

func TestReleaseFlow_SingleRelease(t *testing.T) {
	stub := newStub()
	c := newClassifier(t, stub)
	data := buildFrame(t, udpFlow)
	ci := capture(data, start)

	rec, err := c.CreateFlowFor(ci, data)
	require.NoError(t, err)
	_, err = c.ProcessPacket(ci, data, rec)
	require.NoError(t, err)
	require.True(t, rec.Completed())

	c.ReleaseFlow(rec)
	c.ReleaseFlow(rec)
	assert.Zero(t, c.Len())

	require.Len(t, stub.freed, 3)
	for _, n := range stub.freed {
		assert.Equal(t, 1, n)
	}

	_, err = c.ProcessPacket(ci, data, rec)
	assert.ErrorIs(t, err, ErrNoFlow)
}

func TestReleaseFlow_ActiveRecord(t *testing.T) {
	stub := newStub()
	c := newClassifier(t, stub)
	data := buildFrame(t, tcpFlow)

	rec, err := c.CreateFlowFor(capture(data, start), data)
	require.NoError(t, err)
	assert.Same(t, rec, mustCreate(t, c, data))

	c.ReleaseFlow(rec)
	assert.Len(t, stub.freed, 3)
	assert.NotSame(t, rec, mustCreate(t, c, data))
}

func mustCreate(t *testing.T, c *Classifier, data []byte) *flow.Record {
	t.Helper()
	rec, err := c.CreateFlowFor(capture(data, start), data)
	require.NoError(t, err)
	return rec
}

func TestCreateFlowFor_AllocationFailure(t *testing.T) {
	stub := newStub()
	stub.failAlloc = 2
	c := newClassifier(t, stub)
	data := buildFrame(t, tcpFlow)

	rec, err := c.CreateFlowFor(capture(data, start), data)
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, ErrAllocationFailure)
	assert.Equal(t, CodeAllocationFailure, Code(err))
	assert.Zero(t, c.Len())
	assert.Len(t, stub.freed, 1)
}

func TestNew_DisabledEngine(t *testing.T) {
	c, err := New(engine.Disabled{})
	assert.Nil(t, c)
	assert.ErrorIs(t, err, ErrEngineDisabled)
	assert.Equal(t, CodeEngineDisabled, Code(err))
}

func TestExpire(t *testing.T) {
	stub := newStub()
	var evicted []model.Verdict
	c := newClassifier(t, stub, WithOnEvict(func(r *flow.Record) { evicted = append(evicted, r.Verdict(3)) }))

	old := buildFrame(t, tcpFlow)
	_, err := c.Process(capture(old, start), old)
	require.NoError(t, err)

	fresh := buildFrame(t, udpFlow)
	_, err = c.Process(capture(fresh, start.Add(4*time.Minute)), fresh)
	require.NoError(t, err)

	assert.Zero(t, c.Expire(start.Add(5*time.Minute), 0))
	assert.Equal(t, 1, c.Expire(start.Add(5*time.Minute+time.Second), 5*time.Minute))
	assert.Equal(t, 1, c.Len())

	require.Len(t, evicted, 1)
	assert.Equal(t, 3, evicted[0].Context)
	assert.False(t, evicted[0].Completed)
	assert.Len(t, stub.freed, 6)
}

func TestClose(t *testing.T) {
	stub := newStub()
	c := newClassifier(t, stub)
	data := buildFrame(t, tcpFlow)
	_, err := c.Process(capture(data, start), data)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, stub.destroyed)
	assert.Len(t, stub.freed, 3)

	_, err = c.Process(capture(data, start), data)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCode(t *testing.T) {
	assert.Equal(t, CodeOK, Code(nil))
	assert.Equal(t, CodeUnknown, Code(errors.New("other")))
	assert.Equal(t, -0x1000, CodeEngineDisabled)
	assert.Equal(t, -15, CodeClosed)
	assert.Equal(t, CodeClosed, Code(ErrClosed))
	assert.Equal(t, CodeClosed, Code(fmt.Errorf("process: %w", ErrClosed)))
	assert.Equal(t, CodeEngineDisabled, Code(ErrEngineDisabled))
}

func TestClose_Code(t *testing.T) {
	c := newClassifier(t, newStub())
	require.NoError(t, c.Close())

	data := buildFrame(t, tcpFlow)
	_, err := c.Process(capture(data, start), data)
	assert.Equal(t, CodeClosed, Code(err))
	assert.NotEqual(t, Code(ErrEngineDisabled), Code(err))
}

func TestVerdicts_Engine(t *testing.T) {
	stub := newStub()
	c := newClassifier(t, stub)
	data := buildFrame(t, tcpFlow)
	rec := mustCreate(t, c, data)

	verdicts := c.Verdicts(2)
	require.Len(t, verdicts, 1)
	assert.Equal(t, "stub", verdicts[0].Engine)
	assert.Equal(t, 2, verdicts[0].Context)
	assert.Equal(t, stub.Name(), c.Verdict(rec, 0).Engine)
}
