package signature

import (
	"bytes"
	"encoding/binary"
	"regexp"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"Go2NetDPI/internal/model"
)

type outcome int

const (
	pending outcome = iota
	match
	exclude
)

type dissector interface {
	protocol() model.ProtocolID
	master() bool
	inspect(p *packetView, fs *flowState, src, dst *endpointState) outcome
}

func defaultDissectors() []dissector {
	return []dissector{
		icmpDissector{},
		netbiosDissector{},
		dnsDissector{},
		httpDissector{},
		firstPayload(model.ProtocolSSL, layers.LayerTypeTCP, isTLSClientHello),
		firstPayload(model.ProtocolSSH, layers.LayerTypeTCP, isSSHBanner),
		smtpDissector{},
		ftpDissector{},
		firstPayload(model.ProtocolRDP, layers.LayerTypeTCP, isRDPConnect),
		firstPayload(model.ProtocolSMB, layers.LayerTypeTCP, isSMBNegotiate),
		firstPayload(model.ProtocolDCERPC, layers.LayerTypeTCP, isDCERPCBind),
		firstPayload(model.ProtocolMQTT, layers.LayerTypeTCP, isMQTTConnect),
		firstPayload(model.ProtocolJabber, layers.LayerTypeTCP, isXMLStream),
	}
}

// payloadDissector decides on the first payload-carrying packet of a flow.
type payloadDissector struct {
	id        model.ProtocolID
	transport gopacket.LayerType
	check     func(payload []byte) bool
}

func firstPayload(id model.ProtocolID, transport gopacket.LayerType, check func([]byte) bool) payloadDissector {
	return payloadDissector{id: id, transport: transport, check: check}
}

func (d payloadDissector) protocol() model.ProtocolID { return d.id }
func (d payloadDissector) master() bool               { return false }

func (d payloadDissector) inspect(p *packetView, fs *flowState, _, _ *endpointState) outcome {
	if p.transport != d.transport {
		return exclude
	}
	if len(p.payload) == 0 {
		return pending
	}
	if fs.payloads == 1 && d.check(p.payload) {
		return match
	}
	return exclude
}

type icmpDissector struct{}

func (icmpDissector) protocol() model.ProtocolID { return model.ProtocolICMP }
func (icmpDissector) master() bool               { return false }

func (icmpDissector) inspect(p *packetView, _ *flowState, _, _ *endpointState) outcome {
	if p.ipProto == layers.IPProtocolICMPv4 {
		return match
	}
	return exclude
}

type dnsDissector struct{}

func (dnsDissector) protocol() model.ProtocolID { return model.ProtocolDNS }
func (dnsDissector) master() bool               { return false }

func (dnsDissector) inspect(p *packetView, fs *flowState, _, _ *endpointState) outcome {
	if !p.isUDP() {
		return exclude
	}
	if len(p.payload) == 0 {
		return pending
	}
	if fs.payloads != 1 {
		return exclude
	}
	var dns layers.DNS
	if err := dns.DecodeFromBytes(p.payload, gopacket.NilDecodeFeedback); err != nil {
		return exclude
	}
	if dns.QDCount == 0 || len(dns.Questions) == 0 {
		return exclude
	}
	return match
}

var httpRequestLine = regexp.MustCompile(`^(OPTIONS|GET|HEAD|POST|PUT|DELETE|TRACE|CONNECT|PATCH) [^\s]+ HTTP/[12](\.[01])?\r\n`)

// httpDissector looks at every TCP payload, not just the first one, and
// reports HTTP as the master protocol.
type httpDissector struct{}

func (httpDissector) protocol() model.ProtocolID { return model.ProtocolHTTP }
func (httpDissector) master() bool               { return true }

func (httpDissector) inspect(p *packetView, _ *flowState, _, _ *endpointState) outcome {
	if !p.isTCP() {
		return exclude
	}
	if httpRequestLine.Match(p.payload) {
		return match
	}
	return pending
}

func isTLSClientHello(payload []byte) bool {
	if len(payload) < 9 {
		return false
	}
	recordLen := int(binary.BigEndian.Uint16(payload[3:5]))
	helloLen := int(uint32(payload[6])<<16 | uint32(payload[7])<<8 | uint32(payload[8]))
	isHandshake := payload[0] == 22 && payload[1] <= 3 && recordLen == len(payload[5:])
	return isHandshake && payload[5] == 1 && helloLen == len(payload[9:])
}

func isSSHBanner(payload []byte) bool {
	s := string(payload)
	return strings.HasSuffix(s, "\n") && (strings.HasPrefix(s, "SSH") || strings.Contains(s, "OpenSSH"))
}

func isRDPConnect(payload []byte) bool {
	if len(payload) < 20 {
		return false
	}
	tpktLen := int(binary.BigEndian.Uint16(payload[2:4]))
	tpkt := payload[0] == 3 && payload[1] == 0 && tpktLen == len(payload)
	cotp := int(payload[4]) == len(payload[5:]) && payload[5] == 0xe0
	rest := payload[11:]
	return tpkt && cotp && (bytes.Contains(rest, []byte("mstshash=")) || bytes.Contains(rest, []byte("msts=")))
}

func isSMBNegotiate(payload []byte) bool {
	// optional NetBIOS session header
	if len(payload) > 4 && payload[0] == 0 {
		if int(binary.BigEndian.Uint32(payload[:4])) == len(payload[4:]) {
			payload = payload[4:]
		}
	}
	if len(payload) < 10 {
		return false
	}
	return bytes.HasPrefix(payload, []byte("\xffSMB")) &&
		payload[4] == 0x72 &&
		binary.BigEndian.Uint32(payload[5:9]) == 0 &&
		payload[9]&0x80 == 0
}

var dceBindPrefix = []byte{5, 0, 11, 3, 16, 0, 0, 0}

func isDCERPCBind(payload []byte) bool {
	if len(payload) < 24 {
		return false
	}
	return bytes.HasPrefix(payload, dceBindPrefix) && int(binary.LittleEndian.Uint16(payload[8:10])) == len(payload)
}

func isMQTTConnect(payload []byte) bool {
	if len(payload) < 6 {
		return false
	}
	return payload[0] == 0x10 && int(payload[1]) == len(payload[2:]) && bytes.HasPrefix(payload[4:], []byte("MQ"))
}

var xmlProlog = regexp.MustCompile(`^<\?xml\s+version=['"]\d+\.\d+['"]`)

func isXMLStream(payload []byte) bool {
	return xmlProlog.Match(payload)
}

// smtpDissector expects a "220" greeting from one endpoint followed by
// EHLO or HELO from the other.
type smtpDissector struct{}

func (smtpDissector) protocol() model.ProtocolID { return model.ProtocolSMTP }
func (smtpDissector) master() bool               { return false }

func (smtpDissector) inspect(p *packetView, fs *flowState, src, dst *endpointState) outcome {
	if !p.isTCP() {
		return exclude
	}
	if len(p.payload) == 0 {
		return pending
	}
	switch fs.payloads {
	case 1:
		for _, line := range strings.Split(string(p.payload), "\n") {
			if len(line) > 0 && !strings.HasPrefix(line, "220") {
				return exclude
			}
		}
		src.smtpBanner = true
		return pending
	case 2:
		s := string(p.payload)
		if dst.smtpBanner && (strings.HasPrefix(s, "EHLO ") || strings.HasPrefix(s, "HELO ")) && strings.HasSuffix(s, "\n") {
			return match
		}
	}
	return exclude
}

// ftpDissector matches a control connection on port 21 by its greeting or
// login command.
type ftpDissector struct{}

func (ftpDissector) protocol() model.ProtocolID { return model.ProtocolFTP }
func (ftpDissector) master() bool               { return false }

func (ftpDissector) inspect(p *packetView, fs *flowState, _, _ *endpointState) outcome {
	if !p.isTCP() || (p.srcPort != 21 && p.dstPort != 21) {
		return exclude
	}
	if len(p.payload) == 0 {
		return pending
	}
	if fs.payloads > 2 {
		return exclude
	}
	if (p.srcPort == 21 && bytes.HasPrefix(p.payload, []byte("220"))) ||
		(p.dstPort == 21 && bytes.HasPrefix(p.payload, []byte("USER "))) {
		return match
	}
	return pending
}

type netbiosDissector struct{}

func (netbiosDissector) protocol() model.ProtocolID { return model.ProtocolNetBIOS }
func (netbiosDissector) master() bool               { return false }

func (netbiosDissector) inspect(p *packetView, fs *flowState, _, _ *endpointState) outcome {
	if !p.isTCP() && !p.isUDP() {
		return exclude
	}
	if len(p.payload) == 0 {
		return pending
	}
	if fs.payloads != 1 {
		return exclude
	}
	if p.isTCP() && isNetBIOSSessionRequest(p.payload) {
		return match
	}
	if p.isUDP() && isNetBIOSNameQuery(p.payload, fs.firstDstBroadcast) {
		return match
	}
	return exclude
}

func isNetBIOSSessionRequest(payload []byte) bool {
	if len(payload) < 8 {
		return false
	}
	nbLen := int(binary.BigEndian.Uint16(payload[2:4]))
	names := bytes.Split(payload[4:], []byte{0})
	padded := len(names) == 3 && len(names[0]) > 0 && len(names[1]) > 0 && names[0][0] == ' ' && names[1][0] == ' '
	return payload[0] == 0x81 && payload[1] == 0 && nbLen+4 == len(payload) && padded
}

var oneQuestion = []byte{0, 1, 0, 0, 0, 0, 0, 0}

func isNetBIOSNameQuery(payload []byte, broadcast bool) bool {
	if len(payload) != 50 || !bytes.Equal(payload[4:12], oneQuestion) {
		return false
	}
	if broadcast {
		return payload[2] == 1 && payload[3] == 0x10
	}
	return payload[2] == 0 && payload[3] == 0
}
