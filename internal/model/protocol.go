package model

import (
	"strconv"
	"strings"
)

// ProtocolID identifies a detected application protocol. The numbering follows
// the nDPI protocol table so verdicts stay comparable with nDPI deployments.
// 0 is reserved for "unknown".
type ProtocolID uint16

// Protocol identifiers reported by the detection engines.
const (
	ProtocolUnknown    ProtocolID = 0
	ProtocolFTP        ProtocolID = 1
	ProtocolSMTP       ProtocolID = 3
	ProtocolDNS        ProtocolID = 5
	ProtocolHTTP       ProtocolID = 7
	ProtocolNetBIOS    ProtocolID = 10
	ProtocolSMB        ProtocolID = 16
	ProtocolBitTorrent ProtocolID = 37
	ProtocolSSLNoCert  ProtocolID = 64
	ProtocolJabber     ProtocolID = 67
	ProtocolICMP       ProtocolID = 81
	ProtocolRDP        ProtocolID = 88
	ProtocolSSL        ProtocolID = 91
	ProtocolSSH        ProtocolID = 92
	ProtocolDCERPC     ProtocolID = 127
	ProtocolMQTT       ProtocolID = 222
)

var protocolNames = map[ProtocolID]string{
	ProtocolUnknown:    "Unknown",
	ProtocolFTP:        "FTP",
	ProtocolSMTP:       "SMTP",
	ProtocolDNS:        "DNS",
	ProtocolHTTP:       "HTTP",
	ProtocolNetBIOS:    "NetBIOS",
	ProtocolSMB:        "SMB",
	ProtocolBitTorrent: "BitTorrent",
	ProtocolSSLNoCert:  "SSL_No_Cert",
	ProtocolJabber:     "Jabber",
	ProtocolICMP:       "ICMP",
	ProtocolRDP:        "RDP",
	ProtocolSSL:        "SSL",
	ProtocolSSH:        "SSH",
	ProtocolDCERPC:     "DCERPC",
	ProtocolMQTT:       "MQTT",
}

// String returns the protocol name, or its number for protocols without one.
func (p ProtocolID) String() string {
	if name, ok := protocolNames[p]; ok {
		return name
	}
	return "proto-" + strconv.Itoa(int(p))
}

// IsUnknown reports whether p carries no verdict.
func (p ProtocolID) IsUnknown() bool {
	return p == ProtocolUnknown
}

// ParseProtocol looks up a protocol by its case-insensitive name.
func ParseProtocol(name string) (ProtocolID, bool) {
	for id, n := range protocolNames {
		if strings.EqualFold(n, name) {
			return id, true
		}
	}
	return ProtocolUnknown, false
}
