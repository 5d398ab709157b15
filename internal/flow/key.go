// Package flow holds the canonical flow identity, the per-flow record and the
// table that indexes records by key.
package flow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/cespare/xxhash/v2"

	"Go2NetDPI/internal/model"
)

// IP protocol numbers with transport ports.
const (
	ProtoTCP uint8 = 6
	ProtoUDP uint8 = 17
)

const (
	ipv4MinHeaderLen = 20
	tcpMinHeaderLen  = 20
	udpHeaderLen     = 8
	fragOffsetMask   = 0x1fff
)

var (
	// ErrPacketTooShort is returned when fewer bytes than a minimal IPv4 header are available.
	ErrPacketTooShort = errors.New("packet shorter than minimal IPv4 header")
	// ErrHeaderLength is returned when the declared header or total length exceeds the available bytes.
	ErrHeaderLength = errors.New("IPv4 header length inconsistent with captured bytes")
	// ErrFragmented is returned for IPv4 fragments with a non-zero offset.
	ErrFragmented = errors.New("non-initial IPv4 fragment")
)

// Key is the canonical, direction-free identity of a bidirectional flow.
// Key is comparable and is used directly as a map key.
type Key struct {
	LowerAddr uint32
	UpperAddr uint32
	LowerPort uint16
	UpperPort uint16
	Proto     uint8
}

// DeriveKey computes the flow key of an IPv4 packet (header included).
// forward reports whether the packet was sent by the lower endpoint.
func DeriveKey(ip []byte) (key Key, forward bool, err error) {
	if len(ip) < ipv4MinHeaderLen {
		return Key{}, false, ErrPacketTooShort
	}

	headerLen := int(ip[0]&0x0f) * 4
	totalLen := int(binary.BigEndian.Uint16(ip[2:4]))
	if headerLen > len(ip) || totalLen > len(ip) {
		return Key{}, false, ErrHeaderLength
	}
	if binary.BigEndian.Uint16(ip[6:8])&fragOffsetMask != 0 {
		return Key{}, false, ErrFragmented
	}

	proto := ip[9]
	src := binary.BigEndian.Uint32(ip[12:16])
	dst := binary.BigEndian.Uint32(ip[16:20])

	// A total length below the header length leaves l4Len negative: no ports.
	var srcPort, dstPort uint16
	l4Len := totalLen - headerLen
	if (proto == ProtoTCP && l4Len >= tcpMinHeaderLen) || (proto == ProtoUDP && l4Len >= udpHeaderLen) {
		l4 := ip[headerLen:]
		srcPort = binary.BigEndian.Uint16(l4[0:2])
		dstPort = binary.BigEndian.Uint16(l4[2:4])
	}

	forward = src < dst || (src == dst && srcPort <= dstPort)
	if forward {
		key = Key{LowerAddr: src, UpperAddr: dst, LowerPort: srcPort, UpperPort: dstPort, Proto: proto}
	} else {
		key = Key{LowerAddr: dst, UpperAddr: src, LowerPort: dstPort, UpperPort: srcPort, Proto: proto}
	}
	return key, forward, nil
}

// Compare orders keys lexicographically over
// (LowerAddr, LowerPort, UpperAddr, UpperPort, Proto).
func Compare(a, b Key) int {
	switch {
	case a.LowerAddr != b.LowerAddr:
		return cmp32(a.LowerAddr, b.LowerAddr)
	case a.LowerPort != b.LowerPort:
		return cmp32(uint32(a.LowerPort), uint32(b.LowerPort))
	case a.UpperAddr != b.UpperAddr:
		return cmp32(a.UpperAddr, b.UpperAddr)
	case a.UpperPort != b.UpperPort:
		return cmp32(uint32(a.UpperPort), uint32(b.UpperPort))
	default:
		return cmp32(uint32(a.Proto), uint32(b.Proto))
	}
}

func cmp32(a, b uint32) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// Hash returns a hash of the key. Both directions of a flow share a key, so
// they share a hash too.
func (k Key) Hash() uint32 {
	var buf [13]byte
	binary.BigEndian.PutUint32(buf[0:4], k.LowerAddr)
	binary.BigEndian.PutUint16(buf[4:6], k.LowerPort)
	binary.BigEndian.PutUint32(buf[6:10], k.UpperAddr)
	binary.BigEndian.PutUint16(buf[10:12], k.UpperPort)
	buf[12] = k.Proto
	h := xxhash.Sum64(buf[:])
	return uint32(h ^ h>>32)
}

// FiveTuple converts the key to its reportable form.
func (k Key) FiveTuple() model.FiveTuple {
	return model.FiveTuple{
		LowerIP:   addrToIP(k.LowerAddr),
		UpperIP:   addrToIP(k.UpperAddr),
		LowerPort: k.LowerPort,
		UpperPort: k.UpperPort,
		Protocol:  k.Proto,
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d <-> %s:%d/%d",
		addrToIP(k.LowerAddr), k.LowerPort, addrToIP(k.UpperAddr), k.UpperPort, k.Proto)
}

func addrToIP(a uint32) net.IP {
	ip := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(ip, a)
	return ip
}
