package model

import (
	"net"
	"sort"
	"time"
)

// FiveTuple represents the canonical, direction-free endpoints of a flow.
// The "lower" endpoint is the one with the numerically smaller address.
type FiveTuple struct {
	LowerIP   net.IP
	UpperIP   net.IP
	LowerPort uint16
	UpperPort uint16
	Protocol  uint8
}

// Verdict is the reportable state of one classified (or still classifying) flow.
type Verdict struct {
	Context     int
	FiveTuple   FiveTuple
	FirstSeen   time.Time
	LastSeen    time.Time
	PacketCount uint64
	ByteCount   uint64
	Protocol    ProtocolID
	Completed   bool
	// Engine names the detection engine that produced Protocol.
	Engine string
}

// ProtocolName returns the name of the detected protocol.
func (v Verdict) ProtocolName() string {
	return v.Protocol.String()
}

// SnapshotData is a point-in-time copy of every flow held by one
// classification context.
type SnapshotData struct {
	Context  int
	Verdicts []Verdict
}

// ProtocolCount is the number of flows and their traffic per detected protocol.
type ProtocolCount struct {
	Protocol    string `json:"protocol"`
	Flows       uint64 `json:"flows"`
	PacketCount uint64 `json:"packets"`
	ByteCount   uint64 `json:"bytes"`
}

// CountProtocols aggregates verdicts per protocol, ordered by flow count.
func CountProtocols(verdicts []Verdict) []ProtocolCount {
	byName := make(map[string]*ProtocolCount)
	for _, v := range verdicts {
		name := v.ProtocolName()
		pc, ok := byName[name]
		if !ok {
			pc = &ProtocolCount{Protocol: name}
			byName[name] = pc
		}
		pc.Flows++
		pc.PacketCount += v.PacketCount
		pc.ByteCount += v.ByteCount
	}

	counts := make([]ProtocolCount, 0, len(byName))
	for _, pc := range byName {
		counts = append(counts, *pc)
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Flows != counts[j].Flows {
			return counts[i].Flows > counts[j].Flows
		}
		return counts[i].Protocol < counts[j].Protocol
	})
	return counts
}
