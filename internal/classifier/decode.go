package classifier

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"Go2NetDPI/internal/flow"
)

// Frame is a captured Ethernet frame reduced to what the classifier needs.
type Frame struct {
	Key     flow.Key
	Forward bool
	IP      []byte // IPv4 header and payload
	Time    time.Time
	Length  int // length on the wire
}

// Decode parses an Ethernet frame carrying IPv4, optionally behind one
// 802.1Q tag, and derives its flow key.
func Decode(ci gopacket.CaptureInfo, data []byte) (Frame, error) {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrUnsupportedLinkType, err)
	}

	etherType, payload := eth.EthernetType, eth.Payload
	if etherType == layers.EthernetTypeDot1Q {
		var tag layers.Dot1Q
		if err := tag.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrUnsupportedLinkType, err)
		}
		etherType, payload = tag.Type, tag.Payload
	}
	if etherType != layers.EthernetTypeIPv4 {
		return Frame{}, fmt.Errorf("%w: ethertype %s", ErrUnsupportedLinkType, etherType)
	}

	key, forward, err := flow.DeriveKey(payload)
	switch {
	case errors.Is(err, flow.ErrPacketTooShort):
		return Frame{}, fmt.Errorf("%w: %w", ErrUnsupportedLinkType, err)
	case errors.Is(err, flow.ErrFragmented):
		return Frame{}, fmt.Errorf("%w: %w", ErrFragmentedPacket, err)
	case err != nil:
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedHeader, err)
	}

	length := ci.Length
	if length <= 0 {
		length = len(data)
	}
	return Frame{
		Key:     key,
		Forward: forward,
		IP:      payload,
		Time:    ci.Timestamp,
		Length:  length,
	}, nil
}
