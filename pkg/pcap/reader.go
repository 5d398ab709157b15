// Package pcap reads Ethernet captures from pcap files.
package pcap

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// ErrUnsupportedLinkType is returned for captures that are not Ethernet.
var ErrUnsupportedLinkType = errors.New("unsupported link type")

// PacketHandler processes one captured frame. Returning an error stops reading.
type PacketHandler func(ci gopacket.CaptureInfo, data []byte) error

// Reader reads packets from a pcap file.
type Reader struct {
	file   *os.File
	source *pcapgo.Reader
}

// NewReader opens the pcap file at filePath.
func NewReader(filePath string) (*Reader, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	source, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read pcap header: %w", err)
	}
	if lt := source.LinkType(); lt != layers.LinkTypeEthernet {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLinkType, lt)
	}
	return &Reader{file: f, source: source}, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// ReadPackets hands every frame of the file to fn, in capture order, and
// returns the number of frames read. A truncated trailing record ends the
// file without error.
func (r *Reader) ReadPackets(fn PacketHandler) (int, error) {
	count := 0
	for {
		data, ci, err := r.source.ReadPacketData()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return count, nil
		}
		if err != nil {
			return count, err
		}
		count++
		if err := fn(ci, data); err != nil {
			return count, err
		}
	}
}
