// Package signature implements a stateful, payload-signature based protocol
// detection engine.
package signature

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"Go2NetDPI/internal/config"
	"Go2NetDPI/internal/engine"
	"Go2NetDPI/internal/factory"
	"Go2NetDPI/internal/model"
)

// Name is the engine type under which this engine is registered.
const Name = "signature"

// ErrStatesAlive is returned by Destroy while scratch state is still allocated.
var ErrStatesAlive = errors.New("signature engine destroyed with live scratch state")

func init() {
	factory.RegisterEngine(Name, func(cfg config.EngineConfig) (engine.Engine, error) {
		return New(cfg.Protocols)
	})
}

// flowState is the per-flow scratch state.
type flowState struct {
	packets           uint64
	payloads          uint64
	lastTick          uint64
	firstDstBroadcast bool
	excluded          []bool
	released          bool
}

// endpointState is the per-endpoint scratch state.
type endpointState struct {
	payloads   uint64
	smtpBanner bool
	released   bool
}

// Engine is the signature detection engine. It is not safe for concurrent use.
type Engine struct {
	dissectors  []dissector
	initialized bool
	live        int

	parser  *gopacket.DecodingLayerParser
	ip4     layers.IPv4
	tcp     layers.TCP
	udp     layers.UDP
	decoded []gopacket.LayerType
}

// New creates an engine restricted to the named protocols, or with every
// dissector when protocols is empty.
func New(protocols []string) (*Engine, error) {
	all := defaultDissectors()
	selected := all
	if len(protocols) > 0 {
		selected = make([]dissector, 0, len(protocols))
		for _, name := range protocols {
			id, ok := model.ParseProtocol(name)
			if !ok {
				return nil, fmt.Errorf("unknown protocol %q", name)
			}
			found := false
			for _, d := range all {
				if d.protocol() == id {
					selected = append(selected, d)
					found = true
				}
			}
			if !found {
				return nil, fmt.Errorf("no dissector for protocol %q", name)
			}
		}
	}

	e := &Engine{dissectors: selected}
	e.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &e.ip4, &e.tcp, &e.udp)
	e.parser.IgnoreUnsupported = true
	return e, nil
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return Name }

// Initialize implements engine.Engine.
func (e *Engine) Initialize() error {
	e.initialized = true
	return nil
}

// Destroy implements engine.Engine.
func (e *Engine) Destroy() error {
	e.initialized = false
	if e.live != 0 {
		return fmt.Errorf("%w: %d states", ErrStatesAlive, e.live)
	}
	return nil
}

// AllocFlowState implements engine.Engine.
func (e *Engine) AllocFlowState() (engine.State, error) {
	if !e.initialized {
		return nil, fmt.Errorf("%w: engine not initialized", engine.ErrAllocation)
	}
	e.live++
	return &flowState{excluded: make([]bool, len(e.dissectors))}, nil
}

// AllocEndpointState implements engine.Engine.
func (e *Engine) AllocEndpointState() (engine.State, error) {
	if !e.initialized {
		return nil, fmt.Errorf("%w: engine not initialized", engine.ErrAllocation)
	}
	e.live++
	return &endpointState{}, nil
}

// Free implements engine.Engine. Freeing the same state twice is a no-op.
func (e *Engine) Free(s engine.State) {
	switch st := s.(type) {
	case *flowState:
		if st.released {
			return
		}
		st.released = true
		st.excluded = nil
	case *endpointState:
		if st.released {
			return
		}
		st.released = true
	default:
		return
	}
	e.live--
}

// Live returns the number of allocated, not yet freed states.
func (e *Engine) Live() int { return e.live }

// Detect implements engine.Engine.
func (e *Engine) Detect(packet []byte, flow, src, dst engine.State, tick uint64) engine.Result {
	fs, ok1 := flow.(*flowState)
	ss, ok2 := src.(*endpointState)
	ds, ok3 := dst.(*endpointState)
	if !ok1 || !ok2 || !ok3 || fs.released || ss.released || ds.released {
		return engine.Result{}
	}

	if err := e.parser.DecodeLayers(packet, &e.decoded); err != nil {
		return engine.Result{}
	}

	view := packetView{ipProto: e.ip4.Protocol, dstIP: e.ip4.DstIP}
	for _, typ := range e.decoded {
		switch typ {
		case layers.LayerTypeTCP:
			view.transport = layers.LayerTypeTCP
			view.srcPort, view.dstPort = uint16(e.tcp.SrcPort), uint16(e.tcp.DstPort)
			view.payload = e.tcp.Payload
		case layers.LayerTypeUDP:
			view.transport = layers.LayerTypeUDP
			view.srcPort, view.dstPort = uint16(e.udp.SrcPort), uint16(e.udp.DstPort)
			view.payload = e.udp.Payload
		}
	}
	if view.transport == 0 && e.ip4.Flags&layers.IPv4MoreFragments != 0 {
		e.decodeFirstFragment(&view)
	}
	if view.transport == 0 && (view.ipProto == layers.IPProtocolTCP || view.ipProto == layers.IPProtocolUDP) {
		// Transport header missing or cut short: nothing to inspect, and no
		// dissector may be ruled out on its account.
		return engine.Result{}
	}

	fs.packets++
	fs.lastTick = tick
	if fs.packets == 1 {
		fs.firstDstBroadcast = len(view.dstIP) == 4 && view.dstIP[3] == 0xff
	}
	if len(view.payload) > 0 {
		fs.payloads++
		ss.payloads++
	}

	for i, d := range e.dissectors {
		if fs.excluded[i] {
			continue
		}
		switch d.inspect(&view, fs, ss, ds) {
		case match:
			if d.master() {
				return engine.Result{Master: d.protocol()}
			}
			return engine.Result{App: d.protocol()}
		case exclude:
			fs.excluded[i] = true
		}
	}
	return engine.Result{}
}

// decodeFirstFragment reads the transport header of an initial fragment,
// which gopacket hands over as a Fragment layer.
func (e *Engine) decodeFirstFragment(view *packetView) {
	data := e.ip4.Payload
	switch e.ip4.Protocol {
	case layers.IPProtocolTCP:
		if err := e.tcp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return
		}
		view.transport = layers.LayerTypeTCP
		view.srcPort, view.dstPort = uint16(e.tcp.SrcPort), uint16(e.tcp.DstPort)
		view.payload = e.tcp.Payload
	case layers.IPProtocolUDP:
		if len(data) < 8 {
			return
		}
		view.transport = layers.LayerTypeUDP
		view.srcPort = binary.BigEndian.Uint16(data[0:2])
		view.dstPort = binary.BigEndian.Uint16(data[2:4])
		view.payload = data[8:]
	}
}

// packetView is the decoded part of a packet the dissectors work on.
type packetView struct {
	ipProto   layers.IPProtocol
	dstIP     []byte
	transport gopacket.LayerType
	srcPort   uint16
	dstPort   uint16
	payload   []byte
}

func (p *packetView) isTCP() bool { return p.transport == layers.LayerTypeTCP }
func (p *packetView) isUDP() bool { return p.transport == layers.LayerTypeUDP }
