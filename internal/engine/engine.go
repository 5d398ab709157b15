// Package engine defines the boundary between the flow classifier and a
// stateful protocol detection engine.
package engine

import (
	"errors"

	"Go2NetDPI/internal/model"
)

// ErrEngineDisabled is returned by every operation of an engine that was
// excluded by configuration.
var ErrEngineDisabled = errors.New("detection engine disabled")

// ErrAllocation is returned when the engine cannot provide scratch state.
var ErrAllocation = errors.New("engine scratch allocation failed")

// State is engine-private scratch memory. The classifier stores and threads
// it through Detect calls but never interprets it.
type State interface{}

// Result is the tentative verdict of one Detect call.
type Result struct {
	Master model.ProtocolID
	App    model.ProtocolID
}

// Protocol collapses the result to a single identifier: the master protocol
// takes precedence when it is known.
func (r Result) Protocol() model.ProtocolID {
	if r.Master != model.ProtocolUnknown {
		return r.Master
	}
	return r.App
}

// Engine is a stateful protocol detection engine.
//
// The engine is not required to be safe for concurrent use; every
// classification context owns its own instance.
type Engine interface {
	// Name identifies the engine in logs and verdicts.
	Name() string

	// Initialize prepares process-wide engine state. It must be called once
	// before any other method.
	Initialize() error

	// Destroy releases the engine. No scratch state may be alive when it is called.
	Destroy() error

	// AllocFlowState returns fresh per-flow scratch state.
	AllocFlowState() (State, error)

	// AllocEndpointState returns fresh per-endpoint scratch state.
	AllocEndpointState() (State, error)

	// Free releases scratch state obtained from one of the Alloc methods.
	Free(s State)

	// Detect inspects one IPv4 packet (header included). src is the state of
	// the endpoint that sent the packet, dst the state of its peer. tick is
	// the packet time expressed in engine ticks.
	Detect(packet []byte, flow, src, dst State, tick uint64) Result
}

// Disabled is the engine-absent strategy: it satisfies Engine but refuses to
// initialize or allocate.
type Disabled struct{}

// Name implements Engine.
func (Disabled) Name() string { return "disabled" }

// Initialize implements Engine.
func (Disabled) Initialize() error { return ErrEngineDisabled }

// Destroy implements Engine.
func (Disabled) Destroy() error { return nil }

// AllocFlowState implements Engine.
func (Disabled) AllocFlowState() (State, error) { return nil, ErrEngineDisabled }

// AllocEndpointState implements Engine.
func (Disabled) AllocEndpointState() (State, error) { return nil, ErrEngineDisabled }

// Free implements Engine.
func (Disabled) Free(State) {}

// Detect implements Engine.
func (Disabled) Detect([]byte, State, State, State, uint64) Result { return Result{} }
