package flow

import (
	"fmt"
	"time"

	"Go2NetDPI/internal/engine"
	"Go2NetDPI/internal/model"
)

// Scratch bundles the engine-private state owned by one record.
type Scratch struct {
	Flow  engine.State
	Lower engine.State
	Upper engine.State
}

// NewScratch allocates the flow and both endpoint states. On failure every
// state allocated so far is freed before returning.
func NewScratch(e engine.Engine) (*Scratch, error) {
	s := &Scratch{}
	var err error
	if s.Flow, err = e.AllocFlowState(); err != nil {
		return nil, fmt.Errorf("flow state: %w", err)
	}
	if s.Lower, err = e.AllocEndpointState(); err != nil {
		s.free(e)
		return nil, fmt.Errorf("lower endpoint state: %w", err)
	}
	if s.Upper, err = e.AllocEndpointState(); err != nil {
		s.free(e)
		return nil, fmt.Errorf("upper endpoint state: %w", err)
	}
	return s, nil
}

// Endpoints returns the (src, dst) endpoint states for a packet travelling
// in the given direction.
func (s *Scratch) Endpoints(forward bool) (src, dst engine.State) {
	if forward {
		return s.Lower, s.Upper
	}
	return s.Upper, s.Lower
}

func (s *Scratch) free(e engine.Engine) {
	for _, st := range [...]engine.State{s.Flow, s.Lower, s.Upper} {
		if st != nil {
			e.Free(st)
		}
	}
}

// Record is the mutable state of one bidirectional flow.
type Record struct {
	Key       Key
	FirstSeen time.Time
	LastSeen  time.Time
	Packets   uint64
	Bytes     uint64

	completed bool
	destroyed bool
	protocol  model.ProtocolID
	scratch   *Scratch
}

// NewRecord creates an active record that owns scratch.
func NewRecord(key Key, firstSeen time.Time, scratch *Scratch) *Record {
	return &Record{
		Key:       key,
		FirstSeen: firstSeen,
		LastSeen:  firstSeen,
		scratch:   scratch,
	}
}

// Completed reports whether the verdict of the flow is final.
func (r *Record) Completed() bool { return r.completed }

// Protocol returns the last detected protocol; it is final once Completed is true.
func (r *Record) Protocol() model.ProtocolID { return r.protocol }

// Scratch returns the engine state of the record, or nil once it was released.
func (r *Record) Scratch() *Scratch { return r.scratch }

// FirstSeenSeconds returns the seconds part of the first packet timestamp.
func (r *Record) FirstSeenSeconds() int64 { return r.FirstSeen.Unix() }

// FirstSeenMicros returns the microseconds part of the first packet timestamp.
func (r *Record) FirstSeenMicros() int64 { return int64(r.FirstSeen.Nanosecond() / 1000) }

// SetTentative stores a verdict that may still change.
func (r *Record) SetTentative(p model.ProtocolID) {
	if !r.completed {
		r.protocol = p
	}
}

// Complete fixes the verdict. Later calls are no-ops.
func (r *Record) Complete(p model.ProtocolID) {
	if r.completed {
		return
	}
	r.protocol = p
	r.completed = true
}

// ReleaseScratch hands the scratch state back to the engine. The state is
// detached from the record before it is freed, so it is released at most
// once no matter how often this is called.
func (r *Record) ReleaseScratch(e engine.Engine) bool {
	s := r.scratch
	if s == nil {
		return false
	}
	r.scratch = nil
	s.free(e)
	return true
}

// Destroy releases any remaining scratch state and marks the record as no
// longer usable for classification.
func (r *Record) Destroy(e engine.Engine) {
	r.ReleaseScratch(e)
	r.destroyed = true
}

// Destroyed reports whether Destroy was called.
func (r *Record) Destroyed() bool { return r.destroyed }

// Verdict returns a reportable copy of the record.
func (r *Record) Verdict(context int) model.Verdict {
	return model.Verdict{
		Context:     context,
		FiveTuple:   r.Key.FiveTuple(),
		FirstSeen:   r.FirstSeen,
		LastSeen:    r.LastSeen,
		PacketCount: r.Packets,
		ByteCount:   r.Bytes,
		Protocol:    r.protocol,
		Completed:   r.completed,
	}
}
