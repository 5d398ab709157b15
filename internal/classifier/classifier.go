// Package classifier drives flow records through detection until their
// protocol verdict becomes final.
package classifier

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/rs/zerolog"

	"Go2NetDPI/internal/engine"
	"Go2NetDPI/internal/flow"
	"Go2NetDPI/internal/metrics"
	"Go2NetDPI/internal/model"
)

// Defaults of the completion policy and tick computation.
const (
	DefaultTickResolution   = 1000
	DefaultTCPPacketCeiling = 10
)

// Option configures a Classifier.
type Option func(*Classifier)

// WithTickResolution sets the number of engine ticks per second. It must
// divide 1e6; other values are ignored.
func WithTickResolution(res uint32) Option {
	return func(c *Classifier) {
		if res > 0 && 1_000_000%res == 0 {
			c.tickResolution = uint64(res)
		}
	}
}

// WithTCPPacketCeiling sets the number of packets after which a TCP flow
// completes even without a verdict.
func WithTCPPacketCeiling(n uint64) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.tcpCeiling = n
		}
	}
}

// WithOnComplete registers a callback invoked once per record when its
// verdict becomes final.
func WithOnComplete(fn func(*flow.Record)) Option {
	return func(c *Classifier) { c.onComplete = fn }
}

// WithOnEvict registers a callback invoked for every record removed by Expire
// or Close, before the record is destroyed.
func WithOnEvict(fn func(*flow.Record)) Option {
	return func(c *Classifier) { c.onEvict = fn }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Classifier) { c.logger = logger }
}

// Classifier owns one flow table and one detection engine. It is not safe
// for concurrent use.
type Classifier struct {
	engine         engine.Engine
	table          *flow.Table
	tickResolution uint64
	tcpCeiling     uint64
	onComplete     func(*flow.Record)
	onEvict        func(*flow.Record)
	logger         zerolog.Logger
	closed         bool
}

// New initializes eng and returns a classifier using it.
func New(eng engine.Engine, opts ...Option) (*Classifier, error) {
	c := &Classifier{
		engine:         eng,
		table:          flow.NewTable(),
		tickResolution: DefaultTickResolution,
		tcpCeiling:     DefaultTCPPacketCeiling,
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := eng.Initialize(); err != nil {
		if errors.Is(err, engine.ErrEngineDisabled) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to initialize engine %s: %w", eng.Name(), err)
	}
	c.logger.Debug().Str("engine", eng.Name()).Msg("Classifier initialized")
	return c, nil
}

// Len returns the number of records in the flow table.
func (c *Classifier) Len() int { return c.table.Len() }

// Process runs one captured frame through the classifier, creating its flow
// record when needed.
func (c *Classifier) Process(ci gopacket.CaptureInfo, data []byte) (model.ProtocolID, error) {
	if c.closed {
		return model.ProtocolUnknown, ErrClosed
	}
	fr, err := Decode(ci, data)
	if err != nil {
		return model.ProtocolUnknown, err
	}
	return c.ProcessFrame(fr)
}

// ProcessFrame is Process for an already decoded frame.
func (c *Classifier) ProcessFrame(fr Frame) (model.ProtocolID, error) {
	if c.closed {
		return model.ProtocolUnknown, ErrClosed
	}
	rec, err := c.locateOrCreate(fr.Key, fr.Time)
	if err != nil {
		return model.ProtocolUnknown, err
	}
	return c.classify(fr, rec), nil
}

// CreateFlowFor returns the record of the frame's flow, creating it and its
// scratch state if the flow is new.
func (c *Classifier) CreateFlowFor(ci gopacket.CaptureInfo, data []byte) (*flow.Record, error) {
	if c.closed {
		return nil, ErrClosed
	}
	fr, err := Decode(ci, data)
	if err != nil {
		return nil, err
	}
	return c.locateOrCreate(fr.Key, fr.Time)
}

// ProcessPacket classifies a frame against a record obtained from
// CreateFlowFor.
func (c *Classifier) ProcessPacket(ci gopacket.CaptureInfo, data []byte, rec *flow.Record) (model.ProtocolID, error) {
	if c.closed {
		return model.ProtocolUnknown, ErrClosed
	}
	if rec == nil || rec.Destroyed() {
		return model.ProtocolUnknown, ErrNoFlow
	}
	fr, err := Decode(ci, data)
	if err != nil {
		return model.ProtocolUnknown, err
	}
	if fr.Key != rec.Key {
		return model.ProtocolUnknown, fmt.Errorf("%w: packet %s does not belong to %s", ErrNoFlow, fr.Key, rec.Key)
	}
	return c.classify(fr, rec), nil
}

// ReleaseFlow removes rec from the table and frees its scratch state. It is
// safe to call on completed or already released records.
func (c *Classifier) ReleaseFlow(rec *flow.Record) {
	if rec == nil || rec.Destroyed() {
		return
	}
	if c.table.Find(rec.Key) == rec {
		c.table.Remove(rec.Key)
	}
	rec.Destroy(c.engine)
}

// Expire removes and destroys every record idle for longer than idle. It
// returns the number of evicted records.
func (c *Classifier) Expire(now time.Time, idle time.Duration) int {
	if c.closed || idle <= 0 {
		return 0
	}
	evicted := c.table.Idle(now, idle)
	for _, rec := range evicted {
		c.evict(rec)
	}
	if len(evicted) > 0 {
		metrics.RecordFlowsEvicted(len(evicted))
		c.logger.Debug().Int("evicted", len(evicted)).Int("remaining", c.table.Len()).Msg("Expired idle flows")
	}
	return len(evicted)
}

// Verdict returns the reportable state of rec, naming the engine that
// classified it.
func (c *Classifier) Verdict(rec *flow.Record, context int) model.Verdict {
	v := rec.Verdict(context)
	v.Engine = c.engine.Name()
	return v
}

// Verdicts returns a copy of every record in key order.
func (c *Classifier) Verdicts(context int) []model.Verdict {
	verdicts := make([]model.Verdict, 0, c.table.Len())
	c.table.Each(func(r *flow.Record) bool {
		verdicts = append(verdicts, c.Verdict(r, context))
		return true
	})
	return verdicts
}

// Close destroys every remaining record and then the engine.
func (c *Classifier) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	for _, rec := range c.table.Drain() {
		c.evict(rec)
	}
	if err := c.engine.Destroy(); err != nil {
		return fmt.Errorf("failed to destroy engine %s: %w", c.engine.Name(), err)
	}
	return nil
}

func (c *Classifier) evict(rec *flow.Record) {
	if c.onEvict != nil {
		c.onEvict(rec)
	}
	rec.Destroy(c.engine)
}

// locateOrCreate returns the record for key, creating it when absent.
func (c *Classifier) locateOrCreate(key flow.Key, ts time.Time) (*flow.Record, error) {
	if rec := c.table.Find(key); rec != nil {
		return rec, nil
	}

	scratch, err := flow.NewScratch(c.engine)
	if err != nil {
		if errors.Is(err, engine.ErrEngineDisabled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrAllocationFailure, err)
	}
	rec := flow.NewRecord(key, ts, scratch)
	if err := c.table.Insert(key, rec); err != nil {
		rec.Destroy(c.engine)
		return nil, fmt.Errorf("%w: %w", ErrAllocationFailure, err)
	}
	metrics.RecordFlowCreated()
	return rec, nil
}

// classify applies one accepted frame to rec and returns the resulting protocol.
func (c *Classifier) classify(fr Frame, rec *flow.Record) model.ProtocolID {
	if rec.Completed() {
		return rec.Protocol()
	}

	rec.Packets++
	rec.Bytes += uint64(fr.Length)
	if fr.Time.After(rec.LastSeen) {
		rec.LastSeen = fr.Time
	}

	scratch := rec.Scratch()
	src, dst := scratch.Endpoints(fr.Forward)
	metrics.RecordEngineCall()
	proto := c.engine.Detect(fr.IP, scratch.Flow, src, dst, c.tick(fr.Time)).Protocol()

	if proto != model.ProtocolUnknown ||
		rec.Key.Proto == flow.ProtoUDP ||
		(rec.Key.Proto == flow.ProtoTCP && rec.Packets > c.tcpCeiling) {
		c.complete(rec, proto)
	} else {
		rec.SetTentative(proto)
	}
	return proto
}

func (c *Classifier) complete(rec *flow.Record, proto model.ProtocolID) {
	rec.Complete(proto)
	rec.ReleaseScratch(c.engine)
	metrics.RecordFlowCompleted(proto.String())
	c.logger.Trace().
		Stringer("flow", rec.Key).
		Stringer("protocol", proto).
		Uint64("packets", rec.Packets).
		Msg("Flow completed")
	if c.onComplete != nil {
		c.onComplete(rec)
	}
}

// tick converts a packet timestamp to engine ticks.
func (c *Classifier) tick(ts time.Time) uint64 {
	if ts.Unix() < 0 {
		return 0
	}
	sec := uint64(ts.Unix())
	usec := uint64(ts.Nanosecond() / 1000)
	return sec*c.tickResolution + usec/(1_000_000/c.tickResolution)
}
