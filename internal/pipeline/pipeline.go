// Package pipeline runs several independent classification contexts in
// parallel and feeds their state to snapshot writers and a verdict sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/rs/zerolog"

	"Go2NetDPI/internal/classifier"
	"Go2NetDPI/internal/config"
	_ "Go2NetDPI/internal/engine/signature" // Registers the signature engine
	"Go2NetDPI/internal/factory"
	"Go2NetDPI/internal/flow"
	"Go2NetDPI/internal/metrics"
	"Go2NetDPI/internal/model"
)

var (
	// ErrStopped is returned by Input after Stop was called.
	ErrStopped = errors.New("pipeline stopped")
	// ErrNotStarted is returned by Input before Start was called.
	ErrNotStarted = errors.New("pipeline not started")
)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithWriters sets the snapshot writers.
func WithWriters(writers ...model.Writer) Option {
	return func(p *Pipeline) { p.writers = append(p.writers, writers...) }
}

// WithSink sets the receiver of completed verdicts.
func WithSink(sink model.VerdictSink) Option {
	return func(p *Pipeline) { p.sink = sink }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// Pipeline distributes packets over classification contexts by flow key.
type Pipeline struct {
	workers []*worker
	writers []model.Writer
	sink    model.VerdictSink
	logger  zerolog.Logger

	idleTimeout    time.Duration
	expireInterval time.Duration

	// retired holds, per writer, the verdicts of flows evicted since that
	// writer's last snapshot.
	retired []*retiredQueue

	mu       sync.RWMutex
	started  bool
	stopped  bool
	stopping chan struct{}
	inflight sync.WaitGroup

	done          chan struct{}
	quit          chan struct{}
	workerWg      sync.WaitGroup
	snapshotterWg sync.WaitGroup
}

// New builds one classifier per configured context. Each context gets its
// own engine instance from the engine factory.
func New(cfg *config.Config, opts ...Option) (*Pipeline, error) {
	idle, err := cfg.IdleTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid idle timeout: %w", err)
	}
	expire, err := cfg.ExpireInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid expire interval: %w", err)
	}

	p := &Pipeline{
		logger:         zerolog.Nop(),
		idleTimeout:    idle,
		expireInterval: expire,
		stopping:       make(chan struct{}),
		done:           make(chan struct{}),
		quit:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	for range p.writers {
		p.retired = append(p.retired, &retiredQueue{})
	}

	for i := 0; i < cfg.Classifier.NumContexts; i++ {
		w, err := p.newWorker(i, cfg)
		if err != nil {
			for _, created := range p.workers {
				_ = created.classifier.Close()
			}
			return nil, fmt.Errorf("context %d: %w", i, err)
		}
		p.workers = append(p.workers, w)
	}
	return p, nil
}

func (p *Pipeline) newWorker(id int, cfg *config.Config) (*worker, error) {
	eng, err := factory.NewEngine(cfg.Engine)
	if err != nil {
		return nil, err
	}

	w := &worker{
		id:        id,
		pipeline:  p,
		packets:   make(chan classifier.Frame, cfg.Classifier.SizeOfPacketChannel),
		snapshots: make(chan chan model.SnapshotData),
		drained:   make(chan struct{}),
		exited:    make(chan struct{}),
		logger:    p.logger.With().Int("context", id).Logger(),
	}
	w.classifier, err = classifier.New(eng,
		classifier.WithTickResolution(cfg.Engine.TickResolution),
		classifier.WithTCPPacketCeiling(cfg.Engine.TCPPacketCeiling),
		classifier.WithOnComplete(w.onComplete),
		classifier.WithOnEvict(w.onEvict),
		classifier.WithLogger(w.logger),
	)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// NumContexts returns the number of classification contexts.
func (p *Pipeline) NumContexts() int { return len(p.workers) }

// Start launches the context goroutines and one snapshotter per writer.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	for i, writer := range p.writers {
		p.snapshotterWg.Add(1)
		go p.runSnapshotter(writer, p.retired[i])
		p.logger.Info().Dur("interval", writer.GetInterval()).Msg("Started snapshotter")
	}

	p.workerWg.Add(len(p.workers))
	for _, w := range p.workers {
		go w.run()
	}
	p.logger.Info().
		Int("contexts", len(p.workers)).
		Dur("idle_timeout", p.idleTimeout).
		Msg("Pipeline started")
}

// Input decodes a captured frame and queues it on the context owning its
// flow. data must not be modified after the call. Undecodable frames are
// counted and returned as errors. A frame still waiting for queue space when
// Stop is called is dropped with ErrStopped.
func (p *Pipeline) Input(ci gopacket.CaptureInfo, data []byte) error {
	fr, err := classifier.Decode(ci, data)
	if err != nil {
		metrics.RecordPacket(resultLabel(err))
		return err
	}

	p.mu.RLock()
	switch {
	case p.stopped:
		p.mu.RUnlock()
		return ErrStopped
	case !p.started:
		p.mu.RUnlock()
		return ErrNotStarted
	}
	p.inflight.Add(1)
	p.mu.RUnlock()
	defer p.inflight.Done()

	w := p.workers[fr.Key.Hash()%uint32(len(p.workers))]
	select {
	case w.packets <- fr:
		return nil
	case <-p.stopping:
		return ErrStopped
	}
}

// Snapshot returns the current verdicts of every running context.
func (p *Pipeline) Snapshot(ctx context.Context) []model.SnapshotData {
	p.mu.RLock()
	started := p.started
	p.mu.RUnlock()
	if !started {
		return nil
	}

	snaps := make([]model.SnapshotData, 0, len(p.workers))
	for _, w := range p.workers {
		if snap, ok := w.snapshot(ctx); ok {
			snaps = append(snaps, snap)
		}
	}
	return snaps
}

// Flows returns the current verdicts of all contexts.
func (p *Pipeline) Flows(ctx context.Context) ([]model.Verdict, error) {
	var verdicts []model.Verdict
	for _, snap := range p.Snapshot(ctx) {
		verdicts = append(verdicts, snap.Verdicts...)
	}
	return verdicts, ctx.Err()
}

// ProtocolCounts aggregates the current verdicts per protocol.
func (p *Pipeline) ProtocolCounts(ctx context.Context) ([]model.ProtocolCount, error) {
	flows, err := p.Flows(ctx)
	if err != nil {
		return nil, err
	}
	return model.CountProtocols(flows), nil
}

func (p *Pipeline) runSnapshotter(writer model.Writer, retired *retiredQueue) {
	defer p.snapshotterWg.Done()
	interval := writer.GetInterval()
	if interval <= 0 {
		p.logger.Warn().Dur("interval", interval).Msg("Invalid writer interval, snapshotter will not run")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.writeSnapshot(writer, retired)
		case <-p.done:
			p.writeSnapshot(writer, retired)
			return
		}
	}
}

// writeSnapshot hands the writer the live flows of every context together
// with the flows evicted since its previous snapshot.
func (p *Pipeline) writeSnapshot(writer model.Writer, retired *retiredQueue) {
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	snaps := p.Snapshot(context.Background())
	evicted := retired.take()
	for i := range snaps {
		snaps[i].Verdicts = append(snaps[i].Verdicts, evicted[snaps[i].Context]...)
		delete(evicted, snaps[i].Context)
	}
	for ctxID, verdicts := range evicted {
		snaps = append(snaps, model.SnapshotData{Context: ctxID, Verdicts: verdicts})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Context < snaps[j].Context })

	for _, snap := range snaps {
		if err := writer.Write(snap, timestamp); err != nil {
			p.logger.Error().Err(err).Int("context", snap.Context).Msg("Error writing snapshot")
		}
	}
}

// Stop drains queued packets, writes a final snapshot, then destroys every
// flow record and engine.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	close(p.stopping)
	p.mu.Unlock()

	p.logger.Info().Msg("Pipeline stopping")
	p.inflight.Wait()
	for _, w := range p.workers {
		close(w.packets)
	}
	if !started {
		for _, w := range p.workers {
			w.close()
		}
		return
	}
	for _, w := range p.workers {
		<-w.drained
	}

	close(p.done)
	p.snapshotterWg.Wait()

	close(p.quit)
	p.workerWg.Wait()
	p.logger.Info().Msg("Pipeline stopped")
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return metrics.ResultClassified
	case errors.Is(err, classifier.ErrUnsupportedLinkType):
		return metrics.ResultUnsupported
	case errors.Is(err, classifier.ErrFragmentedPacket):
		return metrics.ResultFragmented
	case errors.Is(err, classifier.ErrMalformedHeader):
		return metrics.ResultMalformed
	default:
		return metrics.ResultError
	}
}

// worker is one classification context. Only its own goroutine touches
// the classifier.
type worker struct {
	id         int
	pipeline   *Pipeline
	classifier *classifier.Classifier
	packets    chan classifier.Frame
	snapshots  chan chan model.SnapshotData
	drained    chan struct{}
	exited     chan struct{}
	clock      time.Time
	closing    bool
	logger     zerolog.Logger
}

// close destroys the remaining records. They were part of the final
// snapshot, so they are not retired again.
func (w *worker) close() {
	w.closing = true
	if err := w.classifier.Close(); err != nil {
		w.logger.Error().Err(err).Msg("Error closing classifier")
	}
}

func (w *worker) run() {
	defer w.pipeline.workerWg.Done()
	defer close(w.exited)

	var expire <-chan time.Time
	if w.pipeline.idleTimeout > 0 {
		ticker := time.NewTicker(w.pipeline.expireInterval)
		defer ticker.Stop()
		expire = ticker.C
	}

	packets := w.packets
	for {
		select {
		case fr, ok := <-packets:
			if !ok {
				packets = nil
				close(w.drained)
				continue
			}
			w.handle(fr)
		case reply := <-w.snapshots:
			reply <- model.SnapshotData{Context: w.id, Verdicts: w.classifier.Verdicts(w.id)}
		case <-expire:
			w.classifier.Expire(w.clock, w.pipeline.idleTimeout)
			metrics.SetActiveFlows(w.id, w.classifier.Len())
		case <-w.pipeline.quit:
			w.close()
			metrics.SetActiveFlows(w.id, 0)
			return
		}
	}
}

func (w *worker) handle(fr classifier.Frame) {
	if fr.Time.After(w.clock) {
		w.clock = fr.Time
	}
	proto, err := w.classifier.ProcessFrame(fr)
	metrics.RecordPacket(resultLabel(err))
	if err != nil {
		w.logger.Debug().Err(err).Stringer("flow", fr.Key).Msg("Packet rejected")
		return
	}
	w.logger.Trace().Stringer("flow", fr.Key).Stringer("protocol", proto).Msg("Packet classified")
}

func (w *worker) onComplete(rec *flow.Record) {
	sink := w.pipeline.sink
	if sink == nil {
		return
	}
	if err := sink.Publish(w.classifier.Verdict(rec, w.id)); err != nil {
		w.logger.Warn().Err(err).Stringer("flow", rec.Key).Msg("Failed to publish verdict")
	}
}

// onEvict keeps the verdict of an idle flow for the writers. Flows evicted
// before their verdict became final are published here, since onComplete
// never saw them.
func (w *worker) onEvict(rec *flow.Record) {
	if w.closing {
		return
	}
	v := w.classifier.Verdict(rec, w.id)
	for _, q := range w.pipeline.retired {
		q.add(v)
	}
	if sink := w.pipeline.sink; sink != nil && !rec.Completed() {
		if err := sink.Publish(v); err != nil {
			w.logger.Warn().Err(err).Stringer("flow", rec.Key).Msg("Failed to publish evicted verdict")
		}
	}
}

// retiredQueue collects evicted verdicts by context until the next snapshot.
type retiredQueue struct {
	mu       sync.Mutex
	verdicts map[int][]model.Verdict
}

func (q *retiredQueue) add(v model.Verdict) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.verdicts == nil {
		q.verdicts = make(map[int][]model.Verdict)
	}
	q.verdicts[v.Context] = append(q.verdicts[v.Context], v)
}

func (q *retiredQueue) take() map[int][]model.Verdict {
	q.mu.Lock()
	defer q.mu.Unlock()
	taken := q.verdicts
	q.verdicts = nil
	if taken == nil {
		taken = make(map[int][]model.Verdict)
	}
	return taken
}

func (w *worker) snapshot(ctx context.Context) (model.SnapshotData, bool) {
	reply := make(chan model.SnapshotData, 1)
	select {
	case w.snapshots <- reply:
		return <-reply, true
	case <-w.exited:
	case <-ctx.Done():
	}
	return model.SnapshotData{}, false
}
