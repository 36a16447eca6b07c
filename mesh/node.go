// Package mesh runs one node: it feeds sensor frames into the readings store,
// broadcasts the store on a fixed period and applies what peers broadcast.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eddielth/airmesh/logger"
	"github.com/eddielth/airmesh/metrics"
	"github.com/eddielth/airmesh/pms"
	"github.com/eddielth/airmesh/readings"
	"github.com/eddielth/airmesh/storage"
	"github.com/eddielth/airmesh/validator"
)

// DefaultInterval is the broadcast period used when none is configured
const DefaultInterval = 10 * time.Second

// DefaultRecordBuffer is the history queue length used when none is configured
const DefaultRecordBuffer = 256

// FrameSource yields decoded sensor readings; pms.Scanner implements it.
// Errors matched by pms.IsFrameError are recoverable, anything else ends the source.
type FrameSource interface {
	Next() (readings.Reading, error)
}

// Transport carries broadcasts to the other nodes
type Transport interface {
	Broadcast(ctx context.Context, payload []byte) error
}

// Recorder persists store updates
type Recorder interface {
	Store(rec storage.Record) error
}

// Calibrator adjusts local readings before they enter the store
type Calibrator interface {
	Apply(r readings.Reading) (readings.Reading, error)
}

type skipCounter interface {
	Skipped() int
}

// Config wires a Node. Store, Frames, Transport and Metrics are required.
type Config struct {
	Store         *readings.Store
	Frames        FrameSource
	Transport     Transport
	Recorder      Recorder
	Calibrator    Calibrator
	Metrics       *metrics.Metrics
	Interval      time.Duration
	InboundBuffer int
	// RecordBuffer bounds the history queue; records beyond it are dropped
	RecordBuffer int
}

type inbound struct {
	from    readings.NodeID
	payload []byte
}

type frameResult struct {
	reading readings.Reading
	err     error
}

// Node is the single logical loop of a mesh participant
type Node struct {
	store      *readings.Store
	frames     FrameSource
	transport  Transport
	recorder   Recorder
	calibrator Calibrator
	metrics    *metrics.Metrics
	interval   time.Duration
	inbound    chan inbound
	records    chan storage.Record
	now        func() time.Time
}

// NewNode validates the wiring and creates a node
func NewNode(cfg Config) (*Node, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("readings store cannot be nil")
	}
	if cfg.Frames == nil {
		return nil, fmt.Errorf("frame source cannot be nil")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if cfg.Metrics == nil {
		return nil, fmt.Errorf("metrics cannot be nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = 64
	}
	if cfg.RecordBuffer <= 0 {
		cfg.RecordBuffer = DefaultRecordBuffer
	}

	n := &Node{
		store:      cfg.Store,
		frames:     cfg.Frames,
		transport:  cfg.Transport,
		recorder:   cfg.Recorder,
		calibrator: cfg.Calibrator,
		metrics:    cfg.Metrics,
		interval:   cfg.Interval,
		inbound:    make(chan inbound, cfg.InboundBuffer),
		now:        time.Now,
	}
	if n.recorder != nil {
		n.records = make(chan storage.Record, cfg.RecordBuffer)
		n.store.OnUpdate(n.record)
	}
	return n, nil
}

// HandleMessage queues a peer payload for the loop. It never blocks: when
// the queue is full the message is dropped, as a lost broadcast would be.
func (n *Node) HandleMessage(from readings.NodeID, payload []byte) {
	select {
	case n.inbound <- inbound{from: from, payload: payload}:
	default:
		n.metrics.MessagesDropped.Inc()
		logger.Debug("Inbound queue full, dropped message from node %s", from)
	}
}

// Run drives the node until ctx is cancelled. History still queued when
// ctx ends is written before Run returns.
func (n *Node) Run(ctx context.Context) error {
	frames := make(chan frameResult)
	go n.readFrames(ctx, frames)

	if n.records != nil {
		writerDone := make(chan struct{})
		go n.writeRecords(ctx, writerDone)
		defer func() {
			<-writerDone
			n.drainRecords()
		}()
	}

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	logger.Info("Node %s running, broadcast interval %s", n.store.Local(), n.interval)
	for {
		select {
		case <-ctx.Done():
			logger.Info("Node %s stopped", n.store.Local())
			return nil
		case res, ok := <-frames:
			if !ok {
				// keep exchanging peer readings without a sensor
				frames = nil
				continue
			}
			n.handleFrame(res)
		case msg := <-n.inbound:
			n.applyRemote(msg)
		case <-ticker.C:
			n.tick(ctx)
		}
	}
}

func (n *Node) readFrames(ctx context.Context, out chan<- frameResult) {
	defer close(out)

	skipped := 0
	for {
		r, err := n.frames.Next()
		if sc, ok := n.frames.(skipCounter); ok {
			now := sc.Skipped()
			if now > skipped {
				n.metrics.BytesSkipped.Add(float64(now - skipped))
			}
			skipped = now
		}
		if err != nil && !pms.IsFrameError(err) {
			if ctx.Err() == nil {
				logger.Error("Sensor source closed: %v", err)
			}
			return
		}

		select {
		case out <- frameResult{reading: r, err: err}:
		case <-ctx.Done():
			return
		}
	}
}

func frameErrorReason(err error) string {
	switch {
	case errors.Is(err, pms.ErrInvalidLength):
		return metrics.ReasonLength
	case errors.Is(err, pms.ErrInvalidHeader):
		return metrics.ReasonHeader
	default:
		return metrics.ReasonChecksum
	}
}

func (n *Node) handleFrame(res frameResult) {
	if res.err != nil {
		n.metrics.FrameErrors.WithLabelValues(frameErrorReason(res.err)).Inc()
		logger.Debug("Discarded sensor frame: %v", res.err)
		return
	}
	n.metrics.FramesDecoded.Inc()

	r := res.reading
	if n.calibrator != nil {
		calibrated, err := n.calibrator.Apply(r)
		if err != nil {
			n.metrics.FrameErrors.WithLabelValues(metrics.ReasonCalibration).Inc()
			logger.Warn("Calibration failed, reading dropped: %v", err)
			return
		}
		r = calibrated
	}

	if err := validator.ValidateAll(r, n.store.Options().Validators); err != nil {
		n.metrics.FrameErrors.WithLabelValues(metrics.ReasonRange).Inc()
		logger.Warn("Implausible local reading dropped: %v", err)
		return
	}

	n.store.SetLocal(r)
	n.metrics.NodesKnown.Set(float64(n.store.Len()))
	logger.Debug("Local reading pm1.0=%d pm2.5=%d pm10.0=%d temperature=%g humidity=%g",
		r.PM1_0, r.PM2_5, r.PM10_0, r.Temperature, r.Humidity)
}

func (n *Node) applyRemote(msg inbound) {
	if err := n.store.ApplyRemote(msg.from, msg.payload); err != nil {
		n.metrics.MessagesRejected.Inc()
		logger.Warn("Rejected message from node %s: %v", msg.from, err)
		return
	}
	n.metrics.MessagesApplied.Inc()
	n.metrics.NodesKnown.Set(float64(n.store.Len()))
}

func (n *Node) tick(ctx context.Context) {
	if evicted := n.store.Evict(n.now()); len(evicted) > 0 {
		n.metrics.PeersEvicted.Add(float64(len(evicted)))
		n.metrics.NodesKnown.Set(float64(n.store.Len()))
		logger.Info("Evicted silent peers: %v", evicted)
	}

	payload, err := n.store.EncodeForBroadcast()
	if errors.Is(err, readings.ErrNoLocalReading) {
		logger.Debug("No local reading yet, skipping broadcast")
		return
	}
	if err != nil {
		n.metrics.BroadcastErrors.Inc()
		logger.Error("Failed to encode broadcast: %v", err)
		return
	}

	// a publish may take at most one period
	sendCtx, cancel := context.WithTimeout(ctx, n.interval)
	defer cancel()
	if err := n.transport.Broadcast(sendCtx, payload); err != nil {
		n.metrics.BroadcastErrors.Inc()
		logger.Warn("Broadcast failed: %v", err)
		return
	}
	n.metrics.Broadcasts.Inc()
}

// record queues one store update for the history writer without blocking the loop
func (n *Node) record(id readings.NodeID, e readings.Entry) {
	rec := storage.Record{
		Node:       id,
		Reading:    e.Reading,
		Relayed:    e.Relayed,
		RecordedAt: e.UpdatedAt,
	}
	select {
	case n.records <- rec:
	default:
		n.metrics.StorageDropped.Inc()
		logger.Warn("Storage queue full, dropped record for node %s", id)
	}
}

func (n *Node) writeRecords(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-n.records:
			n.persist(rec)
		}
	}
}

// drainRecords writes whatever is queued and returns once the queue is empty
func (n *Node) drainRecords() {
	for {
		select {
		case rec := <-n.records:
			n.persist(rec)
		default:
			return
		}
	}
}

func (n *Node) persist(rec storage.Record) {
	start := time.Now()
	err := n.recorder.Store(rec)
	n.metrics.StorageLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		n.metrics.StorageErrors.Inc()
	}
}
