// Package audit is the append-only record of every routing decision.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaybot/router/internal/errors"
	"github.com/relaybot/router/internal/metrics"
)

// Decision tags what the router decided for an event or route.
type Decision string

const (
	DecisionRouted       Decision = "routed"
	DecisionNoRoute      Decision = "no-route"
	DecisionDeniedPerm   Decision = "denied-perm"
	DecisionDeniedRate   Decision = "denied-rate"
	DecisionCacheHit     Decision = "cache-hit"
	DecisionDispatched   Decision = "dispatched"
	DecisionFailed       Decision = "failed"
	DecisionEgressResult Decision = "egress-result"
	DecisionDeadline     Decision = "deadline-exceeded"
	DecisionFailedEvent  Decision = "failed-event"
	DecisionCompleted    Decision = "completed"
	DecisionPartial      Decision = "completed-with-partial-failure"
)

// Record is the stable audit envelope. Seq is assigned by the writer and
// survives restarts so downstream consumers can detect gaps.
type Record struct {
	Seq           uint64    `json:"seq"`
	Timestamp     time.Time `json:"timestamp"`
	EventID       string    `json:"event_id"`
	CorrelationID string    `json:"correlation_id"`
	CommunityID   string    `json:"community_id"`
	RouteID       string    `json:"route_id,omitempty"`
	Module        string    `json:"module,omitempty"`
	RequestID     string    `json:"request_id,omitempty"`
	Decision      Decision  `json:"decision"`
	Detail        string    `json:"detail,omitempty"`
	Target        string    `json:"target,omitempty"`
	Outcome       string    `json:"outcome,omitempty"`
	DurationMS    float64   `json:"duration_ms,omitempty"`
}

// Sink persists a batch of records.
type Sink interface {
	Write(ctx context.Context, batch []Record) error
	Close() error
}

// unhealthyAfter is the consecutive flush failures before new appends
// are refused.
const unhealthyAfter = 3

// Writer batches records and flushes them to a sink. When the queue is
// full or the sink is failing, Append refuses with audit-unavailable so
// callers refuse the event instead of proceeding unaudited.
type Writer struct {
	sink          Sink
	queue         chan Record
	batchSize     int
	flushInterval time.Duration
	metrics       *metrics.Metrics

	seq          atomic.Uint64
	flushedSeq   atomic.Uint64
	enqueued     atomic.Int64
	refused      atomic.Int64
	flushed      atomic.Int64
	flushErrors  atomic.Int64
	consecFails  atomic.Int64
	unhealthy    atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Options tune the writer. Zero values take defaults.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
	StartSeq      uint64
	Metrics       *metrics.Metrics
}

// NewWriter starts the background flush goroutine.
func NewWriter(sink Sink, opts Options) *Writer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 8192
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	w := &Writer{
		sink:          sink,
		queue:         make(chan Record, opts.QueueSize),
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		metrics:       opts.Metrics,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	w.seq.Store(opts.StartSeq)
	w.flushedSeq.Store(opts.StartSeq)
	go w.flushLoop()
	return w
}

// Append accepts one record for eventual flush. It never blocks; a full
// queue or an unhealthy sink returns audit-unavailable.
func (w *Writer) Append(rec Record) error {
	if w.unhealthy.Load() {
		w.refused.Add(1)
		w.metrics.AuditRefused.Inc()
		return errors.ErrAuditUnavailable.WithDetail("sink failing")
	}
	rec.Seq = w.seq.Add(1)
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	select {
	case w.queue <- rec:
		w.enqueued.Add(1)
		w.metrics.AuditQueue.Set(float64(len(w.queue)))
		w.metrics.RecordDecision(string(rec.Decision))
		return nil
	default:
		w.refused.Add(1)
		w.metrics.AuditRefused.Inc()
		return errors.ErrAuditUnavailable.WithDetail("queue full")
	}
}

// Seq returns the last assigned sequence number. Persisted across
// restarts as the audit stream position.
func (w *Writer) Seq() uint64 {
	return w.seq.Load()
}

// FlushedSeq returns the highest sequence confirmed written to the sink.
func (w *Writer) FlushedSeq() uint64 {
	return w.flushedSeq.Load()
}

// Close drains the queue, flushes, and stops the background goroutine.
func (w *Writer) Close() error {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	<-w.doneCh
	return w.sink.Close()
}

func (w *Writer) flushLoop() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, w.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.sink.Write(ctx, batch)
		cancel()
		if err != nil {
			w.flushErrors.Add(1)
			if w.consecFails.Add(1) >= unhealthyAfter {
				w.unhealthy.Store(true)
			}
			// Keep the batch; the records were accepted and will be
			// retried on the next tick.
			return
		}
		w.consecFails.Store(0)
		w.unhealthy.Store(false)
		w.flushed.Add(int64(len(batch)))
		var maxSeq uint64
		for _, r := range batch {
			if r.Seq > maxSeq {
				maxSeq = r.Seq
			}
		}
		w.flushedSeq.Store(maxSeq)
		w.metrics.AuditFlushed.Add(float64(len(batch)))
		batch = batch[:0]
		w.metrics.AuditQueue.Set(float64(len(w.queue)))
	}

	for {
		// While a full batch is stuck on a failing sink, stop draining
		// so the queue backs up and Append starts refusing. Retries
		// happen on the tick only.
		queueCh := w.queue
		if len(batch) >= w.batchSize && w.consecFails.Load() > 0 {
			queueCh = nil
		}
		select {
		case rec := <-queueCh:
			batch = append(batch, rec)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.stopCh:
			for {
				select {
				case rec := <-w.queue:
					batch = append(batch, rec)
					if len(batch) >= w.batchSize && w.consecFails.Load() == 0 {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// Snapshot is a point-in-time view of writer counters.
type Snapshot struct {
	Enqueued    int64  `json:"enqueued"`
	Refused     int64  `json:"refused"`
	Flushed     int64  `json:"flushed"`
	FlushErrors int64  `json:"flush_errors"`
	QueueLen    int    `json:"queue_len"`
	Seq         uint64 `json:"seq"`
	FlushedSeq  uint64 `json:"flushed_seq"`
	Unhealthy   bool   `json:"unhealthy"`
}

// Stats returns a copy of the counters.
func (w *Writer) Stats() Snapshot {
	return Snapshot{
		Enqueued:    w.enqueued.Load(),
		Refused:     w.refused.Load(),
		Flushed:     w.flushed.Load(),
		FlushErrors: w.flushErrors.Load(),
		QueueLen:    len(w.queue),
		Seq:         w.seq.Load(),
		FlushedSeq:  w.flushedSeq.Load(),
		Unhealthy:   w.unhealthy.Load(),
	}
}
