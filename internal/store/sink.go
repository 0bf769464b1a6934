package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nlqhq/nlq/pkg/types"
)

const writeTimeout = 5 * time.Second

// AsyncSink queues attempt records for a single writer goroutine. Record
// never blocks: when the queue is full the record is dropped and counted.
// One writer keeps the records of a question in attempt order.
type AsyncSink struct {
	w      AttemptWriter
	logger *zap.Logger
	ch     chan types.AttemptRecord
	done   chan struct{}

	mu     sync.RWMutex
	closed bool

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewAsyncSink starts the writer. Close must be called to flush and stop it.
func NewAsyncSink(w AttemptWriter, queueSize int, logger *zap.Logger) *AsyncSink {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &AsyncSink{
		w:      w,
		logger: logger,
		ch:     make(chan types.AttemptRecord, queueSize),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) Record(rec types.AttemptRecord) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.drop(rec, "sink closed")
		return
	}
	select {
	case s.ch <- rec:
	default:
		s.drop(rec, "queue full")
	}
}

func (s *AsyncSink) drop(rec types.AttemptRecord, reason string) {
	s.dropped.Add(1)
	s.logger.Warn("query log record dropped",
		zap.String("reason", reason),
		zap.String("request_id", rec.RequestID),
		zap.Int("attempt", rec.AttemptNumber))
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for rec := range s.ch {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := s.w.InsertAttempt(ctx, rec)
		cancel()
		if err != nil {
			s.failed.Add(1)
			s.logger.Error("query log write failed",
				zap.String("request_id", rec.RequestID),
				zap.Int("attempt", rec.AttemptNumber),
				zap.Error(err))
			continue
		}
		s.written.Add(1)
	}
}

// Close stops accepting records, drains the queue and waits for the writer.
func (s *AsyncSink) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	<-s.done
	return nil
}

// Written counts records persisted.
func (s *AsyncSink) Written() int64 { return s.written.Load() }

// Dropped counts records rejected because the queue was full or closed.
func (s *AsyncSink) Dropped() int64 { return s.dropped.Load() }

// Failed counts records the writer could not persist.
func (s *AsyncSink) Failed() int64 { return s.failed.Load() }
