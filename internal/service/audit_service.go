package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/query-gate/querygate/internal/domain/audit"
)

// Audit enqueue failures. The registry maps any of these to an AUDIT_FAILURE
// denial: a call whose event cannot be recorded is not allowed to succeed.
var (
	ErrAuditBackpressure = errors.New("audit channel full")
	ErrAuditClosed       = errors.New("audit service stopped")
	ErrAuditUnhealthy    = errors.New("audit store failing")
)

// AuditService batches audit events onto a store from a background worker.
// Unlike a best-effort logger it is fail-closed: Record returns an error when
// the event cannot be accepted, and the store going bad latches the service
// unhealthy until a flush succeeds again.
type AuditService struct {
	store         audit.Store
	eventChan     chan audit.Event
	wg            sync.WaitGroup
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration

	channelSize int
	sendTimeout time.Duration

	closed    atomic.Bool
	unhealthy atomic.Bool

	warningThreshold int
	lastWarning      atomic.Int64
}

// AuditOption configures AuditService.
type AuditOption func(*AuditService)

// WithBatchSize sets the number of events to batch before writing.
func WithBatchSize(size int) AuditOption {
	return func(s *AuditService) {
		s.batchSize = size
	}
}

// WithFlushInterval sets the interval to flush pending events.
func WithFlushInterval(interval time.Duration) AuditOption {
	return func(s *AuditService) {
		s.flushInterval = interval
	}
}

// WithChannelSize sets the size of the event channel buffer.
func WithChannelSize(size int) AuditOption {
	return func(s *AuditService) {
		s.eventChan = make(chan audit.Event, size)
		s.channelSize = size
	}
}

// WithSendTimeout sets how long Record blocks on a full channel before
// failing the call.
func WithSendTimeout(timeout time.Duration) AuditOption {
	return func(s *AuditService) {
		s.sendTimeout = timeout
	}
}

// WithWarningThreshold sets the channel depth warning percentage (0-100).
func WithWarningThreshold(percent int) AuditOption {
	return func(s *AuditService) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		s.warningThreshold = percent
	}
}

// NewAuditService creates an AuditService over the given store.
func NewAuditService(store audit.Store, logger *slog.Logger, opts ...AuditOption) *AuditService {
	defaultChannelSize := 1000
	s := &AuditService{
		store:            store,
		eventChan:        make(chan audit.Event, defaultChannelSize),
		logger:           logger,
		batchSize:        100,
		flushInterval:    time.Second,
		channelSize:      defaultChannelSize,
		sendTimeout:      100 * time.Millisecond,
		warningThreshold: 80,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

var _ audit.Sink = (*AuditService)(nil)

// Start begins the background worker that batches and writes events.
func (s *AuditService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// Record enqueues an event for the background worker. It returns an error
// when the service is stopped, the store is latched unhealthy, or the channel
// stays full past the send timeout; the caller must deny the request.
func (s *AuditService) Record(event audit.Event) error {
	if s.closed.Load() {
		return ErrAuditClosed
	}
	if s.unhealthy.Load() {
		return ErrAuditUnhealthy
	}

	if s.warningThreshold > 0 {
		depth := len(s.eventChan)
		threshold := s.channelSize * s.warningThreshold / 100
		if depth >= threshold {
			s.warnChannelDepth(depth)
		}
	}

	// Fast path: non-blocking send.
	select {
	case s.eventChan <- event:
		return nil
	default:
	}

	if s.sendTimeout <= 0 {
		return ErrAuditBackpressure
	}

	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()
	select {
	case s.eventChan <- event:
		return nil
	case <-timer.C:
		s.logger.Warn("audit channel full, rejecting event",
			"action", event.Action,
			"session_id", event.SessionID,
		)
		return ErrAuditBackpressure
	}
}

// Healthy reports whether the last flush succeeded.
func (s *AuditService) Healthy() bool {
	return !s.unhealthy.Load()
}

// ChannelDepth returns current channel usage.
func (s *AuditService) ChannelDepth() int {
	return len(s.eventChan)
}

// warnChannelDepth logs a capacity warning, rate-limited to once per second.
func (s *AuditService) warnChannelDepth(depth int) {
	now := time.Now().UnixNano()
	last := s.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if s.lastWarning.CompareAndSwap(last, now) {
		s.logger.Warn("audit channel approaching capacity",
			"depth", depth,
			"capacity", s.channelSize,
			"percent", depth*100/s.channelSize,
		)
	}
}

// Stop marks the service closed, flushes pending events, and waits for the
// worker. Record fails immediately after Stop begins. Stop alone closes the
// channel; the worker may have latched closed already on context cancel, and
// Stop still waits for it either way.
func (s *AuditService) Stop() {
	if !s.closed.Swap(true) {
		close(s.eventChan)
	}
	s.wg.Wait()
}

// worker collects and flushes events until the channel closes.
func (s *AuditService) worker(ctx context.Context) {
	defer s.wg.Done()

	batch := make([]audit.Event, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-s.eventChan:
			if !ok {
				s.finalFlush(batch)
				return
			}
			batch = append(batch, event)
			if len(batch) >= s.batchSize {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			// Drain what is already queued without waiting for Stop to
			// close the channel: a blocking drain here would deadlock a
			// Stop that arrives after the cancel and sees the latch set.
			s.closed.Store(true)
			for {
				select {
				case event, ok := <-s.eventChan:
					if !ok {
						s.finalFlush(batch)
						return
					}
					batch = append(batch, event)
				default:
					s.finalFlush(batch)
					return
				}
			}
		}
	}
}

// finalFlush writes the remaining batch at shutdown. The worker's context may
// already be canceled, so the flush gets a fresh one.
func (s *AuditService) finalFlush(batch []audit.Event) {
	if len(batch) == 0 {
		return
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.flush(flushCtx, batch)
}

// flush writes one batch and updates the health latch.
func (s *AuditService) flush(ctx context.Context, batch []audit.Event) {
	if err := s.store.Append(ctx, batch...); err != nil {
		s.unhealthy.Store(true)
		s.logger.Error("audit flush failed",
			"error", err,
			"batch_size", len(batch),
		)
		return
	}
	if s.unhealthy.Swap(false) {
		s.logger.Info("audit store recovered")
	}
}
