package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/query-gate/querygate/internal/domain/audit"
)

// StreamStore writes audit events as JSON Lines to a writer, one line per
// event. Stdout carries the JSON-RPC stream, so the usual target is stderr.
type StreamStore struct {
	mu sync.Mutex
	w  io.Writer
}

var _ audit.Store = (*StreamStore)(nil)

// NewStreamStore creates a stream store over w.
func NewStreamStore(w io.Writer) *StreamStore {
	return &StreamStore{w: w}
}

// Append writes each event as one JSON line. Any write error fails the batch.
func (s *StreamStore) Append(ctx context.Context, events ...audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal audit event: %w", err)
		}
		if _, err := s.w.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("write audit event: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the stream is owned by the caller.
func (s *StreamStore) Close() error {
	return nil
}
