package auditlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/query-gate/querygate/internal/domain/audit"
)

func sampleEvent(action string, ts time.Time) audit.Event {
	return audit.Event{
		TS:        ts,
		Level:     audit.LevelInfo,
		Identity:  "alice",
		Tenant:    "acme",
		SessionID: "sess-1",
		Action:    action,
		Target:    action,
		Outcome:   "SUCCESS",
		Reason:    "GRANTED",
	}
}

func TestStreamStoreAppend(t *testing.T) {
	t.Run("one json line per event", func(t *testing.T) {
		var buf bytes.Buffer
		store := NewStreamStore(&buf)

		events := []audit.Event{
			sampleEvent("query_read", time.Now().UTC()),
			sampleEvent("list_tables", time.Now().UTC()),
		}
		if err := store.Append(context.Background(), events...); err != nil {
			t.Fatalf("Append: %v", err)
		}

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 2 {
			t.Fatalf("lines = %d, want 2", len(lines))
		}
		for i, line := range lines {
			var got audit.Event
			if err := json.Unmarshal([]byte(line), &got); err != nil {
				t.Fatalf("line %d: %v", i, err)
			}
			if got.Action != events[i].Action || got.Identity != "alice" {
				t.Errorf("line %d = %+v", i, got)
			}
		}
	})

	t.Run("empty optional fields are omitted", func(t *testing.T) {
		var buf bytes.Buffer
		store := NewStreamStore(&buf)
		if err := store.Append(context.Background(), sampleEvent("query_read", time.Now().UTC())); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if strings.Contains(buf.String(), "queryFingerprint") {
			t.Errorf("empty fingerprint serialized: %s", buf.String())
		}
	})

	t.Run("write error fails the batch", func(t *testing.T) {
		store := NewStreamStore(failingWriter{})
		err := store.Append(context.Background(), sampleEvent("query_read", time.Now().UTC()))
		if err == nil {
			t.Error("Append succeeded on a failing writer")
		}
	})
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}
