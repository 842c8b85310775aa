package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/redact"
)

const StatusCompleted = "completed"

// Store persists finished conversations.
type Store interface {
	SaveConversation(ctx context.Context, rec Record) error
}

// Journal holds the open collectors keyed by stream id.
type Journal struct {
	store      Store
	collectors sync.Map
	logger     *slog.Logger
}

func NewJournal(store Store) *Journal {
	return &Journal{store: store, logger: logging.NewComponentLogger(nil, "journal")}
}

// Open starts collecting for streamID, replacing any previous collector.
func (j *Journal) Open(streamID string, meta Meta) *Collector {
	meta.StreamID = streamID
	c := NewCollector(meta)
	j.collectors.Store(streamID, c)
	j.logger.Info("conversation_opened",
		slog.String("stream_id", streamID),
		slog.String("session_id", meta.SessionID),
		slog.String("call_sid", meta.CallID),
		slog.String("phone", redact.Phone(meta.PhoneNumber)),
		slog.String("call_type", meta.CallType))
	return c
}

func (j *Journal) Get(streamID string) (*Collector, bool) {
	v, ok := j.collectors.Load(streamID)
	if !ok {
		return nil, false
	}
	return v.(*Collector), true
}

// Flush persists and forgets the stream's collector. Only the first of
// concurrent or repeated flushes persists; the rest are no-ops.
func (j *Journal) Flush(ctx context.Context, streamID, status string) error {
	v, ok := j.collectors.LoadAndDelete(streamID)
	if !ok {
		j.logger.Warn("conversation_flush_skipped", slog.String("stream_id", streamID))
		return nil
	}
	rec := v.(*Collector).Record(status)
	if j.store == nil {
		j.logger.Info("conversation_dropped_no_store", slog.String("stream_id", streamID), slog.Int("turns", len(rec.Turns)))
		return nil
	}
	if err := j.store.SaveConversation(ctx, rec); err != nil {
		j.logger.Error("conversation_save_failed",
			slog.String("stream_id", streamID),
			slog.String("session_id", rec.SessionID),
			slog.String("error", err.Error()))
		return errorsx.Wrap(fmt.Errorf("save conversation %s: %w", rec.SessionID, err), errorsx.ReasonPersistence)
	}
	j.logger.Info("conversation_saved",
		slog.String("stream_id", streamID),
		slog.String("session_id", rec.SessionID),
		slog.Duration("duration", rec.Duration),
		slog.Int("turns", len(rec.Turns)),
		slog.Int("function_calls", len(rec.FunctionCalls)))
	return nil
}

// Discard forgets a collector without persisting it.
func (j *Journal) Discard(streamID string) {
	j.collectors.Delete(streamID)
}

func (j *Journal) Len() int {
	n := 0
	j.collectors.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
