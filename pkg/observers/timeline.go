package observers

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/redact"
)

// TimelineExt is the suffix of per-call timeline files.
const TimelineExt = ".jsonl"

// TimelineObserver appends every stream-scoped event of a call to
// <dir>/<stream_id>.jsonl. Entries carry their offset from the first event
// of the call; the file is flushed and closed on call_end.
type TimelineObserver struct {
	dir string

	mu    sync.Mutex
	calls map[string]*callTimeline
}

type callTimeline struct {
	f      *os.File
	w      *bufio.Writer
	first  time.Time
	events int
}

type timelineEntry struct {
	Time      time.Time         `json:"time"`
	OffsetMS  int64             `json:"offset_ms"`
	Event     string            `json:"event"`
	SessionID string            `json:"session_id,omitempty"`
	Value     float64           `json:"value,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Fields    map[string]any    `json:"fields,omitempty"`
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, calls: make(map[string]*callTimeline)}
}

func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	id := safeName(ev.Tags["stream_id"])
	if id == "" || strings.TrimSpace(o.dir) == "" {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	ct := o.open(id, ev.Time)
	if ct == nil {
		return
	}
	ct.events++
	line, err := json.Marshal(timelineEntry{
		Time:      ev.Time.UTC(),
		OffsetMS:  ev.Time.Sub(ct.first).Milliseconds(),
		Event:     entryName(ev),
		SessionID: ev.Tags["session_id"],
		Value:     ev.Value,
		Tags:      otherTags(ev.Tags),
		Fields:    redactFields(ev.Fields),
	})
	if err == nil {
		_, _ = ct.w.Write(append(line, '\n'))
	}
	if ev.Name == metrics.EventCallEnd {
		_ = ct.close()
		delete(o.calls, id)
	}
}

// Open reports how many calls currently hold a timeline file.
func (o *TimelineObserver) Open() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}

// Close flushes and closes the files of calls still in flight.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for id, ct := range o.calls {
		err = errors.Join(err, ct.close())
		delete(o.calls, id)
	}
	return err
}

func (o *TimelineObserver) open(id string, at time.Time) *callTimeline {
	if ct := o.calls[id]; ct != nil {
		return ct
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(o.dir, id+TimelineExt), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	ct := &callTimeline{f: f, w: bufio.NewWriter(f), first: at}
	o.calls[id] = ct
	return ct
}

func (ct *callTimeline) close() error {
	return errors.Join(ct.w.Flush(), ct.f.Close())
}

func entryName(ev metrics.MetricsEvent) string {
	switch ev.Name {
	case metrics.EventLatency:
		if stage := ev.Tags["stage"]; stage != "" {
			return "latency_" + stage
		}
	case metrics.EventSynthesis:
		if tr := ev.Tags["transport"]; tr != "" {
			return "synthesis_" + tr
		}
	}
	return ev.Name
}

// safeName keeps stream ids usable as file names.
func safeName(id string) string {
	id = strings.TrimSpace(id)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		}
		return '_'
	}, id)
}

func otherTags(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if k == "stream_id" || k == "session_id" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// redactFields scrubs transcript text before it reaches disk.
func redactFields(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			v = redact.Text(s)
		}
		out[k] = v
	}
	return out
}

var _ metrics.Observer = (*TimelineObserver)(nil)
