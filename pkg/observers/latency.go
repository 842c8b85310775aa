package observers

import (
	"log/slog"
	"sync"

	"github.com/harunnryd/callbridge/pkg/metrics"
)

// LatencyObserver logs each stage latency and a per-call summary when the call ends.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	stages map[string]*stageStats
}

type stageStats struct {
	count int
	sum   float64
	max   float64
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	streamID := ""
	if ev.Tags != nil {
		streamID = ev.Tags["stream_id"]
	}
	if streamID == "" {
		return
	}
	switch ev.Name {
	case metrics.EventLatency:
		stage := ev.Tags["stage"]
		o.log.Info("latency",
			slog.String("stream_id", streamID),
			slog.String("stage", stage),
			slog.Float64("ms", ev.Value),
		)
		o.mu.Lock()
		t := o.traces[streamID]
		if t == nil {
			t = &trace{stages: make(map[string]*stageStats)}
			o.traces[streamID] = t
		}
		st := t.stages[stage]
		if st == nil {
			st = &stageStats{}
			t.stages[stage] = st
		}
		st.count++
		st.sum += ev.Value
		if ev.Value > st.max {
			st.max = ev.Value
		}
		o.mu.Unlock()
	case metrics.EventCallEnd:
		o.mu.Lock()
		t := o.traces[streamID]
		delete(o.traces, streamID)
		o.mu.Unlock()
		if t != nil {
			o.logSummary(streamID, t)
		}
	}
}

// Pending returns how many calls still have latency state.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.traces)
}

func (o *LatencyObserver) logSummary(streamID string, t *trace) {
	attrs := []any{slog.String("stream_id", streamID)}
	for stage, st := range t.stages {
		attrs = append(attrs, slog.Group(stage,
			slog.Int("count", st.count),
			slog.Float64("avg_ms", st.sum/float64(st.count)),
			slog.Float64("max_ms", st.max),
		))
	}
	o.log.Info("latency_summary", attrs...)
}
