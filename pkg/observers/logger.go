package observers

import (
	"context"
	"log/slog"
	"maps"
	"slices"

	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/redact"
)

// LoggerObserver mirrors metric events into the log. Call start and end are
// logged at info, everything else at debug.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log.With(slog.String("component", "metrics"))}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	level := slog.LevelDebug
	if ev.Name == metrics.EventCallStart || ev.Name == metrics.EventCallEnd {
		level = slog.LevelInfo
	}
	ctx := context.Background()
	if !o.log.Enabled(ctx, level) {
		return
	}
	attrs := make([]slog.Attr, 0, 2+len(ev.Tags)+len(ev.Fields))
	attrs = append(attrs, slog.String("event", ev.Name))
	if ev.Value != 0 {
		attrs = append(attrs, slog.Float64("value", ev.Value))
	}
	for _, k := range slices.Sorted(maps.Keys(ev.Tags)) {
		attrs = append(attrs, slog.String(k, ev.Tags[k]))
	}
	for _, k := range slices.Sorted(maps.Keys(ev.Fields)) {
		v := ev.Fields[k]
		if s, ok := v.(string); ok {
			v = redact.Text(s)
		}
		attrs = append(attrs, slog.Any(k, v))
	}
	o.log.LogAttrs(ctx, level, "metrics_event", attrs...)
}

// MultiObserver fans each event out to every non-nil observer in order.
type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}
