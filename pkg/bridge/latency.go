package bridge

import (
	"time"

	"github.com/harunnryd/callbridge/pkg/metrics"
)

// Latency stages reported per call.
const (
	StageSTT         = "stt"
	StageLLM         = "llm"
	StageThink       = "think"
	StageTTS         = "tts"
	StageGreeting    = "greeting"
	StageConfigApply = "config_apply"
)

// timers holds the open start mark for each stage. It belongs to the
// dispatcher goroutine of one call.
type timers struct {
	marks    map[string]time.Time
	observer metrics.Observer
	streamID string
}

func newTimers(observer metrics.Observer) *timers {
	return &timers{marks: make(map[string]time.Time), observer: observer}
}

func (t *timers) start(stage string, now time.Time) { t.marks[stage] = now }

// stop closes stage and reports it. A stage that was never started is ignored.
func (t *timers) stop(stage string, now time.Time) (time.Duration, bool) {
	began, ok := t.marks[stage]
	if !ok {
		return 0, false
	}
	delete(t.marks, stage)
	d := now.Sub(began)
	ev := metrics.Latency(t.streamID, stage, d)
	ev.Time = now
	t.observer.RecordEvent(ev)
	return d, true
}
