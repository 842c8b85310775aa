package metrics

import "time"

// Event names emitted by the call bridge.
const (
	EventCallStart    = "call_start"
	EventCallEnd      = "call_end"
	EventLatency      = "latency"
	EventFunctionCall = "function_call"
	EventSynthesis    = "synthesis"
	EventAudioIn      = "audio_in"
	EventAudioOut     = "audio_out"
	EventTurn         = "turn"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Latency builds a latency event for stage with the duration in milliseconds.
func Latency(streamID, stage string, d time.Duration) MetricsEvent {
	return MetricsEvent{
		Name:  EventLatency,
		Time:  time.Now(),
		Value: float64(d.Microseconds()) / 1000,
		Tags:  map[string]string{"stream_id": streamID, "stage": stage},
	}
}
