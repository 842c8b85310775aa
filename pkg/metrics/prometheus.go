package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusObserver turns bridge events into Prometheus series.
type PrometheusObserver struct {
	calls       *prometheus.CounterVec
	active      prometheus.Gauge
	latency     *prometheus.HistogramVec
	functions   *prometheus.CounterVec
	synthesis   *prometheus.CounterVec
	audioFrames *prometheus.CounterVec
}

// NewPrometheusObserver registers the collectors on reg. A nil reg uses the default registerer.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) *PrometheusObserver {
	if namespace == "" {
		namespace = "callbridge"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PrometheusObserver{
		calls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_total",
				Help:      "Finished calls by outcome",
			},
			[]string{"outcome"},
		),
		active: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_calls",
				Help:      "Calls currently bridged",
			},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "latency_seconds",
				Help:      "Per-stage conversational latency",
				Buckets:   []float64{.05, .1, .25, .5, .75, 1, 1.5, 2, 3, 5, 8},
			},
			[]string{"stage"},
		),
		functions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "function_calls_total",
				Help:      "Function executions by name and status",
			},
			[]string{"name", "status"},
		),
		synthesis: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "synthesis_total",
				Help:      "Fallback synthesis attempts by transport and result",
			},
			[]string{"transport", "result"},
		),
		audioFrames: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audio_frames_total",
				Help:      "Audio frames bridged by direction",
			},
			[]string{"direction"},
		),
	}
}

func (o *PrometheusObserver) RecordEvent(ev MetricsEvent) {
	switch ev.Name {
	case EventCallStart:
		o.active.Inc()
	case EventCallEnd:
		o.active.Dec()
		o.calls.WithLabelValues(tag(ev, "outcome", "unknown")).Inc()
	case EventLatency:
		o.latency.WithLabelValues(tag(ev, "stage", "unknown")).Observe(ev.Value / 1000)
	case EventFunctionCall:
		o.functions.WithLabelValues(tag(ev, "name", "unknown"), tag(ev, "status", "ok")).Inc()
	case EventSynthesis:
		o.synthesis.WithLabelValues(tag(ev, "transport", "unknown"), tag(ev, "result", "ok")).Inc()
	case EventAudioIn:
		o.audioFrames.WithLabelValues("in").Add(frameCount(ev))
	case EventAudioOut:
		o.audioFrames.WithLabelValues("out").Add(frameCount(ev))
	}
}

func frameCount(ev MetricsEvent) float64 {
	if ev.Value > 0 {
		return ev.Value
	}
	return 1
}

func tag(ev MetricsEvent, key, fallback string) string {
	if ev.Tags == nil {
		return fallback
	}
	if v := ev.Tags[key]; v != "" {
		return v
	}
	return fallback
}
