package conversation

import (
	"strings"
	"time"
	"unicode"
)

const (
	warningPenalty    = 0.05
	errorPenalty      = 0.15
	maxLatencyPenalty = 0.25
	latencyScaleMS    = 4000.0
)

var (
	negativeWords = []string{"not", "bad", "angry", "never", "sucks", "hate", "terrible"}
	positiveWords = []string{"thank", "thanks", "great", "good", "ok", "awesome", "perfect", "yes"}
)

type Metrics struct {
	// AvgLatencyMS is zero when no user turn was ever answered.
	AvgLatencyMS  float64 `json:"latency_ms"`
	Quality       float64 `json:"audio_quality_score"`
	Satisfied     *bool   `json:"user_satisfied"`
	Warnings      int     `json:"warnings_count"`
	Errors        int     `json:"errors_count"`
	FunctionCalls int     `json:"functions_called_count"`
	Turns         int     `json:"message_count"`
}

func (c *Collector) metricsLocked() Metrics {
	avg := averageMS(c.latencies)
	return Metrics{
		AvgLatencyMS:  avg,
		Quality:       Quality(c.warnings, c.errors, avg),
		Satisfied:     c.satisfiedLocked(),
		Warnings:      c.warnings,
		Errors:        c.errors,
		FunctionCalls: len(c.calls),
		Turns:         len(c.turns),
	}
}

// Quality scores the call in [0,1] from provider warnings, errors and the
// average response latency.
func Quality(warnings, errors int, avgLatencyMS float64) float64 {
	latency := 0.0
	if avgLatencyMS > 0 {
		latency = min(maxLatencyPenalty, avgLatencyMS/latencyScaleMS)
	}
	q := 1.0 - warningPenalty*float64(warnings) - errorPenalty*float64(errors) - latency
	return max(0, min(1, q))
}

func (c *Collector) satisfiedLocked() *bool {
	yes, no := true, false
	for _, call := range c.calls {
		if call.Result == nil || call.Result["error"] != nil {
			continue
		}
		if call.Result["order_id"] != nil || call.Result["appointment_id"] != nil {
			return &yes
		}
	}
	if text, ok := c.lastTurnLocked(RoleAssistant); ok && confirms(strings.ToLower(text)) {
		return &yes
	}
	if text, ok := c.lastTurnLocked(RoleUser); ok {
		words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !unicode.IsLetter(r)
		})
		if containsAny(words, negativeWords) {
			return &no
		}
		if containsAny(words, positiveWords) {
			return &yes
		}
	}
	return nil
}

func (c *Collector) lastTurnLocked(role string) (string, bool) {
	for i := len(c.turns) - 1; i >= 0; i-- {
		if c.turns[i].Role == role {
			return c.turns[i].Content, true
		}
	}
	return "", false
}

func confirms(text string) bool {
	if strings.Contains(text, "order") &&
		(strings.Contains(text, "confirm") || strings.Contains(text, "placed") || strings.Contains(text, "ordered")) {
		return true
	}
	return strings.Contains(text, "appointment") &&
		(strings.Contains(text, "confirm") || strings.Contains(text, "booked") || strings.Contains(text, "scheduled"))
}

func containsAny(words, set []string) bool {
	for _, w := range words {
		for _, s := range set {
			if w == s {
				return true
			}
		}
	}
	return false
}

func averageMS(ds []time.Duration) float64 {
	if len(ds) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range ds {
		total += d
	}
	return float64(total) / float64(time.Millisecond) / float64(len(ds))
}
