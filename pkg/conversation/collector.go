// Package conversation records what happened on a call and derives the
// metrics persisted when it ends.
package conversation

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/harunnryd/callbridge/pkg/functions"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Meta identifies the call a Collector belongs to.
type Meta struct {
	SessionID   string `json:"session_id"`
	StreamID    string `json:"stream_id"`
	CallID      string `json:"call_id,omitempty"`
	OrgID       string `json:"organization_id,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	CallType    string `json:"call_type,omitempty"`
}

type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"timestamp"`
}

type FunctionCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"function"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Duration  time.Duration  `json:"duration_ns"`
	At        time.Time      `json:"timestamp"`
}

type Order struct {
	OrderID  string    `json:"order_id"`
	Customer string    `json:"customer,omitempty"`
	Items    any       `json:"items,omitempty"`
	Total    any       `json:"total,omitempty"`
	Status   string    `json:"status,omitempty"`
	At       time.Time `json:"timestamp"`
}

// Collector accumulates one call's turns and function calls. It is safe for
// concurrent use.
type Collector struct {
	mu sync.Mutex

	meta      Meta
	startedAt time.Time
	turns     []Turn
	calls     []FunctionCall
	orders    []Order
	latencies []time.Duration
	lastUser  time.Time
	userOpen  bool
	warnings  int
	errors    int

	now func() time.Time
}

func NewCollector(meta Meta) *Collector {
	return newCollector(meta, time.Now)
}

func newCollector(meta Meta, now func() time.Time) *Collector {
	return &Collector{meta: meta, startedAt: now(), now: now}
}

func (c *Collector) Meta() Meta {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta
}

// AddTurn appends a turn. An assistant turn following an open user turn
// closes it and records the response latency.
func (c *Collector) AddTurn(role, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	switch role {
	case RoleUser:
		c.lastUser = now
		c.userOpen = true
	case RoleAssistant:
		if c.userOpen {
			c.latencies = append(c.latencies, now.Sub(c.lastUser))
			c.userOpen = false
		}
	}
	c.turns = append(c.turns, Turn{Role: role, Content: content, At: now})
}

func (c *Collector) AddWarning(detail string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnings++
	c.turns = append(c.turns, Turn{Role: RoleSystem, Content: "warning: " + detail, At: c.now()})
}

func (c *Collector) AddError(detail string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors++
	c.turns = append(c.turns, Turn{Role: RoleSystem, Content: "error: " + detail, At: c.now()})
}

// AddFunctionCall implements functions.Recorder.
func (c *Collector) AddFunctionCall(rec functions.Record) {
	result := asMap(rec.Result)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, FunctionCall{
		ID:        rec.ID,
		Name:      rec.Name,
		Arguments: rec.Arguments,
		Result:    result,
		Duration:  rec.Duration,
		At:        rec.At,
	})
	if id, ok := result["order_id"]; ok && result["error"] == nil {
		c.orders = append(c.orders, Order{
			OrderID:  stringOf(id),
			Customer: stringOf(result["customer"]),
			Items:    result["items"],
			Total:    result["total"],
			Status:   stringOf(result["status"]),
			At:       c.now(),
		})
	}
}

func (c *Collector) Turns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Turn(nil), c.turns...)
}

// Record snapshots the collector into the persisted form.
func (c *Collector) Record(status string) Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	ended := c.now()
	return Record{
		Meta:          c.meta,
		Status:        status,
		StartedAt:     c.startedAt,
		EndedAt:       ended,
		Duration:      ended.Sub(c.startedAt),
		Turns:         append([]Turn(nil), c.turns...),
		FunctionCalls: append([]FunctionCall(nil), c.calls...),
		Orders:        append([]Order(nil), c.orders...),
		Metrics:       c.metricsLocked(),
	}
}

func (c *Collector) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metricsLocked()
}

// Record is the durable form of a finished call.
type Record struct {
	Meta
	Status        string         `json:"status"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       time.Time      `json:"ended_at"`
	Duration      time.Duration  `json:"-"`
	Turns         []Turn         `json:"messages"`
	FunctionCalls []FunctionCall `json:"function_calls"`
	Orders        []Order        `json:"orders"`
	Metrics       Metrics        `json:"metrics"`
}

// asMap views a function result as a JSON object, or nil when it is not one.
func asMap(v any) map[string]any {
	switch m := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return m
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if json.Unmarshal(raw, &out) != nil {
		return nil
	}
	return out
}

func stringOf(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	}
	raw, _ := json.Marshal(v)
	return string(raw)
}
