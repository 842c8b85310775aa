package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/callbridge/pkg/agent"
	"github.com/harunnryd/callbridge/pkg/controlplane"
	"github.com/harunnryd/callbridge/pkg/conversation"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/events"
	"github.com/harunnryd/callbridge/pkg/knowledge"
	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/providers"
	"github.com/harunnryd/callbridge/pkg/session"
	"github.com/harunnryd/callbridge/pkg/synthesis"
	"github.com/harunnryd/callbridge/pkg/transports/mock"
)

type fakeChannel struct {
	name      string
	variant   providers.Variant
	events    chan events.Event
	injectErr error

	mu       sync.Mutex
	sent     []providers.Message
	injected []string
	once     sync.Once
	closed   atomic.Bool
}

func newFakeChannel(name string, variant providers.Variant) *fakeChannel {
	return &fakeChannel{name: name, variant: variant, events: make(chan events.Event, 64)}
}

func (f *fakeChannel) Name() string                { return f.name }
func (f *fakeChannel) Variant() providers.Variant  { return f.variant }
func (f *fakeChannel) Events() <-chan events.Event { return f.events }
func (f *fakeChannel) Err() error                  { return nil }

func (f *fakeChannel) Send(_ context.Context, msg providers.Message) error {
	if f.closed.Load() {
		return providers.ErrClosed
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Inject(_ context.Context, text string) error {
	f.mu.Lock()
	f.injected = append(f.injected, text)
	f.mu.Unlock()
	return f.injectErr
}

func (f *fakeChannel) Close() error {
	f.once.Do(func() {
		f.closed.Store(true)
		close(f.events)
	})
	return nil
}

func (f *fakeChannel) messages(kind providers.MessageKind) []providers.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []providers.Message
	for _, m := range f.sent {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

type fakeConnector struct {
	mu       sync.Mutex
	channels map[string]*fakeChannel
	err      error
	kinds    []string
}

func (f *fakeConnector) Connect(_ context.Context, kind string, _ agent.Metadata) (providers.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
	if f.err != nil {
		return nil, errorsx.Wrap(f.err, errorsx.ReasonProviderConnect)
	}
	ch, ok := f.channels[kind]
	if !ok {
		return nil, errorsx.Wrap(errors.New("unknown kind "+kind), errorsx.ReasonProviderConnect)
	}
	return ch, nil
}

func (f *fakeConnector) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.kinds)
}

type fakeSessions struct {
	config map[string]any
	err    error
}

func (f fakeSessions) Session(context.Context, string) (controlplane.Session, error) {
	if f.err != nil {
		return controlplane.Session{}, f.err
	}
	return controlplane.Session{
		Config:  f.config,
		Details: map[string]any{"organization_id": "org-1", "metadata": map[string]any{"phone_number": "+15550001234"}},
	}, nil
}

type memStore struct {
	mu      sync.Mutex
	records []conversation.Record
}

func (s *memStore) SaveConversation(_ context.Context, rec conversation.Record) error {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return nil
}

func (s *memStore) saved() []conversation.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]conversation.Record(nil), s.records...)
}

type fakeHangup struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeHangup) Hangup(_ context.Context, callID string) error {
	f.mu.Lock()
	f.calls = append(f.calls, callID)
	f.mu.Unlock()
	return nil
}

func (f *fakeHangup) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type menu struct{}

func (menu) Search(_ context.Context, _, query string, _ int) ([]knowledge.Result, error) {
	return []knowledge.Result{{Content: "Category: Mains | Name: " + query + " | Price: $7.75 | Description: House special"}}, nil
}

type harness struct {
	bridge    *Bridge
	connector *fakeConnector
	primary   *fakeChannel
	store     *memStore
	hangup    *fakeHangup
	clock     *fakeClock
	registry  *session.Registry
	observer  *metrics.MemoryObserver
}

func newHarness(t *testing.T, sessions SessionSource, synth synthesis.Synthesizer) *harness {
	t.Helper()
	h := &harness{
		primary:  newFakeChannel("deepgram_agent", providers.Integrated),
		store:    &memStore{},
		hangup:   &fakeHangup{},
		clock:    &fakeClock{t: time.Unix(1700000000, 0)},
		observer: metrics.NewMemoryObserver(),
	}
	h.connector = &fakeConnector{channels: map[string]*fakeChannel{"deepgram": h.primary}}
	h.registry = session.NewRegistry(session.Options{Knowledge: menu{}})
	h.bridge = New(Options{
		Sessions:    sessions,
		Registry:    h.registry,
		Connector:   h.connector,
		Journal:     conversation.NewJournal(h.store),
		Synthesizer: synth,
		Hangup:      h.hangup,
		Observer:    h.observer,
		Tick:        5 * time.Millisecond,
		Now:         h.clock.now,
	})
	return h
}

func (h *harness) start(conn *mock.Conn) <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() { out <- h.bridge.HandleCall(context.Background(), "sess-1", conn) }()
	return out
}

func agentConfig() map[string]any {
	return map[string]any{"agent": map[string]any{"language": "en", "think": map[string]any{"prompt": "Take orders."}}}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitOutcome(t *testing.T, out <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-out:
		return o
	case <-time.After(2 * time.Second):
		t.Fatalf("call did not finish")
		return ""
	}
}

func TestOrderCallIsPersistedAsSatisfied(t *testing.T) {
	h := newHarness(t, fakeSessions{config: agentConfig()}, nil)
	conn := mock.New()
	out := h.start(conn)

	conn.Start("MZ1", "CA1")
	conn.Media("MZ1", make([]byte, 400))
	waitFor(t, "audio frames", func() bool { return len(h.primary.messages(providers.MessageAudio)) == 2 })

	h.primary.events <- events.ConversationText{Role: events.RoleUser, Content: "One burger please, I'm Ann"}
	h.primary.events <- events.FunctionCallRequest{Functions: []events.FunctionCall{{
		ID:        "fc-1",
		Name:      "place_order",
		Arguments: `{"customer_name":"Ann","items":["Burger"]}`,
	}}}
	waitFor(t, "function response", func() bool { return len(h.primary.messages(providers.MessageControl)) == 2 })

	var resp struct {
		Type    string `json:"type"`
		ID      string `json:"id"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(h.primary.messages(providers.MessageControl)[1].Data, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Type != "FunctionCallResponse" || resp.ID != "fc-1" || !strings.Contains(resp.Content, "order_id") {
		t.Fatalf("unexpected response %+v", resp)
	}

	h.primary.events <- events.ConversationText{Role: events.RoleAssistant, Content: "Your order is placed."}
	waitFor(t, "assistant turn", func() bool {
		col, ok := h.bridge.opts.Journal.Get("MZ1")
		return ok && len(col.Turns()) == 2
	})
	conn.Stop("MZ1")

	if o := waitOutcome(t, out); o != OutcomeCompleted {
		t.Fatalf("expected completed, got %s", o)
	}
	saved := h.store.saved()
	if len(saved) != 1 {
		t.Fatalf("expected one saved record, got %d", len(saved))
	}
	rec := saved[0]
	if rec.Status != conversation.StatusCompleted || rec.OrgID != "org-1" || rec.CallID != "CA1" {
		t.Fatalf("unexpected record meta %+v", rec.Meta)
	}
	if len(rec.Orders) != 1 || rec.Metrics.Satisfied == nil || !*rec.Metrics.Satisfied || rec.Metrics.FunctionCalls != 1 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if h.hangup.count() != 0 {
		t.Fatalf("stop must not issue a hangup")
	}
	if !conn.Closed() || h.registry.Count() != 0 || !h.primary.closed.Load() {
		t.Fatalf("expected conn, session and channel released")
	}
	if len(h.observer.Named(metrics.EventCallEnd)) != 1 {
		t.Fatalf("expected one call_end event")
	}
}

func TestFarewellHangsUpAfterIdleSilence(t *testing.T) {
	h := newHarness(t, fakeSessions{config: agentConfig()}, nil)
	conn := mock.New()
	out := h.start(conn)
	conn.Start("MZ2", "CA2")

	h.primary.events <- events.ConversationText{Role: events.RoleUser, Content: "That's all, goodbye"}
	h.primary.events <- events.AgentAudioDone{}
	h.primary.events <- events.ConversationText{Role: events.RoleAssistant, Content: "Okay."}
	waitFor(t, "turns", func() bool {
		col, ok := h.bridge.opts.Journal.Get("MZ2")
		return ok && len(col.Turns()) == 2
	})

	h.clock.advance(2 * time.Second)
	time.Sleep(30 * time.Millisecond)
	if h.hangup.count() != 0 || conn.Closed() {
		t.Fatalf("hung up before the idle window")
	}

	h.clock.advance(1500 * time.Millisecond)
	if o := waitOutcome(t, out); o != OutcomeHangup {
		t.Fatalf("expected hangup, got %s", o)
	}
	if h.hangup.count() != 1 || h.hangup.calls[0] != "CA2" {
		t.Fatalf("expected exactly one hangup for CA2, got %v", h.hangup.calls)
	}
	if len(h.store.saved()) != 1 || !conn.Closed() || h.registry.Count() != 0 {
		t.Fatalf("expected flushed record and released resources")
	}
}

func TestEndCallForcesHangupWhenFarewellNeverCompletes(t *testing.T) {
	h := newHarness(t, fakeSessions{config: agentConfig()}, nil)
	conn := mock.New()
	out := h.start(conn)
	conn.Start("MZ3", "CA3")

	h.primary.events <- events.FunctionCallRequest{Functions: []events.FunctionCall{{ID: "fc", Name: "end_call", Arguments: `{"reason":"done"}`}}}
	waitFor(t, "end_call response", func() bool { return len(h.primary.messages(providers.MessageControl)) == 2 })

	h.clock.advance(ForcedHangup)
	if o := waitOutcome(t, out); o != OutcomeHangup {
		t.Fatalf("expected hangup, got %s", o)
	}
	if h.hangup.count() != 1 {
		t.Fatalf("expected one hangup, got %d", h.hangup.count())
	}
}

func TestBargeInClearsTelephony(t *testing.T) {
	h := newHarness(t, fakeSessions{config: agentConfig()}, nil)
	conn := mock.New()
	out := h.start(conn)
	conn.Start("MZ4", "CA4")

	h.primary.events <- events.BinaryAudio{Data: []byte{1, 2, 3}}
	h.primary.events <- events.UserStartedSpeaking{}
	waitFor(t, "clear", func() bool { return len(conn.Sent()) == 2 })

	sent := conn.Sent()
	if sent[0].Clear || string(sent[0].Audio) != "\x01\x02\x03" || !sent[1].Clear || sent[1].StreamID != "MZ4" {
		t.Fatalf("unexpected telephony writes %+v", sent)
	}
	if len(h.observer.Named(metrics.EventLatency)) == 0 {
		t.Fatalf("expected greeting latency on first audio")
	}
	conn.Stop("MZ4")
	waitOutcome(t, out)
}

func TestConfigMissingClosesWithoutProviders(t *testing.T) {
	h := newHarness(t, fakeSessions{err: errorsx.Wrap(errors.New("no session"), errorsx.ReasonConfigMissing)}, nil)
	conn := mock.New()
	if o := waitOutcome(t, h.start(conn)); o != OutcomeConfigMissing {
		t.Fatalf("expected config_missing, got %s", o)
	}
	if !conn.Closed() || h.connector.attempts() != 0 || h.registry.Count() != 0 {
		t.Fatalf("expected closed conn and no provider attempt")
	}
}

func TestProviderConnectFailureEndsCall(t *testing.T) {
	h := newHarness(t, fakeSessions{config: agentConfig()}, nil)
	h.connector.err = errors.New("handshake rejected")
	conn := mock.New()
	if o := waitOutcome(t, h.start(conn)); o != OutcomeProviderError {
		t.Fatalf("expected provider_error, got %s", o)
	}
	if !conn.Closed() || h.registry.Count() != 0 || len(h.store.saved()) != 0 {
		t.Fatalf("expected call torn down without a record")
	}
}

func TestProviderChannelEndingMidCall(t *testing.T) {
	h := newHarness(t, fakeSessions{config: agentConfig()}, nil)
	conn := mock.New()
	out := h.start(conn)
	conn.Start("MZ5", "CA5")
	waitFor(t, "collector", func() bool { _, ok := h.bridge.opts.Journal.Get("MZ5"); return ok })

	_ = h.primary.Close()
	if o := waitOutcome(t, out); o != OutcomeProviderError {
		t.Fatalf("expected provider_error, got %s", o)
	}
	saved := h.store.saved()
	if len(saved) != 1 || saved[0].Status != string(OutcomeProviderError) {
		t.Fatalf("expected record with provider_error status, got %+v", saved)
	}
}

type recordingSynth struct {
	mu    sync.Mutex
	texts []string
}

func (s *recordingSynth) Synthesize(_ context.Context, streamID, text string, sink synthesis.Sink) error {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	return sink.SendMedia(streamID, []byte(text))
}

func (s *recordingSynth) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func TestDualModeRoutesRecognitionReplies(t *testing.T) {
	cfg := map[string]any{"agent": map[string]any{"listen": map[string]any{"provider": map[string]any{"type": "google"}}}}
	synth := &recordingSynth{}
	h := newHarness(t, fakeSessions{config: cfg}, synth)
	h.primary.injectErr = errors.New("inject unsupported")
	recog := newFakeChannel("recognition", providers.RecognitionOnly)
	h.connector.channels["google"] = recog

	conn := mock.New()
	out := h.start(conn)
	conn.Start("MZ6", "CA6")
	conn.Media("MZ6", make([]byte, FrameBytes))
	waitFor(t, "fan-out", func() bool {
		return len(h.primary.messages(providers.MessageAudio)) == 1 && len(recog.messages(providers.MessageAudio)) == 1
	})
	if len(recog.messages(providers.MessageControl)) != 1 {
		t.Fatalf("expected settings sent to recognition channel")
	}

	recog.events <- events.ConversationText{Role: events.RoleAssistant, Content: "We open at nine."}
	waitFor(t, "fallback synthesis", func() bool { return len(synth.spoken()) == 1 })
	waitFor(t, "audio to telephony", func() bool { return string(conn.Audio()) == "We open at nine." })
	waitFor(t, "assistant turn", func() bool {
		col, ok := h.bridge.opts.Journal.Get("MZ6")
		return ok && len(col.Turns()) == 1
	})

	recog.events <- events.FunctionCallRequest{Functions: []events.FunctionCall{{ID: "x", Name: "lookup_order", Arguments: `{"order_id":"NOPE"}`}}}
	waitFor(t, "response to recognition channel", func() bool { return len(recog.messages(providers.MessageControl)) == 2 })
	if len(h.primary.messages(providers.MessageControl)) != 1 {
		t.Fatalf("function response must go to the requesting channel only")
	}

	conn.Stop("MZ6")
	if o := waitOutcome(t, out); o != OutcomeCompleted {
		t.Fatalf("expected completed, got %s", o)
	}
	if !recog.closed.Load() {
		t.Fatalf("expected recognition channel closed")
	}
}

func TestDualModeSkipsInjectedEcho(t *testing.T) {
	cfg := map[string]any{"agent": map[string]any{"listen": map[string]any{"provider": map[string]any{"type": "google"}}}}
	h := newHarness(t, fakeSessions{config: cfg}, nil)
	recog := newFakeChannel("recognition", providers.RecognitionOnly)
	h.connector.channels["google"] = recog

	conn := mock.New()
	out := h.start(conn)
	conn.Start("MZ7", "CA7")

	recog.events <- events.ConversationText{Role: events.RoleAssistant, Content: "We open at nine."}
	waitFor(t, "injection", func() bool {
		h.primary.mu.Lock()
		defer h.primary.mu.Unlock()
		return len(h.primary.injected) == 1
	})
	waitFor(t, "recognition turn", func() bool {
		col, ok := h.bridge.opts.Journal.Get("MZ7")
		return ok && len(col.Turns()) == 1
	})
	h.primary.events <- events.ConversationText{Role: events.RoleAssistant, Content: "We open at nine."}
	h.primary.events <- events.ConversationText{Role: events.RoleUser, Content: "Thanks"}
	h.primary.events <- events.ConversationText{Role: events.RoleAssistant, Content: "We open at nine."}
	waitFor(t, "turns", func() bool {
		col, ok := h.bridge.opts.Journal.Get("MZ7")
		return ok && len(col.Turns()) == 3
	})

	conn.Stop("MZ7")
	waitOutcome(t, out)
	saved := h.store.saved()
	if len(saved) != 1 {
		t.Fatalf("expected one saved record, got %d", len(saved))
	}
	var roles []string
	for _, turn := range saved[0].Turns {
		roles = append(roles, turn.Role)
	}
	if got := strings.Join(roles, ","); got != "assistant,user,assistant" {
		t.Fatalf("expected echo recorded once and later repeats kept, got %s", got)
	}
}

func TestDuplicateSessionIsRejected(t *testing.T) {
	h := newHarness(t, fakeSessions{config: agentConfig()}, nil)
	conn := mock.New()
	out := h.start(conn)
	conn.Start("MZ8", "CA8")
	waitFor(t, "first call registered", func() bool { return h.registry.Count() == 1 })

	dup := mock.New()
	if o := waitOutcome(t, h.start(dup)); o != OutcomeDuplicate {
		t.Fatalf("expected duplicate_session, got %s", o)
	}
	if !dup.Closed() || conn.Closed() || h.registry.Count() != 1 {
		t.Fatalf("expected only the duplicate leg dropped")
	}

	conn.Stop("MZ8")
	if o := waitOutcome(t, out); o != OutcomeCompleted {
		t.Fatalf("expected completed, got %s", o)
	}
	if h.registry.Count() != 0 {
		t.Fatalf("expected session released by its owner")
	}
}
