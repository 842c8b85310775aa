package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/callbridge/pkg/agent"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/events"
	"github.com/harunnryd/callbridge/pkg/providers"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// tokenOnlyServer rejects header auth and accepts ?token=key, then runs fn.
func tokenOnlyServer(t *testing.T, key string, fn func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" || r.URL.Query().Get("token") != key {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fn(conn)
	}))
}

func TestAgentFallsBackToTokenAuth(t *testing.T) {
	received := make(chan []byte, 4)
	srv := tokenOnlyServer(t, "k1", func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ConversationText","role":"assistant","content":"Hello"}`))
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"AgentAudioDone"}`))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- data
		}
	})
	defer srv.Close()

	ch, err := ConnectAgent(context.Background(), AgentConfig{APIKey: "k1", URL: wsURL(srv)}, agent.Metadata{SessionID: "s1"}, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ch.Close()

	want := []events.Kind{events.KindConversationText, events.KindBinaryAudio, events.KindAgentAudioDone}
	for _, kind := range want {
		select {
		case ev := <-ch.Events():
			if ev.Kind() != kind {
				t.Fatalf("expected %s, got %s", kind, ev.Kind())
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", kind)
		}
	}

	if err := ch.Inject(context.Background(), "One moment please"); err != nil {
		t.Fatalf("inject: %v", err)
	}
	select {
	case data := <-received:
		var msg map[string]string
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode inject: %v", err)
		}
		if msg["type"] != "InjectAgentMessage" || msg["message"] != "One moment please" {
			t.Fatalf("unexpected inject payload %v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never received inject")
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAgentLogsCarrySessionID(t *testing.T) {
	out := &lockedBuffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(out, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	srv := tokenOnlyServer(t, "k1", func(conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
	})
	defer srv.Close()

	ch, err := ConnectAgent(context.Background(), AgentConfig{APIKey: "k1", URL: wsURL(srv)}, agent.Metadata{SessionID: "sess-42"}, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = ch.Close()

	var connected map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var rec map[string]any
		if json.Unmarshal([]byte(line), &rec) == nil && rec["msg"] == "agent_connected" {
			connected = rec
		}
	}
	if connected == nil {
		t.Fatalf("expected agent_connected record, got %q", out.String())
	}
	if connected["session_id"] != "sess-42" {
		t.Fatalf("expected session_id on connect log, got %v", connected)
	}
	if _, ok := connected["stream_id"]; ok {
		t.Fatalf("stream id is unknown at connect time, got %v", connected)
	}
}

func TestAgentBothAuthModesRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	reg := providers.NewRegistry()
	reg.Register("deepgram", NewAgentFactory(AgentConfig{APIKey: "bad", URL: wsURL(srv)}, nil))
	_, err := reg.Connect(context.Background(), "deepgram", agent.Metadata{SessionID: "s1"})
	if err == nil {
		t.Fatalf("expected connect failure")
	}
	if errorsx.Reason(err) != errorsx.ReasonProviderAuth {
		t.Fatalf("expected provider_auth, got %s (%v)", errorsx.Reason(err), err)
	}
}

func TestDialReportsConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, _, err := Dial(context.Background(), nil, wsURL(srv), "k")
	if !errorsx.HasReason(err, errorsx.ReasonProviderConnect) {
		t.Fatalf("expected provider_connect, got %v", err)
	}
}

func TestAgentSendAfterCloseFails(t *testing.T) {
	srv := tokenOnlyServer(t, "k1", func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	ch, err := ConnectAgent(context.Background(), AgentConfig{APIKey: "k1", URL: wsURL(srv)}, agent.Metadata{}, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := ch.Send(context.Background(), providers.Audio([]byte{0xff})); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = ch.Close()
	if err := ch.Send(context.Background(), providers.Audio([]byte{0xff})); err != providers.ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	select {
	case _, ok := <-ch.Events():
		if ok {
			t.Fatalf("expected closed events channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("events channel not closed")
	}
	if ch.Err() != nil {
		t.Fatalf("expected nil Err after Close, got %v", ch.Err())
	}
}
