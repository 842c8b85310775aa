package twilio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/transports"
)

const writeTimeout = 5 * time.Second

type startPayload struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type mediaPayload struct {
	Track   string `json:"track,omitempty"`
	Chunk   string `json:"chunk,omitempty"`
	Payload string `json:"payload"`
}

type streamEvent struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *startPayload `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
}

// mediaConn is one Twilio media stream. Writes go through a single writer
// goroutine so outbound media keeps its order.
type mediaConn struct {
	ws     *websocket.Conn
	t      *Transport
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

func newMediaConn(ws *websocket.Conn, t *Transport) *mediaConn {
	c := &mediaConn{
		ws:     ws,
		t:      t,
		sendCh: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *mediaConn) Read(ctx context.Context) (transports.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return transports.Message{}, err
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return transports.Message{}, io.EOF
			}
			return transports.Message{}, errorsx.Wrap(fmt.Errorf("read media stream: %w", err), errorsx.ReasonTransportClosed)
		}
		var evt streamEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			c.t.logger.Warn("twilio_message_undecodable",
				slog.String("reason_code", string(errorsx.ReasonMalformedMessage)),
				slog.String("error", err.Error()))
			continue
		}
		switch evt.Event {
		case "connected":
			return transports.Message{Event: transports.EventConnected}, nil
		case "start":
			if evt.Start == nil {
				continue
			}
			msg := transports.Message{
				Event:     transports.EventStart,
				StreamID:  firstNonEmpty(evt.Start.StreamSID, evt.StreamSID),
				CallID:    evt.Start.CallSID,
				Direction: evt.Start.CustomParameters["direction"],
				From:      evt.Start.CustomParameters["from"],
				To:        evt.Start.CustomParameters["to"],
			}
			c.t.bind(msg.CallID, c)
			return msg, nil
		case "media":
			if evt.Media == nil || (evt.Media.Track != "" && evt.Media.Track != "inbound") {
				continue
			}
			return transports.Message{Event: transports.EventMedia, StreamID: evt.StreamSID, Payload: evt.Media.Payload}, nil
		case "stop":
			return transports.Message{Event: transports.EventStop, StreamID: evt.StreamSID}, nil
		}
	}
}

func (c *mediaConn) SendMedia(streamID string, audio []byte) error {
	return c.enqueue(map[string]any{
		"event":     "media",
		"streamSid": streamID,
		"media":     map[string]any{"payload": base64.StdEncoding.EncodeToString(audio)},
	})
}

func (c *mediaConn) SendClear(streamID string) error {
	return c.enqueue(map[string]any{"event": "clear", "streamSid": streamID})
}

func (c *mediaConn) enqueue(msg map[string]any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if c.closed() {
		return errorsx.Wrap(transports.ErrClosed, errorsx.ReasonTransportSend)
	}
	select {
	case c.sendCh <- b:
		return nil
	case <-c.done:
		return errorsx.Wrap(transports.ErrClosed, errorsx.ReasonTransportSend)
	}
}

func (c *mediaConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case b := <-c.sendCh:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				if !c.closed() {
					c.t.logger.Warn("twilio_write_failed",
						slog.String("reason_code", string(errorsx.ReasonTransportSend)),
						slog.String("error", err.Error()))
				}
				_ = c.Close()
				return
			}
		}
	}
}

func (c *mediaConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *mediaConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ transports.Conn = (*mediaConn)(nil)
