package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/harunnryd/callbridge/pkg/configutil"
	"github.com/harunnryd/callbridge/pkg/events"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/resilience"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

// ListenConfig configures live transcription for the recognition channel.
type ListenConfig struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Encoding       string `mapstructure:"encoding"`
	SampleRate     int    `mapstructure:"sample_rate"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
	Interim        bool   `mapstructure:"interim"`
	SessionID      string `mapstructure:"-"`
}

func DecodeListenConfig(settings map[string]any) (ListenConfig, error) {
	var cfg ListenConfig
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return ListenConfig{}, fmt.Errorf("deepgram listen settings: %w", err)
	}
	if err := configutil.RequireString(cfg.APIKey, "providers.recognition.settings.api_key"); err != nil {
		return ListenConfig{}, err
	}
	return cfg.withDefaults(), nil
}

func (c ListenConfig) withDefaults() ListenConfig {
	if c.Model == "" {
		c.Model = "nova-3"
	}
	if c.Language == "" {
		c.Language = "en"
	}
	if c.Encoding == "" {
		c.Encoding = "mulaw"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 8000
	}
	if c.UtteranceEndMS == 0 {
		c.UtteranceEndMS = 1000
	}
	return c
}

// Transcriber streams caller audio to Deepgram live transcription and
// surfaces final transcripts and speech boundaries as events: final text as
// a user ConversationText, speech start as UserStartedSpeaking and the
// utterance boundary as a user UtteranceEnd.
type Transcriber struct {
	cfg    ListenConfig
	logger *slog.Logger
	retry  resilience.RetryPolicy

	dgClient   *client.WSCallback
	out        chan events.Event
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter

	metaOnce sync.Once
}

func NewTranscriber(cfg ListenConfig) *Transcriber {
	return &Transcriber{
		cfg:    cfg.withDefaults(),
		logger: logging.NewComponentLogger(nil, "deepgram_listen"),
		retry:  resilience.NewRetryPolicy(2, 0),
		out:    make(chan events.Event, 256),
	}
}

func (s *Transcriber) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.pipeReader, s.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		InterimResults: true,
		VadEvents:      true,
		SmartFormat:    true,
		UtteranceEndMs: fmt.Sprintf("%d", s.cfg.UtteranceEndMS),
	}

	err := s.retry.DoContext(s.ctx, func(ctx context.Context) error {
		dgClient, err := client.NewWSUsingCallback(ctx, s.cfg.APIKey, clientOptions, transcriptOptions, &listenCallback{parent: s})
		if err != nil {
			return err
		}
		if !dgClient.Connect() {
			return fmt.Errorf("deepgram listen connection failed")
		}
		s.dgClient = dgClient
		return nil
	})
	if err != nil {
		s.logger.Error("listen_connect_failed",
			slog.String("session_id", s.cfg.SessionID),
			slog.String("error", err.Error()))
		return err
	}

	s.logger.Info("listen_connected",
		slog.String("session_id", s.cfg.SessionID),
		slog.String("model", s.cfg.Model),
		slog.String("language", s.cfg.Language))

	go func() {
		if err := s.dgClient.Stream(s.pipeReader); err != nil && s.ctx.Err() == nil {
			s.logger.Error("listen_stream_error",
				slog.String("session_id", s.cfg.SessionID),
				slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (s *Transcriber) Write(audio []byte) error {
	if s.pipeWriter == nil {
		return fmt.Errorf("transcriber not started")
	}
	_, err := s.pipeWriter.Write(audio)
	return err
}

// Events never closes; consumers stop on their own context.
func (s *Transcriber) Events() <-chan events.Event { return s.out }

func (s *Transcriber) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.pipeWriter != nil {
		_ = s.pipeWriter.Close()
	}
	if s.dgClient != nil {
		s.dgClient.Stop()
	}
	s.logger.Info("listen_closed", slog.String("session_id", s.cfg.SessionID))
	return nil
}

func (s *Transcriber) emit(ev events.Event) {
	select {
	case s.out <- ev:
	case <-s.ctx.Done():
	}
}

type listenCallback struct {
	parent *Transcriber
}

func (c *listenCallback) Open(*msginterfaces.OpenResponse) error { return nil }

func (c *listenCallback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := strings.TrimSpace(mr.Channel.Alternatives[0].Transcript)
	if transcript == "" || !(mr.IsFinal || mr.SpeechFinal) {
		return nil
	}
	c.parent.logger.Debug("transcript_final",
		slog.String("session_id", c.parent.cfg.SessionID),
		slog.Int("chars", len(transcript)))
	c.parent.emit(events.ConversationText{Role: events.RoleUser, Content: transcript})
	return nil
}

func (c *listenCallback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.parent.metaOnce.Do(func() {
		c.parent.logger.Info("listen_metadata",
			slog.String("session_id", c.parent.cfg.SessionID),
			slog.String("request_id", md.RequestID))
	})
	return nil
}

func (c *listenCallback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error {
	c.parent.emit(events.UserStartedSpeaking{})
	return nil
}

func (c *listenCallback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	c.parent.emit(events.UtteranceEnd{Role: events.RoleUser})
	return nil
}

func (c *listenCallback) Close(*msginterfaces.CloseResponse) error { return nil }

func (c *listenCallback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("listen_error",
		slog.String("session_id", c.parent.cfg.SessionID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	c.parent.emit(events.Error{Code: er.ErrCode, Description: er.ErrMsg})
	return nil
}

func (c *listenCallback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("listen_unhandled_event",
		slog.String("session_id", c.parent.cfg.SessionID),
		slog.Int("bytes", len(byData)))
	return nil
}
