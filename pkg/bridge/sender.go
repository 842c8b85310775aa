package bridge

import (
	"context"
	"errors"
	"log/slog"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/providers"
)

// sender forwards frames to one provider channel in arrival order. Frames
// that arrive while the buffer is full are dropped.
type sender struct {
	ch     providers.Channel
	frames chan []byte
	logger *slog.Logger

	dropped int
}

func newSender(ch providers.Channel, size int, logger *slog.Logger) *sender {
	return &sender{ch: ch, frames: make(chan []byte, size), logger: logger}
}

func (s *sender) push(frame []byte) {
	select {
	case s.frames <- frame:
	default:
		s.dropped++
		if s.dropped == 1 || s.dropped%100 == 0 {
			s.logger.Warn("provider_audio_dropped",
				slog.String("provider", s.ch.Name()),
				slog.Int("dropped", s.dropped))
		}
	}
}

func (s *sender) run(ctx context.Context) error {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-s.frames:
			err := s.ch.Send(ctx, providers.Audio(frame))
			if err == nil {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, providers.ErrClosed) {
				return nil
			}
			failures++
			if failures == 1 || failures%100 == 0 {
				s.logger.Warn("provider_audio_send_failed",
					slog.String("provider", s.ch.Name()),
					slog.String("reason_code", string(errorsx.Reason(err))),
					slog.Int("failures", failures),
					slog.String("error", err.Error()))
			}
		}
	}
}
