package synthesis

import (
	"context"
	"log/slog"
	"sync"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
)

// Synthesizer is the part of Engine a Queue drives.
type Synthesizer interface {
	Synthesize(ctx context.Context, streamID, text string, sink Sink) error
}

// Queue serializes synthesis for one call. Submit never blocks and never
// drops; a single Run loop speaks texts one at a time in submission order.
type Queue struct {
	streamID string
	synth    Synthesizer
	sink     Sink
	logger   *slog.Logger

	mu      sync.Mutex
	pending []string
	signal  chan struct{}
	onDone  func(text string, err error)
}

func NewQueue(streamID string, synth Synthesizer, sink Sink) *Queue {
	return &Queue{
		streamID: streamID,
		synth:    synth,
		sink:     sink,
		logger:   logging.NewComponentLogger(nil, "synthesis_queue"),
		signal:   make(chan struct{}, 1),
	}
}

// OnDone registers a callback run after every text; it must not block.
func (q *Queue) OnDone(fn func(text string, err error)) {
	q.mu.Lock()
	q.onDone = fn
	q.mu.Unlock()
}

func (q *Queue) Submit(text string) {
	q.mu.Lock()
	q.pending = append(q.pending, text)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Len reports texts waiting to be spoken, excluding the one in progress.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Run speaks queued texts until ctx ends. Failures are logged and the text
// abandoned; the queue keeps going.
func (q *Queue) Run(ctx context.Context) error {
	for {
		text, ok := q.next()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-q.signal:
				continue
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		err := q.synth.Synthesize(ctx, q.streamID, text, q.sink)
		if err != nil && ctx.Err() == nil {
			q.logger.Warn("synthesis_abandoned",
				slog.String("stream_id", q.streamID),
				slog.String("reason", string(errorsx.ReasonSynthesisRequest)),
				slog.String("cause", string(errorsx.Reason(err))),
				slog.String("error", err.Error()))
		}
		q.mu.Lock()
		done := q.onDone
		q.mu.Unlock()
		if done != nil {
			done(text, err)
		}
	}
}

func (q *Queue) next() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return "", false
	}
	text := q.pending[0]
	q.pending = q.pending[1:]
	return text, true
}
