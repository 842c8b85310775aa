package providers

import (
	"context"

	"github.com/harunnryd/callbridge/pkg/agent"
	"github.com/harunnryd/callbridge/pkg/events"
)

// Turn is one entry of a reasoning history. Exactly one of Text, Call or
// Result is set.
type Turn struct {
	Role   string
	Text   string
	Call   *events.FunctionCall
	Result *events.FunctionCallResponse
}

type ReplyRequest struct {
	System    string
	History   []Turn
	Functions []agent.Function
}

// Reply is what the model produced: spoken text, function calls, or both.
type Reply struct {
	Text  string
	Calls []events.FunctionCall
}

// Reasoner produces the assistant's next reply for a recognition-only channel.
type Reasoner interface {
	Reply(ctx context.Context, req ReplyRequest) (Reply, error)
}
