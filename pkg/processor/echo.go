package processor

import (
	"context"
	"time"

	"github.com/theapemachine/agentwire/pkg/a2a"
	"github.com/theapemachine/agentwire/pkg/tasks"
)

/*
Echo is the default processor: it completes every task by repeating the
newest user text back as an artifact.  It keeps a fresh server usable
without provider credentials and gives tests a processor with no external
state.
*/
type Echo struct {
	// Delay postpones the reply, which makes streamed updates observable
	// in demos.  Zero answers immediately.
	Delay time.Duration
}

func (echo Echo) Process(
	ctx context.Context, handle tasks.ProcessorHandle,
) (*a2a.Message, error) {
	if echo.Delay > 0 {
		select {
		case <-time.After(echo.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// The newest user text, so a resumed task echoes the resume input
	// rather than the original request.
	text := lastUserText(handle.Task())

	if text == "" {
		return a2a.NewTextMessage(a2a.RoleAgent, "nothing to echo"), nil
	}

	if rpcErr := handle.EmitArtifact(ctx, a2a.NewTextArtifact("echo", text), false, true); rpcErr != nil {
		return nil, rpcErr
	}

	return a2a.NewTextMessage(a2a.RoleAgent, text), nil
}

func lastUserText(task a2a.Task) string {
	for i := len(task.History) - 1; i >= 0; i-- {
		msg := task.History[i]

		if msg.Role != a2a.RoleUser {
			continue
		}

		for _, part := range msg.Parts {
			if part.Kind == a2a.PartKindText && part.Text != "" {
				return part.Text
			}
		}
	}

	return ""
}
