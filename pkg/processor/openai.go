package processor

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/theapemachine/agentwire/pkg/a2a"
	"github.com/theapemachine/agentwire/pkg/errors"
	"github.com/theapemachine/agentwire/pkg/tasks"
)

/*
roleMap translates history roles into chat turns.  Agent messages become
assistant turns so the model sees its own earlier replies on resumed tasks.
*/
var roleMap = map[string]func(string) openai.ChatCompletionMessageParamUnion{
	a2a.RoleUser:  openai.UserMessage[string],
	a2a.RoleAgent: openai.AssistantMessage[string],
}

// OpenAIConfig carries the chat completion settings.  Only APIKey is
// required; BaseURL points the client at any OpenAI-compatible gateway.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int64
}

/*
OpenAI streams chat completions as artifact chunks.  Every content delta is
published to the task's subscribers as it arrives, and once the stream ends
the accumulated text replaces the delta parts so the stored artifact is one
clean part instead of a part per token.
*/
type OpenAI struct {
	cfg    OpenAIConfig
	client openai.Client
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai processor needs an api key")
	}

	if cfg.Model == "" {
		cfg.Model = string(openai.ChatModelGPT4oMini)
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}

	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAI{cfg: cfg, client: openai.NewClient(opts...)}, nil
}

func (proc *OpenAI) Process(
	ctx context.Context, handle tasks.ProcessorHandle,
) (*a2a.Message, error) {
	task := handle.Task()

	if lastUserText(task) == "" {
		return nil, fmt.Errorf("task carries no text to send to the model")
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(proc.cfg.Model),
		Messages: proc.convertHistory(task),
	}

	if proc.cfg.Temperature > 0 {
		params.Temperature = openai.Float(proc.cfg.Temperature)
	}

	if proc.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(proc.cfg.MaxTokens)
	}

	artifactID := uuid.NewString()
	first := true

	stream := proc.client.Chat.Completions.NewStreaming(ctx, params)
	acc := openai.ChatCompletionAccumulator{}

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if refusal, ok := acc.JustFinishedRefusal(); ok {
			return nil, fmt.Errorf("model refused the request: %s", refusal)
		}

		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}

		if rpcErr := proc.emit(ctx, handle, artifactID, chunk.Choices[0].Delta.Content, !first, false); rpcErr != nil {
			return nil, rpcErr
		}

		first = false
	}

	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("chat completion stream: %w", err)
	}

	if len(acc.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	text := acc.Choices[0].Message.Content

	if rpcErr := proc.emit(ctx, handle, artifactID, text, false, true); rpcErr != nil {
		return nil, rpcErr
	}

	return a2a.NewTextMessage(a2a.RoleAgent, text), nil
}

func (proc *OpenAI) emit(
	ctx context.Context,
	handle tasks.ProcessorHandle,
	artifactID, text string,
	appendParts, lastChunk bool,
) *errors.RpcError {
	name := "response"

	return handle.EmitArtifact(ctx, a2a.Artifact{
		ArtifactID: artifactID,
		Name:       &name,
		Parts:      []a2a.Part{a2a.NewTextPart(text)},
	}, appendParts, lastChunk)
}

func (proc *OpenAI) convertHistory(task a2a.Task) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(task.History)+1)

	if proc.cfg.SystemPrompt != "" {
		out = append(out, openai.SystemMessage(proc.cfg.SystemPrompt))
	}

	for _, msg := range task.History {
		text := msg.String()

		if text == "" {
			continue
		}

		if fn, ok := roleMap[msg.Role]; ok {
			out = append(out, fn(text))
		}
	}

	return out
}
