package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/voxturn/backend/internal/model/conversation"
	"github.com/zhouzirui/voxturn/backend/internal/service/turn"
)

// DefaultMaxSteps bounds the model/tool round trips of one turn.
const DefaultMaxSteps = 10

// Options 描述生成器的可选参数。
type Options struct {
	SystemPrompt string
	MaxSteps     int
	Tools        *Registry
}

// Generator streams replies from a chat model, running tool calls between
// steps. It implements turn.Generator.
type Generator struct {
	chatModel model.ToolCallingChatModel
	template  prompt.ChatTemplate
	system    string
	maxSteps  int
	tools     *Registry
	logger    zerolog.Logger
}

// NewGenerator binds the registry's tools to chatModel.
func NewGenerator(ctx context.Context, chatModel model.ToolCallingChatModel, opts Options, logger zerolog.Logger) (*Generator, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}

	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	if opts.Tools.Len() > 0 {
		infos, err := opts.Tools.Infos(ctx)
		if err != nil {
			return nil, err
		}
		bound, err := chatModel.WithTools(infos)
		if err != nil {
			return nil, fmt.Errorf("failed to bind tools: %w", err)
		}
		chatModel = bound
	}

	template := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
	)

	return &Generator{
		chatModel: chatModel,
		template:  template,
		system:    opts.SystemPrompt,
		maxSteps:  maxSteps,
		tools:     opts.Tools,
		logger:    logger.With().Str("component", "ai").Logger(),
	}, nil
}

// Generate runs up to maxSteps model steps. Text deltas are spoken as they
// arrive; tool results are fed back until the model answers without calling
// a tool. The returned messages are the assistant and tool messages of the turn.
func (g *Generator) Generate(ctx context.Context, req turn.Request, sink turn.Sink) ([]conversation.Message, error) {
	input, err := g.template.Format(ctx, map[string]any{
		"system":  g.system,
		"history": toSchemaMessages(req.History),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to format prompt: %w", err)
	}

	ctx = withPusher(ctx, sink)

	var produced []conversation.Message
	for step := 1; step <= g.maxSteps; step++ {
		reply, err := g.step(ctx, input, sink)
		if err != nil {
			return produced, err
		}
		input = append(input, reply)

		if len(reply.ToolCalls) == 0 {
			if strings.TrimSpace(reply.Content) != "" {
				produced = append(produced, fromSchemaMessage(reply))
			}
			g.logger.Debug().
				Str("session_id", req.Key.SessionID).
				Str("turn_id", req.TurnID).
				Int("steps", step).
				Int("messages", len(produced)).
				Msg("generation finished")
			return produced, nil
		}

		produced = append(produced, fromSchemaMessage(reply))
		for _, call := range reply.ToolCalls {
			result, err := g.tools.Run(ctx, call.Function.Name, call.Function.Arguments)
			if err != nil {
				return produced, err
			}
			input = append(input, schema.ToolMessage(result, call.ID))
			produced = append(produced, conversation.Message{
				Role:       conversation.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
				ToolName:   call.Function.Name,
			})
		}
	}

	g.logger.Warn().
		Str("session_id", req.Key.SessionID).
		Str("turn_id", req.TurnID).
		Int("max_steps", g.maxSteps).
		Msg("step limit reached")
	return produced, nil
}

// step streams one model response, speaking its text as it arrives.
func (g *Generator) step(ctx context.Context, input []*schema.Message, sink turn.Sink) (*schema.Message, error) {
	stream, err := g.chatModel.Stream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to stream model output: %w", err)
	}
	defer stream.Close()

	var chunks []*schema.Message
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to receive model chunk: %w", err)
		}
		if chunk == nil {
			continue
		}
		chunks = append(chunks, chunk)
		if chunk.Content != "" {
			if err := sink.Speak(chunk.Content); err != nil {
				return nil, fmt.Errorf("failed to speak: %w", err)
			}
		}
	}

	if len(chunks) == 0 {
		return schema.AssistantMessage("", nil), nil
	}
	reply, err := schema.ConcatMessages(chunks)
	if err != nil {
		return nil, fmt.Errorf("failed to merge model chunks: %w", err)
	}
	return reply, nil
}

func toSchemaMessages(msgs []conversation.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case conversation.RoleUser:
			out = append(out, schema.UserMessage(msg.Content))
		case conversation.RoleAssistant:
			// providers reject empty assistant turns, e.g. a reply cut off before any text
			if msg.Content == "" && len(msg.ToolCalls) == 0 {
				continue
			}
			out = append(out, schema.AssistantMessage(msg.Content, toSchemaToolCalls(msg.ToolCalls)))
		case conversation.RoleTool:
			out = append(out, schema.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}
	return out
}

func toSchemaToolCalls(calls []conversation.ToolCall) []schema.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]schema.ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, schema.ToolCall{
			ID:   c.ID,
			Type: "function",
			Function: schema.FunctionCall{
				Name:      c.Name,
				Arguments: c.Arguments,
			},
		})
	}
	return out
}

func fromSchemaMessage(msg *schema.Message) conversation.Message {
	out := conversation.Message{
		Role:    conversation.RoleAssistant,
		Content: msg.Content,
	}
	for _, call := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, conversation.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return out
}
