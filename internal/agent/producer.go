// Package agent runs the model/tool loop that drives a chat response
// and turns its progress into stream events.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chatshell/chat-shell/internal/llm"
	"github.com/chatshell/chat-shell/internal/streaming"
	"github.com/chatshell/chat-shell/internal/tools"
	"github.com/chatshell/chat-shell/pkg/logger"
	"github.com/chatshell/chat-shell/pkg/metrics"
)

// PublishFunc delivers one event to the session's stream. Implementations
// return an error when the stream can no longer accept events, which the
// producer treats as a signal to stop.
type PublishFunc func(ev streaming.Event) error

// Request describes one chat turn for a producer to answer.
type Request struct {
	SessionID     string
	Messages      []llm.ChatMessage
	Model         string
	Temperature   float64
	MaxTokens     int
	MaxToolRounds int
	Tools         *tools.Registry
	ShowThinking  bool
}

// Result summarizes a finished turn.
type Result struct {
	// Content is the final assistant text, for history persistence.
	Content string

	// ToolRounds is how many model/tool round trips the turn took.
	ToolRounds int
}

// Producer generates the event stream for one chat turn.
type Producer interface {
	Run(ctx context.Context, req Request, publish PublishFunc) (*Result, error)
}

// LLMProducer streams model output, executing requested tools between
// model rounds until the model answers without tool calls.
type LLMProducer struct {
	client llm.Client
	logger *logger.Logger
}

// NewLLMProducer returns a producer backed by the given model client.
func NewLLMProducer(client llm.Client, log *logger.Logger) *LLMProducer {
	return &LLMProducer{client: client, logger: log}
}

// Run executes the turn. It publishes content chunks as they stream from
// the model, tool_start/tool_result pairs around each tool execution, and
// a final complete event. A publish error aborts the turn immediately;
// cancellation surfaces as streaming.StreamCancelledError.
func (p *LLMProducer) Run(ctx context.Context, req Request, publish PublishFunc) (*Result, error) {
	maxRounds := req.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = 5
	}

	messages := make([]llm.ChatMessage, len(req.Messages))
	copy(messages, req.Messages)

	defs := p.toolDefinitions(req.Tools)

	var finalContent string
	rounds := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		completion := &llm.CompletionRequest{
			Model:       req.Model,
			Messages:    messages,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			Stream:      true,
		}
		// Past the round limit the model must answer with what it has.
		if rounds < maxRounds {
			completion.Tools = defs
		}

		start := time.Now()
		resp, err := p.client.CompleteStream(ctx, completion, func(token string, _ int) error {
			return publish(streaming.Chunk(token))
		})
		if err != nil {
			metrics.RecordLLMStream(req.Model, "error", time.Since(start).Seconds(), 0, 0)
			return nil, err
		}
		metrics.RecordLLMStream(resp.Model, "ok", time.Since(start).Seconds(), resp.TokensIn, resp.TokensOut)

		finalContent += resp.Content

		if len(resp.ToolCalls) == 0 {
			break
		}

		rounds++
		messages = append(messages, llm.ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			toolMsg, err := p.runTool(ctx, req, call, publish)
			if err != nil {
				return nil, err
			}
			messages = append(messages, toolMsg)
		}
	}

	if err := publish(streaming.Complete()); err != nil {
		return nil, err
	}

	return &Result{Content: finalContent, ToolRounds: rounds}, nil
}

// runTool executes one tool call and returns the tool-role message to feed
// back to the model. Tool failures are not fatal to the turn; the error
// text goes back to the model as the result so it can recover or explain.
func (p *LLMProducer) runTool(ctx context.Context, req Request, call llm.ToolCallRequest, publish PublishFunc) (llm.ChatMessage, error) {
	var input map[string]any
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &input); err != nil {
			p.logger.Warn("malformed tool arguments",
				zap.String("session_id", req.SessionID),
				zap.String("tool", call.Name),
				zap.Error(err))
		}
	}

	if req.ShowThinking {
		if err := publish(streaming.Thinking(fmt.Sprintf("Using %s tool", call.Name))); err != nil {
			return llm.ChatMessage{}, err
		}
	}

	if err := publish(streaming.ToolStart(call.Name, input)); err != nil {
		return llm.ChatMessage{}, err
	}

	result, execErr := req.Tools.Execute(ctx, call.Name, call.Arguments)
	status := "ok"
	if execErr != nil {
		status = "error"
		result = fmt.Sprintf("error: %s", execErr)
		p.logger.Warn("tool execution failed",
			zap.String("session_id", req.SessionID),
			zap.String("tool", call.Name),
			zap.Error(execErr))
	}
	metrics.ToolExecutionsTotal.WithLabelValues(call.Name, status).Inc()

	if err := publish(streaming.ToolResult(call.Name, result)); err != nil {
		return llm.ChatMessage{}, err
	}

	return llm.ChatMessage{
		Role:       "tool",
		Content:    result,
		ToolCallID: call.ID,
	}, nil
}

func (p *LLMProducer) toolDefinitions(registry *tools.Registry) []llm.ToolDefinition {
	if registry == nil {
		return nil
	}
	var defs []llm.ToolDefinition
	for _, t := range registry.List() {
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.InputSchema(),
		})
	}
	return defs
}
