// Package modelclient streams OpenAI-compatible chat completions, stripping
// think-blocks from assistant text and accumulating fragmented tool-call
// deltas into complete calls (SPEC_FULL.md §4.2). It wraps
// github.com/sashabaranov/go-openai for transport/SSE framing rather than
// hand-rolling a scanner — see DESIGN.md for why.
package modelclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/coderloop/engine/internal/store"
)

// defaultRequestsPerSecond and defaultBurst bound how often a single Client
// opens a completion call against its endpoint. Fixed-rate rather than the
// AIMD adaptive limiter some provider clients use — this engine has one
// endpoint per Settings record, not a shared multi-tenant budget to adapt.
const (
	defaultRequestsPerSecond = 5
	defaultBurst             = 5
)

// StreamTimeout is the wall-clock budget for an entire streamed completion.
const StreamTimeout = 120 * time.Second

// Message is one entry in a completion request's conversation history.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []store.ToolCall
	ToolCallID string // set when Role == "tool"
}

// ToolSchema is one tool's name/description/JSON-schema-parameters, as
// advertised to the model.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Request is one streamed chat-completion call.
type Request struct {
	EndpointURL string
	APIKey      string
	Model       string
	Messages    []Message
	Tools       []ToolSchema
	MaxTokens   int
	Temperature float64
	Stream      bool // false for the one-shot review/planner-quality passes
}

// Result is the accumulated outcome of a streamed completion.
type Result struct {
	FinishReason string
	Content      string
	ToolCalls    []store.ToolCall
}

// Callbacks receives incremental events during a stream; either may be nil.
type Callbacks struct {
	OnContent  func(visibleText string)
	OnToolCall func(tc store.ToolCall)
}

// Client streams chat completions from an OpenAI-compatible endpoint.
type Client struct {
	newClient func(endpoint, apiKey string) *openai.Client
	limiter   *rate.Limiter
}

// New returns a Client that builds a fresh go-openai client per request,
// pointed at whatever EndpointURL the request specifies (the teacher's
// provider pins one endpoint per process; this spec's RemoteFileClient/
// multi-project model needs a per-call base URL instead). Requests are
// paced by a fixed-rate limiter to avoid a runaway loop hammering the
// endpoint during retries.
func New() *Client {
	return &Client{
		newClient: newOpenAIClient,
		limiter:   rate.NewLimiter(rate.Limit(defaultRequestsPerSecond), defaultBurst),
	}
}

func newOpenAIClient(endpoint, apiKey string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if endpoint != "" {
		cfg.BaseURL = endpoint
	}
	return openai.NewClientWithConfig(cfg)
}

// Stream issues req and, if req.Stream, consumes the SSE stream until
// finish_reason or [DONE], invoking cb as content/tool-call fragments
// arrive. It strips think-blocks from content before it ever reaches
// cb.OnContent or the returned Result.
func (c *Client) Stream(ctx context.Context, req Request, cb Callbacks) (*Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, StreamTimeout)
	defer cancel()

	client := c.newClient(req.EndpointURL, req.APIKey)
	chatReq := toChatRequest(req)

	if !req.Stream {
		return c.completeOnce(ctx, client, chatReq)
	}

	stream, err := client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	return consumeStream(ctx, stream, cb)
}

func (c *Client) completeOnce(ctx context.Context, client *openai.Client, chatReq openai.ChatCompletionRequest) (*Result, error) {
	chatReq.Stream = false
	resp, err := client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return &Result{}, nil
	}
	choice := resp.Choices[0]

	stripper := &thinkStripper{}
	content := stripper.Feed(choice.Message.Content) + stripper.Flush()

	var calls []store.ToolCall
	for _, tc := range choice.Message.ToolCalls {
		calls = append(calls, store.ToolCall{ID: tc.ID, Name: tc.Function.Name, Input: json.RawMessage(tc.Function.Arguments)})
	}
	return &Result{FinishReason: string(choice.FinishReason), Content: content, ToolCalls: calls}, nil
}

func consumeStream(ctx context.Context, stream *openai.ChatCompletionStream, cb Callbacks) (*Result, error) {
	type building struct {
		id, name string
		args     strings.Builder
	}
	calls := make(map[int]*building)
	order := []int{}

	stripper := &thinkStripper{}
	var content strings.Builder
	finishReason := ""

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			goto done
		}
		if err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			visible := stripper.Feed(choice.Delta.Content)
			if visible != "" {
				content.WriteString(visible)
				if cb.OnContent != nil {
					cb.OnContent(visible)
				}
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			b, ok := calls[idx]
			if !ok {
				b = &building{}
				calls[idx] = b
				order = append(order, idx)
			}
			if tc.ID != "" {
				b.id = tc.ID
			}
			if tc.Function.Name != "" {
				b.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				b.args.WriteString(tc.Function.Arguments)
			}
		}

		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
	}

done:
	if tail := stripper.Flush(); tail != "" {
		content.WriteString(tail)
		if cb.OnContent != nil {
			cb.OnContent(tail)
		}
	}

	toolCalls := make([]store.ToolCall, 0, len(order))
	for _, idx := range order {
		b := calls[idx]
		if b.name == "" {
			continue
		}
		tc := store.ToolCall{ID: b.id, Name: b.name, Input: json.RawMessage(b.args.String())}
		toolCalls = append(toolCalls, tc)
		if cb.OnToolCall != nil {
			cb.OnToolCall(tc)
		}
	}

	return &Result{FinishReason: finishReason, Content: content.String(), ToolCalls: toolCalls}, nil
}

func toChatRequest(req Request) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		oai := openai.ChatCompletionMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			oai.ToolCalls = append(oai.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Input),
				},
			})
		}
		messages = append(messages, oai)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   req.Stream,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	for _, t := range req.Tools {
		var params map[string]any
		if err := json.Unmarshal(t.Parameters, &params); err != nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return chatReq
}
