package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/openintentos/openintent/internal/stream"
	"github.com/openintentos/openintent/pkg/models"
)

// streamRequestTimeout bounds a whole streamed Anthropic response. Setting it
// explicitly also bypasses the SDK's non-streaming timeout heuristic.
const streamRequestTimeout = 10 * time.Minute

// anthropicBackend speaks the Anthropic Messages API.
//
// Non-streaming calls decode through the SDK. Streaming calls issue the same
// request with "stream": true and hand the raw SSE body to the stream
// package, so both paths share message conversion and error mapping.
type anthropicBackend struct {
	name         string
	client       anthropic.Client
	maxLineBytes int
}

func newAnthropicBackend(cfg ProviderConfig, httpClient *http.Client, maxLineBytes int) *anthropicBackend {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithHTTPClient(httpClient),
		// Retries are handled by the transport so status errors reach failover.
		option.WithMaxRetries(0),
	}
	return &anthropicBackend{
		name:         cfg.Name,
		client:       anthropic.NewClient(opts...),
		maxLineBytes: maxLineBytes,
	}
}

func (b *anthropicBackend) chat(ctx context.Context, model string, req *models.ChatRequest) (*models.Response, error) {
	params, err := anthropicParams(model, req)
	if err != nil {
		return nil, requestError(b.name, model, err)
	}
	msg, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return nil, b.wrapError(model, err)
	}

	var text strings.Builder
	var calls []models.ToolCall
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args, err := models.NormalizeArguments(block.Input)
			if err != nil {
				perr := newProviderError(b.name, model, http.StatusOK, "", fmt.Sprintf("tool %s arguments: %v", block.Name, err), err)
				perr.Reason = ReasonParse
				return nil, perr
			}
			calls = append(calls, models.ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}

	resp := models.NewResponse(text.String(), calls, models.Usage{
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	})
	resp.StopReason = string(msg.StopReason)
	return resp, nil
}

func (b *anthropicBackend) stream(ctx context.Context, model string, req *models.ChatRequest, onDelta func(string)) (*models.Response, error) {
	params, err := anthropicParams(model, req)
	if err != nil {
		return nil, requestError(b.name, model, err)
	}

	var httpRes *http.Response
	_, err = b.client.Messages.New(ctx, params,
		option.WithJSONSet("stream", true),
		option.WithRequestTimeout(streamRequestTimeout),
		option.WithResponseBodyInto(&httpRes),
	)
	if err != nil {
		return nil, b.wrapError(model, err)
	}
	if httpRes == nil || httpRes.Body == nil {
		return nil, newProviderError(b.name, model, 0, "", "empty streaming response", nil)
	}
	defer httpRes.Body.Close()

	result, err := stream.Read(ctx, httpRes.Body, stream.NewAnthropicAccumulator(onDelta), b.maxLineBytes)
	if err != nil {
		return nil, streamFailure(b.name, model, httpRes.StatusCode, err)
	}
	return result.Response(), nil
}

func (b *anthropicBackend) wrapError(model string, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		code, message := parseAnthropicErrorBody(apiErr.RawJSON())
		return newProviderError(b.name, model, apiErr.StatusCode, code, message, err)
	}
	return transportFailure(b.name, model, err)
}

// parseAnthropicErrorBody extracts the error type and message from
// {"type":"error","error":{"type":...,"message":...}}.
func parseAnthropicErrorBody(raw string) (code, message string) {
	var body struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if raw == "" || json.Unmarshal([]byte(raw), &body) != nil {
		return "", raw
	}
	return body.Error.Type, body.Error.Message
}

func anthropicParams(model string, req *models.ChatRequest) (anthropic.MessageNewParams, error) {
	system, messages, err := anthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens(req)),
		Messages:  messages,
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := anthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// anthropicMessages lifts system messages into the top-level system field
// and groups consecutive tool results into a single user message.
func anthropicMessages(msgs []models.Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam, error) {
	var system []anthropic.TextBlockParam
	var result []anthropic.MessageParam
	toolGroupOpen := false

	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleSystem:
			if msg.Content != "" {
				system = append(system, anthropic.TextBlockParam{Text: msg.Content})
			}
			continue

		case models.RoleUser:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			toolGroupOpen = false

		case models.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				args := call.Arguments
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, args, call.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			result = append(result, anthropic.NewAssistantMessage(blocks...))
			toolGroupOpen = false

		case models.RoleTool:
			block := anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError)
			if toolGroupOpen {
				last := &result[len(result)-1]
				last.Content = append(last.Content, block)
			} else {
				result = append(result, anthropic.NewUserMessage(block))
				toolGroupOpen = true
			}

		default:
			return nil, nil, fmt.Errorf("unsupported role %q", msg.Role)
		}
	}
	return system, result, nil
}

func anthropicTools(defs []models.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var schema anthropic.ToolInputSchemaParam
		raw := def.InputSchema
		if len(raw) == 0 {
			raw = json.RawMessage(`{"type":"object"}`)
		}
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", def.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", def.Name)
		}
		if def.Description != "" {
			param.OfTool.Description = anthropic.String(def.Description)
		}
		result = append(result, param)
	}
	return result, nil
}
