package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/openintentos/openintent/internal/stream"
	"github.com/openintentos/openintent/pkg/models"
)

// maxErrorBody bounds how much of a failed streaming response is read.
const maxErrorBody = 64 << 10

// openAIBackend speaks the OpenAI chat completions protocol, which OpenAI,
// DeepSeek, Groq, NVIDIA NIM, Gemini's compatibility endpoint and Ollama all
// accept.
type openAIBackend struct {
	name         string
	baseURL      string
	apiKey       string
	client       *openai.Client
	httpClient   *http.Client
	maxLineBytes int
}

func newOpenAIBackend(cfg ProviderConfig, httpClient *http.Client, maxLineBytes int) *openAIBackend {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = cfg.BaseURL
	clientConfig.HTTPClient = httpClient
	return &openAIBackend{
		name:         cfg.Name,
		baseURL:      cfg.BaseURL,
		apiKey:       cfg.APIKey,
		client:       openai.NewClientWithConfig(clientConfig),
		httpClient:   httpClient,
		maxLineBytes: maxLineBytes,
	}
}

func (b *openAIBackend) chat(ctx context.Context, model string, req *models.ChatRequest) (*models.Response, error) {
	creq, err := openAIRequest(model, req)
	if err != nil {
		return nil, requestError(b.name, model, err)
	}
	resp, err := b.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, b.wrapError(model, err)
	}
	if len(resp.Choices) == 0 {
		perr := newProviderError(b.name, model, http.StatusOK, "", "response has no choices", nil)
		perr.Reason = ReasonParse
		return nil, perr
	}

	choice := resp.Choices[0]
	calls := make([]models.ToolCall, 0, len(choice.Message.ToolCalls))
	for _, tc := range choice.Message.ToolCalls {
		args, err := models.NormalizeArguments([]byte(tc.Function.Arguments))
		if err != nil {
			perr := newProviderError(b.name, model, http.StatusOK, "", fmt.Sprintf("tool %s arguments: %v", tc.Function.Name, err), err)
			perr.Reason = ReasonParse
			return nil, perr
		}
		calls = append(calls, models.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}

	out := models.NewResponse(choice.Message.Content, calls, models.Usage{
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	})
	out.StopReason = string(choice.FinishReason)
	return out, nil
}

func (b *openAIBackend) stream(ctx context.Context, model string, req *models.ChatRequest, onDelta func(string)) (*models.Response, error) {
	creq, err := openAIRequest(model, req)
	if err != nil {
		return nil, requestError(b.name, model, err)
	}
	creq.Stream = true
	creq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	body, err := json.Marshal(creq)
	if err != nil {
		return nil, requestError(b.name, model, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, transportFailure(b.name, model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	res, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportFailure(b.name, model, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		code, message := parseOpenAIErrorBody(raw)
		return nil, newProviderError(b.name, model, res.StatusCode, code, message, nil)
	}

	result, err := stream.Read(ctx, res.Body, stream.NewOpenAIAccumulator(onDelta), b.maxLineBytes)
	if err != nil {
		return nil, streamFailure(b.name, model, res.StatusCode, err)
	}
	return result.Response(), nil
}

func (b *openAIBackend) wrapError(model string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return newProviderError(b.name, model, apiErr.HTTPStatusCode, openAIErrorCode(apiErr), apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		message := string(reqErr.Body)
		if message == "" && reqErr.Err != nil {
			message = reqErr.Err.Error()
		}
		return newProviderError(b.name, model, reqErr.HTTPStatusCode, "", message, err)
	}
	return transportFailure(b.name, model, err)
}

// openAIErrorCode prefers the machine-readable code, falling back to the
// error type when the code is absent or unrecognised.
func openAIErrorCode(apiErr *openai.APIError) string {
	if apiErr.Code != nil {
		code := fmt.Sprint(apiErr.Code)
		if classifyErrorCode(code) != ReasonUnknown {
			return code
		}
	}
	return apiErr.Type
}

func parseOpenAIErrorBody(raw []byte) (code, message string) {
	var body openai.ErrorResponse
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == nil {
		return "", string(bytes.TrimSpace(raw))
	}
	return openAIErrorCode(body.Error), body.Error.Message
}

func openAIRequest(model string, req *models.ChatRequest) (openai.ChatCompletionRequest, error) {
	messages, err := openAIMessages(req.Messages)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	creq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: maxTokens(req),
	}
	if req.Temperature != nil {
		temp := float32(*req.Temperature)
		if temp == 0 {
			// The client omits a zero temperature entirely.
			temp = math.SmallestNonzeroFloat32
		}
		creq.Temperature = temp
	}
	if len(req.Tools) > 0 {
		creq.Tools = openAITools(req.Tools)
	}
	return creq, nil
}

func openAIMessages(msgs []models.Message) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: msg.Content})
		case models.RoleUser:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})
		case models.RoleAssistant:
			out := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			for _, call := range msg.ToolCalls {
				args := string(call.Arguments)
				if args == "" {
					args = "{}"
				}
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:       call.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: call.Name, Arguments: args},
				})
			}
			result = append(result, out)
		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		default:
			return nil, fmt.Errorf("unsupported role %q", msg.Role)
		}
	}
	return result, nil
}

func openAITools(defs []models.ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(defs))
	for i, def := range defs {
		params := def.InputSchema
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		}
	}
	return result
}
