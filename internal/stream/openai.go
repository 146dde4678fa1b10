package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/openintentos/openintent/pkg/models"
)

var doneMarker = []byte("[DONE]")

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

// OpenAIAccumulator folds an OpenAI-compatible chat completion stream. Each
// data line is an independent chunk; "data: [DONE]" terminates the stream.
type OpenAIAccumulator struct {
	onText func(string)

	line       int
	text       strings.Builder
	calls      map[int]*partialCall
	usage      models.Usage
	stopReason string
	done       bool
}

// NewOpenAIAccumulator creates an accumulator. onText, if non-nil, is called
// with every content delta in arrival order.
func NewOpenAIAccumulator(onText func(string)) *OpenAIAccumulator {
	return &OpenAIAccumulator{onText: onText, calls: make(map[int]*partialCall)}
}

// Push implements Accumulator.
func (o *OpenAIAccumulator) Push(line []byte) (bool, error) {
	o.line++
	if o.done {
		return true, nil
	}
	field, value, ok := splitField(line)
	if !ok || field != "data" {
		return false, nil
	}
	if bytes.Equal(bytes.TrimSpace(value), doneMarker) {
		o.done = true
		return true, nil
	}
	if !isJSONObject(value) {
		return false, &ParseError{Format: "openai", Line: o.line, Msg: "payload is not a JSON object"}
	}

	var inband struct {
		Error *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(value, &inband); err == nil && inband.Error != nil {
		return false, &APIError{Type: inband.Error.Type, Message: inband.Error.Message}
	}

	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal(value, &chunk); err != nil {
		return false, &ParseError{Format: "openai", Line: o.line, Msg: "decode chunk", Err: err}
	}
	return false, o.apply(&chunk)
}

func (o *OpenAIAccumulator) apply(chunk *openai.ChatCompletionStreamResponse) error {
	if chunk.Usage != nil {
		o.usage.InputTokens = int64(chunk.Usage.PromptTokens)
		o.usage.OutputTokens = int64(chunk.Usage.CompletionTokens)
	}
	if len(chunk.Choices) == 0 {
		return nil
	}
	choice := chunk.Choices[0]
	if choice.FinishReason != "" {
		o.stopReason = string(choice.FinishReason)
	}
	if content := choice.Delta.Content; content != "" {
		o.text.WriteString(content)
		if o.onText != nil {
			o.onText(content)
		}
	}
	for pos, tc := range choice.Delta.ToolCalls {
		idx := pos
		if tc.Index != nil {
			idx = *tc.Index
		}
		call, ok := o.calls[idx]
		if !ok {
			call = &partialCall{}
			o.calls[idx] = call
		}
		if tc.ID != "" {
			call.id = tc.ID
		}
		if tc.Function.Name != "" {
			call.name = tc.Function.Name
		}
		call.args.WriteString(tc.Function.Arguments)
	}
	return nil
}

// Result implements Accumulator. Tool calls are returned in index order.
func (o *OpenAIAccumulator) Result() (*Result, error) {
	if !o.done {
		return nil, &ParseError{Format: "openai", Line: o.line, Msg: "unexpected end of stream"}
	}
	indexes := make([]int, 0, len(o.calls))
	for idx := range o.calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	calls := make([]models.ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		pc := o.calls[idx]
		if pc.id == "" || pc.name == "" {
			return nil, &ParseError{Format: "openai", Line: o.line, Msg: fmt.Sprintf("tool call at index %d missing id or name", idx)}
		}
		args, err := models.NormalizeArguments([]byte(pc.args.String()))
		if err != nil {
			return nil, &ParseError{Format: "openai", Line: o.line, Msg: fmt.Sprintf("tool %s arguments", pc.name), Err: err}
		}
		calls = append(calls, models.ToolCall{ID: pc.id, Name: pc.name, Arguments: args})
	}
	return &Result{
		Text:       o.text.String(),
		ToolCalls:  calls,
		Usage:      o.usage,
		StopReason: o.stopReason,
	}, nil
}
