package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/openintentos/openintent/pkg/models"
)

// AnthropicEventKind names an event of the Anthropic Messages stream.
type AnthropicEventKind string

const (
	EventMessageStart      AnthropicEventKind = "message_start"
	EventContentBlockStart AnthropicEventKind = "content_block_start"
	EventContentBlockDelta AnthropicEventKind = "content_block_delta"
	EventContentBlockStop  AnthropicEventKind = "content_block_stop"
	EventMessageDelta      AnthropicEventKind = "message_delta"
	EventMessageStop       AnthropicEventKind = "message_stop"
	EventPing              AnthropicEventKind = "ping"
	EventError             AnthropicEventKind = "error"
)

// Delta kinds carried by content_block_delta.
const (
	DeltaText      = "text_delta"
	DeltaInputJSON = "input_json_delta"
)

// Block kinds carried by content_block_start.
const (
	BlockText    = "text"
	BlockToolUse = "tool_use"
)

// AnthropicEvent is one decoded stream event. Only the fields relevant to
// Kind are set.
type AnthropicEvent struct {
	Kind  AnthropicEventKind
	Index int64

	// content_block_start
	BlockType string
	ToolID    string
	ToolName  string

	// content_block_delta
	DeltaType   string
	Text        string
	PartialJSON string

	// message_delta
	StopReason string

	// message_start (input) and message_delta (output)
	Usage models.Usage

	// error
	Err *APIError
}

// ParseAnthropicEvent decodes the data payload of an event. kind may be
// empty, in which case the payload's "type" field decides. Unknown kinds are
// returned with only Kind set.
func ParseAnthropicEvent(kind string, data []byte) (AnthropicEvent, error) {
	if !isJSONObject(data) {
		return AnthropicEvent{}, &ParseError{Format: "anthropic", Msg: "payload is not a JSON object"}
	}

	if AnthropicEventKind(kind) == EventError || (kind == "" && peekType(data) == string(EventError)) {
		var payload struct {
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return AnthropicEvent{}, &ParseError{Format: "anthropic", Msg: "decode error event", Err: err}
		}
		return AnthropicEvent{Kind: EventError, Err: &APIError{Type: payload.Error.Type, Message: payload.Error.Message}}, nil
	}

	var raw anthropic.MessageStreamEventUnion
	if err := json.Unmarshal(data, &raw); err != nil {
		return AnthropicEvent{}, &ParseError{Format: "anthropic", Msg: "decode event", Err: err}
	}
	if kind == "" {
		kind = raw.Type
	}

	ev := AnthropicEvent{Kind: AnthropicEventKind(kind), Index: raw.Index}
	switch ev.Kind {
	case EventMessageStart:
		ev.Usage.InputTokens = raw.Message.Usage.InputTokens
		ev.Usage.OutputTokens = raw.Message.Usage.OutputTokens
	case EventContentBlockStart:
		ev.BlockType = raw.ContentBlock.Type
		ev.ToolID = raw.ContentBlock.ID
		ev.ToolName = raw.ContentBlock.Name
	case EventContentBlockDelta:
		ev.DeltaType = raw.Delta.Type
		ev.Text = raw.Delta.Text
		ev.PartialJSON = raw.Delta.PartialJSON
	case EventMessageDelta:
		ev.StopReason = string(raw.Delta.StopReason)
		ev.Usage.OutputTokens = raw.Usage.OutputTokens
	}
	return ev, nil
}

type toolBlock struct {
	id    string
	name  string
	args  strings.Builder
	final json.RawMessage
}

// AnthropicAccumulator folds an Anthropic Messages stream. It is stateful
// across lines: an "event:" line sets the kind used by the next "data:" line.
type AnthropicAccumulator struct {
	onText func(string)

	line       int
	pending    string
	text       strings.Builder
	tools      map[int64]*toolBlock
	usage      models.Usage
	stopReason string
	done       bool
}

// NewAnthropicAccumulator creates an accumulator. onText, if non-nil, is
// called with every text delta in arrival order.
func NewAnthropicAccumulator(onText func(string)) *AnthropicAccumulator {
	return &AnthropicAccumulator{onText: onText, tools: make(map[int64]*toolBlock)}
}

// Push implements Accumulator.
func (a *AnthropicAccumulator) Push(line []byte) (bool, error) {
	a.line++
	if a.done {
		return true, nil
	}
	field, value, ok := splitField(line)
	if !ok {
		return false, nil
	}
	switch field {
	case "event":
		a.pending = strings.TrimSpace(string(value))
		return false, nil
	case "data":
		kind := a.pending
		a.pending = ""
		ev, err := ParseAnthropicEvent(kind, value)
		if err != nil {
			var pe *ParseError
			if errors.As(err, &pe) {
				pe.Line = a.line
			}
			return false, err
		}
		return a.apply(ev)
	default:
		return false, nil
	}
}

// Apply folds an already decoded event. It is exported for callers that
// receive events from another framing.
func (a *AnthropicAccumulator) Apply(ev AnthropicEvent) (bool, error) {
	return a.apply(ev)
}

func (a *AnthropicAccumulator) apply(ev AnthropicEvent) (bool, error) {
	switch ev.Kind {
	case EventMessageStart:
		a.usage.InputTokens = ev.Usage.InputTokens
		if ev.Usage.OutputTokens > a.usage.OutputTokens {
			a.usage.OutputTokens = ev.Usage.OutputTokens
		}
	case EventContentBlockStart:
		if ev.BlockType == BlockToolUse {
			a.tools[ev.Index] = &toolBlock{id: ev.ToolID, name: ev.ToolName}
		}
	case EventContentBlockDelta:
		switch ev.DeltaType {
		case DeltaText:
			if ev.Text == "" {
				return false, nil
			}
			a.text.WriteString(ev.Text)
			if a.onText != nil {
				a.onText(ev.Text)
			}
		case DeltaInputJSON:
			block, ok := a.tools[ev.Index]
			if !ok {
				return false, &ParseError{Format: "anthropic", Line: a.line, Msg: fmt.Sprintf("input_json_delta for unknown block %d", ev.Index)}
			}
			block.args.WriteString(ev.PartialJSON)
		}
	case EventContentBlockStop:
		if block, ok := a.tools[ev.Index]; ok {
			if err := a.finishBlock(block); err != nil {
				return false, err
			}
		}
	case EventMessageDelta:
		if ev.StopReason != "" {
			a.stopReason = ev.StopReason
		}
		if ev.Usage.OutputTokens > 0 {
			a.usage.OutputTokens = ev.Usage.OutputTokens
		}
	case EventMessageStop:
		a.done = true
		return true, nil
	case EventError:
		return false, ev.Err
	}
	return false, nil
}

func (a *AnthropicAccumulator) finishBlock(block *toolBlock) error {
	if block.final != nil {
		return nil
	}
	args, err := models.NormalizeArguments([]byte(block.args.String()))
	if err != nil {
		return &ParseError{Format: "anthropic", Line: a.line, Msg: fmt.Sprintf("tool %s arguments", block.name), Err: err}
	}
	block.final = args
	return nil
}

// Result implements Accumulator. Tool calls are returned in block-index order.
func (a *AnthropicAccumulator) Result() (*Result, error) {
	if !a.done {
		return nil, &ParseError{Format: "anthropic", Line: a.line, Msg: "unexpected end of stream"}
	}
	indexes := make([]int64, 0, len(a.tools))
	for idx := range a.tools {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	calls := make([]models.ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		block := a.tools[idx]
		if err := a.finishBlock(block); err != nil {
			return nil, err
		}
		calls = append(calls, models.ToolCall{ID: block.id, Name: block.name, Arguments: block.final})
	}
	return &Result{
		Text:       a.text.String(),
		ToolCalls:  calls,
		Usage:      a.usage,
		StopReason: a.stopReason,
	}, nil
}

func peekType(data []byte) string {
	var probe struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(data, &probe)
	return probe.Type
}
