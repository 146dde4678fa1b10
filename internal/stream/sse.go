// Package stream folds Server-Sent Event streams from LLM providers into a
// single completed response.
//
// Two accumulators are provided, one per wire format:
//
//   - AnthropicAccumulator understands the event-kinded Messages API stream.
//   - OpenAIAccumulator understands the chunked Chat Completions stream that
//     terminates with "data: [DONE]".
//
// Both consume raw SSE lines, ignore events they do not know, and surface
// malformed payloads as *ParseError. Read drives an accumulator over an
// io.Reader with a bounded line buffer.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/openintentos/openintent/pkg/models"
)

const (
	// DefaultMaxLineBytes caps a single SSE line.
	DefaultMaxLineBytes = 1 << 20

	initialLineBuffer = 64 * 1024
)

// Accumulator folds SSE lines into a Result.
type Accumulator interface {
	// Push consumes one line without its trailing newline. It returns true
	// once the stream terminator has been seen.
	Push(line []byte) (bool, error)

	// Result returns the folded response. It fails when the terminator was
	// never seen.
	Result() (*Result, error)
}

// Result is the folded content of one streamed model turn.
type Result struct {
	Text       string
	ToolCalls  []models.ToolCall
	Usage      models.Usage
	StopReason string
}

// Response converts the folded stream into a provider-neutral response,
// giving tool calls precedence over text.
func (r *Result) Response() *models.Response {
	resp := models.NewResponse(r.Text, r.ToolCalls, r.Usage)
	resp.StopReason = r.StopReason
	return resp
}

// ParseError reports a stream that could not be decoded.
type ParseError struct {
	Format string
	Line   int
	Msg    string
	Err    error
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString(e.Format)
	b.WriteString(" stream parse error")
	if e.Line > 0 {
		fmt.Fprintf(&b, " at line %d", e.Line)
	}
	b.WriteString(": ")
	b.WriteString(e.Msg)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// APIError is an error reported in-band by the provider, for example an
// Anthropic "error" event after the stream has started.
type APIError struct {
	Type    string
	Message string
}

func (e *APIError) Error() string {
	if e.Type == "" {
		return "stream error: " + e.Message
	}
	return fmt.Sprintf("stream error (%s): %s", e.Type, e.Message)
}

// Read drives acc over r until the terminator, EOF or ctx cancellation.
// Lines longer than maxLineBytes fail the read; maxLineBytes <= 0 selects
// DefaultMaxLineBytes.
func Read(ctx context.Context, r io.Reader, acc Accumulator, maxLineBytes int) (*Result, error) {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	initial := initialLineBuffer
	if initial > maxLineBytes {
		initial = maxLineBytes
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initial), maxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		done, err := acc.Push(scanner.Bytes())
		if err != nil {
			return nil, err
		}
		if done {
			return acc.Result()
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, &ParseError{Format: "sse", Msg: fmt.Sprintf("line exceeds %d bytes", maxLineBytes), Err: err}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("read stream: %w", err)
	}
	return acc.Result()
}

// splitField splits an SSE line into field name and value. Keep-alive lines
// (blank or starting with ':') report ok=false.
func splitField(line []byte) (field string, value []byte, ok bool) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 || line[0] == ':' {
		return "", nil, false
	}
	idx := bytes.IndexByte(line, ':')
	if idx < 0 {
		return string(line), nil, true
	}
	value = line[idx+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return string(line[:idx]), value, true
}

func isJSONObject(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}
