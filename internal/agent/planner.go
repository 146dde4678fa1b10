package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/openintentos/openintent/pkg/models"
)

// Chatter is a non-streaming model endpoint.
type Chatter interface {
	Chat(ctx context.Context, req *models.ChatRequest) (*models.Response, error)
}

// PlanStep is one step of a plan. Arguments may reference earlier outputs
// with {{step_N.output}}; substitution is left to the executor.
type PlanStep struct {
	Index           int             `json:"index"`
	Description     string          `json:"description"`
	ToolName        string          `json:"tool_name,omitempty"`
	Arguments       json.RawMessage `json:"arguments,omitempty"`
	DependsOn       []int           `json:"depends_on,omitempty"`
	ExpectedOutcome string          `json:"expected_outcome,omitempty"`
}

// Plan is the model's decomposition of an intent.
type Plan struct {
	Rationale string     `json:"rationale"`
	Steps     []PlanStep `json:"steps"`
}

const plannerInstructions = `You are a planning assistant. Break the user's intent into ordered steps.
Respond with JSON only, in this shape:
{"rationale": "...", "steps": [{"index": 1, "description": "...", "tool_name": "...", "arguments": {}, "depends_on": [], "expected_outcome": "..."}]}
Use only tools from the catalogue. Leave tool_name empty for steps that need no tool.
Refer to the output of an earlier step as {{step_N.output}}.`

// Planner asks the model for a multi-step plan.
type Planner struct {
	chat  Chatter
	model string
}

// NewPlanner creates a planner. An empty model uses the transport's active one.
func NewPlanner(chat Chatter, model string) *Planner {
	return &Planner{chat: chat, model: model}
}

// Plan requests a plan for intent. The request carries no tools and runs at
// temperature 0; the reply is parsed and validated against tools.
func (p *Planner) Plan(ctx context.Context, intent string, tools []models.ToolDefinition, contextText string) (*Plan, error) {
	if p.chat == nil {
		return nil, &PlanningError{Reason: "no model configured", Cause: ErrNoTransport}
	}
	if strings.TrimSpace(intent) == "" {
		return nil, &PlanningError{Reason: "empty intent"}
	}
	resp, err := p.chat.Chat(ctx, &models.ChatRequest{
		Model: p.model,
		Messages: []models.Message{
			models.SystemMessage(plannerInstructions),
			models.UserMessage(planPrompt(intent, tools, contextText)),
		},
		Temperature: models.Float64(0),
	})
	if err != nil {
		return nil, &PlanningError{Reason: "model request failed", Cause: err}
	}
	if resp == nil {
		return nil, &PlanningError{Reason: "empty response"}
	}
	plan, err := ParsePlan(resp.Text)
	if err != nil {
		return nil, err
	}
	if err := plan.Validate(tools); err != nil {
		return nil, err
	}
	return plan, nil
}

func planPrompt(intent string, tools []models.ToolDefinition, contextText string) string {
	var b strings.Builder
	b.WriteString("Intent: ")
	b.WriteString(intent)
	b.WriteString("\n\nTools:\n")
	if len(tools) == 0 {
		b.WriteString("(none)\n")
	}
	for _, tool := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", tool.Name, tool.Description)
	}
	if strings.TrimSpace(contextText) != "" {
		b.WriteString("\nContext:\n")
		b.WriteString(contextText)
		b.WriteByte('\n')
	}
	return b.String()
}

// ParsePlan decodes a plan, tolerating a surrounding code fence.
func ParsePlan(text string) (*Plan, error) {
	body := StripCodeFence(text)
	if body == "" {
		return nil, &PlanningError{Reason: "empty response"}
	}
	var plan Plan
	if err := json.Unmarshal([]byte(body), &plan); err != nil {
		return nil, &PlanningError{Reason: "unparsable plan", Cause: err}
	}
	if len(plan.Steps) == 0 {
		return nil, &PlanningError{Reason: "plan has no steps"}
	}
	return &plan, nil
}

// StripCodeFence returns the text between the first opening ``` and the
// last closing ```, without a language tag. Text outside the fence is
// dropped; text without a fence is returned trimmed.
func StripCodeFence(text string) string {
	s := strings.TrimSpace(text)
	open := strings.Index(s, "```")
	if open < 0 {
		return s
	}
	s = s[open+3:]
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	tag := strings.IndexFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' && r != '+'
	})
	if tag > 0 && strings.ContainsRune(" \t\r\n{[", rune(s[tag])) {
		s = s[tag:]
	}
	return strings.TrimSpace(s)
}

// Validate checks that step indexes are unique, dependencies point at
// earlier steps and named tools exist in tools.
func (p *Plan) Validate(tools []models.ToolDefinition) error {
	known := make(map[string]bool, len(tools))
	for _, tool := range tools {
		known[tool.Name] = true
	}
	seen := make(map[int]bool, len(p.Steps))
	for _, step := range p.Steps {
		if seen[step.Index] {
			return &PlanningError{Reason: fmt.Sprintf("duplicate step index %d", step.Index)}
		}
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return &PlanningError{Reason: fmt.Sprintf("step %d depends on unknown or later step %d", step.Index, dep)}
			}
		}
		if step.ToolName != "" && !known[step.ToolName] {
			return &PlanningError{Reason: fmt.Sprintf("step %d uses unknown tool %q", step.Index, step.ToolName)}
		}
		seen[step.Index] = true
	}
	return nil
}

var stepOutputRef = regexp.MustCompile(`\{\{\s*step_(\d+)\.output\s*\}\}`)

// StepOutputRefs returns the distinct step indexes referenced by
// {{step_N.output}} tokens in the step's arguments, in ascending order.
func StepOutputRefs(step PlanStep) []int {
	matches := stepOutputRef.FindAllStringSubmatch(string(step.Arguments), -1)
	seen := make(map[int]bool, len(matches))
	var refs []int
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		refs = append(refs, n)
	}
	sort.Ints(refs)
	return refs
}
