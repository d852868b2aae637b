package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/serialmon/internal/models"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

// maxContextLines bounds the stream context included in a prompt.
const maxContextLines = 40

// CrashExplanation is the structured answer for a reboot event.
type CrashExplanation struct {
	Summary     string   `json:"summary"`
	LikelyCause string   `json:"likely_cause"`
	NextSteps   []string `json:"next_steps"`
	Confidence  string   `json:"confidence"`
}

// Client wraps the Anthropic API for crash explanation.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = DefaultModel
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// buildCrashPrompt constructs the system and user prompts for explaining a
// reboot event captured from a device's serial stream.
func buildCrashPrompt(event *models.RebootEvent, status *models.HealthStatus) (system string, user string) {
	system = `You are an embedded firmware engineer diagnosing microcontroller crashes from serial console output. Return ONLY a JSON object with these fields:
- "summary": one sentence describing what happened
- "likely_cause": the most likely root cause, referencing specific lines, registers or addresses when present
- "next_steps": an array of 2-5 concrete debugging actions
- "confidence": one of "low", "medium", "high"

Rules:
- Base the diagnosis only on the provided output; do not invent addresses or symbols
- A backtrace without symbols means the user should decode it against the firmware ELF
- Brownouts point at power supply problems before software
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	fmt.Fprintf(&sb, "Port: %s\n", event.Port)
	fmt.Fprintf(&sb, "Category: %s (severity %s, crash=%t)\n", event.Category, event.Severity, event.IsCrash)
	if event.Code != "" {
		fmt.Fprintf(&sb, "Code: %s\n", event.Code)
	}
	fmt.Fprintf(&sb, "Trigger line: %s\n", event.Line)

	if status != nil {
		fmt.Fprintf(&sb, "\nDevice health: %s, %d reboots in window, %d consecutive\n",
			status.Status, status.RecentReboots, status.ConsecutiveReboots)
		if status.Loop.Detected {
			fmt.Fprintf(&sb, "Repeating line (%d times): %s\n", status.Loop.Occurrences, status.Loop.Pattern)
		}
	}

	if len(event.StackTrace) > 0 {
		sb.WriteString("\nStack trace:\n")
		for _, l := range event.StackTrace {
			sb.WriteString(l)
			sb.WriteString("\n")
		}
	}

	ctxLines := event.Context
	if len(ctxLines) > maxContextLines {
		ctxLines = ctxLines[len(ctxLines)-maxContextLines:]
	}
	if len(ctxLines) > 0 {
		sb.WriteString("\nPreceding output:\n")
		for _, l := range ctxLines {
			sb.WriteString(l)
			sb.WriteString("\n")
		}
	}
	user = sb.String()
	return
}

// ExplainCrash sends a reboot event to the LLM and returns its diagnosis.
func (c *Client) ExplainCrash(ctx context.Context, event *models.RebootEvent, status *models.HealthStatus) (*CrashExplanation, error) {
	if event == nil {
		return nil, fmt.Errorf("no reboot event to explain")
	}
	systemPrompt, userPrompt := buildCrashPrompt(event, status)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 2048,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}
	return parseExplanation(text)
}

// parseExplanation decodes the model's JSON answer, tolerating markdown
// fencing around it.
func parseExplanation(text string) (*CrashExplanation, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	var out CrashExplanation
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	return &out, nil
}
