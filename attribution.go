package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
)

const (
	attributionService = "attribution"
	orgFuncName        = "setOrganisation"

	// DefaultUnknownOrganisation is stored when no organisation is
	// recognizable.
	DefaultUnknownOrganisation = "Unklar"

	maxOrganisationLen = 200
)

// DefaultAttributionInstruction is the system prompt of the attributor.
const DefaultAttributionInstruction = `You receive feedback issues submitted to a public consultation.
Attribute each issue to the ONE organisation that submitted it, using the
"setOrganisation" function. Never invent an organisation that the issue does
not name. If no organisation is recognizable, answer with the unknown value.

Example: "Konsultationsbeitrag der publicplan GmbH zum Deutschland-Stack"
is attributed to "publicplan GmbH".`

// Attributor names the organisation behind each issue with an OpenAI
// model. Exactly one organisation, or the unknown value, is assigned.
type Attributor struct {
	Log    *slog.Logger
	OpenAI ChatCompleter
	Model  string

	// Instruction defaults to DefaultAttributionInstruction.
	Instruction string
	// Unknown defaults to DefaultUnknownOrganisation.
	Unknown   string
	MaxTokens int
	Pool      PoolConfig
}

func (a *Attributor) unknown() string {
	if a.Unknown == "" {
		return DefaultUnknownOrganisation
	}
	return a.Unknown
}

func (a *Attributor) request(iss *Issue) openai.ChatCompletionRequest {
	instruction := a.Instruction
	if instruction == "" {
		instruction = DefaultAttributionInstruction
	}
	return openai.ChatCompletionRequest{
		Model:       a.Model,
		Temperature: 0,
		Tools: []openai.Tool{{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        orgFuncName,
				Description: `Attribute the feedback issue to one organisation.`,
				Parameters: jsonschema.Definition{
					Type: jsonschema.Object,
					Properties: map[string]jsonschema.Definition{
						"organisation": {
							Type:        jsonschema.String,
							Description: fmt.Sprintf("The organisation name, or %q.", a.unknown()),
						},
					},
					Required: []string{"organisation"},
				},
			},
		}},
		ToolChoice: openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: orgFuncName},
		},
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: instruction + fmt.Sprintf("\n\nThe unknown value is %q.", a.unknown()),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: "title: " + iss.Title + "\n" + truncateTokens(iss.Body, a.MaxTokens),
			},
		},
	}
}

// Attribute makes one request for iss.
func (a *Attributor) Attribute(ctx context.Context, iss *Issue) (string, error) {
	resp, err := a.OpenAI.CreateChatCompletion(ctx, a.request(iss))
	if err != nil {
		return "", classifyOpenAIError(attributionService, err)
	}
	return a.parseOrganisation(resp)
}

func (a *Attributor) parseOrganisation(resp openai.ChatCompletionResponse) (string, error) {
	malformed := func(format string, args ...any) error {
		return &MalformedResponseError{Service: attributionService, Reason: fmt.Sprintf(format, args...)}
	}
	if len(resp.Choices) != 1 {
		return "", malformed("expected one choice, got %d", len(resp.Choices))
	}
	calls := resp.Choices[0].Message.ToolCalls
	if len(calls) != 1 {
		return "", malformed("expected one tool call, got %d", len(calls))
	}
	if calls[0].Function.Name != orgFuncName {
		return "", malformed("unexpected function %q", calls[0].Function.Name)
	}
	var setOrg struct {
		Organisation string `json:"organisation"`
	}
	if err := json.Unmarshal([]byte(calls[0].Function.Arguments), &setOrg); err != nil {
		return "", malformed("unmarshal setOrganisation: %v, arguments: %q", err, calls[0].Function.Arguments)
	}

	org := strings.Join(strings.Fields(setOrg.Organisation), " ")
	switch {
	case org == "", strings.EqualFold(org, a.unknown()):
		return a.unknown(), nil
	case utf8.RuneCountInString(org) > maxOrganisationLen:
		return "", malformed("organisation is %d characters long", utf8.RuneCountInString(org))
	}
	return org, nil
}

// Enrich attributes every issue. The prompt carries title and body only,
// so issues with the same content share one call. Malformed responses are
// retried once like classifications.
func (a *Attributor) Enrich(ctx context.Context, issues []*Issue) (map[int64]string, []ItemFailure, error) {
	out, err := enrichUnique(ctx, a.Log, attributionService, a.Pool, issues,
		byContentHash,
		func(ctx context.Context, iss *Issue) (string, error) {
			var (
				org string
				err error
			)
			for attempt := 1; attempt <= 2; attempt++ {
				org, err = a.Attribute(ctx, iss)
				var mErr *MalformedResponseError
				if !errors.As(err, &mErr) {
					break
				}
				a.Log.Warn("malformed attribution", "issue", iss.ID, "attempt", attempt, "error", err)
			}
			return org, err
		},
	)
	if err != nil {
		return nil, nil, fmt.Errorf("attribution: %w", err)
	}
	return out.results, out.failures, nil
}
