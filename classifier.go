package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sort"
	"strings"

	"github.com/ammario/prefixsuffix"
	"github.com/coder/feedback/httpjson"
	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
)

const (
	classifierService = "classifier"
	labelFuncName     = "setLabels"
)

// DefaultInstruction is the system prompt of the classifier.
const DefaultInstruction = `You classify feedback issues submitted to a public consultation
using the "setLabels" function. Use ONLY the labels the function offers and
never invent new ones. Apply as few labels as needed, at most five.`

// ChatCompleter is the subset of *openai.Client the classifier uses.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// labelContext generates the chat request used for label classification.
type labelContext struct {
	vocab       *Vocabulary
	instruction string
	fallback    string
	examples    []*Issue
	target      *Issue
}

func issueToText(iss *Issue) string {
	var sb strings.Builder
	sb.WriteString("page: " + iss.Page + "\n")
	sb.WriteString("title: " + iss.Title)
	sb.WriteString("\n")

	saver := prefixsuffix.Saver{
		// Max 1000 characters per example.
		N: 500,
	}
	saver.Write([]byte(iss.Body))
	sb.Write(saver.Bytes())

	return sb.String()
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

func modelTokenLimit(model string) int {
	switch model {
	case openai.GPT3Dot5Turbo, openai.GPT3Dot5Turbo16K:
		return 16385
	case openai.GPT4:
		return 8192
	default:
		// Assume a big context window, errors are better than
		// bad performance.
		return 128000
	}
}

// Request generates the chat completion request for the target issue.
func (c *labelContext) Request(model string, maxTargetTokens int) openai.ChatCompletionRequest {
	request := openai.ChatCompletionRequest{
		Model: model,
		// Want high determinism.
		Temperature: 0,
		Tools: []openai.Tool{
			{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        labelFuncName,
					Description: `Label the feedback issue with zero or more labels from the list.`,
					Parameters: jsonschema.Definition{
						Type: jsonschema.Object,
						Properties: map[string]jsonschema.Definition{
							"labels": {
								Type: jsonschema.Array,
								Items: &jsonschema.Definition{
									Type: jsonschema.String,
									Enum: c.vocab.Labels(),
								},
							},
						},
						Required: []string{"labels"},
					},
				},
			},
		},
		ToolChoice: openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: labelFuncName},
		},
	}

	system := c.instruction + "\n\nLabels:\n" + strings.Join(c.vocab.Labels(), "\n")
	if c.fallback != "" {
		system += fmt.Sprintf("\n\nIf no label fits, use the label %q.", c.fallback)
	}

	examples := c.examples
	target := *c.target
	target.Body = truncateTokens(target.Body, maxTargetTokens)

constructMsgs:
	msgs := []openai.ChatCompletionMessage{{
		Role:    openai.ChatMessageRoleSystem,
		Content: system,
	}}

	for _, iss := range examples {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: issueToText(iss),
		})

		tcID := uuid.NewString()
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleAssistant,
			ToolCalls: []openai.ToolCall{
				{
					Type: openai.ToolTypeFunction,
					ID:   tcID,
					Function: openai.FunctionCall{
						Name: labelFuncName,
						Arguments: mustJSON(httpjson.M{
							"labels": iss.AssignedLabels,
						}),
					},
				},
			},
		})

		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    "OK",
			ToolCallID: tcID,
		})
	}

	// The target issue is sent whole, up to maxTargetTokens.
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: "page: " + target.Page + "\ntitle: " + target.Title + "\n" + target.Body,
	})

	// Drop examples until the request fits the model.
	if countTokens(msgs...) > modelTokenLimit(model) && len(examples) > 0 {
		examples = examples[:len(examples)/2]
		goto constructMsgs
	}

	request.Messages = msgs
	return request
}

// Classifier assigns vocabulary labels to issues with an OpenAI model.
type Classifier struct {
	Log    *slog.Logger
	OpenAI ChatCompleter
	Model  string
	Vocab  *Vocabulary

	// Instruction defaults to DefaultInstruction.
	Instruction string
	// FallbackLabel is assigned when the model picks no label. It must
	// be part of the vocabulary.
	FallbackLabel string
	// Examples is the number of already classified issues sent as
	// few-shot context.
	Examples  int
	MaxTokens int
	Pool      PoolConfig
}

// Classify makes one request for iss. A response that is not a single
// setLabels call with labels from the vocabulary is a
// *ClassificationError.
func (c *Classifier) Classify(ctx context.Context, iss *Issue, examples []*Issue) ([]string, error) {
	instruction := c.Instruction
	if instruction == "" {
		instruction = DefaultInstruction
	}
	lc := &labelContext{
		vocab:       c.Vocab,
		instruction: instruction,
		fallback:    c.FallbackLabel,
		examples:    examples,
		target:      iss,
	}
	resp, err := c.OpenAI.CreateChatCompletion(ctx, lc.Request(c.Model, c.MaxTokens))
	if err != nil {
		return nil, classifyOpenAIError(classifierService, err)
	}
	return c.parseLabels(resp)
}

func (c *Classifier) parseLabels(resp openai.ChatCompletionResponse) ([]string, error) {
	malformed := func(format string, args ...any) error {
		return &ClassificationError{Service: classifierService, Reason: fmt.Sprintf(format, args...)}
	}
	if len(resp.Choices) != 1 {
		return nil, malformed("expected one choice, got %d", len(resp.Choices))
	}
	calls := resp.Choices[0].Message.ToolCalls
	if len(calls) != 1 {
		return nil, malformed("expected one tool call, got %d", len(calls))
	}
	if calls[0].Function.Name != labelFuncName {
		return nil, malformed("unexpected function %q", calls[0].Function.Name)
	}

	var setLabels struct {
		Labels []string `json:"labels"`
	}
	if err := json.Unmarshal([]byte(calls[0].Function.Arguments), &setLabels); err != nil {
		return nil, malformed("unmarshal setLabels: %v, arguments: %q", err, calls[0].Function.Arguments)
	}

	labels := make([]string, 0, len(setLabels.Labels))
	for _, l := range setLabels.Labels {
		if !c.Vocab.Contains(l) {
			return nil, malformed("label %q is not in the vocabulary", l)
		}
		labels = append(labels, l)
	}
	slices.Sort(labels)
	labels = slices.Compact(labels)
	if len(labels) == 0 && c.FallbackLabel != "" {
		labels = append(labels, c.FallbackLabel)
	}
	return labels, nil
}

// classifyOpenAIError maps OpenAI client errors onto the error taxonomy.
func classifyOpenAIError(service string, err error) error {
	var (
		apiErr *openai.APIError
		reqErr *openai.RequestError
		netErr net.Error
		status int
	)
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return &TransientServiceError{Service: service, Err: err}
	default:
		return err
	}
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return &TransientServiceError{Service: service, Status: status, Err: err}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &SystemicError{Service: service, Err: err}
	}
	return err
}

// fewShotExamples picks the n most recent classified issues of the store
// that are not being classified in this run.
func (c *Classifier) fewShotExamples(stored *Snapshot, pending []*Issue) []*Issue {
	if c.Examples <= 0 || stored == nil {
		return nil
	}
	skip := make(map[int64]struct{}, len(pending))
	for _, iss := range pending {
		skip[iss.ID] = struct{}{}
	}
	var candidates []*Issue
	for _, iss := range stored.Issues {
		if _, ok := skip[iss.ID]; ok {
			continue
		}
		if len(iss.AssignedLabels) == 0 || !c.Vocab.Closed(iss.AssignedLabels) {
			continue
		}
		candidates = append(candidates, iss)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ID > candidates[j].ID
	})
	if len(candidates) > c.Examples {
		candidates = candidates[:c.Examples]
	}
	return candidates
}

// Enrich classifies every issue. A malformed response is retried once
// before the issue is recorded as a failure; transient errors follow the
// pool's retry policy and a systemic error aborts the batch.
func (c *Classifier) Enrich(ctx context.Context, issues []*Issue, stored *Snapshot) (map[int64][]string, []ItemFailure, error) {
	examples := c.fewShotExamples(stored, issues)
	// The prompt carries the page, so identical text on two pages is
	// classified twice.
	out, err := enrichUnique(ctx, c.Log, classifierService, c.Pool, issues,
		byContentAndPage,
		func(ctx context.Context, iss *Issue) ([]string, error) {
			var (
				labels []string
				err    error
			)
			for attempt := 1; attempt <= 2; attempt++ {
				labels, err = c.Classify(ctx, iss, examples)
				var mErr *ClassificationError
				if !errors.As(err, &mErr) {
					break
				}
				c.Log.Warn("malformed classification", "issue", iss.ID, "attempt", attempt, "error", err)
			}
			return labels, err
		},
	)
	if err != nil {
		return nil, nil, fmt.Errorf("classifier: %w", err)
	}
	return out.results, out.failures, nil
}
