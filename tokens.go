package feedback

import (
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/tiktoken-go/tokenizer"
)

func tokenize(text string) []string {
	enc, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		panic(err)
	}

	_, strs, err := enc.Encode(text)
	if err != nil {
		panic(err)
	}

	return strs
}

// truncateTokens cuts text to at most n cl100k tokens. n <= 0 means no
// limit.
func truncateTokens(text string, n int) string {
	if n <= 0 {
		return text
	}
	tokens := tokenize(text)
	if len(tokens) <= n {
		return text
	}
	return strings.Join(tokens[:n], "")
}

func countTokens(msgs ...openai.ChatCompletionMessage) int {
	enc, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		panic(err)
	}

	var tokens int
	for _, msg := range msgs {
		ts, _, _ := enc.Encode(msg.Content)
		tokens += len(ts)

		for _, call := range msg.ToolCalls {
			ts, _, _ = enc.Encode(call.Function.Arguments)
			tokens += len(ts)
		}
	}
	return tokens
}
