package llm

import (
	"log"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Package-level tiktoken tokenizer (cl100k_base) for prompt accounting.
var (
	tokenizer     *tiktoken.Tiktoken
	tokenizerErr  error
	tokenizerOnce sync.Once
)

func initTokenizer() {
	tokenizerOnce.Do(func() {
		tokenizer, tokenizerErr = tiktoken.GetEncoding("cl100k_base")
		if tokenizerErr != nil {
			log.Printf("[WARN] Failed to load tiktoken tokenizer: %v", tokenizerErr)
		}
	})
}

// CountTokens returns the BPE token count of text, falling back to a
// chars/4 estimate when the tokenizer is unavailable.
func CountTokens(text string) int {
	initTokenizer()
	if tokenizer == nil {
		return len(text) / 4
	}
	return len(tokenizer.Encode(text, nil, nil))
}

// CountMessageTokens approximates the prompt size of a history. Each message
// carries a small fixed framing overhead on the wire.
func CountMessageTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += CountTokens(m.Content) + 4
		for _, tc := range m.ToolCalls {
			total += CountTokens(tc.Arguments) + CountTokens(tc.Name)
		}
	}
	return total
}
