package compaction

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is used when the model has no registered encoding.
const DefaultEncoding = "cl100k_base"

// TokenCounter counts tokens with a tiktoken encoding. The zero value, or a
// counter whose encoding could not be loaded, estimates four characters per
// token.
type TokenCounter struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTokenCounter selects the encoding for model, falling back to
// cl100k_base and then to the estimate. It never fails.
func NewTokenCounter(model string) *TokenCounter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(DefaultEncoding)
		if err != nil {
			return &TokenCounter{}
		}
	}
	return &TokenCounter{enc: enc}
}

// Exact reports whether a real tokenizer backs the counter.
func (c *TokenCounter) Exact() bool {
	return c != nil && c.enc != nil
}

// Count returns the number of tokens in text.
func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if !c.Exact() {
		return Estimate(text)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.enc.Encode(text, nil, nil))
}

// Estimate approximates tokens as ceil(len/4).
func Estimate(text string) int {
	return (len(text) + 3) / 4
}
