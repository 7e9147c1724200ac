package reasoner

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// modelEncodings maps model name prefixes to their tiktoken encoding.
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4.1":       "o200k_base",
	"o1":            "o200k_base",
	"o3":            "o200k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

// Budget caps the prompt context at a number of tokens. Token counts come
// from tiktoken; when the encoding cannot be loaded (it may be fetched over
// the network on first use) a four-bytes-per-token estimate is used.
type Budget struct {
	maxTokens int
	encoding  string

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
	// estimateOnly skips tiktoken entirely.
	estimateOnly bool
}

// NewBudget creates a budget of maxTokens for the given model.
func NewBudget(model string, maxTokens int) *Budget {
	return &Budget{maxTokens: maxTokens, encoding: encodingFor(model)}
}

// NewEstimatingBudget creates a budget that never loads tiktoken.
func NewEstimatingBudget(maxTokens int) *Budget {
	return &Budget{maxTokens: maxTokens, estimateOnly: true}
}

func encodingFor(model string) string {
	best := ""
	for prefix := range modelEncodings {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return "cl100k_base"
	}
	return modelEncodings[best]
}

func (b *Budget) init() error {
	if b.estimateOnly {
		return fmt.Errorf("tiktoken disabled")
	}
	b.once.Do(func() {
		enc, err := tiktoken.GetEncoding(b.encoding)
		if err != nil {
			b.initErr = fmt.Errorf("init tiktoken encoding %s: %w", b.encoding, err)
			return
		}
		b.enc = enc
	})
	return b.initErr
}

// MaxTokens returns the budget size.
func (b *Budget) MaxTokens() int { return b.maxTokens }

// Count returns the number of tokens in text.
func (b *Budget) Count(text string) int {
	if text == "" {
		return 0
	}
	if b.init() == nil {
		return len(b.enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// Fit truncates text to the budget. Text already within budget, or any
// text when the budget is zero, is returned unchanged.
func (b *Budget) Fit(text string) string {
	if b.maxTokens <= 0 || b.Count(text) <= b.maxTokens {
		return text
	}
	if b.init() == nil {
		tokens := b.enc.Encode(text, nil, nil)
		return b.enc.Decode(tokens[:b.maxTokens])
	}
	cut := b.maxTokens * 4
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
