package usage

import "github.com/modelrelay/gateway/internal/providers"

// Tokenizer estimates token counts for text when the provider does not
// report usage. Implementations must be safe for concurrent use.
type Tokenizer interface {
	// CountTokens estimates the token count of text for the given canonical
	// model id.
	CountTokens(model, text string) int
}

// charRatioTokenizer approximates tokens as len(text)/4, the common rule of
// thumb for English text under BPE vocabularies. Always an overcount for
// CJK-heavy input, which is acceptable for an estimate that is flagged as
// such on the record.
type charRatioTokenizer struct{}

// NewCharRatioTokenizer returns the default estimator.
func NewCharRatioTokenizer() Tokenizer { return charRatioTokenizer{} }

func (charRatioTokenizer) CountTokens(_ string, text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// EstimatePromptTokens estimates the prompt side of a completion request,
// adding a small per-message overhead for role framing.
func EstimatePromptTokens(tk Tokenizer, model string, msgs []providers.Message) int {
	const perMessageOverhead = 4
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead
		if m.Content != "" {
			total += tk.CountTokens(model, m.Content)
		}
		for _, tc := range m.ToolCalls {
			total += tk.CountTokens(model, tc.Function.Name)
			total += tk.CountTokens(model, tc.Function.Arguments)
		}
	}
	return total
}
