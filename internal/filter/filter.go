// Package filter implements content filtering for prompts and completions.
//
// The gateway consults a Filter before dispatching a request (prompt side)
// and after a buffered completion returns (completion side). A blocked
// prompt is rejected before any provider call; a blocked completion is
// replaced by an error response, but its token usage is still recorded
// because the provider did the work.
package filter

import (
	"context"
	"errors"
	"strings"
)

// Check directions.
const (
	DirectionPrompt     = "prompt"
	DirectionCompletion = "completion"
)

// ErrBlocked is the sentinel wrapped into every blocking verdict.
var ErrBlocked = errors.New("content blocked")

// Verdict is the outcome of one filter evaluation.
type Verdict struct {
	Allowed    bool
	Reason     string
	Categories []string
	// Scores holds per-category confidence in [0,1], when the backing
	// filter produces them.
	Scores map[string]float64
}

// Filter classifies text. Implementations must be safe for concurrent use.
type Filter interface {
	// Check evaluates text flowing in the given direction.
	Check(ctx context.Context, direction, text string) (Verdict, error)
}

// Noop allows everything. Used when filtering is disabled.
type Noop struct{}

func (Noop) Check(context.Context, string, string) (Verdict, error) {
	return Verdict{Allowed: true}, nil
}

// Keyword is a case-insensitive substring blocklist filter. It is the
// built-in default; deployments needing model-based moderation plug in
// their own Filter.
type Keyword struct {
	terms []string
}

// NewKeyword builds a keyword filter. Empty or whitespace-only terms are
// ignored.
func NewKeyword(terms []string) *Keyword {
	k := &Keyword{}
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			k.terms = append(k.terms, t)
		}
	}
	return k
}

func (k *Keyword) Check(_ context.Context, _ string, text string) (Verdict, error) {
	lower := strings.ToLower(text)
	var hits []string
	for _, t := range k.terms {
		if strings.Contains(lower, t) {
			hits = append(hits, t)
		}
	}
	if len(hits) == 0 {
		return Verdict{Allowed: true}, nil
	}
	scores := make(map[string]float64, len(hits))
	for _, h := range hits {
		scores[h] = 1
	}
	return Verdict{
		Reason:     "matched blocklist term",
		Categories: hits,
		Scores:     scores,
	}, nil
}

// Guard wraps a Filter with the configured direction toggles.
type Guard struct {
	filter          Filter
	checkPrompt     bool
	checkCompletion bool
}

// NewGuard builds a Guard. A nil filter or empty directions produce a guard
// that allows everything.
func NewGuard(f Filter, directions []string) *Guard {
	g := &Guard{filter: f}
	if f == nil {
		g.filter = Noop{}
		return g
	}
	for _, d := range directions {
		switch d {
		case DirectionPrompt:
			g.checkPrompt = true
		case DirectionCompletion:
			g.checkCompletion = true
		}
	}
	return g
}

// CheckPrompt evaluates the prompt side. Returns a wrapped ErrBlocked on a
// blocking verdict; filter backend failures fail open.
func (g *Guard) CheckPrompt(ctx context.Context, text string) (Verdict, error) {
	if !g.checkPrompt {
		return Verdict{Allowed: true}, nil
	}
	return g.check(ctx, DirectionPrompt, text)
}

// CheckCompletion evaluates the completion side.
func (g *Guard) CheckCompletion(ctx context.Context, text string) (Verdict, error) {
	if !g.checkCompletion {
		return Verdict{Allowed: true}, nil
	}
	return g.check(ctx, DirectionCompletion, text)
}

func (g *Guard) check(ctx context.Context, direction, text string) (Verdict, error) {
	v, err := g.filter.Check(ctx, direction, text)
	if err != nil {
		// Fail open: a broken filter backend must not take down the data path.
		return Verdict{Allowed: true}, nil
	}
	if !v.Allowed {
		return v, ErrBlocked
	}
	return v, nil
}
