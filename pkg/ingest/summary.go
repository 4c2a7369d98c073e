package ingest

import (
	"context"
	"fmt"
	"strings"
)

// Summarizer produces a user-facing change summary for a push event,
// either from a model backend (the Planner's general-purpose call) or
// the lexical fallback below.
type Summarizer interface {
	Summarize(ctx context.Context, event ChangeEvent) (string, error)
}

// LexicalSummarizer classifies commit messages by conventional-commit-
// style prefix into features/fixes/improvements/other when no model
// backend is configured or the model call fails, per spec.md §4.12.
type LexicalSummarizer struct{}

var (
	featurePrefixes     = []string{"feat", "feature", "add"}
	fixPrefixes         = []string{"fix", "bug", "bugfix", "hotfix"}
	improvementPrefixes = []string{"refactor", "improve", "perf", "chore", "style", "docs", "test"}
)

func classify(message string) string {
	lower := strings.ToLower(strings.TrimSpace(message))
	prefix := lower
	if idx := strings.IndexAny(lower, ":("); idx >= 0 {
		prefix = lower[:idx]
	}
	switch {
	case matchesAny(prefix, featurePrefixes):
		return "features"
	case matchesAny(prefix, fixPrefixes):
		return "fixes"
	case matchesAny(prefix, improvementPrefixes):
		return "improvements"
	default:
		return "other"
	}
}

func matchesAny(prefix string, candidates []string) bool {
	for _, c := range candidates {
		if prefix == c {
			return true
		}
	}
	return false
}

// Summarize groups commits by classify() and renders a short bulleted
// summary per category, in a fixed category order.
func (LexicalSummarizer) Summarize(ctx context.Context, event ChangeEvent) (string, error) {
	groups := map[string][]Commit{}
	for _, c := range event.Commits {
		cat := classify(c.Message)
		groups[cat] = append(groups[cat], c)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s@%s: %d commit(s) by %s\n", event.Repo, event.Branch, len(event.Commits), event.Pusher)
	for _, cat := range []string{"features", "fixes", "improvements", "other"} {
		commits := groups[cat]
		if len(commits) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s:\n", strings.ToUpper(cat[:1])+cat[1:])
		for _, c := range commits {
			fmt.Fprintf(&b, "  - %s (%s)\n", firstLine(c.Message), shortSHA(c.SHA))
		}
	}
	return b.String(), nil
}

func firstLine(message string) string {
	if idx := strings.IndexByte(message, '\n'); idx >= 0 {
		return message[:idx]
	}
	return message
}
