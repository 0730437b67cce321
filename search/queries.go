// Package search turns a survey topic into web search queries and resolves
// queries to candidate URLs.
package search

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Completer is the LLM call used for query generation.
type Completer interface {
	Complete(ctx context.Context, model, prompt string) (string, error)
}

const DefaultMaxQueries = 8

const queryPrompt = `You are preparing a literature survey.
Topic: %s
Description: %s

List up to %d distinct web search queries that together cover this topic.
Return one query per line with no numbering or commentary.`

var listPrefixRe = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)

// QueryGenerator asks an LLM for search queries.
type QueryGenerator struct {
	llm        Completer
	maxQueries int
}

func NewQueryGenerator(llm Completer, maxQueries int) *QueryGenerator {
	if maxQueries <= 0 {
		maxQueries = DefaultMaxQueries
	}
	return &QueryGenerator{llm: llm, maxQueries: maxQueries}
}

// GenerateQueries returns de-duplicated queries for topic. When the model
// yields nothing usable the topic itself is the only query.
func (g *QueryGenerator) GenerateQueries(ctx context.Context, model, topic, description string) ([]string, error) {
	out, err := g.llm.Complete(ctx, model, fmt.Sprintf(queryPrompt, topic, description, g.maxQueries))
	if err != nil {
		return nil, fmt.Errorf("generate queries: %w", err)
	}
	queries := ParseQueries(out, g.maxQueries)
	if len(queries) == 0 {
		return []string{topic}, nil
	}
	return queries, nil
}

// ParseQueries splits a model reply into at most max clean queries.
func ParseQueries(reply string, max int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, line := range strings.Split(reply, "\n") {
		q := strings.TrimSpace(listPrefixRe.ReplaceAllString(line, ""))
		q = strings.Trim(q, `"'`)
		if q == "" {
			continue
		}
		key := strings.ToLower(q)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, q)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}
