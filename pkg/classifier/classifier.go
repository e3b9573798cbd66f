// Package classifier narrows the toolset offered to the model for one
// request. Ranking is done by the model itself; there is no keyword
// scoring path. When ranking fails the whole candidate set is offered,
// trading prompt size for correctness.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/genesis-runtime/genesis/pkg/llm"
)

// DefaultWindow is the ranked tool budget offered to the model.
const DefaultWindow = 10

// Candidate is one selectable tool.
type Candidate struct {
	Name        string
	Description string
	Tags        []string
	// AlwaysInclude marks candidates that bypass ranking, e.g.
	// default-capable fallback agents.
	AlwaysInclude bool
}

// Classifier ranks candidates for a query with the model.
type Classifier struct {
	client llm.Client
	window int
}

// New creates a classifier; window <= 0 uses DefaultWindow.
func New(client llm.Client, window int) *Classifier {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Classifier{client: client, window: window}
}

const rankSystem = `You select which tools are relevant to a user request.
Reply with a JSON array of tool names, most relevant first, at most %d entries.
Reply with the JSON array only, no prose.`

// Select returns the candidate names to offer for a query:
// the model's ranked window, plus verbatim tag matches, plus
// always-include candidates. If the model fails or returns nothing
// usable, every candidate is returned.
func (c *Classifier) Select(ctx context.Context, query string, candidates []Candidate) []string {
	if len(candidates) == 0 {
		return nil
	}
	byName := make(map[string]Candidate, len(candidates))
	var all []string
	for _, cand := range candidates {
		byName[cand.Name] = cand
		all = append(all, cand.Name)
	}
	if len(candidates) <= c.window {
		return all
	}

	ranked := c.rank(ctx, query, candidates)
	if ranked == nil {
		slog.Debug("Classifier fell back to the full toolset", "candidates", len(candidates))
		return all
	}

	seen := make(map[string]bool, len(ranked))
	var out []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, name := range ranked {
		if _, ok := byName[name]; ok {
			add(name)
		}
	}
	if len(out) == 0 {
		return all
	}

	lower := strings.ToLower(query)
	for _, cand := range candidates {
		if cand.AlwaysInclude {
			add(cand.Name)
			continue
		}
		for _, tag := range cand.Tags {
			if tag != "" && strings.Contains(lower, strings.ToLower(tag)) {
				add(cand.Name)
				break
			}
		}
	}
	return out
}

func (c *Classifier) rank(ctx context.Context, query string, candidates []Candidate) []string {
	var catalog strings.Builder
	for _, cand := range candidates {
		fmt.Fprintf(&catalog, "- %s: %s\n", cand.Name, cand.Description)
	}
	prompt := fmt.Sprintf("Request:\n%s\n\nTools:\n%s", query, catalog.String())

	resp, err := c.client.Complete(ctx, llm.Request{
		System:   fmt.Sprintf(rankSystem, c.window),
		Messages: []llm.Message{llm.UserText(prompt)},
	})
	if err != nil {
		slog.Warn("Tool ranking failed", "error", err)
		return nil
	}

	names := parseNameArray(resp.Text)
	if len(names) > c.window {
		names = names[:c.window]
	}
	return names
}

// parseNameArray extracts the first JSON string array from model output,
// tolerating surrounding prose or code fences.
func parseNameArray(text string) []string {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil
	}
	var names []string
	if err := json.Unmarshal([]byte(text[start:end+1]), &names); err != nil {
		return nil
	}
	return names
}
