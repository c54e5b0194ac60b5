package discovery

import (
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/tiktoken-go/tokenizer"

	"github.com/QUSEIT/simacode-sub001/internal/mcp"
)

// ToolMetadata is the index entry of one tool.
type ToolMetadata struct {
	Tool         mcp.Tool
	Server       string
	Category     string
	Keywords     []string
	Tokens       int
	UsageCount   int
	SuccessCount int
	SuccessRate  float64
	AvgLatency   time.Duration
	LastUsed     time.Time
	RegisteredAt time.Time
	DiscoveredAt time.Time
}

// Key returns "server/tool", unique across the index.
func (m ToolMetadata) Key() string { return m.Server + "/" + m.Tool.Name }

// Categories in match order. The first category with a keyword hit on the
// tool name wins, then the description is tried.
var categoryKeywords = []struct {
	name     string
	keywords []string
}{
	{"file", []string{"file", "files", "read", "write", "directory", "dir", "path", "fs", "folder"}},
	{"vcs", []string{"git", "commit", "branch", "diff", "repo", "repository", "merge"}},
	{"database", []string{"sql", "query", "database", "db", "table", "postgres", "sqlite"}},
	{"network", []string{"http", "https", "fetch", "url", "request", "download", "web", "api", "network"}},
	{"search", []string{"search", "find", "lookup", "grep", "scan", "index"}},
	{"system", []string{"exec", "shell", "command", "process", "system", "run", "bash"}},
	{"data", []string{"json", "csv", "yaml", "parse", "transform", "convert", "data", "format"}},
	{"communication", []string{"email", "mail", "send", "message", "slack", "chat", "notify"}},
}

// CategoryGeneral is assigned when no heuristic matches.
const CategoryGeneral = "general"

// Categorize assigns a category from name and description keywords.
func Categorize(name, description string) string {
	for _, text := range []string{name, description} {
		words := tokenize(text)
		for _, c := range categoryKeywords {
			for _, kw := range c.keywords {
				if words[kw] {
					return c.name
				}
			}
		}
	}
	return CategoryGeneral
}

// tokenize lowercases text and splits it on anything that is not a letter
// or digit. snake_case and kebab-case names split into their parts.
func tokenize(text string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		out[w] = true
	}
	return out
}

func keywords(tool mcp.Tool) []string {
	set := tokenize(tool.Name + " " + tool.Description)
	out := make([]string, 0, len(set))
	for w := range set {
		if len(w) > 1 {
			out = append(out, w)
		}
	}
	return sortedStrings(out)
}

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// CountTokens estimates the context cost of advertising tool to a model:
// name, description and input schema under cl100k_base.
func CountTokens(tool mcp.Tool) int {
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err == nil {
			codec = c
		}
	})

	total := 0
	for _, text := range []string{tool.Name, tool.Description, string(tool.InputSchema)} {
		if text == "" {
			continue
		}
		total += countOrEstimate(text)
	}
	return total
}

func countOrEstimate(text string) int {
	if codec == nil {
		return len(text) / 4
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return len(text) / 4
	}
	return len(ids)
}
