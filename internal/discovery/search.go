package discovery

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"
)

// MatchKind tells how a search result matched.
type MatchKind string

const (
	MatchExact    MatchKind = "exact"
	MatchFuzzy    MatchKind = "fuzzy"
	MatchKeyword  MatchKind = "keyword"
	MatchCategory MatchKind = "category"
)

// Result is one ranked search hit.
type Result struct {
	ToolMetadata
	Match MatchKind
	Score float64
}

// toolNames adapts a metadata slice to fuzzy.Source.
type toolNames []ToolMetadata

func (t toolNames) String(i int) string { return t[i].Tool.Name }
func (t toolNames) Len() int            { return len(t) }

// Fuzzy matches query against tool names. Substring hits rank first, then
// subsequence matches by fuzzy score.
func (d *Discovery) Fuzzy(query string, limit int) []Result {
	all := d.All()
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}

	var out []Result
	seen := make(map[string]bool)
	for _, m := range all {
		name := strings.ToLower(m.Tool.Name)
		if strings.Contains(name, q) {
			// shorter names are closer to the query
			out = append(out, Result{ToolMetadata: m, Match: MatchFuzzy, Score: 1000 - float64(len(name)-len(q))})
			seen[m.Key()] = true
		}
	}
	sortResults(out)

	var rest []Result
	for _, match := range fuzzy.FindFrom(q, toolNames(all)) {
		m := all[match.Index]
		if seen[m.Key()] {
			continue
		}
		rest = append(rest, Result{ToolMetadata: m, Match: MatchFuzzy, Score: float64(match.Score)})
	}
	sortResults(rest)
	return truncate(append(out, rest...), limit)
}

// Keywords ranks tools by how many query words appear in their name or
// description.
func (d *Discovery) Keywords(query string, limit int) []Result {
	words := tokenize(query)
	if len(words) == 0 {
		return nil
	}
	var out []Result
	for _, m := range d.All() {
		n := overlap(words, m.Keywords)
		if n > 0 {
			out = append(out, Result{ToolMetadata: m, Match: MatchKeyword, Score: float64(n)})
		}
	}
	sortResults(out)
	return truncate(out, limit)
}

// Search refreshes stale servers and combines exact, fuzzy, category and
// keyword matches, each tool reported once under its best match.
func (d *Discovery) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	_, err := d.Tools(ctx)

	query = strings.TrimSpace(query)
	var out []Result
	seen := make(map[string]bool)
	add := func(rs []Result) {
		for _, r := range rs {
			if !seen[r.Key()] {
				seen[r.Key()] = true
				out = append(out, r)
			}
		}
	}

	var exact []Result
	for _, m := range d.Find(query) {
		exact = append(exact, Result{ToolMetadata: m, Match: MatchExact, Score: math.Inf(1)})
	}
	add(exact)
	add(d.Fuzzy(query, 0))
	var byCat []Result
	for _, m := range d.ByCategory(strings.ToLower(query)) {
		byCat = append(byCat, Result{ToolMetadata: m, Match: MatchCategory})
	}
	add(byCat)
	add(d.Keywords(query, 0))

	return truncate(out, limit), err
}

// Recommendations ranks tools for a free-text context by success rate,
// recency of use and word overlap with the context.
func (d *Discovery) Recommendations(hint string, limit int) []Result {
	words := tokenize(hint)
	now := d.now()

	var out []Result
	for _, m := range d.All() {
		var relevance float64
		if len(words) > 0 {
			relevance = float64(overlap(words, m.Keywords)) / float64(len(words))
		}
		var recency, success float64
		if m.UsageCount > 0 {
			recency = math.Exp(-now.Sub(m.LastUsed).Hours() / 24)
			success = m.SuccessRate
		}
		score := 0.4*relevance + 0.35*success + 0.25*recency
		if score <= 0 {
			continue
		}
		out = append(out, Result{ToolMetadata: m, Match: MatchKeyword, Score: score})
	}
	sortResults(out)
	return truncate(out, limit)
}

func overlap(words map[string]bool, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if words[kw] {
			n++
		}
	}
	return n
}

func sortResults(rs []Result) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Score != rs[j].Score {
			return rs[i].Score > rs[j].Score
		}
		return rs[i].Tool.Name < rs[j].Tool.Name
	})
}

func truncate(rs []Result, limit int) []Result {
	if limit > 0 && len(rs) > limit {
		return rs[:limit]
	}
	return rs
}

func sortedStrings(s []string) []string {
	sort.Strings(s)
	return s
}
