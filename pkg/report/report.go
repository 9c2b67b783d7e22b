// Package report renders reconciliation outcomes. The CLI consumes the
// grouped text summary and the JSON document; the bot posts the chat
// markdown forms.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/commonsops/rostersync/pkg/sync"
)

// Summary is the machine-readable form of a run's outcome.
type Summary struct {
	RunID     string         `json:"run_id,omitempty"`
	Mode      string         `json:"mode,omitempty"`
	Succeeded int            `json:"succeeded"`
	Skipped   int            `json:"skipped"`
	Failed    int            `json:"failed"`
	Actions   map[string]int `json:"actions"`
	Results   []sync.Result  `json:"results"`
}

// Summarize tallies results into a Summary. RunID and Mode are left for the
// caller to fill.
func Summarize(results []sync.Result) Summary {
	succeeded, skipped, failed := sync.Tally(results)
	counts, _ := actionCounts(results)
	if results == nil {
		results = []sync.Result{}
	}
	return Summary{
		Succeeded: succeeded,
		Skipped:   skipped,
		Failed:    failed,
		Actions:   counts,
		Results:   results,
	}
}

// WriteJSON writes s to w as indented JSON.
func WriteJSON(w io.Writer, s Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// Sections follow the engine's own service order; services the engine does
// not know sort after the known ones by name.
var serviceOrder = map[string]int{
	sync.ServiceOrchestrator: 0,
	sync.ServiceChat:         1,
	sync.ServiceProvider:     2,
	sync.ServiceOutline:      3,
	sync.ServiceBrevo:        4,
	sync.ServiceNocoDB:       5,
	sync.ServiceVaultwarden:  6,
}

func serviceRank(name string) int {
	if rank, ok := serviceOrder[name]; ok {
		return rank
	}
	return len(serviceOrder)
}

// Text renders the grouped human summary: one section per service carrying
// action-tag counts and per-subject outcome lines, then a totals footer.
func Text(results []sync.Result) string {
	if len(results) == 0 {
		return "no operations performed\n"
	}

	byService := make(map[string][]sync.Result)
	var names []string
	for _, r := range results {
		if _, seen := byService[r.Service]; !seen {
			names = append(names, r.Service)
		}
		byService[r.Service] = append(byService[r.Service], r)
	}
	sort.Slice(names, func(i, j int) bool {
		ri, rj := serviceRank(names[i]), serviceRank(names[j])
		if ri != rj {
			return ri < rj
		}
		return names[i] < names[j]
	})

	var b strings.Builder
	for _, name := range names {
		section := byService[name]
		b.WriteString(strings.ToUpper(name))
		b.WriteString("\n")

		counts, tags := actionCounts(section)
		for _, tag := range tags {
			fmt.Fprintf(&b, "  %s: %d\n", tag, counts[tag])
		}
		for _, r := range section {
			fmt.Fprintf(&b, "  %s\n", outcomeLine(r))
		}
		b.WriteString("\n")
	}

	succeeded, skipped, failed := sync.Tally(results)
	fmt.Fprintf(&b, "%d succeeded, %d skipped, %d failed\n", succeeded, skipped, failed)
	return b.String()
}

// outcomeLine renders one record. Entity-level records have no subject and
// fall back to the target resource, or to the bare action tag when there is
// no target either.
func outcomeLine(r sync.Result) string {
	var marker string
	switch r.Status {
	case sync.StatusSuccess:
		marker = "✓"
	case sync.StatusSkipped:
		marker = "○"
	default:
		marker = "✗"
	}

	var what string
	switch {
	case r.Subject != "" && r.Target != "":
		what = r.Subject + " → " + r.Target
	case r.Subject != "":
		what = r.Subject
	case r.Target != "":
		what = r.Target
	default:
		what = r.Action
	}

	if r.Error != "" && r.Status != sync.StatusSuccess {
		what += ": " + r.Error
	}
	return marker + " " + what
}

// OneLine returns a compact single-line digest for chat replies.
func OneLine(results []sync.Result) string {
	succeeded, skipped, failed := sync.Tally(results)
	totals := fmt.Sprintf("%d succeeded, %d skipped, %d failed", succeeded, skipped, failed)
	switch {
	case len(results) == 0:
		return ":information_source: sync finished, no operations performed"
	case failed == 0 && skipped == 0:
		return ":rocket: sync finished: " + totals
	case succeeded > 0:
		return ":warning: sync partially finished: " + totals
	default:
		return ":x: sync finished with problems: " + totals
	}
}

// Markdown renders the summary the bot posts when a run completes: a status
// line, totals, and per-action counts, in the chat platform's markdown.
func Markdown(results []sync.Result) string {
	if len(results) == 0 {
		return ":information_source: Sync finished, but no user operations were performed or reported."
	}

	succeeded, _, _ := sync.Tally(results)
	// Subjects without an email are unactionable rather than problems, so
	// they stay out of the problem count.
	problems := 0
	for _, r := range results {
		switch r.Status {
		case sync.StatusFailure:
			problems++
		case sync.StatusSkipped:
			if r.Action != sync.ActionSkippedNoEmail {
				problems++
			}
		}
	}

	var b strings.Builder
	b.WriteString("### :checkered_flag: Sync summary\n")
	switch {
	case problems > 0 && succeeded > 0:
		b.WriteString(":warning: Partially completed.\n")
	case problems > 0:
		b.WriteString(":x: Completed with problems or omissions.\n")
	case succeeded > 0:
		b.WriteString(":rocket: Completed successfully.\n")
	default:
		b.WriteString(":information_source: Completed, few or no significant operations performed.\n")
	}
	fmt.Fprintf(&b, "- Succeeded: %d\n", succeeded)
	if problems > 0 {
		fmt.Fprintf(&b, "- Problems/omissions: %d\n", problems)
	}

	b.WriteString("\n**Actions:**\n")
	counts, tags := actionCounts(results)
	for _, tag := range tags {
		fmt.Fprintf(&b, "- `%s`: %d\n", tag, counts[tag])
	}
	return b.String()
}

// actionCounts returns occurrences per action tag and the tags sorted.
func actionCounts(results []sync.Result) (map[string]int, []string) {
	counts := make(map[string]int, len(results))
	for _, r := range results {
		counts[r.Action]++
	}
	tags := make([]string, 0, len(counts))
	for tag := range counts {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return counts, tags
}
