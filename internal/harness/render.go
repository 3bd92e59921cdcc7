package harness

import (
	"fmt"
	"strings"
)

// RenderResult renders a run outcome as deterministic text for golden
// comparison and CLI output. The run token is deliberately omitted: two
// runs of the same scenario must render identically.
func RenderResult(r *Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n", r.Scenario)
	b.WriteString("passes:\n")
	for _, p := range r.Passes {
		fmt.Fprintf(&b, "  %d: %s ops=%d\n", p.Index, p.State, p.Operations)
	}
	fmt.Fprintf(&b, "replayable: %t\n", r.Replayable)
	fmt.Fprintf(&b, "nonreplayable_count: %d\n", r.NonreplayableCount)
	if len(r.Dependences) > 0 {
		b.WriteString("dependences:\n")
		for _, d := range r.Dependences {
			fmt.Fprintf(&b, "  op %d %s\n", d.OpIndex, d.Record)
		}
	}
	if r.TemplateDump != "" {
		b.WriteString("template:\n")
		b.WriteString(r.TemplateDump)
	}
	return b.String()
}

func splitLines(s string) []string {
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}
