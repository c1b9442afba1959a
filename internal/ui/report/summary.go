// Package report renders resolution passes for terminals and markdown
// exports. The styled summary is what one-shot mode prints; watch mode feeds
// the same data into the TUI instead.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"semlink/internal/core/ports"
	"semlink/internal/index"
	"semlink/internal/resolve"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#3B82F6")).
			Bold(true)

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#10B981")).
		Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FBBF24")).
			Bold(true)

	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F87171")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#64748B"))
)

// Summary renders one resolution pass: headline counts, an edge breakdown by
// resolution kind, then whatever needs attention (unresolved sites, hierarchy
// errors, RTA degradation).
func Summary(rep *ports.PassReport, edges []index.CallEdge, diags []resolve.Diagnostic, duration time.Duration) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("semlink resolution pass"))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("pass %s | epoch %d | %v", rep.PassID, rep.Epoch, duration.Round(time.Millisecond))))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("%d files changed, %d skipped, %d edges\n",
		rep.FilesChanged, rep.FilesSkipped, rep.EdgesResolved))

	if kinds := edgeKinds(edges); len(kinds) > 0 {
		parts := make([]string, 0, len(kinds))
		for _, k := range kinds {
			parts = append(parts, fmt.Sprintf("%s=%d", k.kind, k.count))
		}
		b.WriteString(dimStyle.Render("by kind: " + strings.Join(parts, " ")))
		b.WriteString("\n")
	}

	if len(diags) > 0 {
		b.WriteString(warnStyle.Render(fmt.Sprintf("%d unresolved call sites:", len(diags))))
		b.WriteString("\n")
		for _, d := range diags {
			b.WriteString(fmt.Sprintf("   %s: %v\n", d.Site, d.Err))
		}
	} else {
		b.WriteString(okStyle.Render("no unresolved call sites"))
		b.WriteString("\n")
	}

	if len(rep.HierarchyErrs) > 0 {
		b.WriteString(errStyle.Render(fmt.Sprintf("%d classes excluded from dispatch pruning:", len(rep.HierarchyErrs))))
		b.WriteString("\n")
		for _, id := range rep.HierarchyErrs {
			b.WriteString(fmt.Sprintf("   %s\n", id))
		}
	}

	if !rep.RTAPruned {
		b.WriteString(dimStyle.Render("RTA inactive: no entry points, virtual dispatch uses hierarchy bounds only"))
		b.WriteString("\n")
	}

	for _, msg := range rep.Unresolved {
		b.WriteString(warnStyle.Render("! " + msg))
		b.WriteString("\n")
	}

	return b.String()
}

type kindCount struct {
	kind  index.ResolutionKind
	count int
}

func edgeKinds(edges []index.CallEdge) []kindCount {
	counts := make(map[index.ResolutionKind]int)
	for _, e := range edges {
		counts[e.Kind]++
	}
	out := make([]kindCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, kindCount{kind: k, count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].kind < out[j].kind })
	return out
}

// EdgesTable renders the edge set as a markdown table sorted by site then
// callee, suitable for injection into a tracked report file.
func EdgesTable(edges []index.CallEdge) string {
	sorted := make([]index.CallEdge, len(edges))
	copy(sorted, edges)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Site != sorted[j].Site {
			return sorted[i].Site < sorted[j].Site
		}
		return sorted[i].Callee < sorted[j].Callee
	})

	var b strings.Builder
	b.WriteString("| Site | Caller | Callee | Kind | Confidence |\n")
	b.WriteString("|------|--------|--------|------|------------|\n")
	for _, e := range sorted {
		b.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %.2f |\n",
			e.Site, e.Caller, e.Callee, e.Kind, e.Confidence))
	}
	return b.String()
}
