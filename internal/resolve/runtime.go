package resolve

import (
	"log/slog"
	"sort"
	"strings"

	"semlink/internal/facts"
	"semlink/internal/index"
	"semlink/internal/shared/observability"
)

// MergeRuntime folds dynamically observed edges into the graph. Runtime
// edges are additive only: an observed pair already covered by a static edge
// is dropped, and merging never removes or re-scores a static edge.
func (r *Resolver) MergeRuntime(signals []facts.RuntimeSignal) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	static := make(map[[2]index.MethodID]bool)
	for _, es := range r.edges {
		for _, e := range es {
			static[[2]index.MethodID{e.Caller, e.Callee}] = true
		}
	}
	existing := make(map[[2]index.MethodID]bool, len(r.runtime))
	for _, e := range r.runtime {
		existing[[2]index.MethodID{e.Caller, e.Callee}] = true
	}

	added := 0
	for i := range signals {
		sig := &signals[i]
		caller := index.MethodID(sig.CallerMethodID)
		callee := index.MethodID(sig.CalleeMethodID)
		if caller == "" || callee == "" {
			continue
		}
		if _, ok := r.snap.Method(callee); !ok {
			slog.Debug("runtime signal for unindexed callee", "callee", callee)
			continue
		}
		key := [2]index.MethodID{caller, callee}
		if static[key] || existing[key] {
			continue
		}
		existing[key] = true
		r.runtime = append(r.runtime, index.CallEdge{
			Caller:     caller,
			Callee:     callee,
			Site:       runtimeSiteID(caller, callee),
			Kind:       index.ResolutionRuntime,
			Confidence: 1.0,
		})
		observability.EdgesResolved.WithLabelValues(string(index.ResolutionRuntime)).Inc()
		added++
	}
	return added
}

// RuntimeEdges returns the observed-only edges in stable order.
func (r *Resolver) RuntimeEdges() []index.CallEdge {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]index.CallEdge(nil), r.runtime...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Caller != out[j].Caller {
			return out[i].Caller < out[j].Caller
		}
		return out[i].Callee < out[j].Callee
	})
	return out
}

// CombinedEdges returns static edges followed by runtime edges.
func (r *Resolver) CombinedEdges() []index.CallEdge {
	return append(r.AllEdges(), r.RuntimeEdges()...)
}

// runtimeSiteID keys an observed edge: there is no source byte range, so the
// pair itself identifies the edge.
func runtimeSiteID(caller, callee index.MethodID) string {
	var b strings.Builder
	b.WriteString("runtime:")
	b.WriteString(string(caller))
	b.WriteString("->")
	b.WriteString(string(callee))
	return b.String()
}
