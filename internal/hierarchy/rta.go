package hierarchy

import (
	"semlink/internal/core/errors"
	"semlink/internal/facts"
	"semlink/internal/index"
)

// Reachable is the RTA result: the set of types provably constructed from
// the entry points. When Pruned is false the analysis degraded to "every
// declared type is reachable" (CHA-only pruning), the safe fallback.
type Reachable struct {
	types      map[index.ClassID]bool
	Pruned     bool
	Iterations int
	// Sizes records the allocated-type count after each pass; it only grows.
	Sizes []int
}

// Contains reports whether a type may be instantiated at runtime.
func (r *Reachable) Contains(id index.ClassID) bool {
	if r == nil || !r.Pruned {
		return true
	}
	return r.types[id]
}

// Count returns the allocated-type count, or -1 when unpruned.
func (r *Reachable) Count() int {
	if r == nil || !r.Pruned {
		return -1
	}
	return len(r.types)
}

// AllReachable is the degraded result used when no entry points are
// configured.
func AllReachable() *Reachable {
	return &Reachable{Pruned: false}
}

// ComputeRTA runs the allocated-type fixed point. Each pass adds the types
// allocated in currently reachable methods and the methods those allocations
// and calls make reachable. Worklist passes are bounded by the method count
// (every method enters the frontier at most once); the allocated set only
// grows and is bounded by the class count. maxIter is a safety ceiling on
// allocation-growth rounds, not on frontier depth, so deep call chains that
// stopped allocating do not trip it; exceeding it degrades to CHA-only
// pruning with a FIXED_POINT_LIMIT error.
func ComputeRTA(snap *index.Snapshot, cha *CHA, entries []index.MethodID, allocationHints []string, maxIter int) (*Reachable, error) {
	if len(entries) == 0 {
		return AllReachable(), nil
	}
	if maxIter <= 0 {
		maxIter = len(snap.AllClasses()) + 1
	}

	allocated := make(map[index.ClassID]bool)
	for _, hint := range allocationHints {
		if _, ok := snap.Class(index.ClassID(hint)); ok {
			allocated[index.ClassID(hint)] = true
		}
	}

	reachable := make(map[index.MethodID]bool)
	worklist := make([]index.MethodID, 0, len(entries))
	for _, e := range entries {
		if !reachable[e] {
			reachable[e] = true
			worklist = append(worklist, e)
		}
	}

	result := &Reachable{types: allocated, Pruned: true}

	growthRounds := 0
	for pass := 0; len(worklist) > 0; pass++ {
		result.Iterations = pass + 1
		sizeBefore := len(allocated)

		var next []index.MethodID
		enqueue := func(m *index.MethodSymbol) {
			if m != nil && !reachable[m.ID] {
				reachable[m.ID] = true
				next = append(next, m.ID)
			}
		}

		for _, mid := range worklist {
			m, ok := snap.Method(mid)
			if !ok || m.Facts == nil {
				continue
			}
			cls, ok := snap.Class(m.Class)
			if !ok {
				continue
			}
			for i := range m.Facts.Calls {
				cf := &m.Facts.Calls[i]
				switch cf.Kind {
				case facts.CallKindConstructor:
					tid, ok := snap.ResolveTypeRef(cls.File, cf.Type)
					if !ok {
						continue
					}
					allocated[tid] = true
					for _, ctor := range lookupWithAncestors(snap, cha, tid, "<init>", len(cf.Args)) {
						enqueue(ctor)
					}
				case facts.CallKindMethodRef:
					if tid, ok := snap.ResolveTypeRef(cls.File, cf.Type); ok {
						for _, cand := range lookupWithAncestors(snap, cha, tid, cf.Name, len(cf.Args)) {
							enqueue(cand)
						}
					}
				default:
					for _, cand := range rtaCallCandidates(snap, cha, cls, m, cf, allocated) {
						enqueue(cand)
					}
				}
			}
			// Local allocations assigned to variables count as allocation
			// sites even when the constructor itself is external.
			for i := range m.Facts.Locals {
				init := m.Facts.Locals[i].Init
				if init != nil && init.Kind == facts.InitNew {
					if tid, ok := snap.ResolveTypeRef(cls.File, init.Type); ok {
						allocated[tid] = true
					}
				}
			}
		}

		result.Sizes = append(result.Sizes, len(allocated))
		if len(allocated) > sizeBefore {
			growthRounds++
			if growthRounds > maxIter {
				return AllReachable(), errors.Newf(errors.CodeFixedPointLimit,
					"rta exceeded %d allocation rounds, falling back to CHA-only pruning", maxIter)
			}
		}
		worklist = next
	}

	return result, nil
}

// rtaCallCandidates approximates the targets of one call during the fixed
// point: static-looking receivers resolve on the named class; everything
// else resolves the method name over the allocated set plus the caller's own
// class (implicit this).
func rtaCallCandidates(snap *index.Snapshot, cha *CHA, cls *index.ClassSymbol, m *index.MethodSymbol, cf *facts.CallFacts, allocated map[index.ClassID]bool) []*index.MethodSymbol {
	argc := len(cf.Args)
	if cf.Receiver != "" {
		if tid, ok := snap.ResolveTypeRef(cls.File, cf.Receiver); ok {
			return lookupWithAncestors(snap, cha, tid, cf.Name, argc)
		}
	}

	var out []*index.MethodSymbol
	if cf.Receiver == "" {
		out = append(out, lookupWithAncestors(snap, cha, cls.ID, cf.Name, argc)...)
	}
	for tid := range allocated {
		out = append(out, lookupWithAncestors(snap, cha, tid, cf.Name, argc)...)
	}
	return out
}

// lookupWithAncestors gathers the (class, name, arity) bucket across the
// receiver type and its ancestors.
func lookupWithAncestors(snap *index.Snapshot, cha *CHA, id index.ClassID, name string, arity int) []*index.MethodSymbol {
	out := snap.OverloadCandidates(id, name, arity)
	for _, anc := range cha.AncestorsOf(id) {
		out = append(out, snap.OverloadCandidates(anc, name, arity)...)
	}
	return out
}
