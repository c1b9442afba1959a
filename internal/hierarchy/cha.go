// Package hierarchy derives the class hierarchy graph and the reachable type
// set from a symbol index snapshot. Both are read-only inputs to dispatch
// pruning.
package hierarchy

import (
	"sort"
	"sync"

	"semlink/internal/index"
)

// CHA is the transitive supertype/subtype closure over declared
// extends/implements edges. Closures are cached per class and invalidated
// incrementally when a class's supertype list changes.
type CHA struct {
	mu sync.RWMutex

	supers map[index.ClassID][]index.ClassID
	subs   map[index.ClassID][]index.ClassID

	descCache map[index.ClassID][]index.ClassID
	ancCache  map[index.ClassID][]index.ClassID

	errored map[index.ClassID]bool
}

// Build constructs the hierarchy for every class in the snapshot and runs
// cycle detection. Cyclic classes are flagged hierarchy-error on the index
// and excluded from pruning, never fatal.
func Build(snap *index.Snapshot) *CHA {
	c := &CHA{
		supers:    make(map[index.ClassID][]index.ClassID),
		subs:      make(map[index.ClassID][]index.ClassID),
		descCache: make(map[index.ClassID][]index.ClassID),
		ancCache:  make(map[index.ClassID][]index.ClassID),
		errored:   make(map[index.ClassID]bool),
	}
	for _, id := range snap.AllClasses() {
		c.supers[id] = snap.DirectSupertypes(id)
	}
	c.rebuildSubs()
	c.detectCycles(snap)
	return c
}

// Refresh recomputes the supertype edges of the changed classes and drops
// only the closure caches their ancestor/descendant closure could have
// touched.
func (c *CHA) Refresh(snap *index.Snapshot, changed []index.ClassID) {
	if len(changed) == 0 {
		return
	}
	c.mu.Lock()

	affected := make(map[index.ClassID]bool)
	for _, id := range changed {
		affected[id] = true
		for _, a := range c.ancestorsLocked(id, nil) {
			affected[a] = true
		}
		for _, d := range c.descendantsLocked(id, nil) {
			affected[d] = true
		}
	}

	for _, id := range changed {
		if _, ok := snap.Class(id); !ok {
			delete(c.supers, id)
			delete(c.errored, id)
			continue
		}
		c.supers[id] = snap.DirectSupertypes(id)
	}
	c.rebuildSubs()

	// New edges can make previously unaffected classes ancestors/descendants
	// of the change; widen with the fresh closure before dropping caches.
	for _, id := range changed {
		for _, a := range c.ancestorsLocked(id, nil) {
			affected[a] = true
		}
		for _, d := range c.descendantsLocked(id, nil) {
			affected[d] = true
		}
	}
	for id := range affected {
		delete(c.descCache, id)
		delete(c.ancCache, id)
	}
	c.mu.Unlock()

	c.detectCycles(snap)
}

func (c *CHA) rebuildSubs() {
	c.subs = make(map[index.ClassID][]index.ClassID, len(c.supers))
	for sub, sups := range c.supers {
		for _, sup := range sups {
			c.subs[sup] = append(c.subs[sup], sub)
		}
	}
	for sup := range c.subs {
		sort.Slice(c.subs[sup], func(i, j int) bool { return c.subs[sup][i] < c.subs[sup][j] })
	}
}

// detectCycles walks the supertype edges depth-first with a visiting set.
// Classes cannot be their own ancestor; offenders fail open.
func (c *CHA) detectCycles(snap *index.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[index.ClassID]int, len(c.supers))
	var bad []index.ClassID

	var visit func(id index.ClassID)
	visit = func(id index.ClassID) {
		color[id] = gray
		for _, sup := range c.supers[id] {
			switch color[sup] {
			case white:
				visit(sup)
			case gray:
				// Back edge: both ends of it are malformed.
				if !c.errored[id] {
					c.errored[id] = true
					bad = append(bad, id)
				}
				if !c.errored[sup] {
					c.errored[sup] = true
					bad = append(bad, sup)
				}
			}
		}
		color[id] = black
	}

	roots := make([]index.ClassID, 0, len(c.supers))
	for id := range c.supers {
		roots = append(roots, id)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })
	for _, id := range roots {
		if color[id] == white {
			visit(id)
		}
	}
	if len(bad) > 0 {
		snap.MarkHierarchyError(bad...)
		for id := range c.descCache {
			delete(c.descCache, id)
		}
		for id := range c.ancCache {
			delete(c.ancCache, id)
		}
	}
}

// SubtypesOf returns the transitive subtypes of id, excluding id itself.
// Traversal never passes through hierarchy-error classes.
func (c *CHA) SubtypesOf(id index.ClassID) []index.ClassID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.descCache[id]; ok {
		return cached
	}
	out := c.descendantsLocked(id, c.errored)
	c.descCache[id] = out
	return out
}

// AncestorsOf returns the transitive supertypes of id, excluding id itself.
func (c *CHA) AncestorsOf(id index.ClassID) []index.ClassID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.ancCache[id]; ok {
		return cached
	}
	out := c.ancestorsLocked(id, c.errored)
	c.ancCache[id] = out
	return out
}

func (c *CHA) descendantsLocked(id index.ClassID, skip map[index.ClassID]bool) []index.ClassID {
	return c.closureLocked(id, c.subs, skip)
}

func (c *CHA) ancestorsLocked(id index.ClassID, skip map[index.ClassID]bool) []index.ClassID {
	return c.closureLocked(id, c.supers, skip)
}

func (c *CHA) closureLocked(id index.ClassID, edges map[index.ClassID][]index.ClassID, skip map[index.ClassID]bool) []index.ClassID {
	seen := map[index.ClassID]bool{id: true}
	stack := append([]index.ClassID(nil), edges[id]...)
	var out []index.ClassID
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[next] || skip[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		stack = append(stack, edges[next]...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsSubtype reports whether sub is id or a transitive subtype of id.
func (c *CHA) IsSubtype(sub, id index.ClassID) bool {
	if sub == id {
		return true
	}
	for _, a := range c.AncestorsOf(sub) {
		if a == id {
			return true
		}
	}
	return false
}

// Errored reports whether id sits on a rejected supertype cycle.
func (c *CHA) Errored(id index.ClassID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.errored[id]
}

// HierarchyErrors lists all flagged classes in stable order.
func (c *CHA) HierarchyErrors() []index.ClassID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]index.ClassID, 0, len(c.errored))
	for id := range c.errored {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
