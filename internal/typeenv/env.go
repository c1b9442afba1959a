// Package typeenv builds the per-method identifier -> candidate-type
// environment the call resolver consumes. Environments are local to one
// builder invocation and discarded after resolution; they are never
// persisted.
package typeenv

import (
	"sort"

	"semlink/internal/facts"
	"semlink/internal/index"
)

// Set is the explicit small candidate-type container. "unknown" and
// "multiple" are first-class states: an unknown set means "cannot prune,
// report all statically-applicable candidates".
type Set struct {
	ids     []index.ClassID
	unknown bool
}

func NewSet(ids ...index.ClassID) Set {
	s := Set{}
	for _, id := range ids {
		s = s.with(id)
	}
	return s
}

func UnknownSet() Set {
	return Set{unknown: true}
}

func (s Set) with(id index.ClassID) Set {
	if id == index.Unknown || id == "" {
		s.unknown = true
		return s
	}
	for _, existing := range s.ids {
		if existing == id {
			return s
		}
	}
	s.ids = append(s.ids, id)
	sort.Slice(s.ids, func(i, j int) bool { return s.ids[i] < s.ids[j] })
	return s
}

// Unknown reports whether the set contains the unresolvable marker.
func (s Set) Unknown() bool { return s.unknown || len(s.ids) == 0 }

// IDs returns the known candidates in stable order.
func (s Set) IDs() []index.ClassID { return s.ids }

func (s Set) Union(o Set) Set {
	out := s
	out.unknown = s.unknown || o.unknown
	for _, id := range o.ids {
		out = out.with(id)
	}
	return out
}

func (s Set) Len() int { return len(s.ids) }

// Env maps local identifiers to candidate sets for one method.
type Env struct {
	vars map[string]Set
}

// Types returns the candidate set for an identifier; absent identifiers are
// unknown, never silently dropped.
func (e *Env) Types(name string) Set {
	if e == nil {
		return UnknownSet()
	}
	if s, ok := e.vars[name]; ok {
		return s
	}
	return UnknownSet()
}

func (e *Env) set(name string, s Set) {
	e.vars[name] = s
}

// Dispatcher is the resolver capability the builder borrows for
// assignment-from-call inference. Implementations must honor the depth
// budget: at depth <= 0 they fall back to declared static return types.
type Dispatcher interface {
	ReturnTypes(file string, receiver Set, name string, argc int, depth int) Set
}

type Builder struct {
	snap     *index.Snapshot
	disp     Dispatcher
	maxDepth int
}

func NewBuilder(snap *index.Snapshot, disp Dispatcher, maxDepth int) *Builder {
	if maxDepth <= 0 {
		maxDepth = 3
	}
	return &Builder{snap: snap, disp: disp, maxDepth: maxDepth}
}

// Build seeds the environment from parameters, fields and this, then applies
// the local statement facts in declaration order. depth is the remaining
// recursion budget for assignment-from-call inference.
func (b *Builder) Build(m *index.MethodSymbol, depth int) *Env {
	env := &Env{vars: make(map[string]Set)}
	if m == nil {
		return env
	}
	cls, ok := b.snap.Class(m.Class)
	if !ok {
		return env
	}
	file := cls.File

	if !m.Static {
		env.set("this", NewSet(m.Class))
	}
	for i, pname := range m.ParamNames {
		if pname == "" || i >= len(m.Params) {
			continue
		}
		env.set(pname, b.resolveSet(file, m.Params[i]))
	}
	// Field types seed exact, widened to the declared type only.
	for _, f := range cls.Fields {
		if _, taken := env.vars[f.Name]; taken {
			continue // params shadow fields
		}
		env.set(f.Name, b.resolveSet(file, f.Type))
	}

	if m.Facts == nil {
		return env
	}

	b.applyLocals(env, file, m.Class, m.Facts.Locals, depth)
	return env
}

// BuildDefault runs Build with the configured budget.
func (b *Builder) BuildDefault(m *index.MethodSymbol) *Env {
	return b.Build(m, b.maxDepth)
}

func (b *Builder) applyLocals(env *Env, file string, owner index.ClassID, locals []facts.LocalFacts, depth int) {
	i := 0
	for i < len(locals) {
		lf := &locals[i]
		if lf.Branch == 0 {
			env.set(lf.Name, b.evalLocal(env, file, owner, lf, depth))
			i++
			continue
		}

		// Collect the whole branch group, then merge arm endings by union.
		branch := lf.Branch
		armSets := make(map[string]map[int]Set) // name -> arm -> ending set
		arms := make(map[int]bool)
		j := i
		for j < len(locals) && locals[j].Branch == branch {
			cur := &locals[j]
			arms[cur.Arm] = true
			resolved := b.evalLocal(env, file, owner, cur, depth)
			if armSets[cur.Name] == nil {
				armSets[cur.Name] = make(map[int]Set)
			}
			if prev, ok := armSets[cur.Name][cur.Arm]; ok {
				_ = prev // later assignment in the same arm wins
			}
			armSets[cur.Name][cur.Arm] = resolved
			j++
		}
		for name, perArm := range armSets {
			merged := Set{}
			for _, s := range perArm {
				merged = merged.Union(s)
			}
			if len(perArm) < len(arms) {
				// Not assigned on every path: the prior value survives.
				merged = merged.Union(env.Types(name))
			}
			env.set(name, merged)
		}
		i = j
	}
}

func (b *Builder) evalLocal(env *Env, file string, owner index.ClassID, lf *facts.LocalFacts, depth int) Set {
	if lf.Init == nil {
		if lf.DeclaredType != "" {
			return b.resolveSet(file, lf.DeclaredType)
		}
		return UnknownSet()
	}
	switch lf.Init.Kind {
	case facts.InitNew:
		return b.resolveSet(file, lf.Init.Type)
	case facts.InitCast:
		// Narrowing always ends at {U}: intersecting with a known-subtype
		// candidate and replacing otherwise both leave the cast type.
		return b.resolveSet(file, lf.Init.Type)
	case facts.InitIdent:
		return env.Types(lf.Init.Name)
	case facts.InitCall:
		got := b.evalCall(env, file, owner, lf.Init, depth)
		if got.Unknown() && lf.DeclaredType != "" {
			return b.resolveSet(file, lf.DeclaredType)
		}
		return got
	case facts.InitUnknown:
		fallthrough
	default:
		// Unclassified initializer: the declared type is all we have.
		if lf.DeclaredType != "" {
			return b.resolveSet(file, lf.DeclaredType)
		}
		return UnknownSet()
	}
}

func (b *Builder) evalCall(env *Env, file string, owner index.ClassID, init *facts.InitFacts, depth int) Set {
	if b.disp == nil || depth <= 0 {
		return UnknownSet()
	}
	recv := Set{}
	switch {
	case init.Receiver == "":
		recv = NewSet(owner)
	default:
		if s := env.Types(init.Receiver); !s.Unknown() {
			recv = s
		} else if tid, ok := b.snap.ResolveTypeRef(file, init.Receiver); ok {
			recv = NewSet(tid) // static call on a type name
		} else {
			return UnknownSet()
		}
	}
	return b.disp.ReturnTypes(file, recv, init.Name, init.Argc, depth-1)
}

func (b *Builder) resolveSet(file, typeName string) Set {
	if typeName == "" || typeName == "void" {
		return UnknownSet()
	}
	if id, ok := b.snap.ResolveTypeRef(file, typeName); ok {
		return NewSet(id)
	}
	return UnknownSet()
}
