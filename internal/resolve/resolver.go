// Package resolve turns call sites into confidence-annotated call edges. It
// is the only place that branches on resolution kind; everything upstream
// hands it immutable snapshots.
package resolve

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"semlink/internal/core/errors"
	"semlink/internal/facts"
	"semlink/internal/hierarchy"
	"semlink/internal/index"
	"semlink/internal/shared/observability"
	"semlink/internal/shared/util"
	"semlink/internal/typeenv"
)

// unknownCallee marks edges whose target could not be named, e.g. ambiguous
// method references. Confidence is always 0 on these.
const unknownCallee index.MethodID = "?"

// Diagnostic records a non-fatal resolution gap for one call site.
type Diagnostic struct {
	Site string
	Err  error
}

// Options tunes the resolver heuristics.
type Options struct {
	// TypeDepth caps the mutual recursion between environment building and
	// return-type dispatch.
	TypeDepth int
	// Score maps a surviving-target count to a per-edge confidence. The
	// default even split (1/n) is a heuristic, not a contract; replacements
	// must stay in (0,1].
	Score func(targets int) float64
}

func evenSplit(targets int) float64 {
	if targets <= 1 {
		return 1.0
	}
	return 1.0 / float64(targets)
}

// Resolver resolves call sites against one epoch's snapshot. It is safe for
// concurrent Resolve calls; edge and reverse-index writes are partitioned by
// call-site ID under one mutex.
type Resolver struct {
	snap *index.Snapshot
	cha  *hierarchy.CHA
	rta  *hierarchy.Reachable
	envs *typeenv.Builder
	opts Options

	mu          sync.Mutex
	edges       map[string][]index.CallEdge
	reverse     map[index.MethodID]map[string]bool
	siteCands   map[string][]index.MethodID
	runtime     []index.CallEdge
	diagnostics []Diagnostic
	envCache    map[index.MethodID]*typeenv.Env
}

func New(snap *index.Snapshot, cha *hierarchy.CHA, rta *hierarchy.Reachable, opts Options) *Resolver {
	if opts.TypeDepth <= 0 {
		opts.TypeDepth = 3
	}
	if opts.Score == nil {
		opts.Score = evenSplit
	}
	r := &Resolver{
		snap:      snap,
		cha:       cha,
		rta:       rta,
		opts:      opts,
		edges:     make(map[string][]index.CallEdge),
		reverse:   make(map[index.MethodID]map[string]bool),
		siteCands: make(map[string][]index.MethodID),
		envCache:  make(map[index.MethodID]*typeenv.Env),
	}
	r.envs = typeenv.NewBuilder(snap, r, opts.TypeDepth)
	return r
}

// Rebind points the resolver at a new epoch snapshot, keeping the edge and
// reverse-index state so incremental passes only rework invalidated sites.
func (r *Resolver) Rebind(snap *index.Snapshot, cha *hierarchy.CHA, rta *hierarchy.Reachable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap = snap
	r.cha = cha
	r.rta = rta
	r.envCache = make(map[index.MethodID]*typeenv.Env)
	r.diagnostics = nil
}

// Resolve resolves one call site and replaces any prior edges for it. The
// returned slice is ordered by callee for determinism.
func (r *Resolver) Resolve(siteID string) ([]index.CallEdge, error) {
	site, ok := r.snap.Site(siteID)
	if !ok {
		return nil, siteErr(errors.CodeNotFound, "unknown call site", siteID)
	}

	var (
		edges []index.CallEdge
		cands []*index.MethodSymbol
		err   error
	)
	switch site.Kind {
	case "constructor":
		edges, cands, err = r.resolveConstructor(site)
	case "method_ref":
		edges, cands, err = r.resolveMethodRef(site)
	default:
		edges, cands, err = r.resolveCall(site)
	}

	r.mu.Lock()
	r.replaceLocked(siteID, edges, cands)
	if err != nil {
		r.diagnostics = append(r.diagnostics, Diagnostic{Site: siteID, Err: err})
	}
	r.mu.Unlock()

	if err != nil {
		observability.UnresolvedCalls.Inc()
		slog.Debug("unresolved call", "site", siteID, "err", err)
		return nil, err
	}
	for _, e := range edges {
		observability.EdgesResolved.WithLabelValues(string(e.Kind)).Inc()
	}
	return edges, nil
}

// replaceLocked swaps the edge set and re-keys the reverse index for one
// site. Prior candidate registrations are dropped first so stale method IDs
// never keep pulling the site into re-resolution.
func (r *Resolver) replaceLocked(siteID string, edges []index.CallEdge, cands []*index.MethodSymbol) {
	for _, old := range r.siteCands[siteID] {
		if set := r.reverse[old]; set != nil {
			delete(set, siteID)
			if len(set) == 0 {
				delete(r.reverse, old)
			}
		}
	}
	var ids []index.MethodID
	for _, c := range cands {
		ids = append(ids, c.ID)
		if r.reverse[c.ID] == nil {
			r.reverse[c.ID] = make(map[string]bool)
		}
		r.reverse[c.ID][siteID] = true
	}
	r.siteCands[siteID] = ids
	if len(edges) == 0 {
		delete(r.edges, siteID)
		return
	}
	r.edges[siteID] = edges
}

// DropSites removes edge and reverse-index state for deleted call sites.
func (r *Resolver) DropSites(siteIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range siteIDs {
		r.replaceLocked(id, nil, nil)
		delete(r.siteCands, id)
	}
}

// DependentSites returns every call site whose statically-applicable
// candidate set included one of the changed methods. This is the reverse
// index the incremental controller widens its re-resolution set with.
func (r *Resolver) DependentSites(changed []index.MethodID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	for _, mid := range changed {
		for site := range r.reverse[mid] {
			seen[site] = true
		}
	}
	return util.SortedStringKeys(seen)
}

// Edges returns the current edge set for a site.
func (r *Resolver) Edges(siteID string) []index.CallEdge {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]index.CallEdge(nil), r.edges[siteID]...)
}

// AllEdges returns every static edge ordered by site then callee.
func (r *Resolver) AllEdges() []index.CallEdge {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []index.CallEdge
	for _, es := range r.edges {
		out = append(out, es...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Site != out[j].Site {
			return out[i].Site < out[j].Site
		}
		return out[i].Callee < out[j].Callee
	})
	return out
}

// Diagnostics drains the resolution gaps collected since the last Rebind.
func (r *Resolver) Diagnostics() []Diagnostic {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Diagnostic(nil), r.diagnostics...)
}

func (r *Resolver) envFor(m *index.MethodSymbol) *typeenv.Env {
	r.mu.Lock()
	if env, ok := r.envCache[m.ID]; ok {
		r.mu.Unlock()
		return env
	}
	r.mu.Unlock()

	env := r.envs.Build(m, r.opts.TypeDepth)

	r.mu.Lock()
	r.envCache[m.ID] = env
	r.mu.Unlock()
	return env
}

func (r *Resolver) resolveConstructor(site *index.CallSite) ([]index.CallEdge, []*index.MethodSymbol, error) {
	tid, ok := r.snap.ResolveTypeRef(site.File, site.TypeName)
	if !ok || tid == index.Unknown {
		return nil, nil, siteErr(errors.CodeUnresolvedCall, "constructed type not indexed", site.ID,
			errors.CtxClass, site.TypeName)
	}
	cands := r.applicable(r.snap.OverloadCandidates(tid, "<init>", len(site.Args)), site, r.callerEnv(site))
	if len(cands) == 0 {
		return nil, nil, siteErr(errors.CodeUnresolvedCall, "no applicable constructor", site.ID,
			errors.CtxClass, string(tid))
	}
	// Constructor lookup is a plain static overload match; prefer the exact
	// arity over a varargs stretch when both apply.
	target := cands[0]
	for _, c := range cands {
		if !c.Varargs && len(c.Params) == len(site.Args) {
			target = c
			break
		}
	}
	edge := index.CallEdge{
		Caller:     site.Caller,
		Callee:     target.ID,
		Site:       site.ID,
		Kind:       index.ResolutionStatic,
		Confidence: 1.0,
	}
	return []index.CallEdge{edge}, cands, nil
}

func (r *Resolver) resolveMethodRef(site *index.CallSite) ([]index.CallEdge, []*index.MethodSymbol, error) {
	tid, ok := r.snap.ResolveTypeRef(site.File, site.TypeName)
	if !ok || tid == index.Unknown {
		return nil, nil, siteErr(errors.CodeUnresolvedCall, "method reference target type not indexed", site.ID,
			errors.CtxClass, site.TypeName)
	}
	// A reference names a method, not an invocation: match by name across all
	// arities on the type and its ancestors.
	var cands []*index.MethodSymbol
	for _, cid := range append([]index.ClassID{tid}, r.cha.AncestorsOf(tid)...) {
		cls, ok := r.snap.Class(cid)
		if !ok {
			continue
		}
		for _, mid := range cls.Methods {
			if m, ok := r.snap.Method(mid); ok && m.Name == site.Name {
				cands = append(cands, m)
			}
		}
	}
	if len(cands) == 0 {
		return nil, nil, siteErr(errors.CodeUnresolvedCall, "method reference has no declared target", site.ID)
	}
	if len(cands) > 1 {
		// Overloaded reference with no applicable-arity filter available:
		// degrade to an unknown target rather than guess.
		edge := index.CallEdge{
			Caller:     site.Caller,
			Callee:     unknownCallee,
			Site:       site.ID,
			Kind:       index.ResolutionStatic,
			Confidence: 0,
		}
		return []index.CallEdge{edge}, cands, nil
	}
	edge := index.CallEdge{
		Caller:     site.Caller,
		Callee:     cands[0].ID,
		Site:       site.ID,
		Kind:       index.ResolutionStatic,
		Confidence: 1.0,
	}
	return []index.CallEdge{edge}, cands, nil
}

func (r *Resolver) resolveCall(site *index.CallSite) ([]index.CallEdge, []*index.MethodSymbol, error) {
	env := r.callerEnv(site)
	receivers, staticOnType := r.classifyReceiver(site, env)

	var cands []*index.MethodSymbol
	if receivers.Unknown() {
		cands = r.globalCandidates(site, env)
	} else {
		cands = r.staticCandidates(receivers, site, env)
	}
	if len(cands) == 0 {
		return nil, nil, siteErr(errors.CodeUnresolvedCall, "no statically-applicable candidate", site.ID,
			errors.CtxMethod, site.Name)
	}

	// De-virtualization: a target that cannot be overridden resolves alone.
	if target := r.devirtualized(cands, staticOnType); target != nil {
		edge := index.CallEdge{
			Caller:     site.Caller,
			Callee:     target.ID,
			Site:       site.ID,
			Kind:       index.ResolutionStatic,
			Confidence: 1.0,
		}
		return []index.CallEdge{edge}, cands, nil
	}

	targets, union, kind := r.virtualTargets(receivers, cands, site, env)

	// The reverse index must cover the whole unpruned dispatch union, not
	// just the statically-applicable seed: an edit to an override elsewhere,
	// even one RTA currently prunes, has to pull this site back into
	// re-resolution.
	reg := cands
	seen := make(map[index.MethodID]bool, len(cands))
	for _, c := range cands {
		seen[c.ID] = true
	}
	for _, t := range union {
		if !seen[t.ID] {
			seen[t.ID] = true
			reg = append(reg, t)
		}
	}

	score := r.opts.Score(len(targets))
	edges := make([]index.CallEdge, 0, len(targets))
	for _, t := range targets {
		edges = append(edges, index.CallEdge{
			Caller:     site.Caller,
			Callee:     t.ID,
			Site:       site.ID,
			Kind:       kind,
			Confidence: score,
		})
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].Callee < edges[j].Callee })
	return edges, reg, nil
}

// callerEnv builds (or reuses) the enclosing method's type environment.
// Sites without a known caller, e.g. static initializers, resolve without
// identifier type information.
func (r *Resolver) callerEnv(site *index.CallSite) *typeenv.Env {
	caller, ok := r.snap.Method(site.Caller)
	if !ok {
		return nil
	}
	return r.envFor(caller)
}

// classifyReceiver maps the captured receiver text to candidate receiver
// types. TypeName receivers flag the call static-on-type.
func (r *Resolver) classifyReceiver(site *index.CallSite, env *typeenv.Env) (typeenv.Set, bool) {
	if site.Receiver == "" {
		// Unqualified call: implicit this plus statically-imported targets.
		recv := typeenv.Set{}
		if caller, ok := r.snap.Method(site.Caller); ok {
			recv = recv.Union(typeenv.NewSet(caller.Class))
		}
		for _, cid := range r.snap.StaticImportTargets(site.File, site.Name) {
			recv = recv.Union(typeenv.NewSet(cid))
		}
		if recv.Len() == 0 {
			return typeenv.UnknownSet(), false
		}
		return recv, false
	}

	// Identifier receivers read the caller's environment first; receiver text
	// that is not a known identifier but names a type is a static call.
	if env != nil && isIdentifier(site.Receiver) {
		if s := env.Types(site.Receiver); !s.Unknown() {
			return s, false
		}
	}
	if tid, ok := r.snap.ResolveTypeRef(site.File, site.Receiver); ok && tid != index.Unknown {
		return typeenv.NewSet(tid), true
	}
	return typeenv.UnknownSet(), false
}

func isIdentifier(s string) bool {
	if s == "" || s == "this" {
		return s == "this"
	}
	for i, r := range s {
		if r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || i > 0 && r >= '0' && r <= '9' {
			continue
		}
		return false
	}
	return true
}

// staticCandidates gathers name/arity matches over the receiver types and
// their ancestors, applicability-filtered.
func (r *Resolver) staticCandidates(receivers typeenv.Set, site *index.CallSite, env *typeenv.Env) []*index.MethodSymbol {
	var out []*index.MethodSymbol
	seen := make(map[index.MethodID]bool)
	for _, rid := range receivers.IDs() {
		for _, cid := range append([]index.ClassID{rid}, r.cha.AncestorsOf(rid)...) {
			for _, m := range r.applicable(r.snap.OverloadCandidates(cid, site.Name, len(site.Args)), site, env) {
				if !seen[m.ID] {
					seen[m.ID] = true
					out = append(out, m)
				}
			}
		}
	}
	return out
}

// globalCandidates handles the unknown-receiver degradation: every
// applicable name/arity match in the index, each reported with reduced
// confidence downstream.
func (r *Resolver) globalCandidates(site *index.CallSite, env *typeenv.Env) []*index.MethodSymbol {
	var out []*index.MethodSymbol
	r.snap.EachMethod(func(m *index.MethodSymbol) {
		if m.Name != site.Name {
			return
		}
		if !arityMatches(m, len(site.Args)) {
			return
		}
		if len(r.applicable([]*index.MethodSymbol{m}, site, env)) == 1 {
			out = append(out, m)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func arityMatches(m *index.MethodSymbol, argc int) bool {
	if m.Varargs {
		return argc >= len(m.Params)-1
	}
	return argc == len(m.Params)
}

// devirtualized returns the single target when the call cannot dispatch
// virtually. TypeName receivers never dispatch; the candidate declared
// nearest the receiver wins (candidates are gathered receiver-first). For
// expression receivers a static/private/final target only settles the call
// when it is the sole applicable candidate: a merged receiver set like
// {E, F} keeps both targets as virtual edges even if one of them is final.
func (r *Resolver) devirtualized(cands []*index.MethodSymbol, staticOnType bool) *index.MethodSymbol {
	if staticOnType {
		return cands[0]
	}
	if len(cands) != 1 {
		return nil
	}
	m := cands[0]
	if m.Static || m.Final || m.Visibility == "private" {
		return m
	}
	if cls, ok := r.snap.Class(m.Class); ok && cls.Final {
		return m
	}
	return nil
}

// virtualTargets widens the static candidates with overrides on CHA subtypes,
// then intersects with RTA's reachable set. It returns both the pruned target
// set and the unpruned union; kind is virtual_rta only when pruning removed
// at least one candidate.
func (r *Resolver) virtualTargets(receivers typeenv.Set, cands []*index.MethodSymbol, site *index.CallSite, env *typeenv.Env) ([]*index.MethodSymbol, []*index.MethodSymbol, index.ResolutionKind) {
	seen := make(map[index.MethodID]bool)
	var union []*index.MethodSymbol
	add := func(m *index.MethodSymbol) {
		if m != nil && !seen[m.ID] {
			seen[m.ID] = true
			union = append(union, m)
		}
	}
	for _, m := range cands {
		add(m)
		for _, sub := range r.cha.SubtypesOf(m.Class) {
			for _, o := range r.applicable(r.snap.OverloadCandidates(sub, site.Name, len(site.Args)), site, env) {
				add(o)
			}
		}
	}
	sort.Slice(union, func(i, j int) bool { return union[i].ID < union[j].ID })

	// RTA pruning: drop concrete candidates on never-constructed classes.
	// Unknown receivers forbid pruning, and pruning to zero falls back to the
	// unpruned CHA union.
	targets := union
	kind := index.ResolutionVirtualCHA
	if r.rta != nil && r.rta.Pruned && !receivers.Unknown() {
		var kept []*index.MethodSymbol
		for _, m := range union {
			if r.keepUnderRTA(m) {
				kept = append(kept, m)
			}
		}
		if len(kept) > 0 && len(kept) < len(union) {
			targets = kept
			kind = index.ResolutionVirtualRTA
		}
	}
	return targets, union, kind
}

// keepUnderRTA keeps a candidate when its class, or any constructed subtype
// that does not override past it, is in the reachable set. Abstract methods
// survive only through constructed subtypes.
func (r *Resolver) keepUnderRTA(m *index.MethodSymbol) bool {
	cls, ok := r.snap.Class(m.Class)
	if !ok || cls.HierarchyError {
		return true // fail open
	}
	if !m.Abstract && cls.Kind == index.KindClass && r.rta.Contains(m.Class) {
		return true
	}
	// The method also serves subtypes that inherit it without overriding.
	for _, sub := range r.cha.SubtypesOf(m.Class) {
		if !r.rta.Contains(sub) {
			continue
		}
		if !r.overriddenBetween(m, sub) {
			return true
		}
	}
	return false
}

// overriddenBetween reports whether sub (or a class between sub and m's
// declaring class) declares its own override of m.
func (r *Resolver) overriddenBetween(m *index.MethodSymbol, sub index.ClassID) bool {
	for _, cid := range append([]index.ClassID{sub}, r.cha.AncestorsOf(sub)...) {
		if cid == m.Class {
			return false
		}
		if !r.cha.IsSubtype(cid, m.Class) {
			continue
		}
		for _, cand := range r.snap.OverloadCandidates(cid, m.Name, len(m.Params)) {
			if cand.ID != m.ID && len(cand.Params) == len(m.Params) {
				return true
			}
		}
	}
	return false
}

// applicable filters name/arity matches by formal-vs-argument acceptance,
// covering primitive widening, boxing and the varargs element stretch.
func (r *Resolver) applicable(cands []*index.MethodSymbol, site *index.CallSite, env *typeenv.Env) []*index.MethodSymbol {
	out := cands[:0:0]
	for _, m := range cands {
		if r.accepts(m, site, env) {
			out = append(out, m)
		}
	}
	return out
}

func (r *Resolver) accepts(m *index.MethodSymbol, site *index.CallSite, env *typeenv.Env) bool {
	argc := len(site.Args)
	if !arityMatches(m, argc) {
		return false
	}
	fixed := len(m.Params)
	if m.Varargs {
		fixed--
	}
	for i := 0; i < argc; i++ {
		var formal string
		if i < fixed {
			formal = m.Params[i]
		} else {
			formal = strings.TrimSuffix(m.Params[len(m.Params)-1], "[]")
		}
		if !r.argAccepted(formal, &site.Args[i], site.File, env) {
			return false
		}
	}
	return true
}

// argAccepted checks one formal against the argument's best-known type.
// Arguments with no usable type information are accepted: the filter prunes,
// it never invents mismatches.
func (r *Resolver) argAccepted(formal string, arg *facts.ArgFacts, file string, env *typeenv.Env) bool {
	formal = index.Erase(formal)
	if formal == "" {
		return true
	}

	if arg.TypeHint != "" {
		hint := index.Erase(arg.TypeHint)
		if hint == formal {
			return true
		}
		if index.IsPrimitive(hint) || index.IsPrimitive(formal) {
			return index.AcceptsPrimitive(formal, hint)
		}
		return r.assignable(file, hint, formal)
	}

	if arg.IsIdent && env != nil {
		s := env.Types(arg.Text)
		if s.Unknown() {
			return true
		}
		for _, cid := range s.IDs() {
			if r.assignable(file, string(cid), formal) {
				return true
			}
		}
		return false
	}
	return true
}

// assignable reports whether a value of type from fits a formal of type to,
// resolving both against the call site's file. Unresolvable sides accept.
func (r *Resolver) assignable(file, from, to string) bool {
	if from == to {
		return true
	}
	toID, toOK := r.snap.ResolveTypeRef(file, to)
	fromID, fromOK := r.snap.ResolveTypeRef(file, from)
	if !toOK || !fromOK || toID == index.Unknown || fromID == index.Unknown {
		return true
	}
	if fromID == toID {
		return true
	}
	return r.cha.IsSubtype(fromID, toID)
}

// ReturnTypes implements typeenv.Dispatcher: the return-type union of the
// name/arity matches of name over the receiver set. At depth > 0 the union
// includes overrides on CHA subtypes; at depth 0 only the declared receivers
// contribute, the declared-return fallback of the environment builder.
func (r *Resolver) ReturnTypes(file string, receivers typeenv.Set, name string, argc, depth int) typeenv.Set {
	if receivers.Unknown() {
		return typeenv.UnknownSet()
	}
	out := typeenv.Set{}
	found := false
	collect := func(cid index.ClassID) {
		for _, m := range r.snap.OverloadCandidates(cid, name, argc) {
			found = true
			out = out.Union(r.returnSet(file, m))
		}
	}
	for _, rid := range receivers.IDs() {
		for _, cid := range append([]index.ClassID{rid}, r.cha.AncestorsOf(rid)...) {
			collect(cid)
		}
		if depth > 0 {
			for _, sub := range r.cha.SubtypesOf(rid) {
				collect(sub)
			}
		}
	}
	if !found {
		return typeenv.UnknownSet()
	}
	return out
}

func (r *Resolver) returnSet(file string, m *index.MethodSymbol) typeenv.Set {
	ret := index.Erase(m.Returns)
	if ret == "" || ret == "void" || index.IsPrimitive(ret) {
		return typeenv.UnknownSet()
	}
	// Resolve against the declaring class's file so its imports apply; fall
	// back to the call site's file for stubs.
	if cls, ok := r.snap.Class(m.Class); ok && cls.File != "" {
		file = cls.File
	}
	if id, ok := r.snap.ResolveTypeRef(file, ret); ok && id != index.Unknown {
		return typeenv.NewSet(id)
	}
	return typeenv.UnknownSet()
}

func siteErr(code errors.ErrorCode, msg, siteID string, kv ...interface{}) error {
	err := errors.AddContext(errors.New(code, msg), errors.CtxCallSite, siteID)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		err = errors.AddContext(err, key, kv[i+1])
	}
	return err
}
