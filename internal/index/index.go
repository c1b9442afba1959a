package index

import (
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"semlink/internal/core/errors"
	"semlink/internal/facts"
)

const resolveCacheSize = 4096

// FileKey identifies one indexed file revision.
type FileKey struct {
	Size int64
	Hash string
}

// Delta reports what one upsert or removal changed in the index.
type Delta struct {
	Path           string
	Unchanged      bool
	AddedClasses   []ClassID
	RemovedClasses []ClassID
	AddedMethods   []MethodID
	RemovedMethods []MethodID
	ChangedMethods []MethodID
	AddedSites     []string
	RemovedSites   []string
}

// Empty reports whether the delta carries no symbol or site changes.
func (d Delta) Empty() bool {
	return len(d.AddedClasses) == 0 && len(d.RemovedClasses) == 0 &&
		len(d.AddedMethods) == 0 && len(d.RemovedMethods) == 0 &&
		len(d.ChangedMethods) == 0 &&
		len(d.AddedSites) == 0 && len(d.RemovedSites) == 0
}

type importTable struct {
	types           map[string]string   // simple name -> FQN
	wildcards       []string            // package prefixes from trailing .*
	statics         map[string][]string // static member name -> declaring FQNs
	staticWildcards []string            // declaring FQNs from import static X.*
}

// Index owns stable identities for classes, methods, fields and call sites.
// A single writer applies mutations; readers consume epoch snapshots taken
// between batches.
type Index struct {
	mu sync.RWMutex

	classes   map[ClassID]*ClassSymbol
	methods   map[MethodID]*MethodSymbol
	fields    map[ClassID][]FieldSymbol
	byFile    map[string][]ClassID
	hashes    map[string]FileKey
	imports   map[string]*importTable
	overloads map[ClassID]map[string][]MethodID
	packages  map[string]map[string]ClassID // package -> relative name -> id

	sites         map[string]*CallSite
	sitesByFile   map[string][]string
	sitesByMethod map[MethodID][]string

	modules []Module

	resolveCache *lru.Cache[string, ClassID]
}

func New() *Index {
	cache, _ := lru.New[string, ClassID](resolveCacheSize)
	return &Index{
		classes:       make(map[ClassID]*ClassSymbol),
		methods:       make(map[MethodID]*MethodSymbol),
		fields:        make(map[ClassID][]FieldSymbol),
		byFile:        make(map[string][]ClassID),
		hashes:        make(map[string]FileKey),
		imports:       make(map[string]*importTable),
		overloads:     make(map[ClassID]map[string][]MethodID),
		packages:      make(map[string]map[string]ClassID),
		sites:         make(map[string]*CallSite),
		sitesByFile:   make(map[string][]string),
		sitesByMethod: make(map[MethodID][]string),
		resolveCache:  cache,
	}
}

// UpsertFile replaces the file's symbols and call sites. Re-indexing with an
// unchanged (size, hash) pair is a no-op.
func (ix *Index) UpsertFile(ff *facts.FileFacts) Delta {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	delta := Delta{Path: ff.Path}
	if prev, ok := ix.hashes[ff.Path]; ok && prev.Hash == ff.ContentHash && prev.Size == ff.Size {
		delta.Unchanged = true
		return delta
	}

	oldMethods := make(map[MethodID]bool)
	for _, cid := range ix.byFile[ff.Path] {
		if cls, ok := ix.classes[cid]; ok {
			for _, mid := range cls.Methods {
				oldMethods[mid] = true
			}
		}
	}

	removed := ix.removeFileLocked(ff.Path)
	delta.RemovedClasses = removed.RemovedClasses
	delta.RemovedSites = removed.RemovedSites

	ix.imports[ff.Path] = buildImportTable(ff.Imports)
	ix.hashes[ff.Path] = FileKey{Size: ff.Size, Hash: ff.ContentHash}

	for i := range ff.Types {
		tf := &ff.Types[i]
		cls := ix.registerTypeLocked(tf, ff.Path, ff.PackageName)
		delta.AddedClasses = append(delta.AddedClasses, cls.ID)
		for _, mid := range cls.Methods {
			if oldMethods[mid] {
				delta.ChangedMethods = append(delta.ChangedMethods, mid)
				delete(oldMethods, mid)
			} else {
				delta.AddedMethods = append(delta.AddedMethods, mid)
			}
		}
	}
	for mid := range oldMethods {
		delta.RemovedMethods = append(delta.RemovedMethods, mid)
	}
	for _, sid := range ix.sitesByFile[ff.Path] {
		delta.AddedSites = append(delta.AddedSites, sid)
	}

	ix.resolveCache.Purge()
	sortDelta(&delta)
	return delta
}

// RemoveFile drops every symbol and call site owned by path.
func (ix *Index) RemoveFile(path string) Delta {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delta := ix.removeFileLocked(path)
	delete(ix.hashes, path)
	delete(ix.imports, path)
	ix.resolveCache.Purge()
	sortDelta(&delta)
	return delta
}

func (ix *Index) removeFileLocked(path string) Delta {
	delta := Delta{Path: path}
	for _, cid := range ix.byFile[path] {
		cls, ok := ix.classes[cid]
		if !ok {
			continue
		}
		delta.RemovedClasses = append(delta.RemovedClasses, cid)
		for _, mid := range cls.Methods {
			delta.RemovedMethods = append(delta.RemovedMethods, mid)
			delete(ix.methods, mid)
			delete(ix.sitesByMethod, mid)
		}
		delete(ix.overloads, cid)
		delete(ix.fields, cid)
		delete(ix.classes, cid)
		pkg := PackageOf(cls.FQN)
		if rel, ok := ix.packages[pkg]; ok {
			for key, id := range rel {
				if id == cid {
					delete(rel, key)
				}
			}
		}
	}
	delete(ix.byFile, path)
	for _, sid := range ix.sitesByFile[path] {
		delta.RemovedSites = append(delta.RemovedSites, sid)
		delete(ix.sites, sid)
	}
	delete(ix.sitesByFile, path)
	return delta
}

func (ix *Index) registerTypeLocked(tf *facts.TypeFacts, path, pkg string) *ClassSymbol {
	cid := ClassID(tf.FQN)
	cls := &ClassSymbol{
		ID:         cid,
		FQN:        tf.FQN,
		Kind:       TypeKindOf(tf.Kind),
		Final:      tf.Final,
		Supertypes: append([]string(nil), tf.Supertypes...),
		Origin:     OriginSource,
		File:       path,
	}
	for _, f := range tf.Fields {
		cls.Fields = append(cls.Fields, FieldSymbol{Class: cid, Name: f.Name, Type: Erase(f.Type)})
	}
	ix.fields[cid] = cls.Fields

	buckets := make(map[string][]MethodID)
	for i := range tf.Methods {
		mf := &tf.Methods[i]
		params := make([]string, len(mf.Params))
		names := make([]string, len(mf.Params))
		for j, p := range mf.Params {
			params[j] = Erase(p.Type)
			names[j] = p.Name
		}
		mid := MethodIDFor(tf.FQN, mf.Name, params, mf.Returns)
		ix.methods[mid] = &MethodSymbol{
			ID:         mid,
			Class:      cid,
			Name:       mf.Name,
			Params:     params,
			ParamNames: names,
			Returns:    Erase(mf.Returns),
			Static:     mf.Static,
			Final:      mf.Final,
			Abstract:   mf.Abstract,
			Varargs:    mf.Varargs,
			Visibility: mf.Visibility,
			Facts:      mf,
		}
		cls.Methods = append(cls.Methods, mid)
		buckets[mf.Name] = append(buckets[mf.Name], mid)

		for _, cf := range mf.Calls {
			sid := SiteID(path, cf.StartByte, cf.EndByte)
			ix.sites[sid] = &CallSite{
				ID:        sid,
				File:      path,
				StartByte: cf.StartByte,
				EndByte:   cf.EndByte,
				Caller:    mid,
				Receiver:  cf.Receiver,
				Name:      cf.Name,
				TypeName:  cf.Type,
				Args:      cf.Args,
				Kind:      cf.Kind,
			}
			ix.sitesByFile[path] = append(ix.sitesByFile[path], sid)
			ix.sitesByMethod[mid] = append(ix.sitesByMethod[mid], sid)
		}
	}
	ix.overloads[cid] = buckets

	if prev, ok := ix.classes[cid]; ok && prev.File != path {
		// FQN redeclared in another file; the newest declaration wins.
		ix.byFile[prev.File] = removeID(ix.byFile[prev.File], cid)
	}
	ix.classes[cid] = cls
	ix.byFile[path] = append(ix.byFile[path], cid)
	ix.registerPackageNameLocked(pkg, cls)
	return cls
}

func (ix *Index) registerPackageNameLocked(pkg string, cls *ClassSymbol) {
	rel := strings.TrimPrefix(cls.FQN, pkg+".")
	if pkg == "" {
		rel = cls.FQN
	}
	table, ok := ix.packages[pkg]
	if !ok {
		table = make(map[string]ClassID)
		ix.packages[pkg] = table
	}
	table[rel] = cls.ID
	table[SimpleName(cls.FQN)] = cls.ID
}

// UpsertStubs registers externally-defined signatures. Stubs never carry
// bodies and are consumed read-only by resolution.
func (ix *Index) UpsertStubs(stubs []facts.StubFacts) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for i := range stubs {
		st := &stubs[i]
		cid := ClassID(st.FQN)
		if existing, ok := ix.classes[cid]; ok && existing.Origin == OriginSource {
			// Project sources shadow dependency stubs.
			continue
		}
		cls := &ClassSymbol{
			ID:         cid,
			FQN:        st.FQN,
			Kind:       TypeKindOf(st.Kind),
			Final:      st.Final,
			Supertypes: append([]string(nil), st.Supertypes...),
			Origin:     OriginStub,
		}
		buckets := make(map[string][]MethodID)
		for _, sm := range st.Methods {
			params := make([]string, len(sm.Params))
			for j, p := range sm.Params {
				params[j] = Erase(p)
			}
			mid := MethodIDFor(st.FQN, sm.Name, params, sm.Returns)
			ix.methods[mid] = &MethodSymbol{
				ID:         mid,
				Class:      cid,
				Name:       sm.Name,
				Params:     params,
				Returns:    Erase(sm.Returns),
				Static:     sm.Static,
				Final:      sm.Final,
				Varargs:    sm.Varargs,
				Visibility: sm.Visibility,
			}
			cls.Methods = append(cls.Methods, mid)
			buckets[sm.Name] = append(buckets[sm.Name], mid)
		}
		ix.overloads[cid] = buckets
		ix.classes[cid] = cls
		ix.registerPackageNameLocked(PackageOf(st.FQN), cls)
	}
	ix.resolveCache.Purge()
}

// SetModules replaces the module roots from the build-file feed.
func (ix *Index) SetModules(mods []facts.ModuleFacts) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.modules = ix.modules[:0]
	for _, m := range mods {
		ix.modules = append(ix.modules, Module{
			Dir:         strings.TrimSuffix(m.Dir, "/"),
			Coordinate:  m.Coordinate,
			SourceRoots: append([]string(nil), m.SourceRoots...),
		})
	}
	// Deepest roots first implements the nearest-enclosing-root rule.
	sort.Slice(ix.modules, func(i, j int) bool {
		return len(ix.modules[i].Dir) > len(ix.modules[j].Dir)
	})
}

// ModuleFor assigns a file to its nearest enclosing module root.
func (ix *Index) ModuleFor(path string) (Module, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	for _, m := range ix.modules {
		if path == m.Dir || strings.HasPrefix(path, m.Dir+"/") {
			return m, true
		}
	}
	return Module{}, false
}

func (ix *Index) LookupByFQN(fqn string) (*ClassSymbol, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	cls, ok := ix.classes[ClassID(fqn)]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "class %q not found", fqn)
	}
	return cls, nil
}

func (ix *Index) Class(id ClassID) (*ClassSymbol, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	cls, ok := ix.classes[id]
	return cls, ok
}

func (ix *Index) Method(id MethodID) (*MethodSymbol, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	m, ok := ix.methods[id]
	return m, ok
}

// OverloadCandidates returns the (class, name, arity) bucket in stable order.
// A varargs method matches any argument count >= len(params)-1.
func (ix *Index) OverloadCandidates(id ClassID, name string, arity int) []*MethodSymbol {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.overloadCandidatesLocked(id, name, arity)
}

func (ix *Index) overloadCandidatesLocked(id ClassID, name string, arity int) []*MethodSymbol {
	buckets, ok := ix.overloads[id]
	if !ok {
		return nil
	}
	ids := append([]MethodID(nil), buckets[name]...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*MethodSymbol, 0, len(ids))
	for _, mid := range ids {
		m := ix.methods[mid]
		if m == nil {
			continue
		}
		if len(m.Params) == arity || (m.Varargs && arity >= len(m.Params)-1) {
			out = append(out, m)
		}
	}
	return out
}

// ResolveTypeRef resolves a (possibly qualified) type reference appearing in
// file to a class present in the index. Unresolvable references degrade to
// "external, unknown" (ok=false), never an error.
func (ix *Index) ResolveTypeRef(file, name string) (ClassID, bool) {
	name = Erase(name)
	name = strings.TrimSuffix(name, "[]")
	if name == "" || IsPrimitive(name) {
		return Unknown, false
	}

	cacheKey := file + "\x00" + name
	if id, ok := ix.resolveCache.Get(cacheKey); ok {
		return id, id != Unknown
	}

	ix.mu.RLock()
	id, ok := ix.resolveTypeRefLocked(file, name)
	ix.mu.RUnlock()

	if ok {
		ix.resolveCache.Add(cacheKey, id)
		return id, true
	}
	ix.resolveCache.Add(cacheKey, Unknown)
	return Unknown, false
}

func (ix *Index) resolveTypeRefLocked(file, name string) (ClassID, bool) {
	if _, ok := ix.classes[ClassID(name)]; ok {
		return ClassID(name), true
	}

	pkg := ""
	if cids := ix.byFile[file]; len(cids) > 0 {
		if cls, ok := ix.classes[cids[0]]; ok {
			pkg = PackageOf(cls.FQN)
		}
	}

	// Same package, including nested relative names like Outer.Inner.
	if rel, ok := ix.packages[pkg]; ok {
		if id, ok := rel[name]; ok {
			return id, true
		}
	}

	head := name
	rest := ""
	if i := strings.Index(name, "."); i >= 0 {
		head, rest = name[:i], name[i:]
	}

	if table, ok := ix.imports[file]; ok {
		if fqn, ok := table.types[head]; ok {
			if _, exists := ix.classes[ClassID(fqn+rest)]; exists {
				return ClassID(fqn + rest), true
			}
			return Unknown, false // import resolved but target not indexed: external
		}
		for _, wpkg := range table.wildcards {
			if _, exists := ix.classes[ClassID(wpkg+"."+name)]; exists {
				return ClassID(wpkg + "." + name), true
			}
		}
	}

	if fqn, ok := BuiltinFQN(head); ok {
		if _, exists := ix.classes[ClassID(fqn+rest)]; exists {
			return ClassID(fqn + rest), true
		}
	}
	return Unknown, false
}

// StaticImportTargets returns classes whose static member name is imported
// into file, explicitly or via a static wildcard.
func (ix *Index) StaticImportTargets(file, member string) []ClassID {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	table, ok := ix.imports[file]
	if !ok {
		return nil
	}
	var out []ClassID
	for _, fqn := range table.statics[member] {
		if _, exists := ix.classes[ClassID(fqn)]; exists {
			out = append(out, ClassID(fqn))
		}
	}
	for _, fqn := range table.staticWildcards {
		cid := ClassID(fqn)
		if buckets, exists := ix.overloads[cid]; exists {
			if _, has := buckets[member]; has {
				out = append(out, cid)
			}
		}
	}
	return out
}

// DirectSupertypes resolves a class's declared supertype references.
func (ix *Index) DirectSupertypes(id ClassID) []ClassID {
	cls, ok := ix.Class(id)
	if !ok {
		return nil
	}
	var out []ClassID
	for _, raw := range cls.Supertypes {
		if cls.Origin == OriginStub {
			if _, exists := ix.Class(ClassID(Erase(raw))); exists {
				out = append(out, ClassID(Erase(raw)))
			}
			continue
		}
		if sup, ok := ix.ResolveTypeRef(cls.File, raw); ok {
			out = append(out, sup)
		}
	}
	return out
}

func (ix *Index) Site(id string) (*CallSite, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	s, ok := ix.sites[id]
	return s, ok
}

func (ix *Index) SitesOf(method MethodID) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]string(nil), ix.sitesByMethod[method]...)
}

func (ix *Index) SitesIn(path string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]string(nil), ix.sitesByFile[path]...)
}

func (ix *Index) FileHash(path string) (FileKey, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	key, ok := ix.hashes[path]
	return key, ok
}

func (ix *Index) AllClasses() []ClassID {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]ClassID, 0, len(ix.classes))
	for id := range ix.classes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (ix *Index) ClassesInFile(path string) []ClassID {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]ClassID(nil), ix.byFile[path]...)
}

// EachMethod visits every method symbol. The callback must not mutate.
func (ix *Index) EachMethod(fn func(*MethodSymbol)) {
	ix.mu.RLock()
	ids := make([]MethodID, 0, len(ix.methods))
	for id := range ix.methods {
		ids = append(ids, id)
	}
	ix.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if m, ok := ix.Method(id); ok {
			fn(m)
		}
	}
}

// Counts returns the class and method totals for gauges.
func (ix *Index) Counts() (classes, methods int) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.classes), len(ix.methods)
}

// MarkHierarchyError flags classes on a supertype cycle; they are excluded
// from dispatch pruning but remain resolvable (fail open).
func (ix *Index) MarkHierarchyError(ids ...ClassID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, id := range ids {
		if cls, ok := ix.classes[id]; ok {
			cls.HierarchyError = true
		}
	}
}

func buildImportTable(imports []facts.Import) *importTable {
	table := &importTable{
		types:   make(map[string]string),
		statics: make(map[string][]string),
	}
	for _, imp := range imports {
		raw := strings.TrimSpace(imp.Raw)
		if raw == "" {
			continue
		}
		switch {
		case imp.Static && imp.Wildcard:
			table.staticWildcards = append(table.staticWildcards, raw)
		case imp.Static:
			member := imp.Member
			if member == "" {
				member = SimpleName(raw)
				raw = PackageOf(raw)
			}
			table.statics[member] = append(table.statics[member], raw)
		case imp.Wildcard:
			table.wildcards = append(table.wildcards, raw)
		default:
			table.types[SimpleName(raw)] = raw
		}
	}
	return table
}

func removeID(ids []ClassID, target ClassID) []ClassID {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func sortDelta(d *Delta) {
	sort.Slice(d.AddedClasses, func(i, j int) bool { return d.AddedClasses[i] < d.AddedClasses[j] })
	sort.Slice(d.RemovedClasses, func(i, j int) bool { return d.RemovedClasses[i] < d.RemovedClasses[j] })
	sort.Slice(d.AddedMethods, func(i, j int) bool { return d.AddedMethods[i] < d.AddedMethods[j] })
	sort.Slice(d.RemovedMethods, func(i, j int) bool { return d.RemovedMethods[i] < d.RemovedMethods[j] })
	sort.Slice(d.ChangedMethods, func(i, j int) bool { return d.ChangedMethods[i] < d.ChangedMethods[j] })
	sort.Strings(d.AddedSites)
	sort.Strings(d.RemovedSites)
}
