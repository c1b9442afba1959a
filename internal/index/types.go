package index

import (
	"fmt"
	"strings"

	"semlink/internal/facts"
)

// ClassID is stable within one resolution epoch: a pure function of the FQN.
type ClassID string

// MethodID encodes FQN, name, erased parameter types and erased return type,
// e.g. "com.acme.UserService#addUser(java.lang.String)com.acme.User".
type MethodID string

// Unknown is the sentinel candidate type for unresolvable expressions. It is
// never pruned against; downstream resolution must treat it as "cannot
// prune".
const Unknown ClassID = "?"

type TypeKind int

const (
	KindClass TypeKind = iota
	KindInterface
	KindEnum
)

func TypeKindOf(s string) TypeKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "interface":
		return KindInterface
	case "enum":
		return KindEnum
	default:
		return KindClass
	}
}

func (k TypeKind) String() string {
	switch k {
	case KindInterface:
		return "interface"
	case KindEnum:
		return "enum"
	default:
		return "class"
	}
}

type Origin int

const (
	OriginSource Origin = iota
	OriginStub
)

type ResolutionKind string

const (
	ResolutionStatic     ResolutionKind = "static"
	ResolutionVirtualCHA ResolutionKind = "virtual_cha"
	ResolutionVirtualRTA ResolutionKind = "virtual_rta"
	ResolutionRuntime    ResolutionKind = "runtime"
)

type ClassSymbol struct {
	ID         ClassID
	FQN        string
	Kind       TypeKind
	Final      bool
	Supertypes []string // declared raw names, resolved lazily against imports
	Methods    []MethodID
	Fields     []FieldSymbol
	Origin     Origin
	File       string // owning file path, "" for stubs

	// HierarchyError marks classes on a supertype cycle. They are excluded
	// from dispatch pruning but remain resolvable.
	HierarchyError bool
}

type MethodSymbol struct {
	ID         MethodID
	Class      ClassID
	Name       string
	Params     []string // erased parameter types
	ParamNames []string
	Returns    string // erased return type
	Static     bool
	Final      bool
	Abstract   bool
	Varargs    bool
	Visibility string

	// Facts holds the body statement facts for source methods; nil for stubs.
	Facts *facts.MethodFacts
}

type FieldSymbol struct {
	Class ClassID
	Name  string
	Type  string // declared erased type
}

// CallSite is immutable once extracted for a given file content hash.
type CallSite struct {
	ID        string
	File      string
	StartByte uint32
	EndByte   uint32
	Caller    MethodID // "" for static initializers
	Receiver  string   // captured receiver text
	Name      string
	TypeName  string // constructed type / method-reference target
	Args      []facts.ArgFacts
	Kind      string // facts.CallKind*
}

// CallEdge is the sole mutable derived artifact: replaced, never appended,
// per call site by the resolver.
type CallEdge struct {
	Caller     MethodID
	Callee     MethodID
	Site       string
	Kind       ResolutionKind
	Confidence float64
}

// Module is a build-module root; it owns files beneath it until a nested
// module root is found.
type Module struct {
	Dir         string
	Coordinate  string
	SourceRoots []string
}

// MethodIDFor builds the stable method identity from the owning FQN and the
// erased signature.
func MethodIDFor(classFQN, name string, params []string, returns string) MethodID {
	erased := make([]string, len(params))
	for i, p := range params {
		erased[i] = Erase(p)
	}
	return MethodID(fmt.Sprintf("%s#%s(%s)%s", classFQN, name, strings.Join(erased, ","), Erase(returns)))
}

// SiteID keys a call site by (file, byte range).
func SiteID(path string, start, end uint32) string {
	return fmt.Sprintf("%s:%d-%d", path, start, end)
}

// Erase strips generic arguments and whitespace from a type reference,
// keeping array suffixes. Varargs params are erased to arrays.
func Erase(t string) string {
	t = strings.TrimSpace(t)
	if t == "" {
		return ""
	}
	var b strings.Builder
	depth := 0
	for _, r := range t {
		switch r {
		case '<':
			depth++
		case '>':
			if depth > 0 {
				depth--
			}
		case ' ', '\t':
		default:
			if depth == 0 {
				b.WriteRune(r)
			}
		}
	}
	out := b.String()
	if strings.HasSuffix(out, "...") {
		out = strings.TrimSuffix(out, "...") + "[]"
	}
	return out
}

// SimpleName returns the last dot segment of a (possibly qualified) name.
func SimpleName(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}

// PackageOf returns everything before the last dot, or "".
func PackageOf(fqn string) string {
	if i := strings.LastIndex(fqn, "."); i >= 0 {
		return fqn[:i]
	}
	return ""
}
