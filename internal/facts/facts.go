// Package facts defines the payloads supplied by the external collaborators:
// the syntax-tree producer, the build-file parser, the dependency stub
// extractor and the optional runtime tracing agent. The linker never parses
// source itself; these records are its only view of the code.
package facts

// FileFacts is one file's worth of syntactic facts, immutable for a given
// content hash.
type FileFacts struct {
	Path        string      `json:"path"`
	ContentHash string      `json:"contentHash"`
	Size        int64       `json:"size"`
	PackageName string      `json:"packageName"`
	Imports     []Import    `json:"imports,omitempty"`
	Types       []TypeFacts `json:"types,omitempty"`
}

type Import struct {
	Raw      string `json:"raw"`                // e.g. "com.acme.util.Strings"
	Static   bool   `json:"static,omitempty"`   // import static
	Member   string `json:"member,omitempty"`   // static member name, "" for type imports
	Wildcard bool   `json:"wildcard,omitempty"` // trailing .*
}

type TypeFacts struct {
	FQN        string        `json:"fqn"`
	Kind       string        `json:"kind"` // class, interface, enum
	Final      bool          `json:"final,omitempty"`
	Supertypes []string      `json:"supertypes,omitempty"` // declared extends/implements, raw names
	Fields     []FieldFacts  `json:"fields,omitempty"`
	Methods    []MethodFacts `json:"methods,omitempty"`
}

type FieldFacts struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// MethodFacts carries the declaration signature plus the ordered statement
// facts the type environment builder consumes. Constructors use the name
// "<init>".
type MethodFacts struct {
	Name       string       `json:"name"`
	Params     []ParamFacts `json:"params,omitempty"`
	Returns    string       `json:"returns,omitempty"`
	Static     bool         `json:"static,omitempty"`
	Final      bool         `json:"final,omitempty"`
	Abstract   bool         `json:"abstract,omitempty"`
	Varargs    bool         `json:"varargs,omitempty"`
	Visibility string       `json:"visibility,omitempty"`
	Locals     []LocalFacts `json:"locals,omitempty"`
	Calls      []CallFacts  `json:"calls,omitempty"`
}

type ParamFacts struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// LocalFacts is one local declaration, assignment or cast in statement order.
// Branch groups model if/else, ternary and switch arms: statements sharing a
// Branch id but differing in Arm are merged by candidate-set union.
type LocalFacts struct {
	Name         string     `json:"name"`
	DeclaredType string     `json:"declaredType,omitempty"`
	Init         *InitFacts `json:"init,omitempty"`
	Branch       int        `json:"branch,omitempty"`
	Arm          int        `json:"arm,omitempty"`
}

// InitFacts describes a right-hand side.
type InitFacts struct {
	Kind     string `json:"kind"` // new, call, ident, cast, unknown
	Type     string `json:"type,omitempty"`
	Receiver string `json:"receiver,omitempty"`
	Name     string `json:"name,omitempty"`
	Argc     int    `json:"argc,omitempty"`
}

const (
	InitNew     = "new"
	InitCall    = "call"
	InitIdent   = "ident"
	InitCast    = "cast"
	InitUnknown = "unknown"
)

// CallFacts is one call expression found in a method body, keyed by its byte
// range within the file.
type CallFacts struct {
	Receiver  string     `json:"receiver,omitempty"` // receiver text, "" for unqualified calls
	Name      string     `json:"name"`               // simple method name, "<init>" for constructors
	Type      string     `json:"type,omitempty"`     // constructed type / method-reference target type
	Args      []ArgFacts `json:"args,omitempty"`
	StartByte uint32     `json:"startByte"`
	EndByte   uint32     `json:"endByte"`
	Kind      string     `json:"kind"` // call, constructor, method_ref
}

type ArgFacts struct {
	Text     string `json:"text"`
	TypeHint string `json:"typeHint,omitempty"` // erasure when the extractor knows it (literals)
	IsIdent  bool   `json:"isIdent,omitempty"`
}

const (
	CallKindCall        = "call"
	CallKindConstructor = "constructor"
	CallKindMethodRef   = "method_ref"
)

// ModuleFacts is one build-module record from the build-file parser.
type ModuleFacts struct {
	Dir              string   `json:"dir"`
	Coordinate       string   `json:"coordinate"`
	SourceRoots      []string `json:"sourceRoots,omitempty"`
	ParentCoordinate string   `json:"parentCoordinate,omitempty"`
}

// StubFacts is one externally-defined type from the dependency stub
// extractor. No bodies, signatures only.
type StubFacts struct {
	FQN        string       `json:"fqn"`
	Kind       string       `json:"kind"`
	Final      bool         `json:"final,omitempty"`
	Supertypes []string     `json:"supertypes,omitempty"`
	Methods    []StubMethod `json:"methods,omitempty"`
}

type StubMethod struct {
	Name       string   `json:"name"`
	Params     []string `json:"paramErasure,omitempty"`
	Returns    string   `json:"returnErasure,omitempty"`
	Static     bool     `json:"static,omitempty"`
	Final      bool     `json:"final,omitempty"`
	Varargs    bool     `json:"varargs,omitempty"`
	Visibility string   `json:"visibility,omitempty"`
}

// RuntimeSignal is one dynamically observed edge from the tracing agent.
type RuntimeSignal struct {
	CallerMethodID string `json:"callerMethodId"`
	CalleeMethodID string `json:"calleeMethodId"`
	Count          int64  `json:"count,omitempty"`
	Timestamp      int64  `json:"timestamp,omitempty"`
}
