package typeenv

import (
	"testing"

	"semlink/internal/facts"
	"semlink/internal/index"
)

func envFixture(t *testing.T, methods ...facts.MethodFacts) (*index.Snapshot, *index.MethodSymbol) {
	t.Helper()
	ix := index.New()
	ix.UpsertFile(&facts.FileFacts{
		Path:        "src/com/acme/Repo.java",
		ContentHash: "h-repo",
		Size:        1,
		PackageName: "com.acme",
		Types: []facts.TypeFacts{
			{FQN: "com.acme.Repo", Kind: "class"},
			{FQN: "com.acme.SqlRepo", Kind: "class", Supertypes: []string{"Repo"}},
		},
	})
	ix.UpsertFile(&facts.FileFacts{
		Path:        "src/com/acme/Service.java",
		ContentHash: "h-svc",
		Size:        1,
		PackageName: "com.acme",
		Types: []facts.TypeFacts{
			{
				FQN:  "com.acme.Service",
				Kind: "class",
				Fields: []facts.FieldFacts{
					{Name: "repo", Type: "Repo"},
				},
				Methods: methods,
			},
		},
	})
	snap := ix.Snapshot(1)

	want := index.MethodIDFor("com.acme.Service", methods[0].Name, paramTypes(methods[0]), methods[0].Returns)
	m, ok := snap.Method(want)
	if !ok {
		t.Fatalf("fixture method %s not indexed", want)
	}
	return snap, m
}

func paramTypes(mf facts.MethodFacts) []string {
	out := make([]string, len(mf.Params))
	for i, p := range mf.Params {
		out[i] = p.Type
	}
	return out
}

func ids(s Set) []index.ClassID { return s.IDs() }

func TestSeedsParamsFieldsAndThis(t *testing.T) {
	snap, m := envFixture(t, facts.MethodFacts{
		Name:       "handle",
		Returns:    "void",
		Visibility: "public",
		Params:     []facts.ParamFacts{{Name: "r", Type: "Repo"}},
	})
	env := NewBuilder(snap, nil, 3).BuildDefault(m)

	if got := ids(env.Types("this")); len(got) != 1 || got[0] != "com.acme.Service" {
		t.Errorf("this = %v", got)
	}
	if got := ids(env.Types("r")); len(got) != 1 || got[0] != "com.acme.Repo" {
		t.Errorf("param r = %v", got)
	}
	if got := ids(env.Types("repo")); len(got) != 1 || got[0] != "com.acme.Repo" {
		t.Errorf("field repo = %v", got)
	}
	if !env.Types("nonexistent").Unknown() {
		t.Error("absent identifiers must be unknown")
	}
}

func TestStaticMethodHasNoThis(t *testing.T) {
	snap, m := envFixture(t, facts.MethodFacts{
		Name: "helper", Static: true, Returns: "void", Visibility: "public",
	})
	env := NewBuilder(snap, nil, 3).BuildDefault(m)
	if !env.Types("this").Unknown() {
		t.Error("static method must not bind this")
	}
}

func TestNewIdentAndCast(t *testing.T) {
	snap, m := envFixture(t, facts.MethodFacts{
		Name: "run", Returns: "void", Visibility: "public",
		Locals: []facts.LocalFacts{
			{Name: "a", DeclaredType: "Repo", Init: &facts.InitFacts{Kind: facts.InitNew, Type: "SqlRepo"}},
			{Name: "b", Init: &facts.InitFacts{Kind: facts.InitIdent, Name: "a"}},
			{Name: "c", Init: &facts.InitFacts{Kind: facts.InitCast, Type: "SqlRepo", Name: "b"}},
		},
	})
	env := NewBuilder(snap, nil, 3).BuildDefault(m)

	if got := ids(env.Types("a")); len(got) != 1 || got[0] != "com.acme.SqlRepo" {
		t.Errorf("new must yield the exact allocated type, got %v", got)
	}
	if got := ids(env.Types("b")); len(got) != 1 || got[0] != "com.acme.SqlRepo" {
		t.Errorf("ident copy = %v", got)
	}
	if got := ids(env.Types("c")); len(got) != 1 || got[0] != "com.acme.SqlRepo" {
		t.Errorf("cast narrow = %v", got)
	}
}

func TestUnclassifiedInitFallsBackToDeclaredType(t *testing.T) {
	snap, m := envFixture(t, facts.MethodFacts{
		Name: "run", Returns: "void", Visibility: "public",
		Locals: []facts.LocalFacts{
			{Name: "a", DeclaredType: "Repo", Init: &facts.InitFacts{Kind: facts.InitUnknown}},
			{Name: "b", Init: &facts.InitFacts{Kind: facts.InitUnknown}},
		},
	})
	env := NewBuilder(snap, nil, 3).BuildDefault(m)

	if got := ids(env.Types("a")); len(got) != 1 || got[0] != "com.acme.Repo" {
		t.Errorf("unclassified init must fall back to the declared type, got %v", got)
	}
	if !env.Types("b").Unknown() {
		t.Error("unclassified init without a declared type must stay unknown")
	}
}

func TestBranchMergeUnions(t *testing.T) {
	snap, m := envFixture(t, facts.MethodFacts{
		Name: "pick", Returns: "void", Visibility: "public",
		Locals: []facts.LocalFacts{
			{Name: "r", Branch: 1, Arm: 1, Init: &facts.InitFacts{Kind: facts.InitNew, Type: "Repo"}},
			{Name: "r", Branch: 1, Arm: 2, Init: &facts.InitFacts{Kind: facts.InitNew, Type: "SqlRepo"}},
		},
	})
	env := NewBuilder(snap, nil, 3).BuildDefault(m)

	got := ids(env.Types("r"))
	if len(got) != 2 || got[0] != "com.acme.Repo" || got[1] != "com.acme.SqlRepo" {
		t.Fatalf("branch merge must union arm endings, got %v", got)
	}
}

func TestPartialBranchKeepsPriorValue(t *testing.T) {
	snap, m := envFixture(t, facts.MethodFacts{
		Name: "maybe", Returns: "void", Visibility: "public",
		Locals: []facts.LocalFacts{
			{Name: "r", Init: &facts.InitFacts{Kind: facts.InitNew, Type: "Repo"}},
			{Name: "r", Branch: 1, Arm: 1, Init: &facts.InitFacts{Kind: facts.InitNew, Type: "SqlRepo"}},
			{Name: "other", Branch: 1, Arm: 2, Init: &facts.InitFacts{Kind: facts.InitNew, Type: "Repo"}},
		},
	})
	env := NewBuilder(snap, nil, 3).BuildDefault(m)

	got := ids(env.Types("r"))
	if len(got) != 2 {
		t.Fatalf("one-arm assignment must keep the fallthrough value, got %v", got)
	}
}

func TestUnknownPropagates(t *testing.T) {
	snap, m := envFixture(t, facts.MethodFacts{
		Name: "lost", Returns: "void", Visibility: "public",
		Locals: []facts.LocalFacts{
			{Name: "x", Init: &facts.InitFacts{Kind: facts.InitNew, Type: "com.vendor.Gone"}},
			{Name: "y", Init: &facts.InitFacts{Kind: facts.InitIdent, Name: "x"}},
		},
	})
	env := NewBuilder(snap, nil, 3).BuildDefault(m)

	if !env.Types("x").Unknown() {
		t.Error("unresolvable allocation must be unknown")
	}
	if !env.Types("y").Unknown() {
		t.Error("unknown must propagate through assignment")
	}
}

type fakeDispatcher struct {
	ret       Set
	lastDepth int
	calls     int
}

func (f *fakeDispatcher) ReturnTypes(file string, recv Set, name string, argc, depth int) Set {
	f.calls++
	f.lastDepth = depth
	return f.ret
}

func TestAssignmentFromCallUsesDispatcher(t *testing.T) {
	snap, m := envFixture(t, facts.MethodFacts{
		Name: "load", Returns: "void", Visibility: "public",
		Locals: []facts.LocalFacts{
			{Name: "r", DeclaredType: "Repo",
				Init: &facts.InitFacts{Kind: facts.InitCall, Receiver: "repo", Name: "reload", Argc: 0}},
		},
	})
	disp := &fakeDispatcher{ret: NewSet("com.acme.SqlRepo")}
	env := NewBuilder(snap, disp, 3).Build(m, 2)

	if got := ids(env.Types("r")); len(got) != 1 || got[0] != "com.acme.SqlRepo" {
		t.Fatalf("call init must take the dispatcher's return union, got %v", got)
	}
	if disp.calls != 1 || disp.lastDepth != 1 {
		t.Errorf("dispatcher called %d times at depth %d", disp.calls, disp.lastDepth)
	}
}

func TestDepthCapFallsBackToDeclaredType(t *testing.T) {
	snap, m := envFixture(t, facts.MethodFacts{
		Name: "load", Returns: "void", Visibility: "public",
		Locals: []facts.LocalFacts{
			{Name: "r", DeclaredType: "Repo",
				Init: &facts.InitFacts{Kind: facts.InitCall, Receiver: "repo", Name: "reload", Argc: 0}},
		},
	})
	disp := &fakeDispatcher{ret: NewSet("com.acme.SqlRepo")}
	env := NewBuilder(snap, disp, 3).Build(m, 0)

	if disp.calls != 0 {
		t.Fatal("exhausted budget must not recurse into the dispatcher")
	}
	if got := ids(env.Types("r")); len(got) != 1 || got[0] != "com.acme.Repo" {
		t.Fatalf("depth cap must fall back to the declared type, got %v", got)
	}
}
