package hierarchy

import (
	"testing"

	"semlink/internal/core/errors"
	"semlink/internal/facts"
	"semlink/internal/index"
)

func call(receiver, name string, args ...string) facts.CallFacts {
	cf := facts.CallFacts{Receiver: receiver, Name: name, Kind: facts.CallKindCall}
	for i, a := range args {
		cf.Args = append(cf.Args, facts.ArgFacts{Text: a, IsIdent: true})
		cf.StartByte = uint32(10 * (i + 1))
	}
	cf.EndByte = cf.StartByte + 5
	return cf
}

func construct(typ string, start uint32) facts.CallFacts {
	return facts.CallFacts{Name: "<init>", Type: typ, Kind: facts.CallKindConstructor, StartByte: start, EndByte: start + 4}
}

func TestRTAPrunesUnconstructedSubtype(t *testing.T) {
	ix := index.New()
	ix.UpsertFile(classFile("A", nil, method("foo")))
	ix.UpsertFile(classFile("B", []string{"A"}, method("foo"), facts.MethodFacts{Name: "<init>", Visibility: "public"}))
	main := classFile("Main", nil, facts.MethodFacts{
		Name:       "main",
		Static:     true,
		Visibility: "public",
		Returns:    "void",
		Calls: []facts.CallFacts{
			construct("B", 100),
			call("a", "foo"),
		},
	})
	ix.UpsertFile(main)
	snap := ix.Snapshot(1)
	cha := Build(snap)

	entry := index.MethodIDFor("com.acme.Main", "main", nil, "void")
	rta, err := ComputeRTA(snap, cha, []index.MethodID{entry}, nil, 0)
	if err != nil {
		t.Fatalf("rta failed: %v", err)
	}
	if !rta.Pruned {
		t.Fatal("expected a pruned result with entry points configured")
	}
	if !rta.Contains("com.acme.B") {
		t.Error("B is constructed and must be reachable")
	}
	if rta.Contains("com.acme.A") {
		t.Error("A is never constructed and must be pruned")
	}
}

func TestRTAMonotonicSizes(t *testing.T) {
	ix := index.New()
	ix.UpsertFile(classFile("A", nil, facts.MethodFacts{Name: "<init>", Visibility: "public"}))
	ix.UpsertFile(classFile("B", nil, facts.MethodFacts{Name: "<init>", Visibility: "public",
		Calls: []facts.CallFacts{construct("A", 50)}}))
	ix.UpsertFile(classFile("Main", nil, facts.MethodFacts{
		Name: "main", Static: true, Visibility: "public", Returns: "void",
		Calls: []facts.CallFacts{construct("B", 10)},
	}))
	snap := ix.Snapshot(1)
	cha := Build(snap)

	entry := index.MethodIDFor("com.acme.Main", "main", nil, "void")
	rta, err := ComputeRTA(snap, cha, []index.MethodID{entry}, nil, 0)
	if err != nil {
		t.Fatalf("rta failed: %v", err)
	}
	if rta.Iterations < 2 {
		t.Fatalf("expected at least two passes, got %d", rta.Iterations)
	}
	for i := 1; i < len(rta.Sizes); i++ {
		if rta.Sizes[i] < rta.Sizes[i-1] {
			t.Fatalf("allocated-type set shrank: %v", rta.Sizes)
		}
	}
	if !rta.Contains("com.acme.A") || !rta.Contains("com.acme.B") {
		t.Error("transitively constructed types must be reachable")
	}
}

func TestRTANoEntryPointsDegrades(t *testing.T) {
	ix := index.New()
	ix.UpsertFile(classFile("A", nil))
	snap := ix.Snapshot(1)
	cha := Build(snap)

	rta, err := ComputeRTA(snap, cha, nil, nil, 0)
	if err != nil {
		t.Fatalf("degraded rta must not fail: %v", err)
	}
	if rta.Pruned {
		t.Fatal("no entry points must degrade to all-reachable")
	}
	if !rta.Contains("com.acme.A") || !rta.Contains("com.acme.NeverSeen") {
		t.Error("unpruned result must report everything reachable")
	}
}

func TestRTAIterationCeilingFallsBack(t *testing.T) {
	ix := index.New()
	ix.UpsertFile(classFile("A", nil, facts.MethodFacts{Name: "<init>", Visibility: "public"}))
	ix.UpsertFile(classFile("B", nil, facts.MethodFacts{Name: "<init>", Visibility: "public",
		Calls: []facts.CallFacts{construct("A", 50)}}))
	ix.UpsertFile(classFile("Main", nil, facts.MethodFacts{
		Name: "main", Static: true, Visibility: "public", Returns: "void",
		Calls: []facts.CallFacts{construct("B", 10)},
	}))
	snap := ix.Snapshot(1)
	cha := Build(snap)

	entry := index.MethodIDFor("com.acme.Main", "main", nil, "void")
	rta, err := ComputeRTA(snap, cha, []index.MethodID{entry}, nil, 1)
	if !errors.IsCode(err, errors.CodeFixedPointLimit) {
		t.Fatalf("expected FIXED_POINT_LIMIT, got %v", err)
	}
	if rta.Pruned {
		t.Fatal("ceiling fallback must degrade to CHA-only pruning")
	}
}

func TestRTADeepCallChainStaysWithinCeiling(t *testing.T) {
	// Four frontier passes before the first allocation; with one class the
	// default ceiling is two, so the ceiling must count allocation growth
	// rounds rather than frontier depth.
	step := func(next string, at uint32) facts.CallFacts {
		return facts.CallFacts{Name: next, Kind: facts.CallKindCall, StartByte: at, EndByte: at + 5}
	}
	ix := index.New()
	ix.UpsertFile(classFile("Chain", nil,
		method("m1", step("m2", 10)),
		method("m2", step("m3", 20)),
		method("m3", step("m4", 30)),
		method("m4", construct("Chain", 50)),
		facts.MethodFacts{Name: "<init>", Visibility: "public"},
	))
	snap := ix.Snapshot(1)
	cha := Build(snap)

	entry := index.MethodIDFor("com.acme.Chain", "m1", nil, "void")
	rta, err := ComputeRTA(snap, cha, []index.MethodID{entry}, nil, 0)
	if err != nil {
		t.Fatalf("deep call chain must not trip the ceiling: %v", err)
	}
	if !rta.Pruned {
		t.Fatal("expected a pruned result")
	}
	if !rta.Contains("com.acme.Chain") {
		t.Error("Chain is constructed at the end of the chain and must be reachable")
	}
	if rta.Iterations < 4 {
		t.Errorf("iterations = %d, expected the full frontier walk", rta.Iterations)
	}
}

func TestRTAAllocationHints(t *testing.T) {
	ix := index.New()
	ix.UpsertFile(classFile("Bean", nil, method("handle")))
	ix.UpsertFile(classFile("Main", nil, facts.MethodFacts{
		Name: "main", Static: true, Visibility: "public", Returns: "void",
		Calls: []facts.CallFacts{call("bean", "handle")},
	}))
	snap := ix.Snapshot(1)
	cha := Build(snap)

	entry := index.MethodIDFor("com.acme.Main", "main", nil, "void")
	rta, err := ComputeRTA(snap, cha, []index.MethodID{entry}, []string{"com.acme.Bean"}, 0)
	if err != nil {
		t.Fatalf("rta failed: %v", err)
	}
	if !rta.Contains("com.acme.Bean") {
		t.Error("allocation hints must seed the reachable set")
	}
}
