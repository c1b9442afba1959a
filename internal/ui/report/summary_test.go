package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"semlink/internal/core/errors"
	"semlink/internal/core/ports"
	"semlink/internal/index"
	"semlink/internal/resolve"
)

func TestSummaryListsUnresolvedAndHierarchyErrors(t *testing.T) {
	rep := &ports.PassReport{
		PassID:        "p1",
		Epoch:         4,
		FilesChanged:  2,
		EdgesResolved: 3,
		HierarchyErrs: []index.ClassID{"com.acme.Cyclic"},
	}
	diags := []resolve.Diagnostic{
		{Site: "f.java:1-9", Err: errors.New(errors.CodeUnresolvedCall, "no applicable candidates")},
	}
	out := Summary(rep, nil, diags, 40*time.Millisecond)

	for _, want := range []string{"epoch 4", "f.java:1-9", "com.acme.Cyclic", "RTA inactive"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestSummaryCountsEdgesByKind(t *testing.T) {
	rep := &ports.PassReport{PassID: "p2", Epoch: 1, EdgesResolved: 3, RTAPruned: true}
	edges := []index.CallEdge{
		{Site: "s1", Kind: index.ResolutionStatic, Confidence: 1},
		{Site: "s2", Kind: index.ResolutionVirtualRTA, Confidence: 0.5},
		{Site: "s2", Kind: index.ResolutionVirtualRTA, Confidence: 0.5},
	}
	out := Summary(rep, edges, nil, time.Millisecond)
	if !strings.Contains(out, "static=1") || !strings.Contains(out, "virtual_rta=2") {
		t.Errorf("kind breakdown missing:\n%s", out)
	}
	if strings.Contains(out, "RTA inactive") {
		t.Errorf("pruned pass must not warn about inactive RTA:\n%s", out)
	}
}

func TestEdgesTableSortsBySiteThenCallee(t *testing.T) {
	edges := []index.CallEdge{
		{Site: "b.java:1-2", Caller: "x", Callee: "z", Kind: index.ResolutionStatic, Confidence: 1},
		{Site: "a.java:1-2", Caller: "x", Callee: "y", Kind: index.ResolutionVirtualCHA, Confidence: 0.5},
	}
	out := EdgesTable(edges)
	if strings.Index(out, "a.java") > strings.Index(out, "b.java") {
		t.Errorf("rows not sorted by site:\n%s", out)
	}
	if !strings.Contains(out, "| virtual_cha | 0.50 |") {
		t.Errorf("kind/confidence columns missing:\n%s", out)
	}
}

func TestExportEdgesSeedsAndReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callgraph.md")

	if err := ExportEdges(path, "| a |\n"); err != nil {
		t.Fatalf("first export: %v", err)
	}
	if err := ExportEdges(path, "| b |\n"); err != nil {
		t.Fatalf("second export: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(content), "| a |") {
		t.Errorf("old section survived replacement:\n%s", content)
	}
	if !strings.Contains(string(content), "| b |") {
		t.Errorf("new section missing:\n%s", content)
	}
}

func TestReplaceBetweenMarkersRejectsDuplicates(t *testing.T) {
	content := "<!-- semlink:edges:start -->\n<!-- semlink:edges:end -->\n<!-- semlink:edges:end -->\n"
	if _, err := ReplaceBetweenMarkers(content, "edges", "x"); err == nil {
		t.Fatal("duplicate end marker must be rejected")
	}
}
