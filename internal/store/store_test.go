package store

import (
	"context"
	"path/filepath"
	"testing"

	"semlink/internal/core/errors"
	"semlink/internal/index"
)

func openStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "semlink.db"), 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBatchCommitPersistsEdges(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	b, err := s.Begin(ctx, 1)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	site := &index.CallSite{ID: "f.java:1-5", File: "f.java", StartByte: 1, EndByte: 5, Caller: "a.B#m()void"}
	if err := b.PutSite(site); err != nil {
		t.Fatal(err)
	}
	edges := []index.CallEdge{
		{Caller: "a.B#m()void", Callee: "a.C#n()void", Site: site.ID, Kind: index.ResolutionVirtualCHA, Confidence: 0.5},
		{Caller: "a.B#m()void", Callee: "a.D#n()void", Site: site.ID, Kind: index.ResolutionVirtualCHA, Confidence: 0.5},
	}
	if err := b.ReplaceEdges(site.ID, edges); err != nil {
		t.Fatal(err)
	}
	if err := b.PutFileHash("f.java", index.FileKey{Size: 9, Hash: "abc"}); err != nil {
		t.Fatal(err)
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := s.EdgesBySite(site.ID)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(got) != 2 || got[0].Callee != "a.C#n()void" {
		t.Fatalf("persisted edges = %v", got)
	}
	key, ok, err := s.FileHash("f.java")
	if err != nil || !ok || key.Hash != "abc" {
		t.Fatalf("file hash = %v %v %v", key, ok, err)
	}
	if epoch, _ := s.Epoch(); epoch != 1 {
		t.Fatalf("epoch = %d, want 1", epoch)
	}
}

func TestReplaceEdgesSwapsNotAppends(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	b, _ := s.Begin(ctx, 1)
	edges := []index.CallEdge{{Caller: "a.B#m()void", Callee: "a.C#n()void", Site: "s1", Kind: index.ResolutionStatic, Confidence: 1}}
	if err := b.ReplaceEdges("s1", edges); err != nil {
		t.Fatal(err)
	}
	if err := b.Commit(); err != nil {
		t.Fatal(err)
	}

	b2, err := s.Begin(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	replacement := []index.CallEdge{{Caller: "a.B#m()void", Callee: "a.E#n()void", Site: "s1", Kind: index.ResolutionVirtualRTA, Confidence: 1}}
	if err := b2.ReplaceEdges("s1", replacement); err != nil {
		t.Fatal(err)
	}
	if err := b2.Commit(); err != nil {
		t.Fatal(err)
	}

	got, _ := s.EdgesBySite("s1")
	if len(got) != 1 || got[0].Callee != "a.E#n()void" {
		t.Fatalf("edges not replaced: %v", got)
	}
}

func TestStaleEpochConflicts(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	b, _ := s.Begin(ctx, 3)
	if err := b.Commit(); err != nil {
		t.Fatal(err)
	}

	_, err := s.Begin(ctx, 3)
	if !errors.IsCode(err, errors.CodeEpochConflict) {
		t.Fatalf("expected EPOCH_CONFLICT, got %v", err)
	}
	if _, err := s.Begin(ctx, 4); err != nil {
		t.Fatalf("newer epoch must be accepted: %v", err)
	}
}

func TestRollbackLeavesPriorState(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	b, _ := s.Begin(ctx, 1)
	if err := b.ReplaceEdges("s1", []index.CallEdge{
		{Caller: "a.B#m()void", Callee: "a.C#n()void", Site: "s1", Kind: index.ResolutionStatic, Confidence: 1},
	}); err != nil {
		t.Fatal(err)
	}
	if err := b.Rollback(); err != nil {
		t.Fatal(err)
	}

	if got, _ := s.EdgesBySite("s1"); len(got) != 0 {
		t.Fatalf("rolled-back batch must leave nothing, got %v", got)
	}
	if epoch, _ := s.Epoch(); epoch != 0 {
		t.Fatalf("epoch advanced despite rollback: %d", epoch)
	}
}

func TestOpenRejectsNewerSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "semlink.db")
	s, err := Open(path, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.db.Exec(`PRAGMA user_version = 99`); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	_, err = Open(path, 0)
	if !errors.IsCode(err, errors.CodeNotSupported) {
		t.Fatalf("expected NOT_SUPPORTED for newer schema, got %v", err)
	}
}

func TestDeleteClassDropsOwnedMethodRows(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	b, _ := s.Begin(ctx, 1)
	if err := b.PutClass(&index.ClassSymbol{ID: "a.B", FQN: "a.B", File: "f.java"}); err != nil {
		t.Fatal(err)
	}
	if err := b.PutMethod(&index.MethodSymbol{ID: "a.B#m()void", Class: "a.B", Name: "m", Returns: "void"}); err != nil {
		t.Fatal(err)
	}
	if err := b.PutMethod(&index.MethodSymbol{ID: "a.B#n()void", Class: "a.B", Name: "n", Returns: "void"}); err != nil {
		t.Fatal(err)
	}
	if err := b.Commit(); err != nil {
		t.Fatal(err)
	}

	b2, _ := s.Begin(ctx, 2)
	if err := b2.DeleteMethod("a.B#n()void"); err != nil {
		t.Fatal(err)
	}
	if err := b2.Commit(); err != nil {
		t.Fatal(err)
	}
	if has, _ := s.HasMethod("a.B#n()void"); has {
		t.Fatal("deleted method row survived")
	}
	if has, _ := s.HasClass("a.B"); !has {
		t.Fatal("class must survive a method-only delete")
	}

	b3, _ := s.Begin(ctx, 3)
	if err := b3.DeleteClass("a.B"); err != nil {
		t.Fatal(err)
	}
	if err := b3.Commit(); err != nil {
		t.Fatal(err)
	}
	if has, _ := s.HasClass("a.B"); has {
		t.Fatal("deleted class row survived")
	}
	if has, _ := s.HasMethod("a.B#m()void"); has {
		t.Fatal("class delete must take its method rows")
	}
}

func TestDeleteFileDropsOwnedRows(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	b, _ := s.Begin(ctx, 1)
	cls := &index.ClassSymbol{ID: "a.B", FQN: "a.B", File: "f.java"}
	if err := b.PutClass(cls); err != nil {
		t.Fatal(err)
	}
	m := &index.MethodSymbol{ID: "a.B#m()void", Class: "a.B", Name: "m", Returns: "void"}
	if err := b.PutMethod(m); err != nil {
		t.Fatal(err)
	}
	site := &index.CallSite{ID: "f.java:1-5", File: "f.java", Caller: m.ID}
	if err := b.PutSite(site); err != nil {
		t.Fatal(err)
	}
	if err := b.ReplaceEdges(site.ID, []index.CallEdge{
		{Caller: m.ID, Callee: "a.C#n()void", Site: site.ID, Kind: index.ResolutionStatic, Confidence: 1},
	}); err != nil {
		t.Fatal(err)
	}
	if err := b.PutFileHash("f.java", index.FileKey{Size: 1, Hash: "h"}); err != nil {
		t.Fatal(err)
	}
	if err := b.Commit(); err != nil {
		t.Fatal(err)
	}

	b2, _ := s.Begin(ctx, 2)
	if err := b2.DeleteFile("f.java"); err != nil {
		t.Fatal(err)
	}
	if err := b2.Commit(); err != nil {
		t.Fatal(err)
	}

	if got, _ := s.EdgesBySite(site.ID); len(got) != 0 {
		t.Fatalf("edges survived file deletion: %v", got)
	}
	if _, ok, _ := s.FileHash("f.java"); ok {
		t.Fatal("file hash survived deletion")
	}
	if n, _ := s.EdgeCount(); n != 0 {
		t.Fatalf("edge count = %d", n)
	}
}
