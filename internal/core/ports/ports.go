// Package ports declares the boundary interfaces between the linker core and
// its external collaborators: fact producers on the way in, edge persistence
// on the way out.
package ports

import (
	"context"

	"semlink/internal/facts"
	"semlink/internal/index"
)

// FactSource abstracts the syntax-tree producer: given a source path it
// yields the file's extracted fact bundle. Extraction failures are per-file
// and recoverable; the prior symbols stay in the index until a good bundle
// arrives.
type FactSource interface {
	Facts(ctx context.Context, path string) (*facts.FileFacts, error)
	// Known reports whether the producer covers the path at all.
	Known(path string) bool
}

// ModuleFeed abstracts the build-file parser.
type ModuleFeed interface {
	Modules(ctx context.Context) ([]facts.ModuleFacts, error)
}

// StubFeed abstracts the dependency stub extractor.
type StubFeed interface {
	Stubs(ctx context.Context) ([]facts.StubFacts, error)
}

// RuntimeFeed abstracts the optional tracing agent.
type RuntimeFeed interface {
	Signals(ctx context.Context) ([]facts.RuntimeSignal, error)
}

// EdgeStore persists the resolved graph. Writes are batched per resolution
// pass; a batch commits atomically or not at all.
type EdgeStore interface {
	Begin(ctx context.Context, epoch uint64) (EdgeBatch, error)
	Close() error
}

// EdgeBatch is one pass's worth of writes.
type EdgeBatch interface {
	PutClass(cls *index.ClassSymbol) error
	PutMethod(m *index.MethodSymbol) error
	PutSite(site *index.CallSite) error
	ReplaceEdges(siteID string, edges []index.CallEdge) error
	DeleteClass(id index.ClassID) error
	DeleteMethod(id index.MethodID) error
	DeleteFile(path string) error
	PutFileHash(path string, key index.FileKey) error
	Commit() error
	Rollback() error
}

// PassReport summarizes one incremental resolution pass for driving adapters.
type PassReport struct {
	PassID        string
	Epoch         uint64
	FilesChanged  int
	FilesSkipped  int
	EdgesResolved int
	Unresolved    []string
	HierarchyErrs []index.ClassID
	RTAPruned     bool
}
