// Package controller drives incremental resolution passes: fact extraction,
// index upserts, hierarchy invalidation, re-resolution of the edit's
// dependency closure and edge persistence.
package controller

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"semlink/internal/core/errors"
	"semlink/internal/core/ports"
	"semlink/internal/facts"
	"semlink/internal/hierarchy"
	"semlink/internal/index"
	"semlink/internal/resolve"
	"semlink/internal/shared/observability"
	"semlink/internal/shared/util"
)

// Settings carries the resolver and RTA knobs; zero values take the
// documented defaults.
type Settings struct {
	TypeDepth        int
	MaxRTAIterations int
	EntryPoints      []index.MethodID
	AllocationHints  []string
	Score            func(targets int) float64
}

// Controller owns the mutable index and the single-writer discipline:
// extraction and resolution fan out, writes apply sequentially between
// epoch snapshots.
type Controller struct {
	mu sync.Mutex

	ix       *index.Index
	source   ports.FactSource
	store    ports.EdgeStore
	settings Settings

	epoch    uint64
	cha      *hierarchy.CHA
	rta      *hierarchy.Reachable
	resolver *resolve.Resolver
}

func New(source ports.FactSource, store ports.EdgeStore, settings Settings) *Controller {
	return &Controller{
		ix:       index.New(),
		source:   source,
		store:    store,
		settings: settings,
	}
}

// SeedModules installs the build-module table from the module feed.
func (c *Controller) SeedModules(mods []facts.ModuleFacts) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ix.SetModules(mods)
}

// SeedStubs installs dependency signatures from the stub feed.
func (c *Controller) SeedStubs(stubs []facts.StubFacts) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ix.UpsertStubs(stubs)
}

// MergeRuntimeSignals folds observed edges into the graph and persists them.
func (c *Controller) MergeRuntimeSignals(ctx context.Context, signals []facts.RuntimeSignal) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolver == nil {
		return 0, errors.New(errors.CodeValidationError, "runtime merge before first resolution pass")
	}
	added := c.resolver.MergeRuntime(signals)
	if added == 0 || c.store == nil {
		return added, nil
	}
	c.epoch++
	batch, err := c.store.Begin(ctx, c.epoch)
	if err != nil {
		return added, err
	}
	for _, e := range c.resolver.RuntimeEdges() {
		if err := batch.ReplaceEdges(e.Site, []index.CallEdge{e}); err != nil {
			_ = batch.Rollback()
			return added, err
		}
	}
	return added, batch.Commit()
}

// OnFilesChanged runs one resolution pass over the changed paths. Paths the
// fact source no longer knows are treated as deletions. The pass is
// conservative but bounded: only sites inside changed methods and sites the
// reverse index names are re-resolved.
func (c *Controller) OnFilesChanged(ctx context.Context, paths []string) (*ports.PassReport, error) {
	ctx, span := observability.Tracer.Start(ctx, "resolution_pass")
	defer span.End()
	start := time.Now()
	defer func() { observability.PassDuration.Observe(time.Since(start).Seconds()) }()

	report := &ports.PassReport{PassID: uuid.NewString()}

	bundles, deletions, extractErrs := c.extract(ctx, paths)
	for _, e := range extractErrs {
		// Extraction failures keep the file's prior symbols and retry later.
		slog.Warn("fact extraction failed, keeping stale symbols", "err", e)
		report.Unresolved = append(report.Unresolved, e.Error())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deltas := make([]index.Delta, 0, len(bundles)+len(deletions))
	for _, ff := range bundles {
		d := c.ix.UpsertFile(ff)
		if d.Unchanged {
			observability.FilesSkipped.Inc()
			report.FilesSkipped++
			continue
		}
		observability.FilesIngested.Inc()
		report.FilesChanged++
		deltas = append(deltas, d)
	}
	for _, path := range deletions {
		d := c.ix.RemoveFile(path)
		report.FilesChanged++
		deltas = append(deltas, d)
	}

	if len(deltas) == 0 && c.resolver != nil {
		report.Epoch = c.epoch
		return report, nil
	}

	c.epoch++
	snap := c.ix.Snapshot(c.epoch)
	report.Epoch = c.epoch

	// Hierarchy barrier: every pending upsert is applied before invalidation.
	changedClasses := classesOf(deltas)
	if c.cha == nil {
		c.cha = hierarchy.Build(snap)
	} else {
		c.cha.Refresh(snap, changedClasses)
	}
	report.HierarchyErrs = c.cha.HierarchyErrors()
	observability.HierarchyErrors.Set(float64(len(report.HierarchyErrs)))

	// Full RTA recompute per pass: monotone and idempotent, so the
	// conservative fallback is always correct.
	rta, err := hierarchy.ComputeRTA(snap, c.cha, c.settings.EntryPoints, c.settings.AllocationHints, c.settings.MaxRTAIterations)
	if err != nil {
		slog.Warn("rta fixed point hit its ceiling, using CHA-only pruning", "err", err)
	}
	c.rta = rta
	report.RTAPruned = rta.Pruned
	observability.RTAIterations.Observe(float64(rta.Iterations))

	if c.resolver == nil {
		c.resolver = resolve.New(snap, c.cha, c.rta, resolve.Options{
			TypeDepth: c.settings.TypeDepth,
			Score:     c.settings.Score,
		})
	} else {
		c.resolver.Rebind(snap, c.cha, c.rta)
	}

	siteIDs := c.invalidatedSites(snap, deltas)
	c.resolveSites(ctx, siteIDs)
	for _, sid := range siteIDs {
		report.EdgesResolved += len(c.resolver.Edges(sid))
	}
	for _, d := range c.resolver.Diagnostics() {
		report.Unresolved = append(report.Unresolved, d.Err.Error())
	}

	classes, methods := snap.Counts()
	observability.IndexClasses.Set(float64(classes))
	observability.IndexMethods.Set(float64(methods))

	if err := c.persist(ctx, snap, deltas, siteIDs); err != nil {
		return report, err
	}

	slog.Info("resolution pass complete",
		"pass", report.PassID,
		"epoch", report.Epoch,
		"files", report.FilesChanged,
		"skipped", report.FilesSkipped,
		"sites", len(siteIDs),
		"unresolved", len(report.Unresolved),
		"took", time.Since(start))
	return report, nil
}

// extract fans fact reads out across files; each worker produces an
// immutable bundle, the caller applies them sequentially.
func (c *Controller) extract(ctx context.Context, paths []string) ([]*facts.FileFacts, []string, []error) {
	var (
		mu       sync.Mutex
		bundles  []*facts.FileFacts
		deleted  []string
		failures []error
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, path := range paths {
		g.Go(func() error {
			if !c.source.Known(path) {
				mu.Lock()
				deleted = append(deleted, path)
				mu.Unlock()
				return nil
			}
			ff, err := c.source.Facts(ctx, path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, errors.AddContext(err, errors.CtxPath, path))
				return nil
			}
			bundles = append(bundles, ff)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(bundles, func(i, j int) bool { return bundles[i].Path < bundles[j].Path })
	sort.Strings(deleted)
	return bundles, deleted, failures
}

// invalidatedSites is the re-resolution set: sites added by the edit, sites
// inside changed methods, and sites elsewhere whose candidate set touched a
// changed or removed method.
func (c *Controller) invalidatedSites(snap *index.Snapshot, deltas []index.Delta) []string {
	seen := make(map[string]bool)
	var changedMethods []index.MethodID
	var dropped []string

	for _, d := range deltas {
		if d.Empty() {
			continue
		}
		for _, sid := range d.AddedSites {
			seen[sid] = true
		}
		for _, sid := range d.RemovedSites {
			dropped = append(dropped, sid)
		}
		changedMethods = append(changedMethods, d.AddedMethods...)
		changedMethods = append(changedMethods, d.ChangedMethods...)
		changedMethods = append(changedMethods, d.RemovedMethods...)
	}

	for _, mid := range changedMethods {
		for _, sid := range snap.SitesOf(mid) {
			seen[sid] = true
		}
	}
	for _, sid := range c.resolver.DependentSites(changedMethods) {
		seen[sid] = true
	}

	c.resolver.DropSites(dropped)
	for _, sid := range dropped {
		delete(seen, sid)
	}

	return util.SortedStringKeys(seen)
}

// resolveSites fans per-site resolution out; edge writes are partitioned by
// site ID inside the resolver so workers never collide.
func (c *Controller) resolveSites(ctx context.Context, siteIDs []string) {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, sid := range siteIDs {
		g.Go(func() error {
			// Unresolved calls are diagnostics, not pass failures.
			_, _ = c.resolver.Resolve(sid)
			return nil
		})
	}
	_ = g.Wait()
}

// persist commits the pass atomically; an epoch conflict re-syncs the local
// counter with the store and retries once against the newer epoch.
func (c *Controller) persist(ctx context.Context, snap *index.Snapshot, deltas []index.Delta, siteIDs []string) error {
	if c.store == nil {
		return nil
	}
	batch, err := c.store.Begin(ctx, c.epoch)
	if errors.IsCode(err, errors.CodeEpochConflict) {
		observability.EpochConflicts.Inc()
		if es, ok := c.store.(interface{ Epoch() (uint64, error) }); ok {
			if committed, eerr := es.Epoch(); eerr == nil {
				c.epoch = committed + 1
			}
		}
		batch, err = c.store.Begin(ctx, c.epoch)
	}
	if err != nil {
		return err
	}

	for _, d := range deltas {
		if len(d.AddedClasses) == 0 && len(d.RemovedClasses) > 0 {
			if err := batch.DeleteFile(d.Path); err != nil {
				_ = batch.Rollback()
				return err
			}
			continue
		}
		if key, ok := snap.FileHash(d.Path); ok {
			if err := batch.PutFileHash(d.Path, key); err != nil {
				_ = batch.Rollback()
				return err
			}
		}
		// Symbols the new revision dropped lose their rows, unless another
		// file in the batch re-declared them. Removed classes take their
		// method rows with them.
		for _, cid := range d.RemovedClasses {
			if _, still := snap.Class(cid); still {
				continue
			}
			if err := batch.DeleteClass(cid); err != nil {
				_ = batch.Rollback()
				return err
			}
		}
		for _, mid := range d.RemovedMethods {
			if _, still := snap.Method(mid); still {
				continue
			}
			if err := batch.DeleteMethod(mid); err != nil {
				_ = batch.Rollback()
				return err
			}
		}
		// Sites the new revision no longer contains lose their edges.
		for _, sid := range d.RemovedSites {
			if _, still := snap.Site(sid); still {
				continue
			}
			if err := batch.ReplaceEdges(sid, nil); err != nil {
				_ = batch.Rollback()
				return err
			}
		}
		for _, cid := range d.AddedClasses {
			cls, ok := snap.Class(cid)
			if !ok {
				continue
			}
			if err := batch.PutClass(cls); err != nil {
				_ = batch.Rollback()
				return err
			}
			for _, mid := range cls.Methods {
				if m, ok := snap.Method(mid); ok {
					if err := batch.PutMethod(m); err != nil {
						_ = batch.Rollback()
						return err
					}
				}
			}
		}
	}
	for _, sid := range siteIDs {
		if site, ok := snap.Site(sid); ok {
			if err := batch.PutSite(site); err != nil {
				_ = batch.Rollback()
				return err
			}
		}
		if err := batch.ReplaceEdges(sid, c.resolver.Edges(sid)); err != nil {
			_ = batch.Rollback()
			return err
		}
	}
	return batch.Commit()
}

// Snapshot exposes the current epoch's read-only view for reporting.
func (c *Controller) Snapshot() *index.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ix.Snapshot(c.epoch)
}

// Edges returns the current static and runtime edge sets.
func (c *Controller) Edges() []index.CallEdge {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolver == nil {
		return nil
	}
	return c.resolver.CombinedEdges()
}

// Diagnostics returns the unresolved-call gaps from the latest pass.
func (c *Controller) Diagnostics() []resolve.Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolver == nil {
		return nil
	}
	return c.resolver.Diagnostics()
}

func classesOf(deltas []index.Delta) []index.ClassID {
	seen := make(map[index.ClassID]bool)
	var out []index.ClassID
	for _, d := range deltas {
		for _, lst := range [][]index.ClassID{d.AddedClasses, d.RemovedClasses} {
			for _, cid := range lst {
				if !seen[cid] {
					seen[cid] = true
					out = append(out, cid)
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
