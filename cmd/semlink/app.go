package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gobwas/glob"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"semlink/internal/controller"
	"semlink/internal/core/config"
	"semlink/internal/core/errors"
	"semlink/internal/core/ports"
	"semlink/internal/core/watcher"
	"semlink/internal/feeds"
	"semlink/internal/index"
	"semlink/internal/shared/util"
	"semlink/internal/store"
	"semlink/internal/ui/report"
)

const bundleSuffix = ".json"

type App struct {
	Config     *config.Config
	Source     *feeds.DirectorySource
	Store      *store.SQLiteStore
	Controller *controller.Controller

	watcher    *watcher.Watcher
	teaProgram *tea.Program
	limiter    *util.Limiter
	obsServer  *http.Server
	exportPath string
}

func NewApp(cfg *config.Config) (*App, error) {
	source := feeds.NewDirectorySource(cfg.Feeds.FactsDir)

	entries := make([]index.MethodID, 0, len(cfg.Resolver.EntryPoints))
	for _, e := range cfg.Resolver.EntryPoints {
		entries = append(entries, index.MethodID(e))
	}
	settings := controller.Settings{
		TypeDepth:        cfg.Resolver.TypeDepth,
		MaxRTAIterations: cfg.Resolver.MaxRTAIterations,
		EntryPoints:      entries,
		AllocationHints:  cfg.Resolver.AllocationHints,
		Score:            cfg.Resolver.Score(),
	}

	app := &App{
		Config: cfg,
		Source: source,
	}

	var edgeStore ports.EdgeStore
	if cfg.DB.Enabled {
		s, err := store.Open(cfg.DB.Path, int(cfg.DB.BusyTimeout.Milliseconds()))
		if err != nil {
			return nil, err
		}
		app.Store = s
		edgeStore = s
	}

	app.Controller = controller.New(source, edgeStore, settings)

	if cfg.Watch.MinInterval > 0 {
		app.limiter = util.NewLimiter(1/cfg.Watch.MinInterval.Seconds(), 1)
	}

	return app, nil
}

// InitialPass seeds the module and stub feeds, then resolves every fact
// bundle currently on disk and merges runtime signals on top.
func (a *App) InitialPass(ctx context.Context) (*ports.PassReport, time.Duration, error) {
	start := time.Now()

	if err := a.seedFeeds(ctx); err != nil {
		return nil, 0, err
	}

	paths, err := a.scanBundles()
	if err != nil {
		return nil, 0, err
	}

	rep, err := a.Controller.OnFilesChanged(ctx, paths)
	if err != nil {
		return nil, 0, err
	}

	if a.Config.Feeds.RuntimeFile != "" {
		signals, err := feeds.FileRuntimeFeed{Path: a.Config.Feeds.RuntimeFile}.Signals(ctx)
		if err != nil {
			return nil, 0, err
		}
		if len(signals) > 0 {
			added, err := a.Controller.MergeRuntimeSignals(ctx, signals)
			if err != nil {
				return nil, 0, err
			}
			slog.Info("merged runtime signals", "signals", len(signals), "edges_added", added)
			rep.EdgesResolved += added
		}
	}

	return rep, time.Since(start), nil
}

func (a *App) seedFeeds(ctx context.Context) error {
	if a.Config.Feeds.ModulesFile != "" {
		mods, err := feeds.FileModuleFeed{Path: a.Config.Feeds.ModulesFile}.Modules(ctx)
		if err != nil && !errors.IsCode(err, errors.CodeNotFound) {
			return err
		}
		a.Controller.SeedModules(mods)
	}
	if a.Config.Feeds.StubsFile != "" {
		stubs, err := feeds.FileStubFeed{Path: a.Config.Feeds.StubsFile}.Stubs(ctx)
		if err != nil && !errors.IsCode(err, errors.CodeNotFound) {
			return err
		}
		a.Controller.SeedStubs(stubs)
	}
	return nil
}

// scanBundles walks the facts directory and returns the source path of every
// bundle, honoring the exclusion globs the watcher also applies.
func (a *App) scanBundles() ([]string, error) {
	dirGlobs, err := compileGlobs(a.Config.Exclude.Dirs)
	if err != nil {
		return nil, err
	}
	fileGlobs, err := compileGlobs(a.Config.Exclude.Files)
	if err != nil {
		return nil, err
	}

	root := filepath.Clean(a.Config.Feeds.FactsDir)
	var paths []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		base := filepath.Base(path)
		if d.IsDir() {
			for _, g := range dirGlobs {
				if g.Match(base) {
					return filepath.SkipDir
				}
			}
			return nil
		}
		if !strings.HasSuffix(base, bundleSuffix) {
			return nil
		}
		for _, g := range fileGlobs {
			if g.Match(strings.ToLower(base)) {
				return nil
			}
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		source := filepath.ToSlash(strings.TrimSuffix(rel, bundleSuffix))
		if a.inScope(source) {
			paths = append(paths, source)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// inScope restricts passes to the configured watch paths. An empty list
// means the whole facts tree.
func (a *App) inScope(source string) bool {
	if len(a.Config.Watch.Paths) == 0 {
		return true
	}
	for _, p := range a.Config.Watch.Paths {
		if util.HasPathPrefix(source, p) {
			return true
		}
	}
	return false
}

// HandleChanges is the watcher callback: one debounced batch becomes one
// resolution pass, rate-limited so event storms cannot stack passes.
func (a *App) HandleChanges(paths []string) {
	scoped := paths[:0:0]
	for _, p := range paths {
		if a.inScope(p) {
			scoped = append(scoped, p)
		}
	}
	paths = scoped
	if len(paths) == 0 {
		return
	}

	ctx := context.Background()
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx, 1); err != nil {
			slog.Warn("rate limiter interrupted", "error", err)
			return
		}
	}

	slog.Info("detected changes", "count", len(paths))
	start := time.Now()

	rep, err := a.Controller.OnFilesChanged(ctx, paths)
	if err != nil {
		slog.Error("resolution pass failed", "error", err)
		return
	}
	duration := time.Since(start)

	a.exportEdges()

	if a.teaProgram != nil {
		classes, methods := a.Controller.Snapshot().Counts()
		a.teaProgram.Send(updateMsg{
			report:      rep,
			diagnostics: a.Controller.Diagnostics(),
			classes:     classes,
			methods:     methods,
			duration:    duration,
		})
		return
	}

	fmt.Print(report.Summary(rep, a.Controller.Edges(), a.Controller.Diagnostics(), duration))
}

func (a *App) exportEdges() {
	if a.exportPath == "" {
		return
	}
	table := report.EdgesTable(a.Controller.Edges())
	if err := report.ExportEdges(a.exportPath, table); err != nil {
		slog.Error("failed to export edge table", "path", a.exportPath, "error", err)
	}
}

func (a *App) StartWatcher() error {
	w, err := watcher.New(
		a.Config.Feeds.FactsDir,
		a.Config.Watch.Debounce,
		a.Config.Exclude.Dirs,
		a.Config.Exclude.Files,
		a.HandleChanges,
	)
	if err != nil {
		return err
	}
	a.watcher = w
	return w.Watch()
}

// StartObservability serves prometheus metrics and a health probe.
func (a *App) StartObservability(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		snap := a.Controller.Snapshot()
		classes, methods := snap.Counts()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":  "up",
			"epoch":   snap.Epoch,
			"classes": classes,
			"methods": methods,
		})
	})

	a.obsServer = &http.Server{
		Addr:    a.Config.Observability.MetricsAddr,
		Handler: mux,
	}

	slog.Info("observability server starting", "addr", a.obsServer.Addr)

	go func() {
		if err := a.obsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("observability server failed", "error", err)
		}
	}()

	return nil
}

func (a *App) RunUI() error {
	p := tea.NewProgram(initialModel(), tea.WithAltScreen())
	a.teaProgram = p
	_, err := p.Run()
	return err
}

func (a *App) Close() {
	if a.watcher != nil {
		_ = a.watcher.Close()
	}
	if a.obsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = a.obsServer.Shutdown(ctx)
	}
	if a.Store != nil {
		_ = a.Store.Close()
	}
}
