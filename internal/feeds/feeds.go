// Package feeds reads the collaborator inputs: per-file fact bundles from a
// mirrored directory, and newline-delimited JSON files for modules,
// dependency stubs and runtime signals.
package feeds

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"semlink/internal/core/errors"
	"semlink/internal/facts"
)

// scanBufSize bounds one NDJSON record; stub lines for wide classes can run
// long.
const scanBufSize = 4 << 20

// DirectorySource serves fact bundles from a directory mirroring the source
// tree: the bundle for src/com/acme/A.java lives at
// <root>/src/com/acme/A.java.json.
type DirectorySource struct {
	root string
}

func NewDirectorySource(root string) *DirectorySource {
	return &DirectorySource{root: root}
}

func (s *DirectorySource) bundlePath(path string) string {
	return filepath.Join(s.root, filepath.FromSlash(path)+".json")
}

func (s *DirectorySource) Known(path string) bool {
	_, err := os.Stat(s.bundlePath(path))
	return err == nil
}

func (s *DirectorySource) Facts(ctx context.Context, path string) (*facts.FileFacts, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.bundlePath(path))
	if err != nil {
		return nil, errors.AddContext(
			errors.Wrap(err, errors.CodeNotFound, "fact bundle unreadable"),
			errors.CtxPath, path)
	}
	var ff facts.FileFacts
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, errors.AddContext(
			errors.Wrap(err, errors.CodeValidationError, "malformed fact bundle"),
			errors.CtxPath, path)
	}
	if ff.Path == "" {
		ff.Path = path
	}
	return &ff, nil
}

// FileModuleFeed reads build-module records from one NDJSON file.
type FileModuleFeed struct {
	Path string
}

func (f FileModuleFeed) Modules(ctx context.Context) ([]facts.ModuleFacts, error) {
	return decodeLines[facts.ModuleFacts](ctx, f.Path)
}

// FileStubFeed reads dependency stubs from one NDJSON file.
type FileStubFeed struct {
	Path string
}

func (f FileStubFeed) Stubs(ctx context.Context) ([]facts.StubFacts, error) {
	return decodeLines[facts.StubFacts](ctx, f.Path)
}

// FileRuntimeFeed reads observed call signals from one NDJSON file. A
// missing file means no signals, not an error: the tracing agent is optional.
type FileRuntimeFeed struct {
	Path string
}

func (f FileRuntimeFeed) Signals(ctx context.Context) ([]facts.RuntimeSignal, error) {
	if f.Path == "" {
		return nil, nil
	}
	out, err := decodeLines[facts.RuntimeSignal](ctx, f.Path)
	if errors.IsCode(err, errors.CodeNotFound) {
		return nil, nil
	}
	return out, err
}

func decodeLines[T any](ctx context.Context, path string) ([]T, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, errors.AddContext(
			errors.Wrap(err, errors.CodeNotFound, "feed file unreadable"),
			errors.CtxPath, path)
	}
	defer fh.Close()
	return decodeStream[T](ctx, fh, path)
}

func decodeStream[T any](ctx context.Context, rd io.Reader, path string) ([]T, error) {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 64*1024), scanBufSize)

	var out []T
	line := 0
	for sc.Scan() {
		line++
		if line%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var rec T
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, errors.AddContext(errors.AddContext(
				errors.Wrap(err, errors.CodeValidationError, "malformed feed record"),
				errors.CtxPath, path), "line", line)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.AddContext(
			errors.Wrap(err, errors.CodeInternal, "feed read failed"),
			errors.CtxPath, path)
	}
	return out, nil
}
