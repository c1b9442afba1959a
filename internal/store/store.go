// Package store persists the resolved graph in SQLite: the class, method,
// call_site and call_edge tables plus the (path, size, hash) re-indexing key.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"semlink/internal/core/errors"
	"semlink/internal/core/ports"
	"semlink/internal/index"
)

const (
	sqliteDriverName = "sqlite"
	schemaVersion    = 1
)

type SQLiteStore struct {
	db *sql.DB
}

var _ ports.EdgeStore = (*SQLiteStore)(nil)

func Open(path string, busyTimeoutMS int) (*SQLiteStore, error) {
	cleanPath := strings.TrimSpace(path)
	if cleanPath == "" {
		return nil, fmt.Errorf("edge store path must not be empty")
	}
	if info, err := os.Stat(cleanPath); err == nil && info.IsDir() {
		return nil, fmt.Errorf("edge store path %q is a directory, expected file", cleanPath)
	}
	dir := filepath.Dir(cleanPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create edge store directory %q: %w", dir, err)
		}
	}
	if busyTimeoutMS <= 0 {
		busyTimeoutMS = 5000
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cleanPath, busyTimeoutMS)
	db, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open edge store %q: %w", cleanPath, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping edge store %q: %w", cleanPath, err)
	}
	if err := migrateSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrateSchema(db *sql.DB) error {
	var version int
	_ = db.QueryRow(`PRAGMA user_version`).Scan(&version)

	if version == 0 {
		_, err := db.Exec(`
CREATE TABLE class (
  id TEXT PRIMARY KEY,
  fqn TEXT NOT NULL,
  kind TEXT NOT NULL DEFAULT 'class',
  is_final INTEGER NOT NULL DEFAULT 0,
  supertype_fqns TEXT NOT NULL DEFAULT '[]',
  origin INTEGER NOT NULL DEFAULT 0,
  file_path TEXT NOT NULL DEFAULT ''
);
CREATE INDEX idx_class_file ON class(file_path);

CREATE TABLE method (
  id TEXT PRIMARY KEY,
  class_id TEXT NOT NULL,
  name TEXT NOT NULL,
  param_erasure TEXT NOT NULL DEFAULT '[]',
  return_erasure TEXT NOT NULL DEFAULT '',
  is_static INTEGER NOT NULL DEFAULT 0,
  is_final INTEGER NOT NULL DEFAULT 0,
  visibility TEXT NOT NULL DEFAULT ''
);
CREATE INDEX idx_method_class ON method(class_id);

CREATE TABLE call_site (
  id TEXT PRIMARY KEY,
  file TEXT NOT NULL,
  start_byte INTEGER NOT NULL,
  end_byte INTEGER NOT NULL,
  caller_method_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX idx_call_site_file ON call_site(file);

CREATE TABLE call_edge (
  caller_method_id TEXT NOT NULL,
  callee_method_id TEXT NOT NULL,
  call_site_id TEXT NOT NULL,
  resolution_kind TEXT NOT NULL,
  confidence REAL NOT NULL DEFAULT 0.0,
  PRIMARY KEY (call_site_id, callee_method_id)
);
CREATE INDEX idx_call_edge_callee ON call_edge(callee_method_id);

CREATE TABLE file_hashes (
  path TEXT PRIMARY KEY,
  size INTEGER NOT NULL,
  hash TEXT NOT NULL
);

CREATE TABLE meta (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL
);
INSERT INTO meta(key, value) VALUES ('epoch', '0');

PRAGMA user_version = 1;
`)
		if err != nil {
			return fmt.Errorf("create v1 schema: %w", err)
		}
		return nil
	}
	if version > schemaVersion {
		return errors.AddContext(errors.Newf(errors.CodeNotSupported,
			"database schema version %d is newer than supported %d", version, schemaVersion),
			errors.CtxOperation, "migrate")
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Epoch returns the last committed batch epoch.
func (s *SQLiteStore) Epoch() (uint64, error) {
	var raw string
	if err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'epoch'`).Scan(&raw); err != nil {
		return 0, fmt.Errorf("read epoch: %w", err)
	}
	var epoch uint64
	if _, err := fmt.Sscanf(raw, "%d", &epoch); err != nil {
		return 0, fmt.Errorf("parse epoch %q: %w", raw, err)
	}
	return epoch, nil
}

// Begin opens one batch for the given epoch. A batch whose epoch is not
// strictly newer than the committed one is a concurrent-write conflict; the
// caller retries against the newer epoch.
func (s *SQLiteStore) Begin(ctx context.Context, epoch uint64) (ports.EdgeBatch, error) {
	committed, err := s.Epoch()
	if err != nil {
		return nil, err
	}
	if epoch <= committed {
		return nil, errors.AddContext(
			errors.Newf(errors.CodeEpochConflict, "batch epoch %d is not newer than committed %d", epoch, committed),
			errors.CtxEpoch, epoch)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch: %w", err)
	}
	return &batch{tx: tx, epoch: epoch}, nil
}

type batch struct {
	tx    *sql.Tx
	epoch uint64
	done  bool
}

func (b *batch) PutClass(cls *index.ClassSymbol) error {
	supers, err := json.Marshal(cls.Supertypes)
	if err != nil {
		return err
	}
	_, err = b.tx.Exec(`
INSERT INTO class(id, fqn, kind, is_final, supertype_fqns, origin, file_path)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  fqn = excluded.fqn,
  kind = excluded.kind,
  is_final = excluded.is_final,
  supertype_fqns = excluded.supertype_fqns,
  origin = excluded.origin,
  file_path = excluded.file_path`,
		string(cls.ID), cls.FQN, cls.Kind.String(), boolInt(cls.Final), string(supers), int(cls.Origin), cls.File)
	return err
}

func (b *batch) PutMethod(m *index.MethodSymbol) error {
	params, err := json.Marshal(m.Params)
	if err != nil {
		return err
	}
	_, err = b.tx.Exec(`
INSERT INTO method(id, class_id, name, param_erasure, return_erasure, is_static, is_final, visibility)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  class_id = excluded.class_id,
  name = excluded.name,
  param_erasure = excluded.param_erasure,
  return_erasure = excluded.return_erasure,
  is_static = excluded.is_static,
  is_final = excluded.is_final,
  visibility = excluded.visibility`,
		string(m.ID), string(m.Class), m.Name, string(params), m.Returns, boolInt(m.Static), boolInt(m.Final), m.Visibility)
	return err
}

func (b *batch) PutSite(site *index.CallSite) error {
	_, err := b.tx.Exec(`
INSERT INTO call_site(id, file, start_byte, end_byte, caller_method_id)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  file = excluded.file,
  start_byte = excluded.start_byte,
  end_byte = excluded.end_byte,
  caller_method_id = excluded.caller_method_id`,
		site.ID, site.File, int64(site.StartByte), int64(site.EndByte), string(site.Caller))
	return err
}

// ReplaceEdges swaps the full edge set for one call site: delete then insert,
// never append.
func (b *batch) ReplaceEdges(siteID string, edges []index.CallEdge) error {
	if _, err := b.tx.Exec(`DELETE FROM call_edge WHERE call_site_id = ?`, siteID); err != nil {
		return err
	}
	for _, e := range edges {
		if _, err := b.tx.Exec(`
INSERT INTO call_edge(caller_method_id, callee_method_id, call_site_id, resolution_kind, confidence)
VALUES (?, ?, ?, ?, ?)`,
			string(e.Caller), string(e.Callee), e.Site, string(e.Kind), e.Confidence); err != nil {
			return err
		}
	}
	return nil
}

// DeleteClass drops one class row and the method rows it owns, for symbols
// a re-indexed file no longer declares.
func (b *batch) DeleteClass(id index.ClassID) error {
	if _, err := b.tx.Exec(`DELETE FROM method WHERE class_id = ?`, string(id)); err != nil {
		return err
	}
	_, err := b.tx.Exec(`DELETE FROM class WHERE id = ?`, string(id))
	return err
}

// DeleteMethod drops one method row when its class survives a re-index but
// the method does not.
func (b *batch) DeleteMethod(id index.MethodID) error {
	_, err := b.tx.Exec(`DELETE FROM method WHERE id = ?`, string(id))
	return err
}

// DeleteFile drops a removed file's classes, methods, sites, edges and hash.
func (b *batch) DeleteFile(path string) error {
	stmts := []string{
		`DELETE FROM method WHERE class_id IN (SELECT id FROM class WHERE file_path = ?)`,
		`DELETE FROM class WHERE file_path = ?`,
		`DELETE FROM call_edge WHERE call_site_id IN (SELECT id FROM call_site WHERE file = ?)`,
		`DELETE FROM call_site WHERE file = ?`,
		`DELETE FROM file_hashes WHERE path = ?`,
	}
	for _, q := range stmts {
		if _, err := b.tx.Exec(q, path); err != nil {
			return err
		}
	}
	return nil
}

func (b *batch) PutFileHash(path string, key index.FileKey) error {
	_, err := b.tx.Exec(`
INSERT INTO file_hashes(path, size, hash) VALUES (?, ?, ?)
ON CONFLICT(path) DO UPDATE SET size = excluded.size, hash = excluded.hash`,
		path, key.Size, key.Hash)
	return err
}

func (b *batch) Commit() error {
	if b.done {
		return nil
	}
	b.done = true
	if _, err := b.tx.Exec(`UPDATE meta SET value = ? WHERE key = 'epoch'`, fmt.Sprintf("%d", b.epoch)); err != nil {
		_ = b.tx.Rollback()
		return err
	}
	return b.tx.Commit()
}

func (b *batch) Rollback() error {
	if b.done {
		return nil
	}
	b.done = true
	return b.tx.Rollback()
}

// EdgeCount reports the persisted edge total, used by status reporting.
func (s *SQLiteStore) EdgeCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM call_edge`).Scan(&n)
	return n, err
}

// EdgesBySite reads back the persisted edge set for one call site.
func (s *SQLiteStore) EdgesBySite(siteID string) ([]index.CallEdge, error) {
	rows, err := s.db.Query(`
SELECT caller_method_id, callee_method_id, call_site_id, resolution_kind, confidence
FROM call_edge WHERE call_site_id = ? ORDER BY callee_method_id`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []index.CallEdge
	for rows.Next() {
		var e index.CallEdge
		var caller, callee, kind string
		if err := rows.Scan(&caller, &callee, &e.Site, &kind, &e.Confidence); err != nil {
			return nil, err
		}
		e.Caller = index.MethodID(caller)
		e.Callee = index.MethodID(callee)
		e.Kind = index.ResolutionKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

// HasClass reads back whether a class row is persisted.
func (s *SQLiteStore) HasClass(id index.ClassID) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM class WHERE id = ?`, string(id)).Scan(&n)
	return n > 0, err
}

// HasMethod reads back whether a method row is persisted.
func (s *SQLiteStore) HasMethod(id index.MethodID) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM method WHERE id = ?`, string(id)).Scan(&n)
	return n > 0, err
}

// FileHash reads back one file's re-indexing key.
func (s *SQLiteStore) FileHash(path string) (index.FileKey, bool, error) {
	var key index.FileKey
	err := s.db.QueryRow(`SELECT size, hash FROM file_hashes WHERE path = ?`, path).Scan(&key.Size, &key.Hash)
	if err == sql.ErrNoRows {
		return key, false, nil
	}
	if err != nil {
		return key, false, err
	}
	return key, true, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
