package feeds

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"semlink/internal/core/errors"
)

func TestDirectorySourceMirrorsTree(t *testing.T) {
	root := t.TempDir()
	bundle := filepath.Join(root, "src", "com", "acme", "A.java.json")
	if err := os.MkdirAll(filepath.Dir(bundle), 0o755); err != nil {
		t.Fatal(err)
	}
	body := `{"path":"src/com/acme/A.java","contentHash":"abc","size":12,"packageName":"com.acme",` +
		`"types":[{"fqn":"com.acme.A","kind":"class","methods":[{"name":"foo","returns":"void"}]}]}`
	if err := os.WriteFile(bundle, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	src := NewDirectorySource(root)
	if !src.Known("src/com/acme/A.java") {
		t.Fatal("bundle must be known")
	}
	if src.Known("src/com/acme/B.java") {
		t.Fatal("missing bundle must not be known")
	}

	ff, err := src.Facts(context.Background(), "src/com/acme/A.java")
	if err != nil {
		t.Fatalf("facts: %v", err)
	}
	if ff.PackageName != "com.acme" || len(ff.Types) != 1 || ff.Types[0].FQN != "com.acme.A" {
		t.Fatalf("decoded bundle = %+v", ff)
	}
}

func TestDirectorySourceMalformedBundle(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "A.java.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := NewDirectorySource(root).Facts(context.Background(), "A.java")
	if !errors.IsCode(err, errors.CodeValidationError) {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestStubFeedDecodesLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stubs.ndjson")
	body := `{"fqn":"org.lib.Client","kind":"class","methods":[{"name":"send","returnErasure":"void"}]}

{"fqn":"org.lib.Response","kind":"class","final":true}
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	stubs, err := FileStubFeed{Path: path}.Stubs(context.Background())
	if err != nil {
		t.Fatalf("stubs: %v", err)
	}
	if len(stubs) != 2 || stubs[0].FQN != "org.lib.Client" || !stubs[1].Final {
		t.Fatalf("decoded stubs = %+v", stubs)
	}
}

func TestStubFeedReportsLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stubs.ndjson")
	if err := os.WriteFile(path, []byte("{\"fqn\":\"a.B\"}\nnot json\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := FileStubFeed{Path: path}.Stubs(context.Background())
	if !errors.IsCode(err, errors.CodeValidationError) {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestRuntimeFeedOptional(t *testing.T) {
	sigs, err := FileRuntimeFeed{}.Signals(context.Background())
	if err != nil || sigs != nil {
		t.Fatalf("empty path must be silent, got %v %v", sigs, err)
	}
	sigs, err = FileRuntimeFeed{Path: filepath.Join(t.TempDir(), "missing.ndjson")}.Signals(context.Background())
	if err != nil || sigs != nil {
		t.Fatalf("missing file must be silent, got %v %v", sigs, err)
	}
}

func TestModuleFeedDecodes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modules.ndjson")
	body := `{"dir":"services/billing","coordinate":"com.acme:billing","sourceRoots":["src/main/java"]}
{"dir":".","coordinate":"com.acme:root"}
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	mods, err := FileModuleFeed{Path: path}.Modules(context.Background())
	if err != nil {
		t.Fatalf("modules: %v", err)
	}
	if len(mods) != 2 || mods[0].Coordinate != "com.acme:billing" {
		t.Fatalf("decoded modules = %+v", mods)
	}
}
