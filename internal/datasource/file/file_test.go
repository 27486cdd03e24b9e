package file

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestDiscover_RecursiveSortedFiltered(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "B", "b.json"), "{}")
	writeFile(t, filepath.Join(root, "A", "B", "C", "TRAAAAW128F429D538.json"), "{}")
	writeFile(t, filepath.Join(root, "A", "notes.txt"), "x")
	writeFile(t, filepath.Join(root, "upper.JSON"), "{}")
	if err := os.MkdirAll(filepath.Join(root, "dir.json"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	got, err := Discover(root, ".json")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	want := []string{
		filepath.Join(root, "A", "B", "C", "TRAAAAW128F429D538.json"),
		filepath.Join(root, "B", "b.json"),
		filepath.Join(root, "upper.JSON"),
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Discover=%v\nwant %v", got, want)
	}
	for _, p := range got {
		if !filepath.IsAbs(p) {
			t.Fatalf("path %s is not absolute", p)
		}
	}
}

func TestDiscover_EmptyAndMissingRoot(t *testing.T) {
	t.Parallel()

	for _, root := range []string{t.TempDir(), filepath.Join(t.TempDir(), "missing")} {
		got, err := Discover(root, ".json")
		if err != nil {
			t.Fatalf("Discover(%s): %v", root, err)
		}
		if got == nil || len(got) != 0 {
			t.Fatalf("Discover(%s)=%#v want empty non-nil slice", root, got)
		}
	}
}

func TestDiscover_RootIsFile(t *testing.T) {
	t.Parallel()

	p := filepath.Join(t.TempDir(), "a.json")
	writeFile(t, p, "{}")
	if _, err := Discover(p, ".json"); err == nil || !strings.Contains(err.Error(), "not a directory") {
		t.Fatalf("err=%v want not a directory", err)
	}
}

func TestLocalOpen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := filepath.Join(dir, "log.json")
	writeFile(t, p, "hello")

	rc, err := NewLocal(p).Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(b) != "hello" {
		t.Fatalf("content=%q", b)
	}

	missing := filepath.Join(dir, "missing.json")
	_, err = NewLocal(missing).Open(context.Background())
	if !errors.Is(err, os.ErrNotExist) || !strings.Contains(err.Error(), missing) {
		t.Fatalf("err=%v want wrapped ErrNotExist with path", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewLocal(p).Open(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
}
