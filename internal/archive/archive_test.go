package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kebairia/hostsave/internal/logger"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
}

func TestCreateAndList(t *testing.T) {
	src := filepath.Join(t.TempDir(), "etc")
	writeTree(t, src, map[string]string{
		"hosts":        "127.0.0.1 localhost\n",
		"ssh/sshd.cfg": "Port 22\n",
	})

	dest := filepath.Join(t.TempDir(), "etc-web01-2026-08-23.tar.zst")
	a := New(logger.Global())

	if err := a.Create(context.Background(), src, dest); err != nil {
		t.Fatalf("Create: %v", err)
	}

	names, err := a.List(context.Background(), dest)
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	want := map[string]bool{
		"etc":              false,
		"etc/hosts":        false,
		"etc/ssh":          false,
		"etc/ssh/sshd.cfg": false,
	}
	for _, name := range names {
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("entry %q missing from archive listing %v", name, names)
		}
	}
}

func TestList_TruncatedArchive(t *testing.T) {
	src := filepath.Join(t.TempDir(), "data")
	writeTree(t, src, map[string]string{"blob": string(make([]byte, 64*1024))})

	dest := filepath.Join(t.TempDir(), "data.tar.zst")
	a := New(logger.Global())
	if err := a.Create(context.Background(), src, dest); err != nil {
		t.Fatalf("Create: %v", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := os.Truncate(dest, info.Size()/2); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	if _, err := a.List(context.Background(), dest); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("List err = %v, want ErrCorrupted", err)
	}
}

func TestCreate_MissingSource(t *testing.T) {
	a := New(logger.Global())
	err := a.Create(context.Background(), filepath.Join(t.TempDir(), "nope"), filepath.Join(t.TempDir(), "x.tar.zst"))
	if err == nil {
		t.Fatal("Create succeeded on missing source")
	}
}

func TestCreate_RemovesPartialOutputOnError(t *testing.T) {
	a := New(logger.Global())
	destDir := t.TempDir()
	dest := filepath.Join(destDir, "x.tar.zst")

	src := filepath.Join(t.TempDir(), "src")
	writeTree(t, src, map[string]string{"a": "x"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Create(ctx, src, dest); err == nil {
		t.Fatal("Create succeeded with canceled context")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatalf("partial archive left behind: stat err = %v", err)
	}
}
