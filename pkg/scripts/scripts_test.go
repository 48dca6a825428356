package scripts

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, rel, content string) string {
	t.Helper()
	full := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := ioutil.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return full
}

func TestFileProviderSearchesRoots(t *testing.T) {
	dir1, dir2 := t.TempDir(), t.TempDir()
	writeFile(t, dir2, "emmy/emmyHelper.lua", "return {}")

	p := NewFileProvider([]string{dir1, dir2})
	src, ok := p.ScriptSource("emmy/emmyHelper.lua")
	if !ok || src != "return {}" {
		t.Fatalf("ScriptSource = %q, %v", src, ok)
	}
	if _, ok := p.ScriptSource("missing.lua"); ok {
		t.Fatalf("expected miss for unknown path")
	}
}

func TestFileProviderCaches(t *testing.T) {
	dir := t.TempDir()
	full := writeFile(t, dir, "a.lua", "one")
	p := NewFileProvider([]string{dir})
	if src, _ := p.ScriptSource("a.lua"); src != "one" {
		t.Fatalf("first read = %q", src)
	}
	// a cached script survives deletion of the backing file
	os.Remove(full)
	if src, ok := p.ScriptSource("a.lua"); !ok || src != "one" {
		t.Fatalf("cached read = %q, %v", src, ok)
	}
}

func TestResolverLongestSuffixWins(t *testing.T) {
	r := NewResolver([]string{"lua"})
	r.Add("/ws/game/src/player/init.lua")
	r.Add("/ws/game/src/enemy/init.lua")

	path, ok := r.Resolve("@src/player/init.lua")
	if !ok || path != "/ws/game/src/player/init.lua" {
		t.Fatalf("Resolve = %q, %v", path, ok)
	}
	path, ok = r.Resolve("enemy/init.lua")
	if !ok || path != "/ws/game/src/enemy/init.lua" {
		t.Fatalf("Resolve = %q, %v", path, ok)
	}
}

func TestResolverModuleForm(t *testing.T) {
	r := NewResolver([]string{"lua"})
	r.Add("/ws/src/foo/bar.lua")
	path, ok := r.Resolve("src.foo.bar")
	if !ok || path != "/ws/src/foo/bar.lua" {
		t.Fatalf("Resolve = %q, %v", path, ok)
	}
}

func TestResolverMiss(t *testing.T) {
	r := NewResolver([]string{"lua"})
	r.Add("/ws/a.lua")
	if _, ok := r.Resolve("b.lua"); ok {
		t.Fatalf("expected miss for unknown chunk")
	}
}

func TestResolverAddRootFiltersExtensions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "keep/x.lua", "")
	writeFile(t, dir, "skip/x.txt", "")
	r := NewResolver([]string{"lua"})
	if err := r.AddRoot(dir); err != nil {
		t.Fatalf("AddRoot: %v", err)
	}
	if _, ok := r.Resolve("keep/x.lua"); !ok {
		t.Errorf("indexed lua file not resolvable")
	}
	if _, ok := r.Resolve("skip/x.txt"); ok {
		t.Errorf("unrecognized extension was indexed")
	}
}
