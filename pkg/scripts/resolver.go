package scripts

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/derekparker/trie"
)

// Resolver maps chunk names reported by the debuggee ("@src/foo/bar.lua",
// "src.foo.bar") to files in the workspace. Workspace files are indexed in
// a trie keyed by their reversed path segments, so lookup finds the
// longest-suffix match: the more trailing path components a workspace file
// shares with the chunk name, the better the match.
type Resolver struct {
	t          *trie.Trie
	extensions []string
}

// NewResolver returns an empty resolver recognizing the given source file
// extensions (without leading dot).
func NewResolver(extensions []string) *Resolver {
	return &Resolver{t: trie.New(), extensions: extensions}
}

// AddRoot walks root and indexes every file with a recognized extension.
func (r *Resolver) AddRoot(root string) error {
	return filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if fi.IsDir() {
			return nil
		}
		if !r.recognized(path) {
			return nil
		}
		r.Add(path)
		return nil
	})
}

// Add indexes a single file path.
func (r *Resolver) Add(path string) {
	r.t.Add(reversedKey(path), path)
}

func (r *Resolver) recognized(path string) bool {
	base := filepath.Base(path)
	for _, ext := range r.extensions {
		if strings.HasSuffix(base, "."+ext) {
			return true
		}
	}
	return false
}

// Resolve returns the indexed file sharing the longest trailing-segment
// match with the chunk name, or false when no indexed file has the same
// file name.
func (r *Resolver) Resolve(chunk string) (string, bool) {
	segs := chunkSegments(chunk)
	if len(segs) == 0 {
		return "", false
	}
	// all candidates sharing the file name
	keys := r.t.PrefixSearch(segs[len(segs)-1])
	best := ""
	bestScore := -1
	for _, key := range keys {
		node, ok := r.t.Find(key)
		if !ok {
			continue
		}
		path := node.Meta().(string)
		score := suffixScore(segs, pathSegments(path))
		if score > bestScore {
			best, bestScore = path, score
		}
	}
	if bestScore < 1 {
		return "", false
	}
	return best, true
}

// suffixScore counts trailing segments shared by chunk and path.
func suffixScore(chunk, path []string) int {
	n := 0
	for i, j := len(chunk)-1, len(path)-1; i >= 0 && j >= 0; i, j = i-1, j-1 {
		if chunk[i] != path[j] {
			break
		}
		n++
	}
	return n
}

func pathSegments(path string) []string {
	return strings.FieldsFunc(path, func(c rune) bool {
		return c == '/' || c == '\\'
	})
}

// chunkSegments splits a chunk name into path segments. Chunk names may use
// slashes or Lua module dots and may carry a leading "@".
func chunkSegments(chunk string) []string {
	chunk = strings.TrimPrefix(chunk, "@")
	if strings.ContainsAny(chunk, "/\\") {
		return pathSegments(chunk)
	}
	// "src.foo.bar" module form
	chunk = strings.TrimSuffix(chunk, ".lua")
	segs := strings.Split(chunk, ".")
	if len(segs) > 0 && segs[len(segs)-1] != "" {
		segs[len(segs)-1] += ".lua"
	}
	return segs
}

func reversedKey(path string) string {
	segs := pathSegments(path)
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return strings.Join(segs, "/")
}
