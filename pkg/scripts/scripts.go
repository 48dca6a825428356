// Package scripts supplies script source text by logical path and resolves
// chunk names reported by a debuggee to files in the workspace.
package scripts

import (
	"io/ioutil"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-luadbg/luadbg/pkg/logflags"
	"github.com/sirupsen/logrus"
)

// Provider returns script source text by logical path. Consulted during the
// session handshake to build the init payload.
type Provider interface {
	ScriptSource(path string) (string, bool)
}

const sourceCacheSize = 64

// FileProvider resolves logical paths against a list of root directories.
// Sources are cached; the handshake and log-point rendering re-read the
// same scripts.
type FileProvider struct {
	roots []string
	cache *lru.Cache
	log   *logrus.Entry
}

// NewFileProvider returns a provider searching the given roots in order.
func NewFileProvider(roots []string) *FileProvider {
	cache, _ := lru.New(sourceCacheSize)
	return &FileProvider{
		roots: roots,
		cache: cache,
		log:   logflags.SessionLogger(),
	}
}

// ScriptSource returns the text of the first file matching path under the
// provider's roots, or false if none exists.
func (p *FileProvider) ScriptSource(path string) (string, bool) {
	if src, ok := p.cache.Get(path); ok {
		return src.(string), true
	}
	for _, root := range p.roots {
		full := filepath.Join(root, path)
		fi, err := os.Stat(full)
		if err != nil || fi.IsDir() {
			continue
		}
		data, err := ioutil.ReadFile(full)
		if err != nil {
			p.log.Warnf("reading %s: %v", full, err)
			continue
		}
		src := string(data)
		p.cache.Add(path, src)
		return src, true
	}
	return "", false
}
