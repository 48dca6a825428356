package attach

import (
	"path/filepath"
	"strings"
)

// knownRuntimes maps module-name fragments to the runtime they indicate.
// Order matters: the more specific names come first.
var knownRuntimes = []struct {
	fragment string
	name     string
}{
	{"luajit", "LuaJIT"},
	{"lua54", "Lua 5.4"},
	{"lua53", "Lua 5.3"},
	{"lua52", "Lua 5.2"},
	{"lua51", "Lua 5.1"},
	{"lua5.4", "Lua 5.4"},
	{"lua5.3", "Lua 5.3"},
	{"lua5.2", "Lua 5.2"},
	{"lua5.1", "Lua 5.1"},
	{"xlua", "xLua"},
	{"slua", "sLua"},
	{"tolua", "toLua"},
	{"lua", "Lua"},
}

// classifyRuntime inspects module file names for a known Lua runtime.
// Returns "" when none matches.
func classifyRuntime(modules []string) string {
	for _, probe := range knownRuntimes {
		for _, mod := range modules {
			base := strings.ToLower(filepath.Base(mod))
			if strings.Contains(base, probe.fragment) {
				return probe.name
			}
		}
	}
	return ""
}
