//go:build linux

package attach

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// pidAlive checks that pid exists. Signal 0 performs the permission and
// existence checks without delivering anything.
func pidAlive(pid int) error {
	err := unix.Kill(pid, 0)
	if err == nil || err == unix.EPERM {
		return nil
	}
	return fmt.Errorf("no such process")
}

// loadedModules lists the file-backed mappings of pid from /proc.
func loadedModules(pid int) ([]string, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	seen := make(map[string]bool)
	var mods []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 6 || !strings.HasPrefix(fields[5], "/") {
			continue
		}
		path := fields[5]
		if !seen[path] {
			seen[path] = true
			mods = append(mods, path)
		}
	}
	return mods, scanner.Err()
}
