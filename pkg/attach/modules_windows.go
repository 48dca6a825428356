//go:build windows

package attach

import (
	"fmt"

	"golang.org/x/sys/windows"
)

func pidAlive(pid int) error {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return fmt.Errorf("no such process")
	}
	windows.CloseHandle(h)
	return nil
}

// loadedModules walks the target's module list via a toolhelp snapshot.
func loadedModules(pid int) ([]string, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPMODULE|windows.TH32CS_SNAPMODULE32, uint32(pid))
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(snap)

	var entry windows.ModuleEntry32
	entry.Size = uint32(windows.SizeofModuleEntry32)
	if err := windows.Module32First(snap, &entry); err != nil {
		return nil, err
	}
	var mods []string
	for {
		mods = append(mods, windows.UTF16ToString(entry.ExePath[:]))
		if err := windows.Module32Next(snap, &entry); err != nil {
			break
		}
	}
	return mods, nil
}
