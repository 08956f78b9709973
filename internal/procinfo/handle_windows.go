//go:build windows

package procinfo

import (
	"path/filepath"

	"golang.org/x/sys/windows"
)

type sysHandle struct {
	h windows.Handle
}

func openSys(pid uint32) (sysHandle, error) {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return sysHandle{}, err
	}
	return sysHandle{h: h}, nil
}

func (s sysHandle) close() error {
	if s.h == 0 {
		return nil
	}
	return windows.CloseHandle(s.h)
}

func (s sysHandle) alive() bool {
	var code uint32
	if err := windows.GetExitCodeProcess(s.h, &code); err != nil {
		return false
	}
	return code == stillActive
}

// stillActive is STATUS_PENDING, reported as the exit code of a running process.
const stillActive = 259

func (s sysHandle) name(uint32) string {
	var buf [windows.MAX_PATH]uint16
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(s.h, 0, &buf[0], &size); err != nil {
		return ""
	}
	return filepath.Base(windows.UTF16ToString(buf[:size]))
}

func nameByPid(pid uint32) string {
	s, err := openSys(pid)
	if err != nil {
		return ""
	}
	defer s.close()
	return s.name(pid)
}
