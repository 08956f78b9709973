//go:build linux

package procinfo

import (
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

type sysHandle struct {
	fd int
}

func openSys(pid uint32) (sysHandle, error) {
	fd, err := unix.PidfdOpen(int(pid), 0)
	if err != nil {
		return sysHandle{fd: -1}, err
	}
	return sysHandle{fd: fd}, nil
}

func (s sysHandle) close() error {
	if s.fd < 0 {
		return nil
	}
	return unix.Close(s.fd)
}

// alive sends signal 0, which only checks that the pidfd still refers to a
// running process.
func (s sysHandle) alive() bool {
	return s.fd >= 0 && unix.PidfdSendSignal(s.fd, 0, nil, 0) == nil
}

func (s sysHandle) name(pid uint32) string {
	if !s.alive() {
		return ""
	}
	return nameByPid(pid)
}

func nameByPid(pid uint32) string {
	data, err := os.ReadFile("/proc/" + strconv.FormatUint(uint64(pid), 10) + "/comm")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
