//go:build !linux && !windows

package procinfo

type sysHandle struct{}

func openSys(uint32) (sysHandle, error) {
	return sysHandle{}, nil
}

func (sysHandle) close() error { return nil }

func (sysHandle) alive() bool { return false }

func (sysHandle) name(uint32) string { return "" }

func nameByPid(uint32) string { return "" }
