//go:build windows

package shm

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

func objectName(global bool, name string) *uint16 {
	if global {
		name = `Global\` + name
	}
	p, _ := windows.UTF16PtrFromString(name)
	return p
}

func mapErr(op string, err error) error {
	if errors.Is(err, windows.ERROR_ACCESS_DENIED) || errors.Is(err, windows.ERROR_PRIVILEGE_NOT_HELD) {
		return fmt.Errorf("%s: %w: %v", op, ErrPermission, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func waitMillis(timeout time.Duration) uint32 {
	if timeout < 0 {
		return windows.INFINITE
	}
	return uint32(timeout / time.Millisecond)
}

func mapView(h windows.Handle, access uint32) ([]byte, uintptr, error) {
	addr, err := windows.MapViewOfFile(h, access, 0, 0, BufferSize)
	if err != nil {
		return nil, 0, mapErr("map view", err)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), BufferSize), addr, nil
}

type sysChannel struct {
	mapping     windows.Handle
	view        uintptr
	bufferReady windows.Handle
	dataReady   windows.Handle
	stop        windows.Handle
}

func createSys(global bool) ([]byte, *sysChannel, error) {
	sc := &sysChannel{}
	h, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE, 0, BufferSize, objectName(global, BufferName))
	if errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
		if h != 0 {
			windows.CloseHandle(h)
		}
		return nil, nil, ErrExists
	}
	if err != nil {
		return nil, nil, mapErr("create file mapping", err)
	}
	sc.mapping = h

	region, view, err := mapView(h, windows.FILE_MAP_READ|windows.FILE_MAP_WRITE)
	if err != nil {
		sc.close(nil)
		return nil, nil, err
	}
	sc.view = view

	if sc.bufferReady, err = createEvent(global, BufferReadyName); err != nil {
		sc.close(region)
		return nil, nil, err
	}
	if sc.dataReady, err = createEvent(global, DataReadyName); err != nil {
		sc.close(region)
		return nil, nil, err
	}
	if sc.stop, err = windows.CreateEvent(nil, 1, 0, nil); err != nil {
		sc.close(region)
		return nil, nil, fmt.Errorf("stop event: %w", err)
	}
	return region, sc, nil
}

func createEvent(global bool, name string) (windows.Handle, error) {
	h, err := windows.CreateEvent(nil, 0, 0, objectName(global, name))
	if err != nil && !errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
		return 0, mapErr("create event "+name, err)
	}
	return h, nil
}

func (sc *sysChannel) setBufferReady() error {
	return windows.SetEvent(sc.bufferReady)
}

func (sc *sysChannel) waitDataReady(timeout time.Duration) (bool, error) {
	ev, err := windows.WaitForMultipleObjects([]windows.Handle{sc.dataReady, sc.stop}, false, waitMillis(timeout))
	switch {
	case err != nil:
		return false, err
	case ev == uint32(windows.WAIT_TIMEOUT):
		return false, nil
	case ev == windows.WAIT_OBJECT_0+1:
		return false, ErrInterrupted
	}
	return true, nil
}

func (sc *sysChannel) interrupt() {
	if sc.stop != 0 {
		windows.SetEvent(sc.stop)
	}
}

func (sc *sysChannel) close([]byte) error {
	sc.interrupt()
	for _, h := range []windows.Handle{sc.stop, sc.dataReady, sc.bufferReady} {
		if h != 0 {
			windows.CloseHandle(h)
		}
	}
	var err error
	if sc.view != 0 {
		err = windows.UnmapViewOfFile(sc.view)
	}
	if sc.mapping != 0 {
		windows.CloseHandle(sc.mapping)
	}
	return err
}

type sysWriter struct {
	mapping     windows.Handle
	view        uintptr
	mutex       windows.Handle
	bufferReady windows.Handle
	dataReady   windows.Handle
}

func openWriterSys(global bool) ([]byte, *sysWriter, error) {
	sw := &sysWriter{}
	h, err := windows.OpenFileMapping(windows.FILE_MAP_WRITE, false, objectName(global, BufferName))
	if err != nil {
		if errors.Is(err, windows.ERROR_FILE_NOT_FOUND) {
			return nil, nil, ErrNoReader
		}
		return nil, nil, mapErr("open file mapping", err)
	}
	sw.mapping = h
	region, view, err := mapView(h, windows.FILE_MAP_WRITE)
	if err != nil {
		sw.close(nil)
		return nil, nil, err
	}
	sw.view = view

	access := uint32(windows.EVENT_MODIFY_STATE | windows.SYNCHRONIZE)
	if sw.bufferReady, err = windows.OpenEvent(access, false, objectName(global, BufferReadyName)); err != nil {
		sw.close(region)
		return nil, nil, mapErr("open event", err)
	}
	if sw.dataReady, err = windows.OpenEvent(access, false, objectName(global, DataReadyName)); err != nil {
		sw.close(region)
		return nil, nil, mapErr("open event", err)
	}
	sw.mutex, err = windows.CreateMutex(nil, false, objectName(false, MutexName))
	if err != nil && !errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
		sw.close(region)
		return nil, nil, mapErr("create mutex", err)
	}
	return region, sw, nil
}

func (sw *sysWriter) lock() error {
	_, err := windows.WaitForSingleObject(sw.mutex, windows.INFINITE)
	return err
}

func (sw *sysWriter) unlock() {
	windows.ReleaseMutex(sw.mutex)
}

func (sw *sysWriter) waitBufferReady(timeout time.Duration) (bool, error) {
	ev, err := windows.WaitForSingleObject(sw.bufferReady, waitMillis(timeout))
	if err != nil {
		return false, err
	}
	return ev == windows.WAIT_OBJECT_0, nil
}

func (sw *sysWriter) setDataReady() error {
	return windows.SetEvent(sw.dataReady)
}

func (sw *sysWriter) close([]byte) error {
	for _, h := range []windows.Handle{sw.mutex, sw.dataReady, sw.bufferReady} {
		if h != 0 {
			windows.CloseHandle(h)
		}
	}
	var err error
	if sw.view != 0 {
		err = windows.UnmapViewOfFile(sw.view)
	}
	if sw.mapping != 0 {
		windows.CloseHandle(sw.mapping)
	}
	return err
}
