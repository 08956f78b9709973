//go:build !linux

package capture

func newChangeWatch(string) changeWatch {
	return newPollWatch()
}
