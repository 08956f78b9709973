package capture

// LoopbackName is the process name of internal status lines.
const LoopbackName = "[internal]"

// Loopback carries status lines produced by the capture machinery itself.
// It has no goroutine and never reaches its end.
type Loopback struct {
	*base
}

// NewLoopback returns an empty loopback source.
func NewLoopback(opts Options) *Loopback {
	return &Loopback{base: newBase(KindLoopback, "internal messages", opts)}
}

// Add queues a status line.
func (l *Loopback) Add(msg string) {
	l.addMessage(0, LoopbackName, msg)
}
