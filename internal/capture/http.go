package capture

import (
	"sync"
)

// HTTPSource carries lines posted to the ingest endpoint. Posts are
// complete, so a remainder without a newline is completed at the end of
// each post.
type HTTPSource struct {
	*base
	mu  sync.Mutex
	asm *Assembler
}

// NewHTTPSource returns a source fed through Push.
func NewHTTPSource(opts Options) *HTTPSource {
	return &HTTPSource{base: newBase(KindHTTP, "HTTP ingest", opts), asm: NewAssembler()}
}

// Push queues text from one remote process. It is safe for concurrent use
// and reports false once the source was aborted.
func (s *HTTPSource) Push(pid uint32, name, text string) bool {
	if s.AtEnd() {
		return false
	}
	t, st := s.now()
	s.mu.Lock()
	lines := s.asm.Feed(Chunk{Time: t, SystemTime: st, PID: pid, Name: name, Data: []byte(text)}, true)
	s.mu.Unlock()
	s.add(lines...)
	return true
}

// Abort ends the source; later pushes are rejected.
func (s *HTTPSource) Abort() {
	s.base.Abort()
	s.setEnd()
}
