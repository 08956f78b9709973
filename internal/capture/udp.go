package capture

import (
	"bytes"
	"context"
	"errors"
	"net"

	"github.com/phuslu/log"
)

// UDPSource receives debug text in datagrams. Each sender is assembled
// separately and named "[UDP ip:port]".
type UDPSource struct {
	*base
	conn net.PacketConn
}

// NewUDPSource listens on addr, e.g. ":2999".
func NewUDPSource(opts Options, addr string) (*UDPSource, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	s := &UDPSource{base: newBase(KindUDP, "UDP "+conn.LocalAddr().String(), opts), conn: conn}
	s.unblock = func() { conn.Close() }
	s.start(s.loop)
	return s, nil
}

// Addr is the bound local address.
func (s *UDPSource) Addr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *UDPSource) loop(ctx context.Context) {
	defer s.setEnd()
	defer s.conn.Close()

	asm := NewAssembler()
	buf := make([]byte, 64*1024)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				log.Error().Err(err).Str("source", s.desc).Msg("udp receive failed")
				s.addMessage(0, LoopbackName, "Stopped listening on "+s.desc)
			}
			break
		}
		data := buf[:n]
		if i := bytes.IndexByte(data, 0); i >= 0 {
			data = data[:i]
		}
		t, st := s.now()
		name := "[UDP " + from.String() + "]"
		s.add(asm.Feed(Chunk{Time: t, SystemTime: st, Name: name, Data: data}, s.autoNewline.Load())...)
	}
	t, st := s.now()
	s.add(asm.FlushAll(t, st)...)
}
