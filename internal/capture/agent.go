package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/phuslu/log"

	"github.com/coffersTech/nanotrace/internal/model"
)

// AgentPort is the TCP port of the Sysinternals DebugView agent.
const AgentPort = "2020"

// agentName is the process name of lines received from an agent.
const agentName = "[tcp]"

const (
	agentMaxMessageLength  = 0x7fffffff
	agentRecordHeaderBytes = 4 + 8 + 8
)

// agentHandshake enables kernel, verbose kernel and Win32 capture and asks
// for the performance counter frequency. Each control code is sent as a
// little endian uint32.
var agentHandshake = []uint32{
	0x83050024,
	0x83050004,
	0x83050008,
	0x83050028, // query performance frequency
	0x83050018,
}

// AgentSource connects to a remote DebugView agent.
type AgentSource struct {
	*base
	addr string

	mu   sync.Mutex
	conn net.Conn
}

// NewAgentSource connects to host in the background. The agent port is
// used when host has none.
func NewAgentSource(opts Options, host string) *AgentSource {
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, AgentPort)
	}
	s := &AgentSource{base: newBase(KindAgent, "Dbgview Agent at "+addr, opts), addr: addr}
	s.unblock = s.closeConn
	s.start(s.loop)
	return s
}

func (s *AgentSource) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *AgentSource) loop(ctx context.Context) {
	defer s.setEnd()

	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		s.addMessage(0, LoopbackName, fmt.Sprintf("Unable to connect to %s, %v", s.desc, err))
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	if ctx.Err() != nil {
		conn.Close()
		return
	}
	defer conn.Close()

	freq, err := agentHello(conn)
	if err != nil {
		s.addMessage(0, LoopbackName, fmt.Sprintf("Unable to connect to %s, %v", s.desc, err))
		return
	}
	s.addMessage(0, LoopbackName, "Connected to "+s.desc)
	log.Info().Str("agent", s.addr).Int64("qpc_frequency", int64(freq)).Msg("agent connected")

	clock := agentClock{freq: float64(freq)}
	asm := NewAssembler()
	var hdr [4]byte
	for {
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			if ctx.Err() == nil {
				s.addMessage(0, LoopbackName, "Connection to "+s.desc+" closed.")
			}
			return
		}
		length := binary.LittleEndian.Uint32(hdr[:])
		if length >= agentMaxMessageLength {
			s.addMessage(0, agentName, "<error parsing messageLength>")
			return
		}
		if length == 0 {
			continue // keep alive
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			if ctx.Err() == nil {
				s.addMessage(0, LoopbackName, "Connection to "+s.desc+" closed.")
			}
			return
		}

		records, err := parseAgentRecords(payload)
		for _, r := range records {
			c := Chunk{
				Time:       clock.seconds(r.qpc, s.opts.Timer.Seconds()),
				SystemTime: r.systemTime,
				PID:        r.pid,
				Name:       agentName,
				Data:       append(r.text, '\n'),
			}
			s.add(asm.Feed(c, s.autoNewline.Load())...)
		}
		if err != nil {
			s.addMessage(0, agentName, "<error parsing pid>")
		}
	}
}

// agentHello sends the capture requests and returns the agent's
// performance counter frequency.
func agentHello(conn net.Conn) (uint32, error) {
	buf := make([]byte, 4*len(agentHandshake))
	for i, code := range agentHandshake {
		binary.LittleEndian.PutUint32(buf[i*4:], code)
	}
	if _, err := conn.Write(buf); err != nil {
		return 0, err
	}
	var reply [8]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		return 0, err
	}
	freq := binary.LittleEndian.Uint32(reply[4:])
	if freq == 0 {
		return 0, errors.New("agent reported zero counter frequency")
	}
	return freq, nil
}

// agentClock maps remote performance counter ticks onto the local timer,
// anchored at the first record.
type agentClock struct {
	freq    float64
	started bool
	qpc0    int64
	local0  float64
}

func (c *agentClock) seconds(qpc int64, local float64) float64 {
	if !c.started {
		c.started = true
		c.qpc0 = qpc
		c.local0 = local
	}
	return c.local0 + float64(qpc-c.qpc0)/c.freq
}

type agentRecord struct {
	lineNr     uint32
	systemTime model.FileTime
	qpc        int64
	pid        uint32
	text       []byte
}

var errAgentRecord = errors.New("malformed agent record")

// parseAgentRecords decodes one message: records of
// {lineNr u32, filetime u64, qpc i64, 0x01 "pid" 0x02 ' ' text NUL}, each
// padded to a multiple of four bytes.
func parseAgentRecords(buf []byte) ([]agentRecord, error) {
	var records []agentRecord
	pos := 0
	for pos+agentRecordHeaderBytes <= len(buf) {
		var r agentRecord
		r.lineNr = binary.LittleEndian.Uint32(buf[pos:])
		r.systemTime = model.FileTime(binary.LittleEndian.Uint64(buf[pos+4:]))
		r.qpc = int64(binary.LittleEndian.Uint64(buf[pos+12:]))
		pos += agentRecordHeaderBytes

		if pos >= len(buf) || buf[pos] != 0x01 {
			return records, errAgentRecord
		}
		pos++
		end := bytes.IndexByte(buf[pos:], 0x02)
		if end < 0 {
			return records, errAgentRecord
		}
		pid, err := strconv.ParseUint(string(bytes.TrimSpace(buf[pos:pos+end])), 10, 32)
		if err != nil {
			return records, errAgentRecord
		}
		r.pid = uint32(pid)
		pos += end + 2 // 0x02 and one leading space

		if pos > len(buf) {
			pos = len(buf)
		}
		nul := bytes.IndexByte(buf[pos:], 0)
		if nul < 0 {
			r.text = bytes.Clone(buf[pos:])
			pos = len(buf)
		} else {
			r.text = bytes.Clone(buf[pos : pos+nul])
			pos += nul + 1
		}
		records = append(records, r)

		if rem := pos % 4; rem != 0 {
			pos += 4 - rem
		}
	}
	return records, nil
}
