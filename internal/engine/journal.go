package engine

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/coffersTech/nanotrace/internal/model"
)

// maxJournalFrame rejects frame lengths that cannot be a single line.
const maxJournalFrame = 1 << 20

var (
	journalEnc cbor.EncMode
	journalDec cbor.DecMode
)

func init() {
	var err error
	journalEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("engine: CBOR encoder initialization failed: " + err.Error())
	}
	journalDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("engine: CBOR decoder initialization failed: " + err.Error())
	}
}

// journalEntry is the persisted form of an accepted line.
type journalEntry struct {
	Time        float64 `cbor:"t"`
	SystemTime  uint64  `cbor:"st"`
	ProcessID   uint32  `cbor:"pid"`
	ProcessName string  `cbor:"p"`
	Message     string  `cbor:"m"`
}

// Journal appends accepted lines as [len uint32 LE][CBOR] frames so the log
// survives a restart.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	path string
}

// OpenJournal opens or creates the journal at path.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &Journal{file: f, w: bufio.NewWriter(f), path: path}, nil
}

func (j *Journal) Path() string { return j.path }

// Append buffers one frame per line. Call Sync to make them durable.
func (j *Journal) Append(lines ...model.Line) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var lenBuf [4]byte
	for _, l := range lines {
		data, err := journalEnc.Marshal(journalEntry{
			Time:        l.Time,
			SystemTime:  uint64(l.SystemTime),
			ProcessID:   l.ProcessID,
			ProcessName: l.ProcessName,
			Message:     l.Message,
		})
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
		if _, err := j.w.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := j.w.Write(data); err != nil {
			return err
		}
	}
	return nil
}

// Flush hands buffered frames to the OS without waiting for the disk.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.w.Flush()
}

// Sync flushes buffered frames to disk.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.w.Flush(); err != nil {
		return err
	}
	return j.file.Sync()
}

// Reset truncates the journal.
func (j *Journal) Reset() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.w.Reset(j.file)
	if err := j.file.Truncate(0); err != nil {
		return err
	}
	_, err := j.file.Seek(0, io.SeekStart)
	return err
}

// Close flushes and closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	ferr := j.w.Flush()
	return errors.Join(ferr, j.file.Close())
}

// Replay calls fn for every complete frame in order. A torn frame at the
// end, as left by a crash, ends the replay without error; the journal is
// truncated to the last complete frame so later appends stay readable.
func (j *Journal) Replay(fn func(model.Line)) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.w.Flush(); err != nil {
		return 0, err
	}
	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	r := bufio.NewReader(j.file)

	var (
		n     int
		valid int64
	)
	lenBuf := make([]byte, 4)
	for {
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return n, fmt.Errorf("journal replay (len): %w", err)
		}
		length := binary.LittleEndian.Uint32(lenBuf)
		if length > maxJournalFrame {
			return n, fmt.Errorf("journal replay: frame of %d bytes at offset %d", length, valid)
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(r, data); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return n, fmt.Errorf("journal replay (data): %w", err)
		}

		var e journalEntry
		if err := journalDec.Unmarshal(data, &e); err != nil {
			return n, fmt.Errorf("journal replay (decode) at offset %d: %w", valid, err)
		}
		fn(model.Line{
			Time:        e.Time,
			SystemTime:  model.FileTime(e.SystemTime),
			ProcessID:   e.ProcessID,
			ProcessName: e.ProcessName,
			Message:     e.Message,
		})
		n++
		valid += int64(4 + length)
	}

	if err := j.file.Truncate(valid); err != nil {
		return n, err
	}
	_, err := j.file.Seek(0, io.SeekEnd)
	return n, err
}
