package engine

import (
	"slices"

	"github.com/coffersTech/nanotrace/internal/filter"
	"github.com/coffersTech/nanotrace/internal/model"
)

type processKey struct {
	pid  uint32
	name string
}

// ProcessTable deduplicates (pid, name) pairs into dense uids. The same pid
// seen with another name is a new process.
type ProcessTable struct {
	byKey   map[processKey]uint32
	list    []model.ProcessIdentity
	palette *filter.Palette
}

func NewProcessTable() *ProcessTable {
	return &ProcessTable{byKey: make(map[processKey]uint32), palette: filter.NewPalette(0.3)}
}

// UID returns the uid of (pid, name), creating the identity on first sight.
func (t *ProcessTable) UID(pid uint32, name string) uint32 {
	key := processKey{pid, name}
	if uid, ok := t.byKey[key]; ok {
		return uid
	}
	uid := uint32(len(t.list))
	t.list = append(t.list, model.ProcessIdentity{
		UID:   uid,
		PID:   pid,
		Name:  name,
		Color: uint32(t.palette.Process()),
	})
	t.byKey[key] = uid
	return uid
}

func (t *ProcessTable) Get(uid uint32) (model.ProcessIdentity, bool) {
	if int(uid) >= len(t.list) {
		return model.ProcessIdentity{}, false
	}
	return t.list[uid], true
}

// All returns a copy of every identity in uid order.
func (t *ProcessTable) All() []model.ProcessIdentity {
	return slices.Clone(t.list)
}

func (t *ProcessTable) Len() int { return len(t.list) }

func (t *ProcessTable) Reset() {
	t.byKey = make(map[processKey]uint32)
	t.list = nil
}
