package crdt

import (
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// 增量和快照的线格式：msgpack 编码，对外只是 []byte。
// 消费方（transport / relay）不需要理解内容，原样转发即可。

var ErrBadDelta = errors.New("BAD_DELTA")

const (
	opInsert = "i"
	opDelete = "d"
)

type deltaOp struct {
	Kind  string `msgpack:"k"`
	ID    AtomID `msgpack:"id"`
	Pid   Pid    `msgpack:"p"`
	Value string `msgpack:"v,omitempty"`
}

type deltaPayload struct {
	Ops []deltaOp `msgpack:"ops"`
}

func encodeDelta(ops []deltaOp) ([]byte, error) {
	return msgpack.Marshal(deltaPayload{Ops: ops})
}

func decodeDelta(b []byte) ([]deltaOp, error) {
	var p deltaPayload
	if err := msgpack.Unmarshal(b, &p); err != nil {
		return nil, ErrBadDelta
	}
	return p.Ops, nil
}

type snapAtom struct {
	ID      AtomID `msgpack:"id"`
	Pid     Pid    `msgpack:"p"`
	Value   string `msgpack:"v,omitempty"`
	Deleted bool   `msgpack:"x,omitempty"`
}

type snapPayload struct {
	Atoms []snapAtom `msgpack:"atoms"`
}

// Snapshot 导出全量状态（含墓碑），用于 initial_state 全量同步。
func (d *Doc) Snapshot() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return nil, ErrDocDestroyed
	}
	p := snapPayload{Atoms: make([]snapAtom, 0, len(d.atoms))}
	for _, a := range d.atoms {
		p.Atoms = append(p.Atoms, snapAtom{ID: a.id, Pid: a.pid, Value: string(a.value), Deleted: a.deleted})
	}
	return msgpack.Marshal(p)
}

// ApplySnapshot 把快照并入本地状态（origin=remote）。
// 取并集：未知的 atom 原样插入，对方已删我方未删的补打墓碑。
// 对同一快照应用两次是幂等的。
func (d *Doc) ApplySnapshot(b []byte) ([]TextEdit, error) {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return nil, ErrDocDestroyed
	}
	var p snapPayload
	if err := msgpack.Unmarshal(b, &p); err != nil {
		d.mu.Unlock()
		return nil, ErrBadDelta
	}
	var edits []TextEdit
	for _, sa := range p.Atoms {
		if idx, ok := d.findByID(sa.ID); ok {
			if sa.Deleted && !d.atoms[idx].deleted {
				off := d.visibleOffset(idx)
				d.atoms[idx].deleted = true
				edits = append(edits, TextEdit{Offset: off, Delete: 1})
			}
			continue
		}
		value := []rune(sa.Value)
		var r rune
		if len(value) > 0 {
			r = value[0]
		}
		idx := d.insertAt(atom{id: sa.ID, pid: sa.Pid, value: r, deleted: sa.Deleted})
		if !sa.Deleted {
			edits = append(edits, TextEdit{Offset: d.visibleOffset(idx), Insert: sa.Value})
		}
	}
	ev := UpdateEvent{Origin: OriginRemote, Edits: edits}
	fns := d.listenersLocked()
	d.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
	return edits, nil
}
