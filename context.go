// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package erpc

import (
	"unsafe"

	"code.hybscloud.com/erpc/engine"
)

// DefaultSlotSpace is the number of correlation slots per method and
// channel.
const DefaultSlotSpace = 1 << 16

// pendingTable maps (method, slot) to the tag of an outstanding call. A
// slot is never handed out while its previous call is outstanding.
type pendingTable struct {
	slotSpace uint32
	methods   [256]*methodSlots
}

type methodSlots struct {
	next  uint32
	slots map[uint32]*Tag
}

func newPendingTable(slotSpace uint32) *pendingTable {
	if slotSpace == 0 {
		slotSpace = DefaultSlotSpace
	}
	return &pendingTable{slotSpace: slotSpace}
}

// alloc returns a free slot of method, walking a wrapping counter past
// busy slots. It reports false when every slot is busy.
func (p *pendingTable) alloc(method uint8) (uint32, bool) {
	m := p.methods[method]
	if m == nil {
		m = &methodSlots{slots: make(map[uint32]*Tag)}
		p.methods[method] = m
	}
	if uint32(len(m.slots)) >= p.slotSpace {
		return 0, false
	}
	for {
		s := m.next
		m.next++
		if m.next == p.slotSpace {
			m.next = 0
		}
		if _, busy := m.slots[s]; !busy {
			return s, true
		}
	}
}

func (p *pendingTable) put(t *Tag) {
	p.methods[t.method].slots[t.slot] = t
}

func (p *pendingTable) take(method uint8, slot uint32) *Tag {
	m := p.methods[method]
	if m == nil {
		return nil
	}
	t := m.slots[slot]
	delete(m.slots, slot)
	return t
}

func (p *pendingTable) outstanding() int {
	n := 0
	for _, m := range p.methods {
		if m != nil {
			n += len(m.slots)
		}
	}
	return n
}

// handlerEntry is one registered server method.
type handlerEntry struct {
	name   string
	server *Server
	serve  handlerFunc
}

// threadContext is the engine context of one engine thread. The engine
// hands it back to every callback; it is only touched from the thread.
type threadContext struct {
	thread     *engineThread
	registry   map[uint8]*handlerEntry
	connectErr map[engine.SessionID]error
	stats      windowStats
	events     uint64
}

func newThreadContext(t *engineThread) *threadContext {
	return &threadContext{
		thread:     t,
		registry:   make(map[uint8]*handlerEntry),
		connectErr: make(map[engine.SessionID]error),
	}
}

func (tc *threadContext) pointer() unsafe.Pointer { return unsafe.Pointer(tc) }

// resolve removes t from its lane's pending table and records the
// completion.
func (tc *threadContext) resolve(t *Tag) {
	l := t.lane
	if l.pending.take(t.method, t.slot) != t {
		panic("erpc: completion for a slot that is not pending")
	}
	l.inflight--
	tc.events++
	eng := tc.thread.eng
	tc.stats.complete(eng.EvLoopTicks()-t.submitted, eng.FreqGHz(), t.bufs.Req.DataSize(), t.bufs.Resp.DataSize())
}

// handleSm is the session management handler of every engine thread.
func handleSm(sid engine.SessionID, ev engine.SmEvent, err error, context unsafe.Pointer) {
	tc := (*threadContext)(context)
	tc.thread.log.Debug("session event", "session", int(sid), "event", ev.String(), "err", err)
	tc.events++
	if ev == engine.SmConnectFailed {
		if err == nil {
			err = engine.ErrInvalidTarget
		}
		tc.connectErr[sid] = err
	}
}
