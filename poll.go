// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package erpc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"runtime/pprof"
	"slices"
	"strconv"
	"unsafe"

	"code.hybscloud.com/erpc/engine"
	"code.hybscloud.com/iox"
)

var errSessionDown = errors.New("session is not connected")

// lane is the per-channel state owned by an engine thread: the queue
// producers push into, the calls waiting for a slot, the sessions and the
// shutdown acknowledgement.
type lane struct {
	id       int
	thread   *engineThread
	queue    *inbox[rpcCall]
	backlog  []*Call
	sessions []engine.SessionID
	pending  *pendingTable
	inflight int
	ack      chan struct{}

	// server is set on server lanes. stopping is set on the engine thread
	// once the server starts shutting down; requests arriving after it are
	// answered with a failure. handlers counts dispatched requests whose
	// response has not been submitted yet. A server lane's queue is closed
	// by its thread, and only once it is stopping with no handler left, so
	// a handler's response push never finds it closed.
	server   *Server
	stopping bool
	handlers int
}

func (l *lane) retirable() bool {
	return l.queue.done() && len(l.backlog) == 0 && l.inflight == 0 && l.handlers == 0
}

// drain submits the backlog, then up to burst queued items.
func (l *lane) drain(t *engineThread) int {
	n := 0
	for len(l.backlog) > 0 {
		if !t.issue(l, l.backlog[0]) {
			break
		}
		l.backlog[0] = nil
		l.backlog = l.backlog[1:]
		n++
	}
	for n < t.env.cfg.burst {
		item, err := l.queue.tryPop()
		if err != nil {
			break
		}
		item.submit(t, l)
		n++
	}
	return n
}

// engineThread owns one engine. Its goroutine is locked to an OS thread
// for its whole life, and every engine call happens on it.
type engineThread struct {
	env  *Environment
	id   int
	name string
	log  *slog.Logger

	boot     *inbox[func(*engineThread)]
	lanes    []*lane
	nextLane int

	eng engine.Engine
	ctx *threadContext
	bo  iox.Backoff
}

func newEngineThread(env *Environment, id int) *engineThread {
	name := env.cfg.namePrefix + "-" + strconv.Itoa(id)
	t := &engineThread{
		env:  env,
		id:   id,
		name: name,
		log:  env.cfg.logger.With("thread", name),
		boot: newInbox[func(*engineThread)](1),
	}
	t.ctx = newThreadContext(t)
	return t
}

// post queues fn for execution on the thread.
func (t *engineThread) post(ctx context.Context, fn func(*engineThread)) error {
	if err := t.boot.push(ctx, fn); err != nil {
		if errors.Is(err, ErrChannel) {
			return channelError("bootstrap", errors.New("environment closed"))
		}
		return err
	}
	return nil
}

func (t *engineThread) run() {
	defer t.env.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	pprof.Do(context.Background(), pprof.Labels("thread", t.name), func(context.Context) {
		t.loop()
	})
}

func (t *engineThread) loop() {
	if t.env.cfg.afterStart != nil {
		t.env.cfg.afterStart(t.id)
	}
	for !t.finished() {
		if t.eng == nil {
			if t.drainBoot() == 0 {
				t.bo.Wait()
			} else {
				t.bo.Reset()
			}
			continue
		}
		t.window()
	}
	t.closeEngine()
	if t.env.cfg.beforeStop != nil {
		t.env.cfg.beforeStop(t.id)
	}
	t.log.Debug("engine thread stopped")
}

func (t *engineThread) finished() bool {
	return t.boot.done() && len(t.lanes) == 0
}

// window runs event loop iterations until the poll window budget is spent,
// then publishes the window statistics. Without a budget it runs until the
// thread finishes.
func (t *engineThread) window() {
	start := t.eng.EvLoopTicks()
	budget := engine.MsToCycles(t.env.cfg.timeoutMS, t.eng.FreqGHz())
	for !t.finished() {
		t.iterate()
		if budget == 0 {
			continue
		}
		if elapsed := t.eng.EvLoopTicks() - start; elapsed > budget {
			t.publish(elapsed)
			return
		}
	}
}

func (t *engineThread) iterate() {
	before := t.ctx.events
	n := t.drainBoot()
	for i := 0; i < len(t.lanes); i++ {
		n += t.lanes[i].drain(t)
	}
	t.eng.RunEventLoopOnce()
	t.retireLanes()
	if !t.env.cfg.idleBackoff {
		return
	}
	if n == 0 && t.ctx.events == before {
		t.bo.Wait()
	} else {
		t.bo.Reset()
	}
}

func (t *engineThread) drainBoot() int {
	n := 0
	for {
		fn, err := t.boot.tryPop()
		if err != nil {
			return n
		}
		fn(t)
		n++
	}
}

// ensureEngine creates the thread's engine on first use.
func (t *engineThread) ensureEngine(phyPort uint8) error {
	if t.eng != nil {
		return nil
	}
	eng, err := t.env.nexus.NewEngine(engine.Config{
		Context:   t.ctx.pointer(),
		RpcID:     t.env.cfg.rpcIDBase + uint8(t.id),
		PhyPort:   phyPort,
		SmHandler: handleSm,
	})
	if err != nil {
		return internalError("create engine", err)
	}
	t.eng = eng
	t.ctx.stats.enabled = t.env.cfg.timeoutMS > 0
	t.log.Debug("engine created", "rpc_id", t.env.cfg.rpcIDBase+uint8(t.id), "phy_port", phyPort)
	return nil
}

func (t *engineThread) newLane(slotSpace uint32) *lane {
	l := &lane{
		id:      t.nextLane,
		thread:  t,
		queue:   newInbox[rpcCall](t.env.cfg.queueDepth),
		pending: newPendingTable(slotSpace),
		ack:     make(chan struct{}),
	}
	t.nextLane++
	return l
}

func (t *engineThread) addLane(l *lane) {
	t.lanes = append(t.lanes, l)
	t.env.addLane(l)
}

// openClientLane creates n sessions to uri, one after the other, polling
// the engine until each is connected.
func (t *engineThread) openClientLane(ctx context.Context, uri string, b *ChannelBuilder) (*lane, error) {
	if err := t.ensureEngine(b.phyPort); err != nil {
		return nil, err
	}
	l := t.newLane(b.slotSpace)
	for range b.subchanCount {
		sid, err := t.eng.CreateSession(uri, b.remoteRpcID)
		if err != nil {
			t.destroySessions(l.sessions)
			return nil, internalError("create session", err)
		}
		l.sessions = append(l.sessions, sid)
		if err := t.awaitConnected(ctx, sid); err != nil {
			t.destroySessions(l.sessions)
			return nil, err
		}
	}
	t.addLane(l)
	t.log.Debug("channel connected", "lane", l.id, "uri", uri, "sessions", len(l.sessions))
	return l, nil
}

func (t *engineThread) awaitConnected(ctx context.Context, sid engine.SessionID) error {
	for !t.eng.IsConnected(sid) {
		if err, ok := t.ctx.connectErr[sid]; ok {
			delete(t.ctx.connectErr, sid)
			return internalError("connect session", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		t.eng.RunEventLoopOnce()
	}
	return nil
}

// destroySessions tears sessions down in order, polling the engine while
// it reports them busy or in progress.
func (t *engineThread) destroySessions(sids []engine.SessionID) {
	for _, sid := range sids {
		t.bo.Reset()
		for {
			err := t.eng.DestroySession(sid)
			if errors.Is(err, engine.ErrNoSession) {
				break
			}
			if err != nil && !errors.Is(err, engine.ErrBusy) && !errors.Is(err, engine.ErrAlreadyInProgress) {
				t.log.Error("destroy session", "session", int(sid), "err", internalError("destroy session", err))
				break
			}
			t.eng.RunEventLoopOnce()
			if errors.Is(err, engine.ErrBusy) {
				t.bo.Wait()
			}
		}
		delete(t.ctx.connectErr, sid)
	}
	t.bo.Reset()
}

// issue submits c to the engine. It reports false if every slot of the
// method is taken.
func (t *engineThread) issue(l *lane, c *Call) bool {
	c.bufs.Resp.SetStatus(engine.StatusOK)
	if !t.eng.IsConnected(c.sid) {
		c.bufs.release()
		c.done <- nil
		return true
	}
	slot, ok := l.pending.alloc(c.method)
	if !ok {
		return false
	}
	tag := &Tag{
		done:      c.done,
		method:    c.method,
		slot:      slot,
		lane:      l,
		bufs:      c.bufs,
		cont:      c.cont,
		submitted: t.eng.EvLoopTicks(),
	}
	l.pending.put(tag)
	l.inflight++
	t.eng.EnqueueRequest(c.sid, c.method, c.bufs.Req, c.bufs.Resp, dispatchCont, unsafe.Pointer(tag))
	return true
}

func (t *engineThread) retireLanes() {
	closing := t.boot.done()
	for i := 0; i < len(t.lanes); {
		l := t.lanes[i]
		if l.server != nil {
			if closing {
				l.stopping = true
			}
			if l.stopping && l.handlers == 0 {
				l.queue.close()
			}
		}
		if !l.retirable() {
			i++
			continue
		}
		t.lanes = slices.Delete(t.lanes, i, i+1)
		t.retire(l)
	}
}

func (t *engineThread) retire(l *lane) {
	t.destroySessions(l.sessions)
	if l.server != nil {
		for id, e := range t.ctx.registry {
			if e.server == l.server {
				delete(t.ctx.registry, id)
			}
		}
	}
	t.env.removeLane(l)
	close(l.ack)
	t.log.Debug("lane retired", "lane", l.id, "sessions", len(l.sessions))
}

func (t *engineThread) publish(elapsed uint64) {
	var reTx uint64
	if rt, ok := t.eng.(engine.Retransmitter); ok {
		for _, l := range t.lanes {
			for _, sid := range l.sessions {
				reTx += rt.NumReTx(sid)
				rt.ResetNumReTx(sid)
			}
		}
	}
	freq := t.eng.FreqGHz()
	s := t.ctx.stats.snapshot(t.name, engine.ToUsec(elapsed, freq), t.env.cfg.timeoutMS*1000, reTx)
	t.env.cfg.observer.ObserveWindow(context.Background(), s)
}

func (t *engineThread) closeEngine() {
	if t.eng == nil {
		return
	}
	if c, ok := t.eng.(io.Closer); ok {
		if err := c.Close(); err != nil {
			t.log.Error("close engine", "err", err)
		}
	}
}
