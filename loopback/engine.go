// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package loopback

import (
	"fmt"
	"math/rand/v2"
	"time"
	"unsafe"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/erpc/engine"
	"code.hybscloud.com/kont"
)

// freqGHz is the loopback clock rate: one tick per nanosecond.
const freqGHz = 1.0

type sessionState uint8

const (
	stateConnecting sessionState = iota
	stateConnected
	stateFailed
	stateDestroying
	stateClosed
)

type pendingReq struct {
	reqType uint8
	reqNum  uint64
	req     *engine.MsgBuffer
	resp    *engine.MsgBuffer
	cont    engine.ContFunc
	tag     unsafe.Pointer
}

// reqCookie routes a response back to the session its request came from.
type reqCookie struct {
	sess    *session
	reqType uint8
	reqNum  uint64
}

type session struct {
	id     engine.SessionID
	ep     *endpoint
	client bool
	state  sessionState
	peer   string

	clientHs *kont.Suspension[welcome]
	serverHs *kont.Suspension[hello]
	peerSID  int
	peerGone bool

	credits     int
	nextReqNum  uint64
	outstanding map[uint64]*pendingReq
	waiting     []*pendingReq
	backlog     []*frame
	numReTx     uint64
}

// Engine is a single-threaded loopback engine. It implements
// [engine.Engine], [engine.Retransmitter] and io.Closer.
//
// Except for AllocBuffer, every method must be called from the goroutine
// that drives RunEventLoopOnce.
type Engine struct {
	nexus *Nexus
	cfg   engine.Config
	opts  options

	running atomix.Uint32
	closed  bool
	epoch   time.Time
	ticks   uint64

	accept   chan *endpoint
	sessions []*session
	live     int

	rng   *rand.Rand
	batch []*frame
}

var (
	_ engine.Engine        = (*Engine)(nil)
	_ engine.Retransmitter = (*Engine)(nil)
)

func newEngine(n *Nexus, cfg engine.Config) *Engine {
	e := &Engine{
		nexus:  n,
		cfg:    cfg,
		opts:   n.opts,
		epoch:  time.Now(),
		accept: make(chan *endpoint, acceptQueueDepth),
	}
	if e.opts.reorder {
		e.rng = rand.New(rand.NewPCG(e.opts.seed, uint64(cfg.RpcID)))
	}
	return e
}

// CreateSession starts connecting to the engine remoteRpcID at remoteURI.
// The session becomes usable once IsConnected reports true; progress is
// made by RunEventLoopOnce.
func (e *Engine) CreateSession(remoteURI string, remoteRpcID uint8) (engine.SessionID, error) {
	if e.closed {
		return -1, fmt.Errorf("loopback: engine closed: %w", engine.ErrPermission)
	}
	if e.live >= e.opts.maxSessions {
		return -1, fmt.Errorf("loopback: %d sessions: %w", e.live, engine.ErrResourceExhausted)
	}
	remote := e.nexus.fabric.lookup(remoteURI)
	if remote == nil {
		return -1, fmt.Errorf("loopback: unknown uri %q: %w", remoteURI, engine.ErrInvalidTarget)
	}
	if remote.opts.admit != nil && !remote.opts.admit(e.nexus.uri) {
		return -1, fmt.Errorf("loopback: %s refused %s: %w", remoteURI, e.nexus.uri, engine.ErrPermission)
	}
	peer := remote.engine(remoteRpcID)
	if peer == nil {
		return -1, fmt.Errorf("loopback: no rpc %d at %q: %w", remoteRpcID, remoteURI, engine.ErrInvalidTarget)
	}
	a, b := newWire(e.opts.ringCapacity)
	select {
	case peer.accept <- b:
	default:
		return -1, fmt.Errorf("loopback: accept queue of %s full: %w", remoteURI, engine.ErrResourceExhausted)
	}
	s := e.addSession(a, true)
	s.peer = remoteURI
	_, s.clientHs = step(clientHandshake(hello{Serial: a.serial, ClientURI: e.nexus.uri, ClientRpc: e.cfg.RpcID}))
	return s.id, nil
}

// IsConnected reports whether sid finished its handshake and is not being
// destroyed.
func (e *Engine) IsConnected(sid engine.SessionID) bool {
	s := e.session(sid)
	return s != nil && s.state == stateConnected
}

// DestroySession starts tearing sid down. It fails with
// [engine.ErrBusy] while requests are outstanding, with
// [engine.ErrAlreadyInProgress] while a previous call is still completing
// and with [engine.ErrNoSession] once the session is gone.
func (e *Engine) DestroySession(sid engine.SessionID) error {
	s := e.session(sid)
	if s == nil {
		return engine.ErrNoSession
	}
	if s.state == stateDestroying {
		return engine.ErrAlreadyInProgress
	}
	if len(s.outstanding) > 0 || len(s.waiting) > 0 || len(s.backlog) > 0 {
		return engine.ErrBusy
	}
	connected := s.state == stateConnected
	s.state = stateDestroying
	if connected {
		e.transmit(s, &frame{kind: frameDisconnect})
	}
	return nil
}

// RunEventLoopOnce accepts sessions, advances handshakes, flushes backlogs
// and delivers received requests and responses. It panics if called while
// another call is running.
func (e *Engine) RunEventLoopOnce() {
	if !e.running.CompareAndSwap(0, 1) {
		panic("loopback: concurrent RunEventLoopOnce")
	}
	defer e.running.Store(0)

	e.ticks = uint64(float64(time.Since(e.epoch).Nanoseconds()) * freqGHz)
	e.acceptSessions()
	for i := 0; i < len(e.sessions); i++ {
		if s := e.sessions[i]; s != nil {
			e.poll(s)
		}
	}
}

// EnqueueRequest sends req on sid. cont fires from RunEventLoopOnce once
// the response has been copied into resp, or with [engine.StatusReset] when
// the peer goes away first. Requests beyond the session's
// credits wait inside the engine.
func (e *Engine) EnqueueRequest(sid engine.SessionID, reqType uint8, req, resp *engine.MsgBuffer, cont engine.ContFunc, tag unsafe.Pointer) {
	s := e.session(sid)
	if s == nil || s.state != stateConnected {
		panic(fmt.Sprintf("loopback: request on session %d which is not connected", sid))
	}
	e.nexus.stats.requests.Add(1)
	p := &pendingReq{reqType: reqType, req: req, resp: resp, cont: cont, tag: tag}
	if s.credits == 0 {
		s.waiting = append(s.waiting, p)
		return
	}
	e.issue(s, p)
}

// EnqueueResponse sends resp for the request behind h. Responses for
// sessions that are gone are dropped.
func (e *Engine) EnqueueResponse(h *engine.ReqHandle, resp *engine.MsgBuffer) {
	c, ok := h.Cookie().(*reqCookie)
	if !ok {
		panic("loopback: foreign request handle")
	}
	if e.session(c.sess.id) != c.sess {
		return
	}
	e.transmit(c.sess, responseFrame(c.reqType, c.reqNum, resp))
}

// AllocBuffer is safe for concurrent use.
func (e *Engine) AllocBuffer(maxDataSize int) *engine.MsgBuffer {
	return engine.NewMsgBuffer(maxDataSize)
}

func (e *Engine) EvLoopTicks() uint64 { return e.ticks }

func (e *Engine) FreqGHz() float64 { return freqGHz }

// NumReTx returns the number of sends on sid that found the wire full.
func (e *Engine) NumReTx(sid engine.SessionID) uint64 {
	if s := e.session(sid); s != nil {
		return s.numReTx
	}
	return 0
}

func (e *Engine) ResetNumReTx(sid engine.SessionID) {
	if s := e.session(sid); s != nil {
		s.numReTx = 0
	}
}

// Close closes every wire and releases the rpc id. Peers observe the
// sessions as disconnected.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.nexus.release(e)
	for i, s := range e.sessions {
		if s != nil {
			closeWire(s.ep)
			s.state = stateClosed
			e.sessions[i] = nil
		}
	}
	e.live = 0
	for {
		select {
		case ep := <-e.accept:
			closeWire(ep)
		default:
			return nil
		}
	}
}

func (e *Engine) session(sid engine.SessionID) *session {
	if sid < 0 || int(sid) >= len(e.sessions) {
		return nil
	}
	return e.sessions[sid]
}

func (e *Engine) addSession(ep *endpoint, client bool) *session {
	s := &session{
		ep:          ep,
		client:      client,
		credits:     e.opts.credits,
		outstanding: make(map[uint64]*pendingReq),
	}
	id := -1
	for i, cur := range e.sessions {
		if cur == nil {
			id = i
			break
		}
	}
	if id < 0 {
		id = len(e.sessions)
		e.sessions = append(e.sessions, nil)
	}
	s.id = engine.SessionID(id)
	e.sessions[id] = s
	e.live++
	return s
}

func (e *Engine) removeSession(s *session) {
	closeWire(s.ep)
	s.state = stateClosed
	e.sessions[s.id] = nil
	e.live--
}

func (e *Engine) acceptSessions() {
	for {
		select {
		case ep := <-e.accept:
			if e.live >= e.opts.maxSessions {
				closeWire(ep)
				continue
			}
			s := e.addSession(ep, false)
			_, s.serverHs = step(serverHandshake(func(h hello) welcome {
				s.peer = h.ClientURI
				return welcome{Serial: h.Serial, ServerURI: e.nexus.uri, ServerSID: int(s.id)}
			}))
		default:
			return
		}
	}
}

func (e *Engine) poll(s *session) {
	switch s.state {
	case stateConnecting:
		e.handshake(s)
		if s.state != stateConnected {
			return
		}
	case stateFailed:
		return
	}

	gone := s.ep.ctx.peerClosed()
	e.flush(s)
	if s.state == stateDestroying {
		if len(s.backlog) == 0 || gone {
			e.removeSession(s)
			e.nexus.stats.sessionsDestroyed.Add(1)
			e.sm(s.id, engine.SmDisconnected, nil)
		}
		return
	}
	drained := e.receive(s)
	if (gone && drained) || s.peerGone {
		e.drop(s)
	}
}

func (e *Engine) handshake(s *session) {
	if s.client {
		for s.clientHs != nil {
			w, next, err := advance(s.ep, s.clientHs)
			if err != nil {
				if s.ep.ctx.peerClosed() {
					s.clientHs.Discard()
					s.clientHs = nil
					s.state = stateFailed
					e.sm(s.id, engine.SmConnectFailed, engine.ErrInvalidTarget)
				}
				return
			}
			s.clientHs = next
			if next == nil {
				s.peerSID = w.ServerSID
				s.state = stateConnected
				e.nexus.stats.sessionsCreated.Add(1)
				e.sm(s.id, engine.SmConnected, nil)
			}
		}
		return
	}
	for s.serverHs != nil {
		_, next, err := advance(s.ep, s.serverHs)
		if err != nil {
			if s.ep.ctx.peerClosed() {
				s.serverHs.Discard()
				s.serverHs = nil
				e.removeSession(s)
			}
			return
		}
		s.serverHs = next
		if next == nil {
			s.state = stateConnected
			e.sm(s.id, engine.SmConnected, nil)
		}
	}
}

// transmit sends f, or queues it behind earlier frames that did not fit.
func (e *Engine) transmit(s *session, f *frame) {
	if len(s.backlog) == 0 {
		if err := s.ep.ctx.send(f); err == nil {
			return
		}
		e.countReTx(s)
	}
	s.backlog = append(s.backlog, f)
}

func (e *Engine) flush(s *session) {
	for len(s.backlog) > 0 {
		if err := s.ep.ctx.send(s.backlog[0]); err != nil {
			e.countReTx(s)
			return
		}
		s.backlog[0] = nil
		s.backlog = s.backlog[1:]
	}
}

func (e *Engine) countReTx(s *session) {
	s.numReTx++
	e.nexus.stats.reTx.Add(1)
}

// receive drains at most one ring's worth of frames. It reports whether
// the ring was found empty.
func (e *Engine) receive(s *session) bool {
	e.batch = e.batch[:0]
	drained := false
	for range e.opts.ringCapacity {
		v, err := s.ep.ctx.recv()
		if err != nil {
			drained = true
			break
		}
		f := v.(*frame)
		switch f.kind {
		case frameRequest:
			e.serve(s, f)
		case frameResponse:
			e.batch = append(e.batch, f)
		case frameDisconnect:
			s.peerGone = true
		}
	}
	if e.rng != nil && len(e.batch) > 1 {
		e.rng.Shuffle(len(e.batch), func(i, j int) {
			e.batch[i], e.batch[j] = e.batch[j], e.batch[i]
		})
	}
	for i, f := range e.batch {
		e.complete(s, f)
		e.batch[i] = nil
	}
	return drained
}

func (e *Engine) serve(s *session, f *frame) {
	req := engine.NewMsgBuffer(len(f.payload))
	copy(req.Bytes(), f.payload)
	h := engine.NewReqHandle(f.reqType, req, engine.NewMsgBuffer(e.opts.preRespSize),
		&reqCookie{sess: s, reqType: f.reqType, reqNum: f.reqNum})
	fn := e.nexus.reqFunc(f.reqType)
	if fn == nil {
		pre := h.PreRespMsgBuf()
		msg := fmt.Sprintf("loopback: no request func for type %d", f.reqType)
		pre.Resize(min(len(msg), pre.MaxDataSize()))
		copy(pre.Bytes(), msg)
		pre.SetStatus(engine.StatusFailed)
		e.EnqueueResponse(h, pre)
		return
	}
	e.nexus.stats.served.Add(1)
	fn(h, e.cfg.Context)
}

func (e *Engine) complete(s *session, f *frame) {
	p, ok := s.outstanding[f.reqNum]
	if !ok {
		return
	}
	delete(s.outstanding, f.reqNum)
	s.credits++
	copyInto(p.resp, f.payload)
	p.resp.SetStatus(f.status)
	e.nexus.stats.responses.Add(1)
	p.cont(e.cfg.Context, p.tag)
	for s.credits > 0 && len(s.waiting) > 0 {
		next := s.waiting[0]
		s.waiting[0] = nil
		s.waiting = s.waiting[1:]
		e.issue(s, next)
	}
}

func (e *Engine) issue(s *session, p *pendingReq) {
	s.credits--
	s.nextReqNum++
	p.reqNum = s.nextReqNum
	s.outstanding[p.reqNum] = p
	e.transmit(s, requestFrame(p.reqType, p.reqNum, p.req))
}

// drop removes a session whose peer went away. Requests still pending
// complete with StatusReset.
func (e *Engine) drop(s *session) {
	pending := make([]*pendingReq, 0, len(s.outstanding)+len(s.waiting))
	for _, p := range s.outstanding {
		pending = append(pending, p)
	}
	pending = append(pending, s.waiting...)
	clear(s.outstanding)
	s.waiting = nil
	s.backlog = nil
	e.removeSession(s)
	for _, p := range pending {
		p.resp.Resize(0)
		p.resp.SetStatus(engine.StatusReset)
		e.nexus.stats.responses.Add(1)
		p.cont(e.cfg.Context, p.tag)
	}
	e.sm(s.id, engine.SmDisconnected, nil)
}

func (e *Engine) sm(sid engine.SessionID, ev engine.SmEvent, err error) {
	if e.cfg.SmHandler != nil {
		e.cfg.SmHandler(sid, ev, err, e.cfg.Context)
	}
}
