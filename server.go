// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package erpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unsafe"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/erpc/engine"
)

// DefaultMaxRespSize is the capacity of response buffers allocated for
// handlers.
const DefaultMaxRespSize = 8192

// handlerFunc decodes the request behind h, runs the user handler and, on
// success, attaches the encoded response to h.
type handlerFunc func(ctx context.Context, h *engine.ReqHandle, alloc func() *engine.MsgBuffer) error

type serviceMethod struct {
	name  string
	serve handlerFunc
}

// ServiceBuilder collects the methods of a [Service].
type ServiceBuilder struct {
	methods map[uint8]serviceMethod
}

func NewServiceBuilder() *ServiceBuilder {
	return &ServiceBuilder{methods: make(map[uint8]serviceMethod)}
}

// AddUnary adds a unary handler for m. It panics if m.ID is already taken.
func AddUnary[Req, Resp any](b *ServiceBuilder, m Method[Req, Resp], fn func(ctx context.Context, req Req) (Resp, error)) *ServiceBuilder {
	if _, dup := b.methods[m.ID]; dup {
		panic(fmt.Sprintf("erpc: method id %d registered twice", m.ID))
	}
	name := m.FullName()
	b.methods[m.ID] = serviceMethod{
		name: name,
		serve: func(ctx context.Context, h *engine.ReqHandle, alloc func() *engine.MsgBuffer) error {
			req, err := m.Request.De(engine.NewReader(h.ReqMsgBuf()))
			if err != nil {
				return codecError("decode "+name, err)
			}
			resp, err := fn(ctx, req)
			if err != nil {
				return err
			}
			buf := alloc()
			if err := m.Response.Ser(resp, buf); err != nil {
				return codecError("encode "+name, err)
			}
			h.InitDynRespMsgBuf(buf)
			return nil
		},
	}
	return b
}

func (b *ServiceBuilder) Build() *Service {
	return &Service{methods: b.methods}
}

// Service is an immutable set of methods.
type Service struct {
	methods map[uint8]serviceMethod
}

// ServerBuilder configures a [Server].
type ServerBuilder struct {
	env         *Environment
	phyPort     uint8
	methods     map[uint8]serviceMethod
	maxRespSize int
	hook        DispatchHook
}

func NewServerBuilder(env *Environment, phyPort uint8) *ServerBuilder {
	return &ServerBuilder{
		env:         env,
		phyPort:     phyPort,
		methods:     make(map[uint8]serviceMethod),
		maxRespSize: DefaultMaxRespSize,
	}
}

// RegisterService adds the methods of s. It panics on a method id
// conflict.
func (b *ServerBuilder) RegisterService(s *Service) *ServerBuilder {
	for id, m := range s.methods {
		if _, dup := b.methods[id]; dup {
			panic(fmt.Sprintf("erpc: method id %d registered twice", id))
		}
		b.methods[id] = m
	}
	return b
}

// MaxRespSize sets the capacity of response buffers.
func (b *ServerBuilder) MaxRespSize(n int) *ServerBuilder {
	if n > 0 {
		b.maxRespSize = n
	}
	return b
}

// DispatchHook installs h around every handler invocation.
func (b *ServerBuilder) DispatchHook(h DispatchHook) *ServerBuilder {
	b.hook = h
	return b
}

// Build starts serving on the next engine thread of the environment.
func (b *ServerBuilder) Build(ctx context.Context) (*Server, error) {
	s := &Server{
		env:         b.env,
		methods:     b.methods,
		maxRespSize: b.maxRespSize,
		hook:        b.hook,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	reply := make(chan error, 1)
	err := b.env.bootstrap(ctx, func(t *engineThread) {
		reply <- s.start(t, b.phyPort)
	})
	if err != nil {
		s.cancel()
		return nil, err
	}
	select {
	case err := <-reply:
		if err != nil {
			s.cancel()
			return nil, err
		}
		return s, nil
	case <-ctx.Done():
		go func() {
			if err := <-reply; err == nil {
				_ = s.Shutdown(context.Background())
			}
		}()
		return nil, ctx.Err()
	}
}

// Server serves a set of methods from one engine thread.
type Server struct {
	env         *Environment
	methods     map[uint8]serviceMethod
	maxRespSize int
	hook        DispatchHook

	lane   *lane
	eng    engine.Engine
	rpcID  uint8
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	shut atomix.Uint32
}

// start runs on the engine thread.
func (s *Server) start(t *engineThread, phyPort uint8) error {
	for id := range s.methods {
		if e, ok := t.ctx.registry[id]; ok {
			return internalError("register "+s.methods[id].name, fmt.Errorf("method id %d already served by %s", id, e.name))
		}
	}
	for id := range s.methods {
		if err := t.env.nexus.RegisterReqFunc(id, serveRequest); err != nil {
			return internalError("register "+s.methods[id].name, err)
		}
	}
	if err := t.ensureEngine(phyPort); err != nil {
		return err
	}
	s.lane = t.newLane(0)
	s.lane.server = s
	s.eng = t.eng
	s.rpcID = t.env.cfg.rpcIDBase + uint8(t.id)
	s.log = t.log.With("lane", s.lane.id)
	for id, m := range s.methods {
		t.ctx.registry[id] = &handlerEntry{name: m.name, server: s, serve: m.serve}
	}
	t.addLane(s.lane)
	s.log.Debug("server started", "methods", len(s.methods))
	return nil
}

// URI returns the URI clients connect to.
func (s *Server) URI() string { return s.env.nexus.URI() }

// RpcID returns the rpc id of the serving engine, for
// [ChannelBuilder.RemoteRpcID].
func (s *Server) RpcID() uint8 { return s.rpcID }

// failResponse turns the preallocated response of h into a failure
// carrying msg.
func failResponse(h *engine.ReqHandle, msg string) *engine.MsgBuffer {
	pre := h.PreRespMsgBuf()
	pre.Resize(min(len(msg), pre.MaxDataSize()))
	copy(pre.Bytes(), msg)
	pre.SetStatus(engine.StatusFailed)
	return pre
}

// serveRequest is the request function registered with the nexus for
// every served method. It runs on the engine thread and hands the request
// to a handler goroutine, counted on the server lane until its response is
// submitted.
func serveRequest(h *engine.ReqHandle, context unsafe.Pointer) {
	tc := (*threadContext)(context)
	t := tc.thread
	defer abortOnPanic(t.log, "request func")
	tc.events++
	e, ok := tc.registry[h.ReqType()]
	if !ok {
		t.log.Debug("request without handler", "method", int(h.ReqType()))
		t.eng.EnqueueResponse(h, failResponse(h, "erpc: no handler for "+methodName(h.ReqType())))
		return
	}
	l := e.server.lane
	if l.stopping {
		t.eng.EnqueueResponse(h, failResponse(h, "erpc: server shutting down"))
		return
	}
	tc.stats.rx(h.ReqMsgBuf().DataSize())
	l.handlers++
	go e.server.handle(e, h, t.name)
}

func (s *Server) handle(e *handlerEntry, h *engine.ReqHandle, thread string) {
	defer abortOnPanic(s.log, "handler")

	info := DispatchInfo{Method: e.name, MethodID: h.ReqType(), ServerURI: s.URI(), Thread: thread}
	ctx := s.ctx
	var token HookToken
	if s.hook != nil {
		ctx, token = hookStart(s.log, s.hook, ctx, info)
	}
	stats := &CallStatistics{RequestBytes: int64(h.ReqMsgBuf().DataSize())}
	err := e.serve(ctx, h, func() *engine.MsgBuffer { return s.eng.AllocBuffer(s.maxRespSize) })
	if err != nil {
		s.log.Error("handler failed", "method", e.name, "err", err)
		failResponse(h, err.Error())
	}
	stats.ResponseBytes = int64(h.RespMsgBuf().DataSize())
	if s.hook != nil {
		hookEnd(s.log, s.hook, ctx, token, info, stats, err)
	}
	// The lane queue stays open while this handler is counted.
	if err := s.lane.queue.push(context.Background(), CallTag{h: h}); err != nil {
		s.log.Error("response dropped", "method", e.name, "err", err)
	}
}

// Shutdown stops dispatching new requests, waits for running handlers,
// sends their responses and retires the server lane. Requests arriving
// after Shutdown started fail on the caller with ErrRemote. If ctx ends
// first, running handlers see their context cancelled. Later calls wait for
// the same retirement.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.shut.CompareAndSwap(0, 1) {
		err := s.lane.thread.post(ctx, func(*engineThread) { s.lane.stopping = true })
		// A closed environment stops its servers itself.
		if err != nil && !errors.Is(err, ErrChannel) {
			s.shut.Store(0)
			return err
		}
	}
	select {
	case <-s.lane.ack:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}
