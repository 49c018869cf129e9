// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package loopback

import (
	"fmt"
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/erpc/engine"
)

const (
	defaultCredits     = 32
	defaultPreRespSize = 64
	defaultMaxSessions = 1024
	acceptQueueDepth   = 64
)

type options struct {
	credits      int
	ringCapacity int
	preRespSize  int
	maxSessions  int
	reorder      bool
	seed         uint64
	admit        func(clientURI string) bool
}

// Option configures a [Nexus].
type Option func(*options)

// WithCredits bounds the number of outstanding requests per session.
// Requests beyond the bound wait inside the engine.
func WithCredits(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.credits = n
		}
	}
}

// WithRingCapacity sets the per-direction capacity of session wires.
// It is rounded up to a power of two.
func WithRingCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.ringCapacity = roundPow2(n)
		}
	}
}

// WithPreRespSize sets the size of the preallocated response buffer handed
// to request functions.
func WithPreRespSize(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.preRespSize = n
		}
	}
}

// WithMaxSessions bounds the number of sessions per engine.
func WithMaxSessions(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxSessions = n
		}
	}
}

// WithReorder shuffles every batch of received responses before the
// continuations run. seed makes the order reproducible.
func WithReorder(seed uint64) Option {
	return func(o *options) {
		o.reorder = true
		o.seed = seed
	}
}

// WithAdmission installs a filter on incoming sessions. Sessions from
// clients for which admit returns false fail with [engine.ErrPermission].
func WithAdmission(admit func(clientURI string) bool) Option {
	return func(o *options) { o.admit = admit }
}

func roundPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Fabric is an in-process address space. Nexuses created on the same
// Fabric can open sessions to each other by URI.
type Fabric struct {
	mu      sync.Mutex
	nexuses map[string]*Nexus
}

// NewFabric returns an empty Fabric.
func NewFabric() *Fabric {
	return &Fabric{nexuses: make(map[string]*Nexus)}
}

// NewNexus registers a Nexus listening on uri.
func (f *Fabric) NewNexus(uri string, opts ...Option) (*Nexus, error) {
	o := options{
		credits:      defaultCredits,
		ringCapacity: defaultRingCapacity,
		preRespSize:  defaultPreRespSize,
		maxSessions:  defaultMaxSessions,
	}
	for _, opt := range opts {
		opt(&o)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nexuses[uri]; ok {
		return nil, fmt.Errorf("loopback: uri %q already in use", uri)
	}
	n := &Nexus{fabric: f, uri: uri, opts: o, engines: make(map[uint8]*Engine)}
	f.nexuses[uri] = n
	return n, nil
}

func (f *Fabric) lookup(uri string) *Nexus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nexuses[uri]
}

// Counters is a snapshot of a Nexus's activity, summed over its engines.
type Counters struct {
	// Requests counts EnqueueRequest calls.
	Requests uint64
	// Responses counts continuations fired.
	Responses uint64
	// Served counts requests dispatched to a request function.
	Served            uint64
	SessionsCreated   uint64
	SessionsDestroyed uint64
	ReTx              uint64
}

type counters struct {
	requests          atomix.Uint64
	responses         atomix.Uint64
	served            atomix.Uint64
	sessionsCreated   atomix.Uint64
	sessionsDestroyed atomix.Uint64
	reTx              atomix.Uint64
}

// Nexus is the per-process engine factory of the loopback transport.
// It implements [engine.Nexus].
type Nexus struct {
	fabric *Fabric
	uri    string
	opts   options

	mu       sync.RWMutex
	reqFuncs [256]engine.ReqFunc
	engines  map[uint8]*Engine

	stats counters
}

var _ engine.Nexus = (*Nexus)(nil)

// URI returns the address the Nexus was registered with.
func (n *Nexus) URI() string { return n.uri }

// RegisterReqFunc registers fn for requests of reqType. Registering a type
// again replaces the previous function.
func (n *Nexus) RegisterReqFunc(reqType uint8, fn engine.ReqFunc) error {
	if fn == nil {
		return fmt.Errorf("loopback: nil request function for type %d", reqType)
	}
	n.mu.Lock()
	n.reqFuncs[reqType] = fn
	n.mu.Unlock()
	return nil
}

func (n *Nexus) reqFunc(reqType uint8) engine.ReqFunc {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.reqFuncs[reqType]
}

// NewEngine creates an engine. Each rpc id may be used by one live engine.
func (n *Nexus) NewEngine(cfg engine.Config) (engine.Engine, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.engines[cfg.RpcID]; ok {
		return nil, fmt.Errorf("loopback: rpc id %d on %s: %w", cfg.RpcID, n.uri, engine.ErrResourceExhausted)
	}
	e := newEngine(n, cfg)
	n.engines[cfg.RpcID] = e
	return e, nil
}

func (n *Nexus) engine(rpcID uint8) *Engine {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.engines[rpcID]
}

func (n *Nexus) release(e *Engine) {
	n.mu.Lock()
	if n.engines[e.cfg.RpcID] == e {
		delete(n.engines, e.cfg.RpcID)
	}
	n.mu.Unlock()
}

// Counters returns a snapshot of the Nexus counters.
func (n *Nexus) Counters() Counters {
	return Counters{
		Requests:          n.stats.requests.Load(),
		Responses:         n.stats.responses.Load(),
		Served:            n.stats.served.Load(),
		SessionsCreated:   n.stats.sessionsCreated.Load(),
		SessionsDestroyed: n.stats.sessionsDestroyed.Load(),
		ReTx:              n.stats.reTx.Load(),
	}
}
