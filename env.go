// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package erpc

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/erpc/engine"
)

const (
	defaultNamePrefix = "erpc-poll"
	// DefaultBurst is the number of queued calls an engine thread submits
	// per lane between two event loop iterations.
	DefaultBurst = 8192
	// DefaultQueueDepth is the capacity of a lane queue.
	DefaultQueueDepth = 4096
)

type envConfig struct {
	chanCount   int
	namePrefix  string
	rpcIDBase   uint8
	afterStart  func(thread int)
	beforeStop  func(thread int)
	timeoutMS   float64
	burst       int
	queueDepth  int
	idleBackoff bool
	logger      *slog.Logger
	observer    StatsObserver
}

// EnvBuilder configures an [Environment].
type EnvBuilder struct {
	nexus engine.Nexus
	cfg   envConfig
}

// NewEnvBuilder starts configuring an environment over nexus.
func NewEnvBuilder(nexus engine.Nexus) *EnvBuilder {
	return &EnvBuilder{
		nexus: nexus,
		cfg: envConfig{
			chanCount:  runtime.NumCPU(),
			namePrefix: defaultNamePrefix,
			burst:      DefaultBurst,
			queueDepth: DefaultQueueDepth,
		},
	}
}

// ChanCount sets the number of engine threads. It panics on 0.
func (b *EnvBuilder) ChanCount(n int) *EnvBuilder {
	if n <= 0 {
		panic("erpc: channel count must be positive")
	}
	b.cfg.chanCount = n
	return b
}

// NamePrefix sets the prefix of engine thread names.
func (b *EnvBuilder) NamePrefix(prefix string) *EnvBuilder {
	b.cfg.namePrefix = prefix
	return b
}

// RpcIDBase sets the rpc id of the first thread's engine. Thread i uses
// base+i. Environments sharing a nexus need disjoint ranges.
func (b *EnvBuilder) RpcIDBase(base uint8) *EnvBuilder {
	b.cfg.rpcIDBase = base
	return b
}

// AfterStart runs fn on every engine thread before it starts polling.
func (b *EnvBuilder) AfterStart(fn func(thread int)) *EnvBuilder {
	b.cfg.afterStart = fn
	return b
}

// BeforeStop runs fn on every engine thread right before it exits.
func (b *EnvBuilder) BeforeStop(fn func(thread int)) *EnvBuilder {
	b.cfg.beforeStop = fn
	return b
}

// TimeoutMS sets the poll window. At the end of each window the thread
// publishes its statistics. 0 disables windows and statistics.
func (b *EnvBuilder) TimeoutMS(ms float64) *EnvBuilder {
	b.cfg.timeoutMS = ms
	return b
}

// Burst bounds the calls submitted per lane per event loop iteration.
func (b *EnvBuilder) Burst(n int) *EnvBuilder {
	if n > 0 {
		b.cfg.burst = n
	}
	return b
}

// QueueDepth sets the capacity of each lane queue.
func (b *EnvBuilder) QueueDepth(n int) *EnvBuilder {
	if n > 0 {
		b.cfg.queueDepth = n
	}
	return b
}

// IdleBackoff makes idle engine threads back off instead of spinning.
func (b *EnvBuilder) IdleBackoff(on bool) *EnvBuilder {
	b.cfg.idleBackoff = on
	return b
}

func (b *EnvBuilder) Logger(log *slog.Logger) *EnvBuilder {
	b.cfg.logger = log
	return b
}

// StatsObserver receives window statistics. Without one, windows are
// logged by a [LogObserver].
func (b *EnvBuilder) StatsObserver(obs StatsObserver) *EnvBuilder {
	b.cfg.observer = obs
	return b
}

// Build starts the engine threads.
func (b *EnvBuilder) Build() *Environment {
	cfg := b.cfg
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.observer == nil {
		cfg.observer = LogObserver{Logger: cfg.logger}
	}
	env := &Environment{nexus: b.nexus, cfg: cfg}
	env.threads = make([]*engineThread, cfg.chanCount)
	for i := range env.threads {
		env.threads[i] = newEngineThread(env, i)
	}
	env.wg.Add(len(env.threads))
	for _, t := range env.threads {
		go t.run()
	}
	return env
}

// Environment is a pool of engine threads sharing one nexus.
type Environment struct {
	nexus   engine.Nexus
	cfg     envConfig
	threads []*engineThread
	cursor  atomix.Uint32
	closed  atomix.Uint32
	wg      sync.WaitGroup

	mu    sync.Mutex
	lanes []*lane
}

// Nexus returns the nexus the environment was built on.
func (env *Environment) Nexus() engine.Nexus { return env.nexus }

// Len returns the number of engine threads.
func (env *Environment) Len() int { return len(env.threads) }

// pickChannelEnv assigns the next engine thread round-robin. It never
// blocks.
func (env *Environment) pickChannelEnv() (*engineThread, error) {
	if env.closed.Load() != 0 {
		return nil, channelError("pick thread", nil)
	}
	n := uint32(len(env.threads))
	if n == 0 {
		return nil, internalError("pick thread", fmt.Errorf("no engine threads"))
	}
	i := (env.cursor.Add(1) - 1) % n
	return env.threads[i], nil
}

// bootstrap runs fn on the next engine thread.
func (env *Environment) bootstrap(ctx context.Context, fn func(*engineThread)) error {
	t, err := env.pickChannelEnv()
	if err != nil {
		return err
	}
	return t.post(ctx, fn)
}

func (env *Environment) addLane(l *lane) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.lanes = append(env.lanes, l)
	if env.closed.Load() != 0 && l.server == nil {
		l.queue.close()
	}
}

func (env *Environment) removeLane(l *lane) {
	env.mu.Lock()
	defer env.mu.Unlock()
	if i := slices.Index(env.lanes, l); i >= 0 {
		env.lanes = slices.Delete(env.lanes, i, i+1)
	}
}

// Close stops accepting work, shuts every remaining channel and server and
// waits for the engine threads to exit. Calls still queued are submitted
// and completed first.
func (env *Environment) Close(ctx context.Context) error {
	if !env.closed.CompareAndSwap(0, 1) {
		return nil
	}
	for _, t := range env.threads {
		t.boot.close()
	}
	env.mu.Lock()
	lanes := slices.Clone(env.lanes)
	env.mu.Unlock()
	// Server lanes are stopped by their thread once it sees the closed
	// bootstrap queue; their queues stay open for running handlers.
	for _, l := range lanes {
		if l.server == nil {
			l.queue.close()
		}
	}
	done := make(chan struct{})
	go func() {
		env.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
