// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package erpc

import (
	"context"
	"errors"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/erpc/engine"
)

// DefaultSubchanCount is the number of sessions a channel opens.
const DefaultSubchanCount = 128

// ChannelBuilder configures a [Channel].
type ChannelBuilder struct {
	env          *Environment
	phyPort      uint8
	subchanCount int
	remoteRpcID  uint8
	slotSpace    uint32
}

// NewChannelBuilder starts configuring a channel on env. phyPort is used
// when the assigned engine thread creates its engine.
func NewChannelBuilder(env *Environment, phyPort uint8) *ChannelBuilder {
	return &ChannelBuilder{env: env, phyPort: phyPort, subchanCount: DefaultSubchanCount, slotSpace: DefaultSlotSpace}
}

// SubchanCount sets the number of sessions. It panics on 0.
func (b *ChannelBuilder) SubchanCount(n int) *ChannelBuilder {
	if n <= 0 {
		panic("erpc: subchannel count must be positive")
	}
	b.subchanCount = n
	return b
}

// RemoteRpcID selects the engine to connect to at the remote URI.
func (b *ChannelBuilder) RemoteRpcID(id uint8) *ChannelBuilder {
	b.remoteRpcID = id
	return b
}

// SlotSpace sets the number of correlation slots per method. Calls beyond
// it wait on the engine thread until a slot frees up.
func (b *ChannelBuilder) SlotSpace(n int) *ChannelBuilder {
	if n > 0 && n <= DefaultSlotSpace {
		b.slotSpace = uint32(n)
	}
	return b
}

type connectResult struct {
	lane *lane
	err  error
}

// Connect opens the channel's sessions to uri on the next engine thread and
// waits until all of them are connected.
func (b *ChannelBuilder) Connect(ctx context.Context, uri string) (*Channel, error) {
	reply := make(chan connectResult, 1)
	err := b.env.bootstrap(ctx, func(t *engineThread) {
		l, err := t.openClientLane(ctx, uri, b)
		reply <- connectResult{lane: l, err: err}
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		if r.err != nil {
			return nil, r.err
		}
		return newChannel(b.env, r.lane), nil
	case <-ctx.Done():
		go func() {
			if r := <-reply; r.lane != nil {
				r.lane.queue.close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Channel is a set of sessions to one remote engine, owned by one engine
// thread. It is safe for concurrent use.
type Channel struct {
	env      *Environment
	lane     *lane
	eng      engine.Engine
	subchans []*SubChannel
	cursor   atomix.Uint32
	shut     atomix.Uint32
}

func newChannel(env *Environment, l *lane) *Channel {
	ch := &Channel{env: env, lane: l, eng: l.thread.eng}
	ch.subchans = make([]*SubChannel, len(l.sessions))
	for i, sid := range l.sessions {
		ch.subchans[i] = &SubChannel{ch: ch, index: i, sid: sid}
	}
	return ch
}

// Len returns the number of subchannels.
func (ch *Channel) Len() int { return len(ch.subchans) }

// PickSubchan leases the next subchannel. Once every subchannel has been
// leased it returns false.
func (ch *Channel) PickSubchan() (*SubChannel, bool) {
	i := ch.cursor.Add(1) - 1
	if i >= uint32(len(ch.subchans)) {
		return nil, false
	}
	return ch.subchans[i], true
}

// AllocBuffer allocates an engine buffer. It may be called from any
// goroutine.
func (ch *Channel) AllocBuffer(maxDataSize int) *engine.MsgBuffer {
	return ch.eng.AllocBuffer(maxDataSize)
}

// NewBuffers allocates a request and a response buffer.
func (ch *Channel) NewBuffers(reqSize, respSize int) *Buffers {
	return &Buffers{Req: ch.eng.AllocBuffer(reqSize), Resp: ch.eng.AllocBuffer(respSize)}
}

// Shutdown stops accepting calls, waits for queued and outstanding calls to
// complete and destroys the sessions. Every call waits, under its own ctx,
// for the same acknowledgement; once the channel is down they return nil
// immediately.
func (ch *Channel) Shutdown(ctx context.Context) error {
	if ch.shut.CompareAndSwap(0, 1) {
		ch.lane.queue.close()
	}
	select {
	case <-ch.lane.ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the channel has shut down.
func (ch *Channel) Done() <-chan struct{} { return ch.lane.ack }

// SubChannel is one session of a [Channel]. Many calls may share it.
type SubChannel struct {
	ch    *Channel
	index int
	sid   engine.SessionID
}

func (sc *SubChannel) Index() int { return sc.index }

func (sc *SubChannel) SessionID() engine.SessionID { return sc.sid }

func (sc *SubChannel) Channel() *Channel { return sc.ch }

// Submit hands c to the engine thread. The call's buffers stay in flight
// until the response arrives. If Submit fails the call was not queued and
// the buffers are released.
func (sc *SubChannel) Submit(ctx context.Context, c *Call) error {
	if !c.state.CompareAndSwap(0, 1) {
		return internalError("submit", errCallReused)
	}
	if !c.bufs.pin() {
		return internalError("submit", errBuffersPinned)
	}
	c.sid = sc.sid
	if err := sc.ch.lane.queue.push(ctx, c); err != nil {
		c.bufs.release()
		if errors.Is(err, ErrChannel) {
			return channelError("submit", errors.New("channel shut down"))
		}
		return err
	}
	return nil
}
