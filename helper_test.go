// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package erpc_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"code.hybscloud.com/erpc"
	"code.hybscloud.com/erpc/loopback"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type greeting struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

var (
	echoMethod = erpc.Method[[]byte, []byte]{
		ID:       1,
		Name:     "test.Echo",
		Request:  erpc.BytesMarshaller(),
		Response: erpc.BytesMarshaller(),
	}
	greetMethod = erpc.Method[greeting, greeting]{
		ID:       2,
		Name:     "test.Greet",
		Request:  erpc.JSONMarshaller[greeting](),
		Response: erpc.JSONMarshaller[greeting](),
	}
	upperMethod = erpc.Method[*wrapperspb.StringValue, *wrapperspb.StringValue]{
		ID:       3,
		Name:     "test.Upper",
		Request:  erpc.ProtoMarshaller(newStringValue),
		Response: erpc.ProtoMarshaller(newStringValue),
	}
	failMethod = erpc.Method[greeting, greeting]{
		ID:       4,
		Name:     "test.Fail",
		Request:  erpc.JSONMarshaller[greeting](),
		Response: erpc.JSONMarshaller[greeting](),
	}
)

func newStringValue() *wrapperspb.StringValue { return new(wrapperspb.StringValue) }

var errRefused = errors.New("refused")

// testService serves echo, greet, upper and fail.
func testService() *erpc.Service {
	b := erpc.NewServiceBuilder()
	erpc.AddUnary(b, echoMethod, func(_ context.Context, req []byte) ([]byte, error) {
		return req, nil
	})
	erpc.AddUnary(b, greetMethod, func(_ context.Context, req greeting) (greeting, error) {
		return greeting{Name: "hello " + req.Name, Count: req.Count + 1}, nil
	})
	erpc.AddUnary(b, upperMethod, func(_ context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
		return wrapperspb.String(strings.ToUpper(req.GetValue())), nil
	})
	erpc.AddUnary(b, failMethod, func(context.Context, greeting) (greeting, error) {
		return greeting{}, errRefused
	})
	return b.Build()
}

type fixtureConfig struct {
	threads    int
	serverOpts []loopback.Option
	clientOpts []loopback.Option
	services   []*erpc.Service
	hook       erpc.DispatchHook
	timeoutMS  float64
	observer   erpc.StatsObserver
	logger     *slog.Logger
}

// fixture is a server environment and a client environment on one
// loopback fabric.
type fixture struct {
	fabric   *loopback.Fabric
	srvNexus *loopback.Nexus
	cliNexus *loopback.Nexus
	srvEnv   *erpc.Environment
	cliEnv   *erpc.Environment
	server   *erpc.Server
	closed   bool
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testContext(tb testing.TB) context.Context {
	tb.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	tb.Cleanup(cancel)
	return ctx
}

func newFixture(tb testing.TB, cfg fixtureConfig) *fixture {
	tb.Helper()
	if cfg.threads == 0 {
		cfg.threads = 1
	}
	if cfg.services == nil {
		cfg.services = []*erpc.Service{testService()}
	}
	if cfg.logger == nil {
		cfg.logger = discardLogger()
	}
	f := &fixture{fabric: loopback.NewFabric()}
	var err error
	if f.srvNexus, err = f.fabric.NewNexus("server:31850", cfg.serverOpts...); err != nil {
		tb.Fatalf("server nexus: %v", err)
	}
	if f.cliNexus, err = f.fabric.NewNexus("client:31851", cfg.clientOpts...); err != nil {
		tb.Fatalf("client nexus: %v", err)
	}
	f.srvEnv = erpc.NewEnvBuilder(f.srvNexus).
		ChanCount(1).
		NamePrefix("srv").
		IdleBackoff(true).
		Logger(cfg.logger).
		Build()
	f.cliEnv = erpc.NewEnvBuilder(f.cliNexus).
		ChanCount(cfg.threads).
		NamePrefix("cli").
		IdleBackoff(true).
		TimeoutMS(cfg.timeoutMS).
		StatsObserver(cfg.observer).
		Logger(cfg.logger).
		Build()

	ctx := testContext(tb)
	sb := erpc.NewServerBuilder(f.srvEnv, 0)
	for _, s := range cfg.services {
		sb.RegisterService(s)
	}
	if cfg.hook != nil {
		sb.DispatchHook(cfg.hook)
	}
	if f.server, err = sb.Build(ctx); err != nil {
		tb.Fatalf("server: %v", err)
	}
	tb.Cleanup(func() { f.close(tb) })
	return f
}

func (f *fixture) close(tb testing.TB) {
	tb.Helper()
	if f.closed {
		return
	}
	f.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := f.cliEnv.Close(ctx); err != nil {
		tb.Errorf("client env close: %v", err)
	}
	if err := f.server.Shutdown(ctx); err != nil {
		tb.Errorf("server shutdown: %v", err)
	}
	if err := f.srvEnv.Close(ctx); err != nil {
		tb.Errorf("server env close: %v", err)
	}
}

// connect opens a channel of m subchannels to the fixture's server.
func (f *fixture) connect(tb testing.TB, m, slotSpace int) *erpc.Channel {
	tb.Helper()
	b := erpc.NewChannelBuilder(f.cliEnv, 0).
		SubchanCount(m).
		RemoteRpcID(f.server.RpcID())
	if slotSpace > 0 {
		b.SlotSpace(slotSpace)
	}
	ch, err := b.Connect(testContext(tb), f.server.URI())
	if err != nil {
		tb.Fatalf("connect: %v", err)
	}
	return ch
}

// leaseAll leases every subchannel of ch.
func leaseAll(tb testing.TB, ch *erpc.Channel) []*erpc.SubChannel {
	tb.Helper()
	scs := make([]*erpc.SubChannel, 0, ch.Len())
	for {
		sc, ok := ch.PickSubchan()
		if !ok {
			break
		}
		scs = append(scs, sc)
	}
	if len(scs) != ch.Len() {
		tb.Fatalf("leased %d subchannels, want %d", len(scs), ch.Len())
	}
	return scs
}

// eventually polls cond until it holds or d passes.
func eventually(tb testing.TB, d time.Duration, cond func() bool) {
	tb.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			tb.Fatalf("condition not met within %v", d)
		}
		time.Sleep(time.Millisecond)
	}
}
