// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package erpc_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/erpc"
	"code.hybscloud.com/erpc/loopback"
)

type hookRecord struct {
	info  erpc.DispatchInfo
	stats erpc.CallStatistics
	err   error
	token erpc.HookToken
}

type ctxKey struct{}

// recordingHook records every finished dispatch and checks that the
// context returned by OnDispatchStart reaches OnDispatchEnd.
type recordingHook struct {
	mu      sync.Mutex
	started int
	ended   []hookRecord
	lost    int
}

func (h *recordingHook) OnDispatchStart(ctx context.Context, info erpc.DispatchInfo) (context.Context, erpc.HookToken) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started++
	return context.WithValue(ctx, ctxKey{}, info.Method), h.started
}

func (h *recordingHook) OnDispatchEnd(ctx context.Context, token erpc.HookToken, info erpc.DispatchInfo, stats *erpc.CallStatistics, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ctx.Value(ctxKey{}) != info.Method {
		h.lost++
	}
	h.ended = append(h.ended, hookRecord{info: info, stats: *stats, err: err, token: token})
}

func (h *recordingHook) snapshot() (int, []hookRecord, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started, append([]hookRecord(nil), h.ended...), h.lost
}

func TestDispatchHook(t *testing.T) {
	skipRace(t)
	hook := &recordingHook{}
	f := newFixture(t, fixtureConfig{hook: hook})
	ch := f.connect(t, 1, 0)
	sc, _ := ch.PickSubchan()
	ctx := testContext(t)

	if _, err := erpc.UnaryCall(ctx, erpc.NewClient(sc), echoMethod, []byte("twelve bytes"), ch.NewBuffers(64, 64)); err != nil {
		t.Fatalf("echo: %v", err)
	}
	started, ended, lost := hook.snapshot()
	if started != 1 || len(ended) != 1 || lost != 0 {
		t.Fatalf("hook: started %d ended %d lost %d", started, len(ended), lost)
	}
	rec := ended[0]
	if rec.info.Method != "test.Echo" || rec.info.MethodID != echoMethod.ID {
		t.Fatalf("info: %+v", rec.info)
	}
	if rec.info.ServerURI != f.server.URI() || rec.info.Thread == "" {
		t.Fatalf("info: %+v", rec.info)
	}
	if rec.stats.RequestBytes != 12 || rec.stats.ResponseBytes != 12 {
		t.Fatalf("stats: %+v", rec.stats)
	}
	if rec.err != nil || rec.token != 1 {
		t.Fatalf("err %v token %v", rec.err, rec.token)
	}
}

func TestHandlerErrorReachesCaller(t *testing.T) {
	skipRace(t)
	hook := &recordingHook{}
	f := newFixture(t, fixtureConfig{hook: hook})
	ch := f.connect(t, 1, 0)
	sc, _ := ch.PickSubchan()
	ctx := testContext(t)
	c := erpc.NewClient(sc)

	_, err := erpc.UnaryCall(ctx, c, failMethod, greeting{Name: "x"}, ch.NewBuffers(64, 64))
	if !errors.Is(err, erpc.ErrRemote) || !strings.Contains(err.Error(), errRefused.Error()) {
		t.Fatalf("got %v, want ErrRemote carrying %q", err, errRefused)
	}
	_, ended, _ := hook.snapshot()
	if len(ended) != 1 || !errors.Is(ended[0].err, errRefused) || ended[0].stats.ResponseBytes != int64(len(errRefused.Error())) {
		t.Fatalf("hook: %+v", ended)
	}

	// The session survives a failed handler.
	if _, err := erpc.UnaryCall(ctx, c, greetMethod, greeting{Name: "y"}, ch.NewBuffers(64, 64)); err != nil {
		t.Fatalf("greet after failure: %v", err)
	}
}

// An empty payload is a valid bytes response, so a failed bytes handler
// must not look like one.
func TestFailedBytesHandlerIsNotEmptySuccess(t *testing.T) {
	skipRace(t)
	b := erpc.NewServiceBuilder()
	erpc.AddUnary(b, echoMethod, func(context.Context, []byte) ([]byte, error) {
		return nil, errors.New("boom")
	})
	f := newFixture(t, fixtureConfig{services: []*erpc.Service{b.Build()}})
	ch := f.connect(t, 1, 0)
	sc, _ := ch.PickSubchan()
	got, err := erpc.UnaryCall(testContext(t), erpc.NewClient(sc), echoMethod, []byte("x"), ch.NewBuffers(16, 16))
	if !errors.Is(err, erpc.ErrRemote) || got != nil {
		t.Fatalf("got %q, %v; want ErrRemote", got, err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("error %q lost the handler's message", err)
	}
}

type panickyHook struct{}

func (panickyHook) OnDispatchStart(context.Context, erpc.DispatchInfo) (context.Context, erpc.HookToken) {
	panic("start")
}

func (panickyHook) OnDispatchEnd(context.Context, erpc.HookToken, erpc.DispatchInfo, *erpc.CallStatistics, error) {
	panic("end")
}

func TestPanickingHookIsContained(t *testing.T) {
	skipRace(t)
	f := newFixture(t, fixtureConfig{hook: panickyHook{}})
	ch := f.connect(t, 1, 0)
	sc, _ := ch.PickSubchan()
	got, err := erpc.UnaryCall(testContext(t), erpc.NewClient(sc), echoMethod, []byte("still"), ch.NewBuffers(16, 16))
	if err != nil || string(got) != "still" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestServerShutdownFailsLateCalls(t *testing.T) {
	skipRace(t)
	f := newFixture(t, fixtureConfig{})
	ch := f.connect(t, 1, 0)
	sc, _ := ch.PickSubchan()
	ctx := testContext(t)
	c := erpc.NewClient(sc)

	if err := f.server.Shutdown(ctx); err != nil {
		t.Fatalf("server shutdown: %v", err)
	}
	if err := f.server.Shutdown(ctx); err != nil {
		t.Fatalf("second server shutdown: %v", err)
	}
	if got, err := erpc.UnaryCall(ctx, c, echoMethod, []byte("anyone?"), ch.NewBuffers(16, 16)); !errors.Is(err, erpc.ErrRemote) {
		t.Fatalf("echo after shutdown: got %q, %v; want ErrRemote", got, err)
	}
	if _, err := erpc.UnaryCall(ctx, c, greetMethod, greeting{}, ch.NewBuffers(64, 64)); !errors.Is(err, erpc.ErrRemote) {
		t.Fatalf("greet after shutdown: got %v, want ErrRemote", err)
	}
}

// A shutdown whose context ends while a handler runs cancels the handler;
// its failure still reaches the caller and a later Shutdown completes.
func TestServerShutdownWithRunningHandler(t *testing.T) {
	skipRace(t)
	gate := make(chan struct{})
	defer close(gate)
	var entered atomix.Uint32
	f := newFixture(t, fixtureConfig{services: []*erpc.Service{gatedService(gate, &entered)}})
	ch := f.connect(t, 1, 0)
	sc, _ := ch.PickSubchan()

	result := make(chan error, 1)
	go func() {
		_, err := erpc.UnaryCall(testContext(t), erpc.NewClient(sc), echoMethod, []byte("held"), ch.NewBuffers(16, 16))
		result <- err
	}()
	eventually(t, 5*time.Second, func() bool { return entered.Load() == 1 })

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := f.server.Shutdown(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("shutdown with a running handler: got %v, want DeadlineExceeded", err)
	}
	select {
	case err := <-result:
		if !errors.Is(err, erpc.ErrRemote) {
			t.Fatalf("cancelled handler: got %v, want ErrRemote", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("call never completed")
	}
	if err := f.server.Shutdown(testContext(t)); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}

// Closing an environment that serves and calls itself waits for the
// running handler and delivers its response.
func TestEnvironmentCloseWaitsForHandler(t *testing.T) {
	skipRace(t)
	gate := make(chan struct{})
	var entered atomix.Uint32
	nexus, err := loopback.NewFabric().NewNexus("self:31870")
	if err != nil {
		t.Fatalf("nexus: %v", err)
	}
	env := erpc.NewEnvBuilder(nexus).ChanCount(1).IdleBackoff(true).Logger(discardLogger()).Build()
	ctx := testContext(t)
	srv, err := erpc.NewServerBuilder(env, 0).RegisterService(gatedService(gate, &entered)).Build(ctx)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	ch, err := erpc.NewChannelBuilder(env, 0).SubchanCount(1).RemoteRpcID(srv.RpcID()).Connect(ctx, srv.URI())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	sc, _ := ch.PickSubchan()

	type reply struct {
		got []byte
		err error
	}
	result := make(chan reply, 1)
	go func() {
		got, err := erpc.UnaryCall(ctx, erpc.NewClient(sc), echoMethod, []byte("held"), ch.NewBuffers(16, 16))
		result <- reply{got, err}
	}()
	eventually(t, 5*time.Second, func() bool { return entered.Load() == 1 })

	closed := make(chan error, 1)
	go func() { closed <- env.Close(ctx) }()
	select {
	case err := <-closed:
		t.Fatalf("Close returned %v while a handler was running", err)
	case <-time.After(20 * time.Millisecond):
	}
	close(gate)

	select {
	case r := <-result:
		if r.err != nil || string(r.got) != "held" {
			t.Fatalf("call: got %q, %v", r.got, r.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("call never completed")
	}
	if err := <-closed; err != nil {
		t.Fatalf("env close: %v", err)
	}
	select {
	case <-ch.Done():
	default:
		t.Fatalf("channel not shut down by Close")
	}
}

func TestMethodRegisteredTwice(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("duplicate method id did not panic")
		}
	}()
	b := erpc.NewServiceBuilder()
	erpc.AddUnary(b, greetMethod, func(_ context.Context, g greeting) (greeting, error) { return g, nil })
	erpc.AddUnary(b, failMethod, func(_ context.Context, g greeting) (greeting, error) { return g, nil })
	erpc.AddUnary(b, erpc.Method[greeting, greeting]{ID: greetMethod.ID, Name: "dup", Request: greetMethod.Request, Response: greetMethod.Response},
		func(_ context.Context, g greeting) (greeting, error) { return g, nil })
}

func TestSecondServerRejected(t *testing.T) {
	skipRace(t)
	f := newFixture(t, fixtureConfig{})
	_, err := erpc.NewServerBuilder(f.srvEnv, 0).RegisterService(testService()).Build(testContext(t))
	if !errors.Is(err, erpc.ErrInternal) {
		t.Fatalf("got %v, want ErrInternal", err)
	}
}

const abortChildEnv = "ERPC_ABORT_CHILD"

// A panicking handler ends the whole process with AbortExitCode.
func TestHandlerPanicAborts(t *testing.T) {
	skipRace(t)
	if os.Getenv(abortChildEnv) == "1" {
		b := erpc.NewServiceBuilder()
		erpc.AddUnary(b, echoMethod, func(context.Context, []byte) ([]byte, error) {
			panic("handler bug")
		})
		f := newFixture(t, fixtureConfig{
			services: []*erpc.Service{b.Build()},
			logger:   slog.New(slog.NewTextHandler(os.Stderr, nil)),
		})
		ch := f.connect(t, 1, 0)
		sc, _ := ch.PickSubchan()
		_, _ = erpc.UnaryCall(testContext(t), erpc.NewClient(sc), echoMethod, []byte("boom"), ch.NewBuffers(16, 16))
		t.Fatalf("process survived a handler panic")
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestHandlerPanicAborts$")
	cmd.Env = append(os.Environ(), abortChildEnv+"=1")
	out, err := cmd.CombinedOutput()
	var exit *exec.ExitError
	if !errors.As(err, &exit) {
		t.Fatalf("child: %v\n%s", err, out)
	}
	if code := exit.ExitCode(); code != erpc.AbortExitCode {
		t.Fatalf("exit code: got %d, want %d\n%s", code, erpc.AbortExitCode, out)
	}
}
