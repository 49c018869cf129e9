// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"code.hybscloud.com/erpc"
	"code.hybscloud.com/erpc/loopback"
	erpcotel "code.hybscloud.com/erpc/otel"
	"golang.org/x/sync/errgroup"
)

const (
	serverURI = "bench-server:31850"
	clientURI = "bench-client:31851"
	// zstd frame overhead allowance for compressed payloads
	frameSlack = 64
)

// windowAggregator folds the poll windows of all client threads.
type windowAggregator struct {
	mu        sync.Mutex
	windows   int
	completed uint64
	rxBytes   uint64
	txBytes   uint64
	reTx      uint64
	worstP99  float64
}

func (a *windowAggregator) ObserveWindow(_ context.Context, s erpc.WindowStats) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.windows++
	a.completed += s.Completed
	a.rxBytes += s.RxBytes
	a.txBytes += s.TxBytes
	a.reTx += s.ReTx
	if s.Completed > 0 {
		a.worstP99 = max(a.worstP99, s.P99Usec)
	}
}

type result struct {
	Calls       uint64        `yaml:"calls"`
	Errors      uint64        `yaml:"errors"`
	Elapsed     time.Duration `yaml:"elapsed"`
	CallsPerSec float64       `yaml:"calls_per_sec"`
	P50         time.Duration `yaml:"p50"`
	P99         time.Duration `yaml:"p99"`
	P999        time.Duration `yaml:"p999"`

	Windows         int     `yaml:"windows"`
	WindowCompleted uint64  `yaml:"window_completed"`
	RxBytes         uint64  `yaml:"rx_bytes"`
	TxBytes         uint64  `yaml:"tx_bytes"`
	ReTx            uint64  `yaml:"retx"`
	WorstWindowP99  float64 `yaml:"worst_window_p99_us"`

	Requests          uint64 `yaml:"requests"`
	Served            uint64 `yaml:"served"`
	SessionsCreated   uint64 `yaml:"sessions_created"`
	SessionsDestroyed uint64 `yaml:"sessions_destroyed"`
}

func echoMethod(cfg benchConfig) erpc.Method[[]byte, []byte] {
	m := erpc.Method[[]byte, []byte]{
		ID:       1,
		Name:     "bench.Echo",
		Request:  erpc.BytesMarshaller(),
		Response: erpc.BytesMarshaller(),
	}
	if cfg.Compress {
		raw := max(cfg.ReqSize, cfg.RespSize)
		m.Request = erpc.Compressed(m.Request, raw)
		m.Response = erpc.Compressed(m.Response, raw)
	}
	return m
}

func payload(n int) []byte {
	return bytes.Repeat([]byte("erpc"), n/4+1)[:n]
}

// worker keeps one call in flight on its subchannel until ctx ends.
type worker struct {
	sc     *erpc.SubChannel
	method erpc.Method[[]byte, []byte]
	req    []byte
	bufs   *erpc.Buffers
	calls  uint64
	errs   uint64
	lat    []time.Duration
}

func (w *worker) run(ctx context.Context) error {
	c := erpc.NewClient(w.sc)
	for ctx.Err() == nil {
		start := time.Now()
		_, err := erpc.UnaryCall(ctx, c, w.method, w.req, w.bufs)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.errs++
			if errors.Is(err, erpc.ErrChannel) || errors.Is(err, erpc.ErrInternal) {
				return err
			}
			continue
		}
		w.calls++
		w.lat = append(w.lat, time.Since(start))
	}
	return nil
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := min(int(math.Floor(float64(len(sorted))*q)), len(sorted)-1)
	return sorted[i]
}

// bench runs one benchmark and tears everything down before returning.
func bench(ctx context.Context, cfg benchConfig, log *slog.Logger, tel *telemetry) (result, error) {
	var res result
	fabric := loopback.NewFabric()
	srvNexus, err := fabric.NewNexus(serverURI, loopback.WithCredits(cfg.Credits))
	if err != nil {
		return res, err
	}
	cliOpts := []loopback.Option{loopback.WithCredits(cfg.Credits)}
	if cfg.Reorder {
		cliOpts = append(cliOpts, loopback.WithReorder(uint64(time.Now().UnixNano())))
	}
	cliNexus, err := fabric.NewNexus(clientURI, cliOpts...)
	if err != nil {
		return res, err
	}

	agg := &windowAggregator{}
	var obs erpc.StatsObserver = agg
	if tel.enabled {
		o, err := erpcotel.NewStatsObserver(tel.cfg)
		if err != nil {
			return res, err
		}
		o.Next = agg
		obs = o
	}

	srvEnv := erpc.NewEnvBuilder(srvNexus).
		ChanCount(1).
		NamePrefix("bench-srv").
		IdleBackoff(true).
		Logger(log).
		Build()
	cliEnv := erpc.NewEnvBuilder(cliNexus).
		ChanCount(cfg.Threads).
		NamePrefix("bench-cli").
		TimeoutMS(cfg.WindowMS).
		StatsObserver(obs).
		Logger(log).
		Build()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := errors.Join(cliEnv.Close(closeCtx), srvEnv.Close(closeCtx)); err != nil {
			log.Error("close environments", "err", err)
		}
	}()

	method := echoMethod(cfg)
	resp := payload(cfg.RespSize)
	svc := erpc.NewServiceBuilder()
	erpc.AddUnary(svc, method, func(context.Context, []byte) ([]byte, error) {
		return resp, nil
	})
	sb := erpc.NewServerBuilder(srvEnv, 0).
		RegisterService(svc.Build()).
		MaxRespSize(cfg.RespSize + frameSlack)
	if tel.enabled {
		if sb, err = erpcotel.InstrumentServer(sb, tel.cfg); err != nil {
			return res, err
		}
	}
	srv, err := sb.Build(ctx)
	if err != nil {
		return res, fmt.Errorf("start server: %w", err)
	}

	var workers []*worker
	var channels []*erpc.Channel
	req := payload(cfg.ReqSize)
	for range cfg.Channels {
		ch, err := erpc.NewChannelBuilder(cliEnv, 0).
			SubchanCount(cfg.Subchannels).
			RemoteRpcID(srv.RpcID()).
			Connect(ctx, srv.URI())
		if err != nil {
			return res, fmt.Errorf("connect: %w", err)
		}
		channels = append(channels, ch)
		for {
			sc, ok := ch.PickSubchan()
			if !ok {
				break
			}
			for range cfg.Concurrency {
				workers = append(workers, &worker{
					sc:     sc,
					method: method,
					req:    req,
					bufs:   ch.NewBuffers(cfg.ReqSize+frameSlack, cfg.RespSize+frameSlack),
				})
			}
		}
	}
	log.Info("benchmark started", "workers", len(workers), "duration", cfg.Duration)

	runCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	start := time.Now()
	for _, w := range workers {
		g.Go(func() error { return w.run(gctx) })
	}
	runErr := g.Wait()
	res.Elapsed = time.Since(start)

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	for _, ch := range channels {
		if err := ch.Shutdown(shutCtx); err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("shutdown channel: %w", err))
		}
	}
	if err := srv.Shutdown(shutCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("shutdown server: %w", err))
	}

	var lat []time.Duration
	for _, w := range workers {
		res.Calls += w.calls
		res.Errors += w.errs
		lat = append(lat, w.lat...)
	}
	slices.Sort(lat)
	res.P50 = percentile(lat, 0.5)
	res.P99 = percentile(lat, 0.99)
	res.P999 = percentile(lat, 0.999)
	if s := res.Elapsed.Seconds(); s > 0 {
		res.CallsPerSec = float64(res.Calls) / s
	}

	agg.mu.Lock()
	res.Windows = agg.windows
	res.WindowCompleted = agg.completed
	res.RxBytes = agg.rxBytes
	res.TxBytes = agg.txBytes
	res.ReTx = agg.reTx
	res.WorstWindowP99 = agg.worstP99
	agg.mu.Unlock()

	c := cliNexus.Counters()
	res.Requests = c.Requests
	res.SessionsCreated = c.SessionsCreated
	res.SessionsDestroyed = c.SessionsDestroyed
	res.Served = srvNexus.Counters().Served
	return res, runErr
}
