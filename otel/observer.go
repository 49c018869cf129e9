// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package erpcotel

import (
	"context"
	"errors"

	"code.hybscloud.com/erpc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// StatsObserver records engine thread poll windows as metrics. Counters
// accumulate across windows; gauges hold the latest window of each thread.
type StatsObserver struct {
	cfg OtelConfig
	// Next, if set, also receives every window.
	Next erpc.StatsObserver

	calls      metric.Int64Counter
	bytes      metric.Int64Counter
	retx       metric.Int64Counter
	throughput metric.Float64Gauge
	latency    metric.Float64Gauge
}

var _ erpc.StatsObserver = (*StatsObserver)(nil)

// NewStatsObserver creates the instruments on cfg's meter provider.
func NewStatsObserver(cfg OtelConfig) (*StatsObserver, error) {
	cfg = cfg.resolve()
	o := &StatsObserver{cfg: cfg}
	meter := cfg.MeterProvider.Meter(instrumentationName)
	var err, e error
	o.calls, e = meter.Int64Counter("rpc.client.calls",
		metric.WithUnit("{call}"),
		metric.WithDescription("Client calls completed by engine threads"),
	)
	err = errors.Join(err, e)
	o.bytes, e = meter.Int64Counter("rpc.engine.bytes",
		metric.WithUnit("By"),
		metric.WithDescription("Payload bytes moved by engine threads"),
	)
	err = errors.Join(err, e)
	o.retx, e = meter.Int64Counter("rpc.engine.retransmissions",
		metric.WithUnit("{packet}"),
		metric.WithDescription("Engine retransmissions"),
	)
	err = errors.Join(err, e)
	o.throughput, e = meter.Float64Gauge("rpc.engine.throughput",
		metric.WithUnit("Gbit/s"),
		metric.WithDescription("Throughput of the last poll window"),
	)
	err = errors.Join(err, e)
	o.latency, e = meter.Float64Gauge("rpc.client.latency",
		metric.WithUnit("us"),
		metric.WithDescription("Call latency percentiles of the last poll window"),
	)
	err = errors.Join(err, e)
	return o, err
}

func (o *StatsObserver) ObserveWindow(ctx context.Context, s erpc.WindowStats) {
	if o.cfg.EnableMetrics {
		thread := attribute.String("rpc.erpc.thread", s.Thread)
		o.calls.Add(ctx, int64(s.Completed), metric.WithAttributes(thread))
		o.bytes.Add(ctx, int64(s.RxBytes), metric.WithAttributes(thread, attribute.String("direction", "rx")))
		o.bytes.Add(ctx, int64(s.TxBytes), metric.WithAttributes(thread, attribute.String("direction", "tx")))
		o.retx.Add(ctx, int64(s.ReTx), metric.WithAttributes(thread))
		o.throughput.Record(ctx, s.RxGbps, metric.WithAttributes(thread, attribute.String("direction", "rx")))
		o.throughput.Record(ctx, s.TxGbps, metric.WithAttributes(thread, attribute.String("direction", "tx")))
		if s.Completed > 0 {
			o.latency.Record(ctx, s.P50Usec, metric.WithAttributes(thread, attribute.String("quantile", "0.5")))
			o.latency.Record(ctx, s.P99Usec, metric.WithAttributes(thread, attribute.String("quantile", "0.99")))
			o.latency.Record(ctx, s.P999Usec, metric.WithAttributes(thread, attribute.String("quantile", "0.999")))
		}
	}
	if o.Next != nil {
		o.Next.ObserveWindow(ctx, s)
	}
}
