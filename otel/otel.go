// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package erpcotel provides OpenTelemetry instrumentation for erpc.
//
// [InstrumentServer] installs an [erpc.DispatchHook] that opens a server
// span per request and records request counts and durations.
// [StatsObserver] exports the poll window statistics of engine threads as
// metrics.
//
// Usage:
//
//	sb := erpc.NewServerBuilder(env, 0).RegisterService(svc)
//	erpcotel.InstrumentServer(sb, erpcotel.DefaultConfig())
//	obs, _ := erpcotel.NewStatsObserver(erpcotel.DefaultConfig())
//	env := erpc.NewEnvBuilder(nexus).TimeoutMS(1).StatsObserver(obs).Build()
package erpcotel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"code.hybscloud.com/erpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "code.hybscloud.com/erpc"

const rpcSystem = "erpc"

// OtelConfig configures OpenTelemetry instrumentation.
type OtelConfig struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// EnableTracing enables span creation.
	EnableTracing bool
	// EnableMetrics enables counter and histogram recording.
	EnableMetrics bool
	// RecordExceptions calls RecordError on the span of a failed dispatch.
	RecordExceptions bool
	// ServiceName is the rpc.service attribute. Defaults to "erpc".
	ServiceName string
	// CustomAttributes are added to every span.
	CustomAttributes []attribute.KeyValue
}

// DefaultConfig enables tracing, metrics and exception recording with the
// global providers.
func DefaultConfig() OtelConfig {
	return OtelConfig{
		EnableTracing:    true,
		EnableMetrics:    true,
		RecordExceptions: true,
	}
}

func (cfg OtelConfig) resolve() OtelConfig {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = rpcSystem
	}
	return cfg
}

// InstrumentServer installs the hook returned by [NewDispatchHook] on b.
func InstrumentServer(b *erpc.ServerBuilder, cfg OtelConfig) (*erpc.ServerBuilder, error) {
	h, err := NewDispatchHook(cfg)
	if err != nil {
		return b, err
	}
	return b.DispatchHook(h), nil
}

// NewDispatchHook returns a dispatch hook that traces and meters every
// handled request.
func NewDispatchHook(cfg OtelConfig) (erpc.DispatchHook, error) {
	cfg = cfg.resolve()
	h := &otelHook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}
	if !cfg.EnableMetrics {
		return h, nil
	}
	meter := cfg.MeterProvider.Meter(instrumentationName)
	var err, e error
	h.requestCounter, e = meter.Int64Counter("rpc.server.requests",
		metric.WithUnit("{request}"),
		metric.WithDescription("Number of RPC requests"),
	)
	err = errors.Join(err, e)
	h.durationHistogram, e = meter.Float64Histogram("rpc.server.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of RPC requests"),
	)
	err = errors.Join(err, e)
	h.bytesCounter, e = meter.Int64Counter("rpc.server.bytes",
		metric.WithUnit("By"),
		metric.WithDescription("Request and response payload bytes"),
	)
	err = errors.Join(err, e)
	return h, err
}

type otelHook struct {
	cfg               OtelConfig
	tracer            trace.Tracer
	requestCounter    metric.Int64Counter
	durationHistogram metric.Float64Histogram
	bytesCounter      metric.Int64Counter
}

// spanToken is the HookToken returned by OnDispatchStart.
type spanToken struct {
	span      trace.Span
	startTime time.Time
}

func (h *otelHook) OnDispatchStart(ctx context.Context, info erpc.DispatchInfo) (context.Context, erpc.HookToken) {
	if !h.cfg.EnableTracing {
		return ctx, &spanToken{startTime: time.Now()}
	}
	attrs := []attribute.KeyValue{
		attribute.String("rpc.system", rpcSystem),
		attribute.String("rpc.service", h.cfg.ServiceName),
		attribute.String("rpc.method", info.Method),
		attribute.Int("rpc.erpc.method_id", int(info.MethodID)),
		attribute.String("rpc.erpc.thread", info.Thread),
		attribute.String("server.address", info.ServerURI),
	}
	attrs = append(attrs, h.cfg.CustomAttributes...)
	ctx, span := h.tracer.Start(ctx, rpcSystem+"/"+info.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	return ctx, &spanToken{span: span, startTime: time.Now()}
}

func (h *otelHook) OnDispatchEnd(ctx context.Context, token erpc.HookToken, info erpc.DispatchInfo, stats *erpc.CallStatistics, err error) {
	st, ok := token.(*spanToken)
	if !ok {
		return
	}
	duration := time.Since(st.startTime)

	status := "ok"
	if err != nil {
		status = "error"
	}
	if h.cfg.EnableMetrics {
		attrs := metric.WithAttributes(
			attribute.String("rpc.system", rpcSystem),
			attribute.String("rpc.service", h.cfg.ServiceName),
			attribute.String("rpc.method", info.Method),
			attribute.String("status", status),
		)
		if h.requestCounter != nil {
			h.requestCounter.Add(ctx, 1, attrs)
		}
		if h.durationHistogram != nil {
			h.durationHistogram.Record(ctx, duration.Seconds(), attrs)
		}
		if h.bytesCounter != nil && stats != nil {
			h.bytesCounter.Add(ctx, stats.RequestBytes, metric.WithAttributes(
				attribute.String("rpc.method", info.Method),
				attribute.String("direction", "request"),
			))
			h.bytesCounter.Add(ctx, stats.ResponseBytes, metric.WithAttributes(
				attribute.String("rpc.method", info.Method),
				attribute.String("direction", "response"),
			))
		}
	}

	if st.span == nil || !st.span.IsRecording() {
		return
	}
	if stats != nil {
		st.span.SetAttributes(
			attribute.Int64("rpc.erpc.request_bytes", stats.RequestBytes),
			attribute.Int64("rpc.erpc.response_bytes", stats.ResponseBytes),
		)
	}
	if err != nil {
		st.span.SetStatus(codes.Error, err.Error())
		if h.cfg.RecordExceptions {
			st.span.RecordError(err)
		}
		errType := fmt.Sprintf("%T", err)
		var rpcErr *erpc.Error
		if errors.As(err, &rpcErr) {
			errType = rpcErr.Kind.String()
		}
		st.span.SetAttributes(attribute.String("rpc.erpc.error_type", errType))
	} else {
		st.span.SetStatus(codes.Ok, "")
	}
	st.span.End()
}
