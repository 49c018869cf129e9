// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	erpcotel "code.hybscloud.com/erpc/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// telemetry holds the OpenTelemetry providers of a run. Exporters write to
// the command's stderr.
type telemetry struct {
	enabled  bool
	cfg      erpcotel.OtelConfig
	shutdown func(context.Context) error
}

func setupTelemetry(w io.Writer, cfg benchConfig) (*telemetry, error) {
	if !cfg.Otel {
		return &telemetry{shutdown: func(context.Context) error { return nil }}, nil
	}
	mexp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("metric exporter: %w", err)
	}
	texp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(mexp, sdkmetric.WithInterval(time.Second))),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(texp),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.TraceRatio)),
	)
	oc := erpcotel.DefaultConfig()
	oc.MeterProvider = mp
	oc.TracerProvider = tp
	oc.ServiceName = "erpc-bench"
	return &telemetry{
		enabled: true,
		cfg:     oc,
		shutdown: func(ctx context.Context) error {
			return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
		},
	}, nil
}
