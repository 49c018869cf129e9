// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package erpc

import (
	"context"
	"log/slog"
	"math"
	"slices"

	"code.hybscloud.com/erpc/engine"
)

// WindowStats summarizes one poll window of one engine thread.
type WindowStats struct {
	Thread string
	// WindowUsec is the measured window length.
	WindowUsec float64
	// Completed counts client calls resolved in the window.
	Completed uint64
	// RxBytes counts response bytes received and request bytes served.
	RxBytes uint64
	// TxBytes counts request bytes sent and response bytes served.
	TxBytes uint64
	RxGbps  float64
	TxGbps  float64
	ReTx    uint64
	// Call latency percentiles in microseconds, from submission to
	// completion. With no completed calls they equal the window budget.
	P50Usec  float64
	P99Usec  float64
	P999Usec float64
}

// StatsObserver receives the statistics of every poll window. It is called
// from engine threads and must be safe for concurrent use.
type StatsObserver interface {
	ObserveWindow(ctx context.Context, s WindowStats)
}

// LogObserver logs window statistics at Info level.
type LogObserver struct {
	Logger *slog.Logger
}

func (o LogObserver) ObserveWindow(ctx context.Context, s WindowStats) {
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	log.InfoContext(ctx, "rpc window",
		"thread", s.Thread,
		"completed", s.Completed,
		"rx_gbps", s.RxGbps,
		"tx_gbps", s.TxGbps,
		"retx", s.ReTx,
		"p50_us", s.P50Usec,
		"p99_us", s.P99Usec,
		"p999_us", s.P999Usec,
	)
}

// windowStats accumulates one window on an engine thread.
type windowStats struct {
	enabled   bool
	lat       []float64
	completed uint64
	rxBytes   uint64
	txBytes   uint64
}

func (w *windowStats) complete(cycles uint64, freqGHz float64, reqBytes, respBytes int) {
	if !w.enabled {
		return
	}
	w.lat = append(w.lat, engine.ToUsec(cycles, freqGHz))
	w.completed++
	w.txBytes += uint64(reqBytes)
	w.rxBytes += uint64(respBytes)
}

func (w *windowStats) rx(n int) {
	if w.enabled {
		w.rxBytes += uint64(n)
	}
}

func (w *windowStats) tx(n int) {
	if w.enabled {
		w.txBytes += uint64(n)
	}
}

// snapshot computes the window summary and resets the accumulators.
func (w *windowStats) snapshot(thread string, windowUsec, budgetUsec float64, reTx uint64) WindowStats {
	s := WindowStats{
		Thread:     thread,
		WindowUsec: windowUsec,
		Completed:  w.completed,
		RxBytes:    w.rxBytes,
		TxBytes:    w.txBytes,
		ReTx:       reTx,
	}
	if windowUsec > 0 {
		// bits per microsecond / 1000 = Gbit/s
		s.RxGbps = float64(w.rxBytes) * 8 / windowUsec / 1000
		s.TxGbps = float64(w.txBytes) * 8 / windowUsec / 1000
	}
	if len(w.lat) == 0 {
		s.P50Usec, s.P99Usec, s.P999Usec = budgetUsec, budgetUsec, budgetUsec
	} else {
		slices.Sort(w.lat)
		s.P50Usec = percentile(w.lat, 0.5)
		s.P99Usec = percentile(w.lat, 0.99)
		s.P999Usec = percentile(w.lat, 0.999)
	}
	w.lat = w.lat[:0]
	w.completed, w.rxBytes, w.txBytes = 0, 0, 0
	return s
}

// percentile expects sorted samples.
func percentile(sorted []float64, q float64) float64 {
	i := int(math.Floor(float64(len(sorted)) * q))
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	return sorted[i]
}
