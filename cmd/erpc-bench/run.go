// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an echo benchmark",
	Long: `Run keeps concurrency calls in flight on every subchannel of every channel
for the configured duration, then prints a report. Flags override the
config file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig(cmd.Flags())
		if err != nil {
			return err
		}
		log, err := newLogger(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
		defer stop()

		tel, err := setupTelemetry(cmd.ErrOrStderr(), cfg)
		if err != nil {
			return err
		}
		res, runErr := bench(ctx, cfg, log, tel)
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.shutdown(shutCtx); err != nil {
			log.Error("telemetry shutdown", "err", err)
		}
		if err := writeReport(cmd.OutOrStdout(), outputFormat, cfg, res); err != nil {
			return errors.Join(runErr, err)
		}
		return runErr
	},
}

func init() {
	d := defaultConfig()
	f := runCmd.Flags()
	f.Int("threads", d.Threads, "client engine threads")
	f.Int("channels", d.Channels, "channels to open")
	f.Int("subchannels", d.Subchannels, "sessions per channel")
	f.Int("concurrency", d.Concurrency, "calls in flight per subchannel")
	f.Int("req-size", d.ReqSize, "request payload bytes")
	f.Int("resp-size", d.RespSize, "response payload bytes")
	f.Duration("duration", d.Duration, "benchmark duration")
	f.Float64("window-ms", d.WindowMS, "engine poll window in milliseconds, 0 disables window statistics")
	f.Int("credits", d.Credits, "loopback session credits")
	f.Bool("reorder", d.Reorder, "deliver loopback responses out of order")
	f.Bool("compress", d.Compress, "zstd-compress payloads")
	f.Bool("otel", d.Otel, "export OpenTelemetry metrics and traces to stderr")
	f.Float64("trace-ratio", d.TraceRatio, "share of requests traced with --otel")
	rootCmd.AddCommand(runCmd)
}

// resolveConfig loads --config and applies every flag set on the command
// line.
func resolveConfig(flags *pflag.FlagSet) (benchConfig, error) {
	cfg, err := loadConfig(cfgFile)
	if err != nil {
		return cfg, err
	}
	ints := map[string]*int{
		"threads":     &cfg.Threads,
		"channels":    &cfg.Channels,
		"subchannels": &cfg.Subchannels,
		"concurrency": &cfg.Concurrency,
		"req-size":    &cfg.ReqSize,
		"resp-size":   &cfg.RespSize,
		"credits":     &cfg.Credits,
	}
	for name, dst := range ints {
		if flags.Changed(name) {
			*dst, _ = flags.GetInt(name)
		}
	}
	bools := map[string]*bool{
		"reorder":  &cfg.Reorder,
		"compress": &cfg.Compress,
		"otel":     &cfg.Otel,
	}
	for name, dst := range bools {
		if flags.Changed(name) {
			*dst, _ = flags.GetBool(name)
		}
	}
	if flags.Changed("duration") {
		cfg.Duration, _ = flags.GetDuration("duration")
	}
	if flags.Changed("window-ms") {
		cfg.WindowMS, _ = flags.GetFloat64("window-ms")
	}
	if flags.Changed("trace-ratio") {
		cfg.TraceRatio, _ = flags.GetFloat64("trace-ratio")
	}
	return cfg, cfg.validate()
}
