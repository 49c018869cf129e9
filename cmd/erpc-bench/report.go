// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("57")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(22)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

type row struct {
	label string
	value string
}

func section(title string, rows []row) string {
	lines := []string{sectionStyle.Render(title)}
	for _, r := range rows {
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top,
			labelStyle.Render(r.label),
			valueStyle.Render(r.value),
		))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func usec(v float64) string { return strconv.FormatFloat(v, 'f', 1, 64) + "µs" }

func renderReport(cfg benchConfig, r result) string {
	setup := section("Setup", []row{
		{"threads", strconv.Itoa(cfg.Threads)},
		{"channels x sessions", fmt.Sprintf("%d x %d", cfg.Channels, cfg.Subchannels)},
		{"calls in flight", strconv.Itoa(cfg.Channels * cfg.Subchannels * cfg.Concurrency)},
		{"request / response", fmt.Sprintf("%dB / %dB", cfg.ReqSize, cfg.RespSize)},
		{"compress / reorder", fmt.Sprintf("%t / %t", cfg.Compress, cfg.Reorder)},
	})
	calls := []row{
		{"completed", strconv.FormatUint(r.Calls, 10)},
		{"elapsed", r.Elapsed.Round(1e6).String()},
		{"throughput", fmt.Sprintf("%.0f calls/s", r.CallsPerSec)},
		{"p50 / p99 / p99.9", fmt.Sprintf("%v / %v / %v", r.P50, r.P99, r.P999)},
	}
	errs := strconv.FormatUint(r.Errors, 10)
	if r.Errors > 0 {
		errs = errorStyle.Render(errs)
	}
	calls = append(calls, row{"errors", errs})
	engine := section("Engine", []row{
		{"poll windows", strconv.Itoa(r.Windows)},
		{"window completions", strconv.FormatUint(r.WindowCompleted, 10)},
		{"rx / tx bytes", fmt.Sprintf("%d / %d", r.RxBytes, r.TxBytes)},
		{"retransmissions", strconv.FormatUint(r.ReTx, 10)},
		{"worst window p99", usec(r.WorstWindowP99)},
		{"requests / served", fmt.Sprintf("%d / %d", r.Requests, r.Served)},
		{"sessions", fmt.Sprintf("%d created, %d destroyed", r.SessionsCreated, r.SessionsDestroyed)},
	})
	body := lipgloss.JoinVertical(lipgloss.Left,
		setup, "",
		section("Calls", calls), "",
		engine,
	)
	return lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("erpc-bench"),
		boxStyle.Render(body),
	)
}

type yamlReport struct {
	Config benchConfig `yaml:"config"`
	Result result      `yaml:"result"`
}

func writeReport(w io.Writer, format string, cfg benchConfig, r result) error {
	switch strings.ToLower(format) {
	case "", "table":
		_, err := fmt.Fprintln(w, renderReport(cfg, r))
		return err
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(yamlReport{Config: cfg, Result: r}); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown output format %q", format)
}
