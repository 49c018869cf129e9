// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command erpc-bench drives echo calls through in-process loopback
// engines and reports throughput and latency.
//
//	erpc-bench run --threads 4 --subchannels 8 --concurrency 16 --duration 5s
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
