// Command pd-loadtest runs DHCPv6 prefix delegation load tests against a
// pdd server.
//
// Usage:
//
//	pd-loadtest -target '[ff02::1:2]:547' -interface eth1 -duration 60s -concurrency 50
//
// Besides throughput and latency it reports whether every client kept a
// single prefix and whether any prefix was handed to two clients.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/pdd/test/load"
)

func main() {
	defaults := load.DefaultConfig()

	target := flag.String("target", defaults.Target, "Server address (host:port), unicast or multicast")
	iface := flag.String("interface", defaults.Interface, "Interface for multicast and link-local targets")
	concurrency := flag.Int("concurrency", defaults.Concurrency, "Number of concurrent workers")
	duration := flag.Duration("duration", defaults.Duration, "Test duration")
	rps := flag.Int("rps", 0, "Target requests per second (0 = unlimited)")
	clients := flag.Int("clients", defaults.UniqueClients, "Number of unique client DUIDs")
	warmup := flag.Duration("warmup", defaults.WarmupDuration, "Warmup duration")
	readTimeout := flag.Duration("read-timeout", defaults.ReadTimeout, "Wait for each Reply")
	hopLimit := flag.Int("hop-limit", defaults.HopLimit, "Hop limit for multicast Solicits")
	minRPS := flag.Float64("min-rps", defaults.MinRPS, "Throughput target for -validate")
	maxP99 := flag.Duration("max-p99", defaults.MaxP99, "P99 latency target for -validate")
	jsonOutput := flag.Bool("json", false, "Output results as JSON")
	validateTargets := flag.Bool("validate", false, "Exit with non-zero if targets not met")
	verbose := flag.Bool("v", false, "Log progress and inconsistencies")

	flag.Parse()

	cfg := &load.BenchmarkConfig{
		Target:            *target,
		Interface:         *iface,
		Concurrency:       *concurrency,
		Duration:          *duration,
		RequestsPerSecond: *rps,
		UniqueClients:     *clients,
		WarmupDuration:    *warmup,
		ReadTimeout:       *readTimeout,
		HopLimit:          *hopLimit,
		MinRPS:            *minRPS,
		MaxP99:            *maxP99,
	}

	logger := zap.NewNop()
	if *verbose {
		var err error
		logger, err = zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
			os.Exit(1)
		}
		defer logger.Sync()
	}

	benchmark := load.NewBenchmark(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nInterrupted, stopping benchmark...")
		cancel()
	}()

	if !*jsonOutput {
		fmt.Println("Starting DHCPv6 Prefix Delegation Load Test")
		fmt.Printf("Target: %s\n", cfg.Target)
		fmt.Printf("Duration: %s (+ %s warmup)\n", cfg.Duration, cfg.WarmupDuration)
		fmt.Printf("Concurrency: %d workers\n", cfg.Concurrency)
		fmt.Printf("Unique Clients: %d\n", cfg.UniqueClients)
		fmt.Println()
	}

	result, err := benchmark.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Benchmark failed: %v\n", err)
		os.Exit(1)
	}

	if *jsonOutput {
		if err := printJSON(result); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode results: %v\n", err)
			os.Exit(1)
		}
	} else {
		result.PrintReport()
	}

	if *validateTargets {
		if !result.MeetsTargets() {
			fmt.Fprintln(os.Stderr, "\nWARNING: Performance targets not met!")
			os.Exit(1)
		}
		if !*jsonOutput {
			fmt.Println("\nAll performance targets met!")
		}
	}
}

type latencyReport struct {
	MinUS float64 `json:"min_us"`
	AvgUS float64 `json:"avg_us"`
	P50US float64 `json:"p50_us"`
	P95US float64 `json:"p95_us"`
	P99US float64 `json:"p99_us"`
	MaxUS float64 `json:"max_us"`
}

type report struct {
	DurationSeconds   float64       `json:"duration_seconds"`
	Requests          uint64        `json:"requests"`
	Responses         uint64        `json:"responses"`
	Errors            uint64        `json:"errors"`
	Timeouts          uint64        `json:"timeouts"`
	Mismatched        uint64        `json:"mismatched"`
	RequestsPerSecond float64       `json:"requests_per_second"`
	Latency           latencyReport `json:"latency"`
	UniquePrefixes    int           `json:"unique_prefixes"`
	Conflicts         uint64        `json:"conflicts"`
	Reassignments     uint64        `json:"reassignments"`
	Consistent        bool          `json:"consistent"`
	TargetsMet        bool          `json:"targets_met"`
}

func micros(d time.Duration) float64 {
	return float64(d) / float64(time.Microsecond)
}

func printJSON(result *load.BenchmarkResult) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report{
		DurationSeconds:   result.Duration.Seconds(),
		Requests:          result.Requests,
		Responses:         result.Responses,
		Errors:            result.Errors,
		Timeouts:          result.Timeouts,
		Mismatched:        result.Mismatched,
		RequestsPerSecond: result.RequestsPerSecond,
		Latency: latencyReport{
			MinUS: micros(result.LatencyMin),
			AvgUS: micros(result.LatencyAvg),
			P50US: micros(result.LatencyP50),
			P95US: micros(result.LatencyP95),
			P99US: micros(result.LatencyP99),
			MaxUS: micros(result.LatencyMax),
		},
		UniquePrefixes: result.UniquePrefixes,
		Conflicts:      result.Conflicts,
		Reassignments:  result.Reassignments,
		Consistent:     result.Consistent(),
		TargetsMet:     result.MeetsTargets(),
	})
}
