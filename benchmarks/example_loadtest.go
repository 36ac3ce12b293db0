//go:build ignore
// +build ignore

// Example load test runner
// Run with: go run example_loadtest.go
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ajitpratap0/bsp-sdk-go/benchmarks"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/logging"
)

func main() {
	fmt.Println("=== BSP Session Load Test Example ===")

	fmt.Println("\n1. Running light load test (10 sessions, 100 requests each)...")
	run(benchmarks.LoadTestConfig{
		Sessions:           10,
		RequestsPerSession: 100,
		Duration:           30 * time.Second,
		RampUpTime:         2 * time.Second,
		OperationMix:       benchmarks.OperationMix{Compile: 50, Test: 20, BuildTargets: 20, Sources: 10},
		ReportInterval:     2 * time.Second,
	})

	fmt.Println("\n2. Running compile-heavy test (25 sessions, 64 files per target)...")
	run(benchmarks.LoadTestConfig{
		Sessions:           25,
		RequestsPerSession: 200,
		Duration:           60 * time.Second,
		RampUpTime:         5 * time.Second,
		OperationMix:       benchmarks.OperationMix{Compile: 90, BuildTargets: 10},
		FilesPerTarget:     64,
		ReportInterval:     5 * time.Second,
	})

	fmt.Println("\n3. Running rate-limited test (25 sessions, 100 req/s)...")
	result := run(benchmarks.LoadTestConfig{
		Sessions:           25,
		RequestsPerSession: 200,
		RateLimit:          100,
		Duration:           30 * time.Second,
		ReportInterval:     5 * time.Second,
	})
	if result.RequestsPerSecond > 110 {
		fmt.Printf("WARNING: Rate limiting may not be working correctly. Expected ~100 req/s, got %.2f req/s\n",
			result.RequestsPerSecond)
	}
}

func run(config benchmarks.LoadTestConfig) *benchmarks.LoadTestResult {
	config.Logger = logging.New(os.Stderr, logging.NewTextFormatter())

	result, err := benchmarks.NewLoadTester(config).Run(context.Background())
	if err != nil {
		log.Fatalf("Load test failed: %v", err)
	}
	result.PrintResults(os.Stdout)
	if result.FailedRequests > 0 {
		fmt.Printf("WARNING: %d requests failed\n", result.FailedRequests)
	}
	return result
}
