package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// BenchmarkResult stores the results of a benchmark
type BenchmarkResult struct {
	BenchmarkType string
	NumKeys       int
	ValueSize     int
	Redundancy    int
	GCPolicy      string
	Operations    int
	Errors        int
	Duration      float64
	Throughput    float64
	Latency       float64 // Microseconds per operation
	HitRate       float64 // For read benchmarks
	ReadRatio     float64 // For mixed benchmarks
	WriteRatio    float64 // For mixed benchmarks
	TotalErases   uint64
	MinErases     uint32
	MaxErases     uint32
	Timestamp     time.Time
}

// String formats the result for the console
func (r BenchmarkResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s Benchmark Results:", r.BenchmarkType)
	fmt.Fprintf(&b, "\n  Operations: %d (%d errors)", r.Operations, r.Errors)
	fmt.Fprintf(&b, "\n  Time: %.2f seconds", r.Duration)
	fmt.Fprintf(&b, "\n  Throughput: %.2f ops/sec", r.Throughput)
	fmt.Fprintf(&b, "\n  Latency: %.3f µs/op", r.Latency)
	if r.BenchmarkType == "Read" {
		fmt.Fprintf(&b, "\n  Hit Rate: %.2f%%", r.HitRate)
	}
	fmt.Fprintf(&b, "\n  Sector Erases: %d (min %d, max %d per sector)", r.TotalErases, r.MinErases, r.MaxErases)
	return b.String()
}

// SaveResultCSV saves benchmark results to a CSV file
func SaveResultCSV(results []BenchmarkResult, filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{
		"Timestamp", "BenchmarkType", "NumKeys", "ValueSize", "Redundancy", "GCPolicy",
		"Operations", "Errors", "Duration", "Throughput", "Latency", "HitRate",
		"ReadRatio", "WriteRatio", "TotalErases", "MinErases", "MaxErases",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range results {
		record := []string{
			r.Timestamp.Format(time.RFC3339),
			r.BenchmarkType,
			strconv.Itoa(r.NumKeys),
			strconv.Itoa(r.ValueSize),
			strconv.Itoa(r.Redundancy),
			r.GCPolicy,
			strconv.Itoa(r.Operations),
			strconv.Itoa(r.Errors),
			fmt.Sprintf("%.2f", r.Duration),
			fmt.Sprintf("%.2f", r.Throughput),
			fmt.Sprintf("%.3f", r.Latency),
			fmt.Sprintf("%.2f", r.HitRate),
			fmt.Sprintf("%.1f", r.ReadRatio),
			fmt.Sprintf("%.1f", r.WriteRatio),
			strconv.FormatUint(r.TotalErases, 10),
			strconv.FormatUint(uint64(r.MinErases), 10),
			strconv.FormatUint(uint64(r.MaxErases), 10),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// PrintResultTable prints a formatted table of benchmark results
func PrintResultTable(results []BenchmarkResult) {
	if len(results) == 0 {
		fmt.Println("No results to display")
		return
	}

	fmt.Println("+-----------------+--------+---------+------------+----------+----------+-----------+")
	fmt.Println("| Benchmark Type  | Keys   | ValSize | Throughput | Latency  | Hit Rate | Erases    |")
	fmt.Println("+-----------------+--------+---------+------------+----------+----------+-----------+")

	for _, r := range results {
		hitRateStr := "-"
		if r.BenchmarkType == "Read" {
			hitRateStr = fmt.Sprintf("%.2f%%", r.HitRate)
		} else if r.BenchmarkType == "Mixed" {
			hitRateStr = fmt.Sprintf("R:%.0f/W:%.0f", r.ReadRatio, r.WriteRatio)
		}

		latencyUnit := "µs"
		latency := r.Latency
		if latency > 1000 {
			latencyUnit = "ms"
			latency /= 1000
		}

		fmt.Printf("| %-15s | %6d | %7d | %10.2f | %6.2f%s | %8s | %4d-%-4d |\n",
			r.BenchmarkType,
			r.NumKeys,
			r.ValueSize,
			r.Throughput,
			latency, latencyUnit,
			hitRateStr,
			r.MinErases, r.MaxErases)
	}
	fmt.Println("+-----------------+--------+---------+------------+----------+----------+-----------+")
}
