package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/KevoDB/flashkv/pkg/config"
	"github.com/KevoDB/flashkv/pkg/flash"
)

var (
	// Command line flags
	benchmarkType = flag.String("type", "all", "Type of benchmark to run (write, read, mixed, churn, or all)")
	duration      = flag.Duration("duration", 5*time.Second, "Duration to run each benchmark")
	numKeys       = flag.Int("keys", 64, "Number of distinct keys to use")
	valueSize     = flag.Int("value-size", 32, "Size of values in bytes")
	sectorSize    = flag.Int("sector-size", 4096, "Sector size in bytes")
	sectorCount   = flag.Int("sectors", 8, "Number of sectors")
	redundancy    = flag.Int("redundancy", 1, "Copies kept of every entry")
	gcPolicy      = flag.String("gc", "one_sector", "Garbage collection on write: disabled, one_sector or as_many_sectors_needed")
	cpuProfile    = flag.String("cpu-profile", "", "Write CPU profile to file")
	memProfile    = flag.String("mem-profile", "", "Write memory profile to file")
	resultsFile   = flag.String("results", "", "CSV file to write results to (in addition to stdout)")
)

func main() {
	flag.Parse()

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not start CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer pprof.StopCPUProfile()
	}

	policy, err := config.ParseGCPolicy(*gcPolicy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	bc := benchConfig{
		Geometry:   flash.Geometry{SectorSize: *sectorSize, SectorCount: *sectorCount, Alignment: 16},
		Redundancy: *redundancy,
		GCOnWrite:  policy,
		NumKeys:    *numKeys,
		ValueSize:  *valueSize,
		Duration:   *duration,
	}

	fmt.Printf("Benchmark Report (%s)\n", time.Now().Format(time.RFC3339))
	fmt.Printf("Partition: %d x %d bytes, Keys: %d, Value Size: %d bytes, Redundancy: %d, GC: %s\n",
		bc.Geometry.SectorCount, bc.Geometry.SectorSize, bc.NumKeys, bc.ValueSize, bc.Redundancy, policy)

	benchmarks := map[string]benchmarkFunc{
		"write": runWriteBenchmark,
		"read":  runReadBenchmark,
		"mixed": runMixedBenchmark,
		"churn": runChurnBenchmark,
	}
	order := []string{"write", "read", "mixed", "churn"}

	var types []string
	for _, typ := range strings.Split(*benchmarkType, ",") {
		typ = strings.ToLower(strings.TrimSpace(typ))
		if typ == "all" {
			types = append(types, order...)
			continue
		}
		if _, ok := benchmarks[typ]; !ok {
			fmt.Fprintf(os.Stderr, "Unknown benchmark type: %s\n", typ)
			os.Exit(1)
		}
		types = append(types, typ)
	}

	var results []BenchmarkResult
	for _, typ := range types {
		// Every benchmark starts from an erased partition
		store, part, err := openStore(bc)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create store: %v\n", err)
			os.Exit(1)
		}
		result := benchmarks[typ](store, part, bc)
		fmt.Println(result)
		results = append(results, result)
	}

	PrintResultTable(results)

	if *resultsFile != "" {
		if err := SaveResultCSV(results, *resultsFile); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write results to file: %v\n", err)
		}
	}

	if *memProfile != "" {
		f, err := os.Create(*memProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create memory profile: %v\n", err)
		} else {
			defer f.Close()
			runtime.GC() // Run GC before taking memory profile
			if err := pprof.WriteHeapProfile(f); err != nil {
				fmt.Fprintf(os.Stderr, "Could not write memory profile: %v\n", err)
			}
		}
	}
}
