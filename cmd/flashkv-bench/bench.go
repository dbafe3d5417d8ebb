package main

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/KevoDB/flashkv/pkg/config"
	"github.com/KevoDB/flashkv/pkg/flash"
	"github.com/KevoDB/flashkv/pkg/kvs"
)

// benchConfig describes the store every benchmark runs against
type benchConfig struct {
	Geometry   flash.Geometry
	Redundancy int
	GCOnWrite  config.GCPolicy
	NumKeys    int
	ValueSize  int
	Duration   time.Duration

	// MaxOps stops a benchmark early; zero means run for Duration
	MaxOps int
}

// benchmarkFunc runs one benchmark against a freshly initialized store
type benchmarkFunc func(*kvs.KeyValueStore, *flash.MemoryPartition, benchConfig) BenchmarkResult

func openStore(bc benchConfig) (*kvs.KeyValueStore, *flash.MemoryPartition, error) {
	part, err := flash.NewMemoryPartition(bc.Geometry)
	if err != nil {
		return nil, nil, err
	}

	opts := kvs.DefaultOptions()
	opts.Redundancy = bc.Redundancy
	opts.GCOnWrite = bc.GCOnWrite
	if bc.NumKeys > opts.MaxEntries {
		opts.MaxEntries = bc.NumKeys
	}

	store, err := kvs.New(part, opts)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Init(); err != nil {
		return nil, nil, err
	}
	return store, part, nil
}

func generateKey(i int) string {
	return fmt.Sprintf("key-%06d", i)
}

func makeValue(size, seed int) []byte {
	value := make([]byte, size)
	for i := range value {
		value[i] = byte((i + seed) % 256)
	}
	return value
}

func (bc benchConfig) done(start time.Time, ops int) bool {
	if bc.MaxOps > 0 {
		return ops >= bc.MaxOps
	}
	return time.Since(start) >= bc.Duration
}

// fill writes every key once
func fill(store *kvs.KeyValueStore, bc benchConfig) error {
	for i := 0; i < bc.NumKeys; i++ {
		if err := store.Put(generateKey(i), makeValue(bc.ValueSize, i)); err != nil {
			return fmt.Errorf("filling key #%d: %w", i, err)
		}
	}
	return nil
}

func newResult(typ string, bc benchConfig, ops int, elapsed time.Duration) BenchmarkResult {
	r := BenchmarkResult{
		BenchmarkType: typ,
		NumKeys:       bc.NumKeys,
		ValueSize:     bc.ValueSize,
		Redundancy:    bc.Redundancy,
		GCPolicy:      bc.GCOnWrite.String(),
		Operations:    ops,
		Duration:      elapsed.Seconds(),
		Timestamp:     time.Now(),
	}
	if ops > 0 && elapsed > 0 {
		r.Throughput = float64(ops) / elapsed.Seconds()
		r.Latency = float64(elapsed.Microseconds()) / float64(ops)
	}
	return r
}

func recordWear(r *BenchmarkResult, part *flash.MemoryPartition) {
	counts := part.EraseCounts()
	if len(counts) == 0 {
		return
	}
	r.MinErases, r.MaxErases = counts[0], counts[0]
	for _, c := range counts {
		r.TotalErases += uint64(c)
		if c < r.MinErases {
			r.MinErases = c
		}
		if c > r.MaxErases {
			r.MaxErases = c
		}
	}
}

// runWriteBenchmark overwrites keys round-robin, forcing garbage collection
func runWriteBenchmark(store *kvs.KeyValueStore, part *flash.MemoryPartition, bc benchConfig) BenchmarkResult {
	fmt.Println("Running Write Benchmark...")

	start := time.Now()
	ops, errs := 0, 0
	for !bc.done(start, ops+errs) {
		if err := store.Put(generateKey(ops%bc.NumKeys), makeValue(bc.ValueSize, ops)); err != nil {
			errs++
			if errors.Is(err, kvs.ErrResourceExhausted) {
				break
			}
			continue
		}
		ops++
	}

	r := newResult("Write", bc, ops, time.Since(start))
	r.Errors = errs
	recordWear(&r, part)
	return r
}

// runReadBenchmark reads random keys from a filled store
func runReadBenchmark(store *kvs.KeyValueStore, part *flash.MemoryPartition, bc benchConfig) BenchmarkResult {
	fmt.Println("Running Read Benchmark...")

	if err := fill(store, bc); err != nil {
		r := newResult("Read", bc, 0, 0)
		r.Errors = 1
		return r
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	buf := make([]byte, bc.ValueSize)
	hits := 0
	start := time.Now()
	ops := 0
	for !bc.done(start, ops) {
		// Half the lookups miss
		key := generateKey(rng.Intn(bc.NumKeys * 2))
		if _, err := store.Get(key, buf, 0); err == nil {
			hits++
		}
		ops++
	}

	r := newResult("Read", bc, ops, time.Since(start))
	if ops > 0 {
		r.HitRate = float64(hits) / float64(ops) * 100
	}
	recordWear(&r, part)
	return r
}

// runMixedBenchmark interleaves reads and writes at 3:1
func runMixedBenchmark(store *kvs.KeyValueStore, part *flash.MemoryPartition, bc benchConfig) BenchmarkResult {
	fmt.Println("Running Mixed Benchmark...")

	if err := fill(store, bc); err != nil {
		r := newResult("Mixed", bc, 0, 0)
		r.Errors = 1
		return r
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	buf := make([]byte, bc.ValueSize)
	start := time.Now()
	ops, errs := 0, 0
	for !bc.done(start, ops) {
		key := generateKey(rng.Intn(bc.NumKeys))
		var err error
		if ops%4 == 3 {
			err = store.Put(key, makeValue(bc.ValueSize, ops))
		} else {
			_, err = store.Get(key, buf, 0)
		}
		if err != nil {
			errs++
		}
		ops++
	}

	r := newResult("Mixed", bc, ops, time.Since(start))
	r.Errors = errs
	r.ReadRatio, r.WriteRatio = 75, 25
	recordWear(&r, part)
	return r
}

// runChurnBenchmark writes and deletes keys with periodic heavy maintenance
func runChurnBenchmark(store *kvs.KeyValueStore, part *flash.MemoryPartition, bc benchConfig) BenchmarkResult {
	fmt.Println("Running Churn Benchmark...")

	start := time.Now()
	ops, errs := 0, 0
	for !bc.done(start, ops) {
		key := generateKey(ops % bc.NumKeys)
		var err error
		if (ops/bc.NumKeys)%2 == 0 {
			err = store.Put(key, makeValue(bc.ValueSize, ops))
		} else {
			err = store.Delete(key)
		}
		if err != nil && !errors.Is(err, kvs.ErrNotFound) {
			errs++
		}
		ops++

		if ops%(bc.NumKeys*4) == 0 {
			if err := store.HeavyMaintenance(); err != nil {
				errs++
			}
		}
	}

	r := newResult("Churn", bc, ops, time.Since(start))
	r.Errors = errs
	recordWear(&r, part)
	return r
}
