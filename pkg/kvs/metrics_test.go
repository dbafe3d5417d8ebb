package kvs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/KevoDB/flashkv/pkg/stats"
	"github.com/KevoDB/flashkv/pkg/telemetry"
)

func TestOperationStats(t *testing.T) {
	collector := stats.NewAtomicCollector()
	rec := telemetry.NewForTesting()
	kvs, _ := newTestStore(t, func(o *Options) {
		o.Stats = collector
		o.Telemetry = rec
	})

	mustPut(t, kvs, "a", "1")
	mustPut(t, kvs, "b", "2")
	if err := kvs.Put("", []byte("x")); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("Expected ErrInvalidArgument, got %v", err)
	}

	buf := make([]byte, 8)
	if _, err := kvs.Get("a", buf, 0); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, err := kvs.Get("missing", buf, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if err := kvs.Delete("b"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	got := collector.GetStats()
	counts := map[string]uint64{
		"init_ops":   1,
		"put_ops":    3,
		"get_ops":    2,
		"delete_ops": 1,
	}
	for name, want := range counts {
		if got[name] != want {
			t.Errorf("Expected %s = %d, got %v", name, want, got[name])
		}
	}

	errs, ok := got["errors"].(map[string]uint64)
	if !ok {
		t.Fatalf("Expected an error map, got %T", got["errors"])
	}
	if errs["put_error"] != 1 {
		t.Errorf("Expected 1 put error, got %d", errs["put_error"])
	}
	if _, ok := errs["get_error"]; ok {
		t.Error("Expected missing keys not to count as errors")
	}

	s := kvs.GetStorageStats()
	if got["in_use_bytes"] != uint64(s.InUseBytes) {
		t.Errorf("Expected in_use_bytes %d, got %v", s.InUseBytes, got["in_use_bytes"])
	}
	if got["writable_bytes"] != uint64(s.WritableBytes) {
		t.Errorf("Expected writable_bytes %d, got %v", s.WritableBytes, got["writable_bytes"])
	}

	if ops := rec.Counter("flashkv.kvs.operations.total"); ops != 7 {
		t.Errorf("Expected 7 operations recorded, got %d", ops)
	}
	if spans := rec.Spans("kvs.init"); spans != 1 {
		t.Errorf("Expected 1 init span, got %d", spans)
	}
	samples := rec.Samples("flashkv.storage.in_use_bytes")
	if len(samples) == 0 || samples[len(samples)-1] != float64(s.InUseBytes) {
		t.Errorf("Expected last in-use sample %d, got %v", s.InUseBytes, samples)
	}
}

func TestMaintenanceStats(t *testing.T) {
	collector := stats.NewAtomicCollector()
	rec := telemetry.NewForTesting()
	kvs, _ := newTestStore(t, func(o *Options) {
		o.Stats = collector
		o.Telemetry = rec
	})

	mustPut(t, kvs, "k0", value46(0))
	mustPut(t, kvs, "k0", value46(1))
	if err := kvs.HeavyMaintenance(); err != nil {
		t.Fatalf("HeavyMaintenance failed: %v", err)
	}

	got := collector.GetStats()
	if got["heavy_maintenance_ops"] != uint64(1) {
		t.Errorf("Expected 1 heavy maintenance, got %v", got["heavy_maintenance_ops"])
	}
	if erases, _ := got["sector_erase_count"].(uint64); erases == 0 {
		t.Error("Expected sector erases to be counted")
	}
	if relocated, _ := got["relocated_entries"].(uint64); relocated == 0 {
		t.Error("Expected relocated entries to be counted")
	}

	erases, _ := got["sector_erase_count"].(uint64)
	if n := rec.Counter("flashkv.flash.erase.count"); n != int64(erases) {
		t.Errorf("Expected %d erases in telemetry, got %d", erases, n)
	}
	if rec.Spans("kvs.gc") == 0 || rec.Spans("kvs.heavy_maintenance") != 1 {
		t.Errorf("Expected gc and heavy maintenance spans, got %d and %d",
			rec.Spans("kvs.gc"), rec.Spans("kvs.heavy_maintenance"))
	}
}

func TestNoopMetrics(t *testing.T) {
	m := NewNoopMetrics()
	ctx := context.Background()

	m.RecordOperation(ctx, telemetry.OpTypePut, time.Millisecond, nil)
	m.RecordGarbageCollection(ctx, 1, 3, time.Millisecond)
	m.RecordErase(ctx, 1)
	m.RecordCorruption(ctx, 1, "checksum")
	m.RecordInit(ctx, time.Millisecond, 10, 0)
	m.RecordStorage(ctx, StorageStats{})

	if err := m.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestMetricsWithTelemetry(t *testing.T) {
	rec := telemetry.NewForTesting()
	m := NewMetrics(rec, 2)
	ctx := context.Background()

	m.RecordOperation(ctx, telemetry.OpTypeGet, time.Millisecond, ErrNotFound)
	m.RecordOperation(ctx, telemetry.OpTypePut, time.Millisecond, errors.New("boom"))
	m.RecordStorage(ctx, StorageStats{WritableBytes: 10, InUseBytes: 20})
	m.RecordCorruption(ctx, 1, "checksum")
	m.RecordInit(ctx, time.Millisecond, 5, 0)

	if n := rec.Counter("flashkv.kvs.operations.total"); n != 2 {
		t.Errorf("Expected 2 operations, got %d", n)
	}
	if n := rec.Counter("flashkv.corruption.count"); n != 1 {
		t.Errorf("Expected 1 corruption, got %d", n)
	}
	if n := rec.Counter("flashkv.init.entries"); n != 5 {
		t.Errorf("Expected 5 init entries, got %d", n)
	}
	if n := rec.Counter("flashkv.init.corrupt_sectors"); n != 0 {
		t.Errorf("Expected no corrupt sector counter, got %d", n)
	}
	if samples := rec.Samples("flashkv.storage.in_use_bytes"); len(samples) != 1 || samples[0] != 20 {
		t.Errorf("Expected in-use sample 20, got %v", samples)
	}

	if err := m.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
