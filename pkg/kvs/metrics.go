// ABOUTME: Store telemetry metrics interface and implementation for tracking flash key-value operations
// ABOUTME: Provides instrumentation for operations, garbage collection, erases, corruption and initialization

package kvs

import (
	"context"
	"time"

	"github.com/KevoDB/flashkv/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Metrics defines the interface for store telemetry operations.
// All metrics are optional - implementations can safely be no-op.
type Metrics interface {
	telemetry.ComponentMetrics

	// RecordOperation records the outcome and duration of a public operation.
	RecordOperation(ctx context.Context, opType string, duration time.Duration, err error)

	// RecordGarbageCollection records one collected sector and the entries moved out of it.
	RecordGarbageCollection(ctx context.Context, sector int, relocated int, duration time.Duration)

	// RecordErase records a sector erase.
	RecordErase(ctx context.Context, sector int)

	// RecordCorruption records a sector being marked corrupt.
	RecordCorruption(ctx context.Context, sector int, reason string)

	// RecordInit records the result of scanning the partition.
	RecordInit(ctx context.Context, duration time.Duration, entries int, corruptSectors int)

	// RecordStorage records the current partition usage.
	RecordStorage(ctx context.Context, stats StorageStats)
}

// kvsMetrics implements Metrics using the telemetry interface.
type kvsMetrics struct {
	tel        telemetry.Telemetry
	redundancy int
}

// NewMetrics creates a new store metrics implementation.
// If tel is nil, returns a no-op implementation.
func NewMetrics(tel telemetry.Telemetry, redundancy int) Metrics {
	if tel == nil {
		return &noopMetrics{}
	}
	return &kvsMetrics{tel: tel, redundancy: redundancy}
}

// NewNoopMetrics creates a no-op metrics implementation for testing.
func NewNoopMetrics() Metrics {
	return &noopMetrics{}
}

// RecordOperation records operation count and latency.
func (m *kvsMetrics) RecordOperation(ctx context.Context, opType string, duration time.Duration, err error) {
	status := telemetry.StatusSuccess
	if err != nil {
		status = telemetry.StatusError
	}

	m.tel.RecordHistogram(ctx, "flashkv.kvs.operation.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentKVS),
		attribute.String(telemetry.AttrOperationType, opType),
	)

	m.tel.RecordCounter(ctx, "flashkv.kvs.operations.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentKVS),
		attribute.String(telemetry.AttrOperationType, opType),
		attribute.String(telemetry.AttrStatus, status),
		attribute.Int(telemetry.AttrRedundancy, m.redundancy),
	)
}

// RecordGarbageCollection records sector collection metrics.
func (m *kvsMetrics) RecordGarbageCollection(ctx context.Context, sector int, relocated int, duration time.Duration) {
	m.tel.RecordHistogram(ctx, "flashkv.gc.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentSectors),
	)

	m.tel.RecordCounter(ctx, "flashkv.gc.relocated_entries", int64(relocated),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentSectors),
		attribute.Int(telemetry.AttrSector, sector),
	)
}

// RecordErase records a sector erase.
func (m *kvsMetrics) RecordErase(ctx context.Context, sector int) {
	m.tel.RecordCounter(ctx, "flashkv.flash.erase.count", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentFlash),
		attribute.Int(telemetry.AttrSector, sector),
	)
}

// RecordCorruption records corruption detection.
func (m *kvsMetrics) RecordCorruption(ctx context.Context, sector int, reason string) {
	m.tel.RecordCounter(ctx, "flashkv.corruption.count", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentSectors),
		attribute.Int(telemetry.AttrSector, sector),
		attribute.String(telemetry.AttrReason, reason),
	)
}

// RecordInit records initialization metrics.
func (m *kvsMetrics) RecordInit(ctx context.Context, duration time.Duration, entries int, corruptSectors int) {
	m.tel.RecordHistogram(ctx, "flashkv.init.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentKVS),
	)

	m.tel.RecordCounter(ctx, "flashkv.init.entries", int64(entries),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentKVS),
	)

	if corruptSectors > 0 {
		m.tel.RecordCounter(ctx, "flashkv.init.corrupt_sectors", int64(corruptSectors),
			attribute.String(telemetry.AttrComponent, telemetry.ComponentKVS),
		)
	}
}

// RecordStorage records partition usage as histogram samples.
func (m *kvsMetrics) RecordStorage(ctx context.Context, stats StorageStats) {
	attrs := attribute.String(telemetry.AttrComponent, telemetry.ComponentKVS)
	m.tel.RecordHistogram(ctx, "flashkv.storage.in_use_bytes", float64(stats.InUseBytes), attrs)
	m.tel.RecordHistogram(ctx, "flashkv.storage.reclaimable_bytes", float64(stats.ReclaimableBytes), attrs)
	m.tel.RecordHistogram(ctx, "flashkv.storage.writable_bytes", float64(stats.WritableBytes), attrs)
}

// Close releases any resources held by the metrics implementation.
func (m *kvsMetrics) Close() error {
	return nil
}

// noopMetrics provides a no-operation implementation for testing or disabled telemetry.
type noopMetrics struct{}

// RecordOperation is a no-op.
func (n *noopMetrics) RecordOperation(ctx context.Context, opType string, duration time.Duration, err error) {
}

// RecordGarbageCollection is a no-op.
func (n *noopMetrics) RecordGarbageCollection(ctx context.Context, sector int, relocated int, duration time.Duration) {
}

// RecordErase is a no-op.
func (n *noopMetrics) RecordErase(ctx context.Context, sector int) {}

// RecordCorruption is a no-op.
func (n *noopMetrics) RecordCorruption(ctx context.Context, sector int, reason string) {}

// RecordInit is a no-op.
func (n *noopMetrics) RecordInit(ctx context.Context, duration time.Duration, entries int, corruptSectors int) {
}

// RecordStorage is a no-op.
func (n *noopMetrics) RecordStorage(ctx context.Context, stats StorageStats) {}

// Close is a no-op.
func (n *noopMetrics) Close() error {
	return nil
}
