package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/KevoDB/flashkv/pkg/common/iterator"
	"github.com/KevoDB/flashkv/pkg/common/iterator/filtered"
	"github.com/KevoDB/flashkv/pkg/common/log"
	"github.com/KevoDB/flashkv/pkg/config"
	"github.com/KevoDB/flashkv/pkg/flash"
	"github.com/KevoDB/flashkv/pkg/kvs"
	"github.com/KevoDB/flashkv/pkg/stats"
)

const helpText = `
flashkv - A key-value store for flash partitions.

Usage:
  flashkv [options] [store_dir]  - Open or create the store in store_dir

Commands:
  .help                   - Show this help message
  .exit                   - Exit the program
  .stats                  - Show operation statistics
  .storage                - Show partition usage
  .maintenance [heavy]    - Run full (or heavy) maintenance
  .debug                  - Dump sector and key descriptors to the log
  .export FILE [codec]    - Write a partition image (codec: none, zstd, snappy)
  .import FILE            - Replace the partition with an image and reload
  .images                 - List exported images recorded in the manifest

  PUT key value           - Store a key-value pair
  GET key                 - Retrieve a value by key
  DELETE key              - Delete a key
  SIZE                    - Show the number of keys

  SCAN                    - Scan all key-value pairs
  SCAN prefix             - Scan key-value pairs with given prefix
  SCAN SUFFIX suffix      - Scan key-value pairs with given suffix
`

// shell runs interactive commands against one store
type shell struct {
	store     *kvs.KeyValueStore
	partition flash.Partition
	manifest  *config.Manifest
	stats     stats.Collector
	logger    log.Logger
	out       io.Writer
}

func newShell(store *kvs.KeyValueStore, p flash.Partition, m *config.Manifest, collector stats.Collector, logger log.Logger, out io.Writer) *shell {
	return &shell{store: store, partition: p, manifest: m, stats: collector, logger: logger, out: out}
}

func (sh *shell) printf(format string, args ...interface{}) {
	fmt.Fprintf(sh.out, format, args...)
}

// execute runs one command line and returns true when the shell should exit
func (sh *shell) execute(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToUpper(parts[0])

	if strings.HasPrefix(cmd, ".") {
		switch strings.ToLower(cmd) {
		case ".help":
			sh.printf("%s", helpText)
		case ".exit":
			return true
		case ".stats":
			sh.printStats()
		case ".storage":
			sh.printStorage()
		case ".maintenance":
			heavy := len(parts) > 1 && strings.EqualFold(parts[1], "heavy")
			sh.maintenance(heavy)
		case ".debug":
			level := sh.logger.GetLevel()
			sh.logger.SetLevel(log.LevelDebug)
			sh.store.LogDebugInfo()
			sh.logger.SetLevel(level)
		case ".export":
			if len(parts) < 2 {
				sh.printf("Error: Missing file argument\n")
				return false
			}
			codec := ""
			if len(parts) > 2 {
				codec = parts[2]
			}
			sh.export(parts[1], codec)
		case ".import":
			if len(parts) < 2 {
				sh.printf("Error: Missing file argument\n")
				return false
			}
			sh.importImage(parts[1])
		case ".images":
			sh.printImages()
		default:
			sh.printf("Unknown command: %s\n", strings.ToLower(cmd))
		}
		return false
	}

	switch cmd {
	case "PUT":
		if len(parts) < 3 {
			sh.printf("Error: PUT requires key and value arguments\n")
			return false
		}
		if err := sh.store.Put(parts[1], []byte(strings.Join(parts[2:], " "))); err != nil {
			sh.printf("Error putting value: %s\n", err)
			return false
		}
		sh.printf("Value stored\n")

	case "GET":
		if len(parts) < 2 {
			sh.printf("Error: GET requires a key argument\n")
			return false
		}
		val, err := sh.store.GetValue(parts[1])
		if err != nil {
			if errors.Is(err, kvs.ErrNotFound) {
				sh.printf("Key not found\n")
			} else {
				sh.printf("Error getting value: %s\n", err)
			}
			return false
		}
		sh.printf("%s\n", val)

	case "DELETE":
		if len(parts) < 2 {
			sh.printf("Error: DELETE requires a key argument\n")
			return false
		}
		if err := sh.store.Delete(parts[1]); err != nil {
			if errors.Is(err, kvs.ErrNotFound) {
				sh.printf("Key not found\n")
			} else {
				sh.printf("Error deleting key: %s\n", err)
			}
			return false
		}
		sh.printf("Key deleted\n")

	case "SIZE":
		sh.printf("%d keys (%d of %d index slots used)\n",
			sh.store.Size(), sh.store.TotalEntriesWithDeleted(), sh.store.MaxSize())

	case "SCAN":
		var it iterator.Iterator = sh.store.Items()
		switch {
		case len(parts) >= 3 && strings.ToUpper(parts[1]) == "SUFFIX":
			it = filtered.NewSuffixIterator(it, []byte(parts[2]))
		case len(parts) >= 2:
			it = filtered.NewPrefixIterator(it, []byte(parts[1]))
		}
		sh.scan(it)

	default:
		sh.printf("Unknown command: %s\n", cmd)
	}
	return false
}

func (sh *shell) scan(it iterator.Iterator) {
	start := time.Now()
	count := 0
	for it.Next() {
		value := it.Value()
		if value == nil && it.Err() != nil {
			continue
		}
		sh.printf("%s: %s\n", it.Key(), value)
		count++
	}
	if err := it.Err(); err != nil {
		sh.printf("Error during scan: %s\n", err)
	}
	sh.printf("%d entries found (%.2f ms)\n", count, float64(time.Since(start).Microseconds())/1000.0)
}

func (sh *shell) maintenance(heavy bool) {
	start := time.Now()
	var err error
	if heavy {
		err = sh.store.HeavyMaintenance()
	} else {
		err = sh.store.FullMaintenance()
	}
	if err != nil {
		sh.printf("Error during maintenance: %s\n", err)
		return
	}
	sh.printf("Maintenance complete (%.2f ms), state %s\n",
		float64(time.Since(start).Microseconds())/1000.0, sh.store.State())
}

func (sh *shell) export(path, codecName string) {
	codec, err := flash.ParseCodec(codecName)
	if err != nil {
		sh.printf("Error: %s\n", err)
		return
	}

	f, err := os.Create(path)
	if err != nil {
		sh.printf("Error creating image: %s\n", err)
		return
	}
	n, err := flash.ExportImage(f, sh.partition, codec)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		sh.printf("Error exporting image: %s\n", err)
		return
	}

	if sh.manifest != nil {
		sh.manifest.AddImage(path, codec.String())
		if err := sh.manifest.Save(); err != nil {
			sh.printf("Warning: image not recorded in manifest: %s\n", err)
		}
	}
	sh.printf("Exported %d bytes to %s (%s)\n", n, path, codec)
}

func (sh *shell) importImage(path string) {
	f, err := os.Open(path)
	if err != nil {
		sh.printf("Error opening image: %s\n", err)
		return
	}
	defer f.Close()

	if err := flash.ImportImage(f, sh.partition); err != nil {
		sh.printf("Error importing image: %s\n", err)
		return
	}
	if err := sh.store.Init(); err != nil {
		sh.printf("Warning: %s (state %s)\n", err, sh.store.State())
	}
	sh.printf("Imported %s, %d keys\n", path, sh.store.Size())
}

func (sh *shell) printImages() {
	if sh.manifest == nil {
		sh.printf("No manifest\n")
		return
	}
	images := sh.manifest.GetImages()
	if len(images) == 0 {
		sh.printf("No images exported\n")
		return
	}
	for _, img := range images {
		sh.printf("  • %s (%s, %s)\n", img.Path, img.Codec, time.Unix(img.Timestamp, 0).Format(time.RFC3339))
	}
}

func (sh *shell) printStorage() {
	s := sh.store.GetStorageStats()
	sh.printf("💾 Storage:\n")
	sh.printf("  • State: %s\n", sh.store.State())
	sh.printf("  • Writable Bytes: %d\n", s.WritableBytes)
	sh.printf("  • In Use Bytes: %d\n", s.InUseBytes)
	sh.printf("  • Reclaimable Bytes: %d\n", s.ReclaimableBytes)
	sh.printf("  • Sector Erases: %d\n", s.SectorEraseCount)
	sh.printf("  • Corrupt Sectors Recovered: %d\n", s.CorruptSectorsRecovered)
	sh.printf("  • Missing Copies Recovered: %d\n", s.MissingRedundantEntriesRecovered)
	sh.printf("  • Transactions: %d\n", sh.store.TransactionCount())
}

func (sh *shell) printStats() {
	if sh.stats == nil {
		sh.printf("No statistics collected\n")
		return
	}
	s := sh.stats.GetStats()

	sh.printf("📊 Operations:\n")
	for _, op := range []struct{ label, key string }{
		{"Puts", "put_ops"},
		{"Gets", "get_ops"},
		{"Deletes", "delete_ops"},
		{"Scans", "scan_ops"},
		{"Maintenance", "maintenance_ops"},
		{"Heavy Maintenance", "heavy_maintenance_ops"},
		{"Garbage Collections", "gc_ops"},
		{"Repairs", "repair_ops"},
	} {
		sh.printf("  • %s: %d\n", op.label, getUint64(s, op.key, 0))
	}

	if latency, ok := s["put_latency"].(map[string]interface{}); ok {
		sh.printf("\n⚡ Latency:\n")
		if avgNs, ok := latency["avg_ns"].(uint64); ok {
			sh.printf("  • Put avg: %.2f ms\n", float64(avgNs)/1000000.0)
		}
		if getLatency, ok := s["get_latency"].(map[string]interface{}); ok {
			if avgNs, ok := getLatency["avg_ns"].(uint64); ok {
				sh.printf("  • Get avg: %.2f ms\n", float64(avgNs)/1000000.0)
			}
		}
	}

	sh.printf("\n💾 Flash:\n")
	sh.printf("  • Total Bytes Read: %d\n", getUint64(s, "total_bytes_read", 0))
	sh.printf("  • Total Bytes Written: %d\n", getUint64(s, "total_bytes_written", 0))
	sh.printf("  • Sector Erases: %d\n", getUint64(s, "sector_erase_count", 0))
	sh.printf("  • Corrupt Sectors: %d\n", getUint64(s, "corrupt_sector_count", 0))
	sh.printf("  • Relocated Entries: %d\n", getUint64(s, "relocated_entries", 0))

	if recovery, ok := s["recovery"].(map[string]interface{}); ok {
		sh.printf("\n🔄 Last Init Scan:\n")
		sh.printf("  • Sectors Scanned: %d\n", getUint64(recovery, "sectors_scanned", 0))
		sh.printf("  • Entries Found: %d\n", getUint64(recovery, "entries_recovered", 0))
		sh.printf("  • Corrupt Sectors: %d\n", getUint64(recovery, "corrupt_sectors", 0))
		if ms, ok := recovery["duration_ms"].(int64); ok {
			sh.printf("  • Duration: %d ms\n", ms)
		}
	}

	sh.printf("\n⚠️ Errors:\n")
	errs, _ := s["errors"].(map[string]uint64)
	if len(errs) == 0 {
		sh.printf("  • None\n")
		return
	}
	names := make([]string, 0, len(errs))
	for name := range errs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sh.printf("  • %s: %d\n", toTitle(strings.ReplaceAll(name, "_", " ")), errs[name])
	}
}

// getUint64 reads a numeric stat, returning defaultVal if it is missing
func getUint64(m map[string]interface{}, key string, defaultVal uint64) uint64 {
	if val, ok := m[key]; ok {
		switch v := val.(type) {
		case uint64:
			return v
		case int64:
			return uint64(v)
		case int:
			return uint64(v)
		case float64:
			return uint64(v)
		}
	}
	return defaultVal
}

// toTitle capitalizes the first letter of each word
func toTitle(s string) string {
	prev := ' '
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(prev) {
			prev = r
			return unicode.ToUpper(r)
		}
		prev = r
		return r
	}, s)
}
