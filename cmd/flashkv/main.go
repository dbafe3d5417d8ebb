package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/chzyer/readline"

	"github.com/KevoDB/flashkv/pkg/common/log"
	"github.com/KevoDB/flashkv/pkg/config"
	"github.com/KevoDB/flashkv/pkg/flash"
	"github.com/KevoDB/flashkv/pkg/kvs"
	"github.com/KevoDB/flashkv/pkg/stats"
	"github.com/KevoDB/flashkv/pkg/telemetry"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".exit"),
	readline.PcItem(".stats"),
	readline.PcItem(".storage"),
	readline.PcItem(".maintenance",
		readline.PcItem("heavy"),
	),
	readline.PcItem(".debug"),
	readline.PcItem(".export"),
	readline.PcItem(".import"),
	readline.PcItem(".images"),
	readline.PcItem("PUT"),
	readline.PcItem("GET"),
	readline.PcItem("DELETE"),
	readline.PcItem("SIZE"),
	readline.PcItem("SCAN",
		readline.PcItem("SUFFIX"),
	),
)

// Flags holds the command line settings. Zero values mean "not set".
type Flags struct {
	Dir        string
	ConfigPath string
	ImagePath  string
	SectorSize int
	Sectors    int
	Alignment  int
	Redundancy int
	Recovery   string
	LogLevel   string
}

func main() {
	flags := parseFlags()

	cfg, manifest, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %s\n", err)
		os.Exit(1)
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	logger := log.NewStandardLogger(log.WithLevel(level), log.WithOutput(os.Stderr))

	telCfg := cfg.Telemetry
	telCfg.LoadFromEnv()
	tel, err := telemetry.New(telCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting telemetry: %s\n", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error shutting down telemetry: %s\n", err)
		}
	}()

	part, err := flash.OpenFilePartition(cfg.ImagePath, cfg.Geometry())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening flash image: %s\n", err)
		os.Exit(1)
	}
	defer part.Close()

	opts, err := kvs.OptionsFromConfig(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	opts.Stats = stats.NewAtomicCollector()
	opts.Telemetry = tel

	store, err := kvs.New(part, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating store: %s\n", err)
		os.Exit(1)
	}

	fmt.Printf("Opening flash image at %s\n", cfg.ImagePath)
	if err := store.Init(); err != nil {
		// The store stays readable; maintenance may still bring it back
		fmt.Fprintf(os.Stderr, "Warning: %s (state %s)\n", err, store.State())
	}

	sh := newShell(store, part, manifest, opts.Stats, logger, os.Stdout)
	runInteractive(sh, cfg.ImagePath)

	if err := part.Sync(); err != nil {
		fmt.Fprintf(os.Stderr, "Error syncing flash image: %s\n", err)
	}
}

// parseFlags parses command line flags
func parseFlags() Flags {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "flashkv - A key-value store for flash partitions\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: flashkv [options] [store_dir]\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "The store directory holds the flash image and its MANIFEST.\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Geometry flags only apply when the store is created.\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\nFor the list of commands, start flashkv and type .help\n")
	}

	var f Flags
	flag.StringVar(&f.ConfigPath, "config", "", "JSON configuration file used when creating a store")
	flag.StringVar(&f.ImagePath, "image", "", "Path of the flash image file")
	flag.IntVar(&f.SectorSize, "sector-size", 0, "Sector size in bytes (default 4096)")
	flag.IntVar(&f.Sectors, "sectors", 0, "Number of sectors (default 4)")
	flag.IntVar(&f.Alignment, "alignment", 0, "Write alignment in bytes (default 16)")
	flag.IntVar(&f.Redundancy, "redundancy", 0, "Copies kept of every entry (default 1)")
	flag.StringVar(&f.Recovery, "recovery", "", "Recovery policy: immediate, lazy or manual (default lazy)")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level: debug, info, warn or error (default info)")
	flag.Parse()

	f.Dir = "."
	if flag.NArg() > 0 {
		f.Dir = flag.Arg(0)
	}
	return f
}

// loadConfig returns the configuration of the store in f.Dir, creating its
// manifest on first use. Flags override the stored configuration.
func loadConfig(f Flags) (*config.Config, *config.Manifest, error) {
	if err := os.MkdirAll(f.Dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	manifest, err := config.LoadManifest(f.Dir)
	switch {
	case err == config.ErrManifestNotFound:
		cfg := config.NewDefaultConfig(f.Dir)
		if f.ConfigPath != "" {
			if cfg, err = config.LoadConfig(f.ConfigPath); err != nil {
				return nil, nil, err
			}
		}
		var applyErr error
		cfg.Update(func(c *config.Config) { applyErr = f.apply(c) })
		if applyErr != nil {
			return nil, nil, applyErr
		}

		if manifest, err = config.NewManifest(f.Dir, cfg); err != nil {
			return nil, nil, err
		}
		if err := manifest.Save(); err != nil {
			return nil, nil, err
		}

	case err != nil:
		return nil, nil, err

	default:
		if f.ConfigPath != "" {
			fmt.Fprintf(os.Stderr, "Warning: store exists, ignoring -config %s\n", f.ConfigPath)
		}
		if f.changes() {
			var applyErr error
			if err := manifest.UpdateConfig(func(c *config.Config) { applyErr = f.apply(c) }); err != nil {
				return nil, nil, err
			}
			if applyErr != nil {
				return nil, nil, applyErr
			}
			if err := manifest.Save(); err != nil {
				return nil, nil, err
			}
		}
	}

	return manifest.GetConfig(), manifest, nil
}

// changes reports whether any flag overrides the stored configuration
func (f Flags) changes() bool {
	return f.ImagePath != "" || f.SectorSize != 0 || f.Sectors != 0 || f.Alignment != 0 ||
		f.Redundancy != 0 || f.Recovery != "" || f.LogLevel != ""
}

// apply copies the flags that were set into c. UpdateConfig rejects
// geometry changes once the store exists.
func (f Flags) apply(c *config.Config) error {
	if f.ImagePath != "" {
		c.ImagePath = f.ImagePath
	}
	if f.SectorSize != 0 {
		c.SectorSize = f.SectorSize
	}
	if f.Sectors != 0 {
		c.SectorCount = f.Sectors
	}
	if f.Alignment != 0 {
		c.Alignment = f.Alignment
	}
	if f.Redundancy != 0 {
		c.Redundancy = f.Redundancy
	}
	if f.Recovery != "" {
		policy, err := config.ParseRecoveryPolicy(f.Recovery)
		if err != nil {
			return err
		}
		c.Recovery = policy
	}
	if f.LogLevel != "" {
		if _, err := log.ParseLevel(f.LogLevel); err != nil {
			return err
		}
		c.LogLevel = f.LogLevel
	}
	return nil
}

// runInteractive starts the interactive shell
func runInteractive(sh *shell, imagePath string) {
	fmt.Println("flashkv version 0.1.0")
	fmt.Println("Enter .help for usage hints.")

	historyFile := filepath.Join(os.TempDir(), ".flashkv_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("flashkv:%s> ", filepath.Base(imagePath)),
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					break
				}
				continue
			} else if readErr == io.EOF {
				fmt.Println("Goodbye!")
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			continue
		}

		if sh.execute(line) {
			fmt.Println("Goodbye!")
			return
		}
	}
}
