// Package config loads the daemon's environment/file configuration and
// watches it for live changes, the way the teacher's command-line
// entrypoint loads and reloads `.env`/`system.json` (spec SPEC_FULL.md
// AMBIENT STACK).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds every environment-tunable setting the daemon needs at
// startup. Fields are deliberately flat; this is a leaf configuration
// object, not a layered settings tree.
type Config struct {
	DataDir            string
	SQLitePath         string
	AdapterPackageDirs []string
	LogLevel           string
	LogPretty          bool
	HTTPAddr           string
}

const (
	envDataDir    = "HOLMSD_DATA_DIR"
	envSQLitePath = "HOLMSD_SQLITE_PATH"
	envPackageDir = "HOLMSD_ADAPTER_DIRS" // colon-separated
	envLogLevel   = "HOLMSD_LOG_LEVEL"
	envLogPretty  = "HOLMSD_LOG_PRETTY"
	envHTTPAddr   = "HOLMSD_HTTP_ADDR"
)

func defaults() Config {
	return Config{
		DataDir:            "./data",
		SQLitePath:         "./data/holms.db",
		AdapterPackageDirs: []string{"./adapters"},
		LogLevel:           "info",
		LogPretty:          false,
		HTTPAddr:           "127.0.0.1:9090",
	}
}

// Load reads envFile (if it exists) via godotenv into the process
// environment, then builds a Config from environment variables,
// falling back to defaults for anything unset.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return Config{}, fmt.Errorf("config: load %s: %w", envFile, err)
			}
		}
	}

	cfg := defaults()
	if v := os.Getenv(envDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(envSQLitePath); v != "" {
		cfg.SQLitePath = v
	}
	if v := os.Getenv(envPackageDir); v != "" {
		cfg.AdapterPackageDirs = strings.Split(v, ":")
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(envLogPretty); v != "" {
		pretty, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", envLogPretty, err)
		}
		cfg.LogPretty = pretty
	}
	if v := os.Getenv(envHTTPAddr); v != "" {
		cfg.HTTPAddr = v
	}
	return cfg, nil
}

// Watcher reloads Config from envFile whenever the file changes on
// disk and hands the new value to onReload.
type Watcher struct {
	mu      sync.Mutex
	envFile string
	current Config
}

// NewWatcher starts watching envFile's parent directory (editors often
// replace rather than write-in-place, which a direct file watch can
// miss) and calls onReload with the freshly loaded Config on every
// write or create event targeting it. The returned stop function closes
// the watcher.
func NewWatcher(envFile string, initial Config, onReload func(Config)) (stop func(), err error) {
	w := &Watcher{envFile: envFile, current: initial}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}

	dir := filepath.Dir(envFile)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(envFile) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, loadErr := Load(envFile)
				if loadErr != nil {
					log.Warn().Err(loadErr).Msg("Config reload failed")
					continue
				}
				w.mu.Lock()
				w.current = cfg
				w.mu.Unlock()
				if onReload != nil {
					onReload(cfg)
				}
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(watchErr).Msg("Config watcher error")
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		_ = watcher.Close()
	}, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}
