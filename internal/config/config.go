// Package config loads and validates engine settings.
//
// Settings come from defaults, then an optional JSON file, then BTREEDB_*
// environment variables, in that order. Options converts the result to
// btree.Options.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/FocuswithJustin/btreedb/core/btree"
	"github.com/FocuswithJustin/btreedb/core/errors"
	"github.com/FocuswithJustin/btreedb/core/pager"
	"github.com/FocuswithJustin/btreedb/internal/logging"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "BTREEDB_"

// Config holds engine configuration.
type Config struct {
	PageSize    int      `json:"page_size"`
	CacheSize   int      `json:"cache_size"`   // Pages
	AutoVacuum  string   `json:"auto_vacuum"`  // none, full or incremental
	SharedCache bool     `json:"shared_cache"` // Share one cache per file in this process
	ReadOnly    bool     `json:"read_only"`
	BusyTimeout Duration `json:"busy_timeout"` // How long to retry a locked file
	JournalMode string   `json:"journal_mode"` // delete, truncate, persist or memory
	LogLevel    string   `json:"log_level"`
	LogFormat   string   `json:"log_format"`
}

// Duration is a time.Duration that reads as "250ms" in JSON.
type Duration time.Duration

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return errors.NewValidation("busy_timeout", err.Error())
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.NewValidation("busy_timeout", "want a duration string or nanoseconds")
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		PageSize:    pager.DefaultPageSize,
		CacheSize:   pager.DefaultCacheSize,
		AutoVacuum:  "none",
		JournalMode: "delete",
		LogLevel:    "info",
		LogFormat:   "json",
	}
}

// Load reads a JSON file over the defaults. Fields the file does not set
// keep their default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFound("config", path)
		}
		return nil, errors.NewIO("read", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		var ve *errors.ValidationError
		if errors.As(err, &ve) {
			return nil, ve
		}
		return nil, errors.NewParse("json", path, err.Error())
	}
	return cfg, nil
}

// ApplyEnv overrides fields from BTREEDB_* environment variables, for
// example BTREEDB_PAGE_SIZE=4096 or BTREEDB_BUSY_TIMEOUT=2s.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	ints := map[string]*int{
		"PAGE_SIZE":  &c.PageSize,
		"CACHE_SIZE": &c.CacheSize,
	}
	for name, dst := range ints {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return errors.NewValidation(strings.ToLower(name), "not an integer: "+v)
			}
			*dst = n
		}
	}
	bools := map[string]*bool{
		"SHARED_CACHE": &c.SharedCache,
		"READ_ONLY":    &c.ReadOnly,
	}
	for name, dst := range bools {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return errors.NewValidation(strings.ToLower(name), "not a boolean: "+v)
			}
			*dst = b
		}
	}
	strs := map[string]*string{
		"AUTO_VACUUM":  &c.AutoVacuum,
		"JOURNAL_MODE": &c.JournalMode,
		"LOG_LEVEL":    &c.LogLevel,
		"LOG_FORMAT":   &c.LogFormat,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = strings.ToLower(strings.TrimSpace(v))
		}
	}
	if v, ok := lookup(EnvPrefix + "BUSY_TIMEOUT"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return errors.NewValidation("busy_timeout", err.Error())
		}
		c.BusyTimeout = Duration(d)
	}
	return nil
}

var autoVacuumModes = map[string]int{
	"none":        btree.AutoVacuumNone,
	"full":        btree.AutoVacuumFull,
	"incremental": btree.AutoVacuumIncremental,
}

var journalModes = map[string]int{
	"delete":   pager.JournalModeDelete,
	"truncate": pager.JournalModeTruncate,
	"persist":  pager.JournalModePersist,
	"memory":   pager.JournalModeMemory,
}

// Validate checks every field and returns the first problem found.
func (c *Config) Validate() error {
	if c.PageSize != 0 && !pager.IsValidPageSize(c.PageSize) {
		return errors.NewValidation("page_size", "must be a power of two between 512 and 65536")
	}
	if c.CacheSize < 0 {
		return errors.NewValidation("cache_size", "must not be negative")
	}
	if _, ok := autoVacuumModes[c.AutoVacuum]; !ok {
		return errors.NewValidation("auto_vacuum", "must be none, full or incremental")
	}
	if _, ok := journalModes[c.JournalMode]; !ok {
		return errors.NewValidation("journal_mode", "must be delete, truncate, persist or memory")
	}
	if c.BusyTimeout < 0 {
		return errors.NewValidation("busy_timeout", "must not be negative")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.NewValidation("log_level", "must be debug, info, warn or error")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return errors.NewValidation("log_format", "must be json or text")
	}
	return nil
}

// Options converts the configuration to btree.Options. Call Validate
// first; unknown mode names fall back to the defaults.
func (c *Config) Options() btree.Options {
	return btree.Options{
		PageSize:    c.PageSize,
		CacheSize:   c.CacheSize,
		AutoVacuum:  autoVacuumModes[c.AutoVacuum],
		SharedCache: c.SharedCache,
		ReadOnly:    c.ReadOnly,
		JournalMode: journalModes[c.JournalMode],
		BusyHandler: BusyTimeoutHandler(time.Duration(c.BusyTimeout)),
	}
}

// InitLogging configures the global logger from LogLevel and LogFormat.
func (c *Config) InitLogging() {
	logging.InitLogger(logging.ParseLevel(c.LogLevel), logging.ParseFormat(c.LogFormat))
}

// BusyTimeoutHandler returns a busy handler that retries with growing
// sleeps until timeout has passed. A zero timeout gives nil, which fails
// at once.
func BusyTimeoutHandler(timeout time.Duration) func(int) bool {
	if timeout <= 0 {
		return nil
	}
	delays := []time.Duration{1, 2, 5, 10, 15, 20, 25, 25, 25, 50, 50, 100}
	return func(count int) bool {
		var elapsed time.Duration
		for i := 0; i < count; i++ {
			elapsed += delays[min(i, len(delays)-1)] * time.Millisecond
		}
		if elapsed >= timeout {
			return false
		}
		delay := delays[min(count, len(delays)-1)] * time.Millisecond
		time.Sleep(min(delay, timeout-elapsed))
		return true
	}
}
