// Package config loads the nanotrace configuration.
//
// Configuration comes from a single YAML file named by the NANOTRACE_CONFIG
// environment variable or the --config flag. Without a file the defaults
// apply; command-line flags override individual values afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/phuslu/log"
	"gopkg.in/yaml.v3"

	"github.com/coffersTech/nanotrace/internal/storage"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "NANOTRACE_CONFIG"

// Config is the complete nanotrace configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Capture CaptureConfig `yaml:"capture"`
	Storage StorageConfig `yaml:"storage"`
	Filter  FilterConfig  `yaml:"filter"`
	Server  ServerConfig  `yaml:"server"`
}

// LogConfig configures the daemon's own logging.
type LogConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `yaml:"level"`
	// JSON switches from console output to JSON lines on stderr.
	JSON bool `yaml:"json"`
}

// CaptureConfig selects the capture sources started at boot.
type CaptureConfig struct {
	// DBWin captures the local shared-memory debug channel.
	DBWin bool `yaml:"dbwin"`
	// Global also captures the global channel. Failure to open it is
	// reported once and capture continues locally.
	Global bool `yaml:"global"`
	// Kernel captures the kernel log.
	Kernel bool `yaml:"kernel"`
	// Stdin captures lines piped to the daemon.
	Stdin bool `yaml:"stdin"`
	// HTTP accepts lines posted to the ingest endpoint.
	HTTP bool `yaml:"http"`

	AutoNewline bool            `yaml:"auto_newline"`
	Files       []FileConfig    `yaml:"files"`
	Processes   []ProcessConfig `yaml:"processes"`
	UDP         []string        `yaml:"udp"`
	Agents      []string        `yaml:"agents"`
}

// FileConfig is one file source.
type FileConfig struct {
	Path string `yaml:"path"`
	// Tail keeps reading appended lines; false loads the file once.
	Tail bool `yaml:"tail"`
}

// ProcessConfig is one child process whose output is captured.
type ProcessConfig struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`
}

// StorageConfig configures the message log.
type StorageConfig struct {
	DataDir   string `yaml:"data_dir"`
	Codec     string `yaml:"codec"`
	BlockSize int    `yaml:"block_size"`
	// HistorySize bounds the messages kept in memory; 0 keeps everything.
	HistorySize int `yaml:"history_size"`
	// Journal persists accepted lines under DataDir so they survive a
	// restart.
	Journal bool `yaml:"journal"`
	// LogFile, when set, receives every accepted line.
	LogFile         string `yaml:"log_file"`
	LogFileTruncate bool   `yaml:"log_file_truncate"`
}

// FilterConfig points at the rule set applied to incoming lines.
type FilterConfig struct {
	RulesFile string `yaml:"rules_file"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	// TailBuffer is the number of batches queued per live tail client.
	TailBuffer int `yaml:"tail_buffer"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Log: LogConfig{Level: "info"},
		Capture: CaptureConfig{
			DBWin:       true,
			HTTP:        true,
			AutoNewline: true,
		},
		Storage: StorageConfig{
			DataDir:   filepath.Join(homeDir, ".cache", "nanotrace"),
			Codec:     storage.DefaultCodec.Name(),
			BlockSize: storage.DefaultBlockSize,
			Journal:   true,
		},
		Server: ServerConfig{
			Enabled:    true,
			Addr:       ":8088",
			TailBuffer: 64,
		},
	}
}

// Load reads the file named by NANOTRACE_CONFIG, or returns the defaults
// when it is unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		cfg := Default()
		cfg.expandVariables()
		return cfg, nil
	}
	return LoadFile(path)
}

// LoadFile reads the configuration at path over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}
	c.Storage.DataDir = expandVars(c.Storage.DataDir, vars)
	vars["NANOTRACE_DATA"] = c.Storage.DataDir

	c.Storage.LogFile = expandVars(c.Storage.LogFile, vars)
	c.Filter.RulesFile = expandVars(c.Filter.RulesFile, vars)
	for i := range c.Capture.Files {
		c.Capture.Files[i].Path = expandVars(c.Capture.Files[i].Path, vars)
	}
	for i := range c.Capture.Processes {
		c.Capture.Processes[i].Path = expandVars(c.Capture.Processes[i].Path, vars)
	}
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if _, err := storage.ParseCodec(c.Storage.Codec); err != nil {
		errs = append(errs, fmt.Errorf("storage.codec: %w", err))
	}
	if c.Storage.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("storage.block_size must be positive, got %d", c.Storage.BlockSize))
	}
	if c.Storage.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("storage.history_size must not be negative, got %d", c.Storage.HistorySize))
	}
	if c.Storage.Journal && c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is required when the journal is enabled"))
	}
	if c.Server.Enabled && c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required when the server is enabled"))
	}
	if c.Capture.HTTP && !c.Server.Enabled {
		errs = append(errs, errors.New("capture.http needs server.enabled"))
	}
	for i, f := range c.Capture.Files {
		if f.Path == "" {
			errs = append(errs, fmt.Errorf("capture.files[%d].path is required", i))
		}
	}
	for i, p := range c.Capture.Processes {
		if p.Path == "" {
			errs = append(errs, fmt.Errorf("capture.processes[%d].path is required", i))
		}
	}
	for i, a := range c.Capture.UDP {
		if a == "" {
			errs = append(errs, fmt.Errorf("capture.udp[%d] is empty", i))
		}
	}

	return errors.Join(errs...)
}

// ParseLevel maps a level name to a log level.
func ParseLevel(name string) (log.Level, error) {
	switch strings.ToLower(name) {
	case "trace":
		return log.TraceLevel, nil
	case "debug":
		return log.DebugLevel, nil
	case "", "info":
		return log.InfoLevel, nil
	case "warn", "warning":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	}
	return 0, fmt.Errorf("invalid log level %q", name)
}
