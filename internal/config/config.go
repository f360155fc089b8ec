// Package config loads apm configuration from file, environment and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Retrieval ranking modes.
const (
	ModeLexicalOnly  = "lexical-only"
	ModeVectorOnly   = "vector-only"
	ModeBlended7030  = "blended-70-30"
	ModeBlended5050  = "blended-50-50"
	LockModeFail     = "fail"
	LockModeWait     = "wait"
	EnvPrefix        = "APM"
	ConfigName       = "apm"
	DefaultDirName   = ".apm"
	DefaultStoreFile = "apm.db"
)

// Modes lists the accepted retrieval modes.
var Modes = []string{ModeLexicalOnly, ModeVectorOnly, ModeBlended7030, ModeBlended5050}

// Config is the complete apm configuration.
type Config struct {
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Retrieval RetrievalConfig `mapstructure:"retrieval" yaml:"retrieval"`
	LLM       LLMConfig       `mapstructure:"llm" yaml:"llm"`
	Workflow  WorkflowConfig  `mapstructure:"workflow" yaml:"workflow"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`

	// File is the config file that was read, empty when defaults were used.
	File string `mapstructure:"-" yaml:"-"`
}

// StoreConfig locates the Artifact Store.
type StoreConfig struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

// RetrievalConfig tunes the Retrieval Service.
type RetrievalConfig struct {
	Mode string `mapstructure:"mode" yaml:"mode"`
	K    int    `mapstructure:"k" yaml:"k"`
}

// LLMConfig selects the language model adapter. Provider is opaque to the core.
type LLMConfig struct {
	Provider  string `mapstructure:"provider" yaml:"provider"`
	Model     string `mapstructure:"model" yaml:"model"`
	BaseURL   string `mapstructure:"baseURL" yaml:"baseURL"`
	APIKeyEnv string `mapstructure:"apiKeyEnv" yaml:"apiKeyEnv"`
}

// WorkflowConfig tunes the coordinator.
type WorkflowConfig struct {
	DeadlineSeconds int           `mapstructure:"deadlineSeconds" yaml:"deadlineSeconds"`
	Retries         RetriesConfig `mapstructure:"retries" yaml:"retries"`
	BackoffMillis   int           `mapstructure:"backoffMillis" yaml:"backoffMillis"`
	LockMode        string        `mapstructure:"lockMode" yaml:"lockMode"`
}

// RetriesConfig bounds retries per failure kind.
type RetriesConfig struct {
	Transient int `mapstructure:"transient" yaml:"transient"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// Deadline returns the per-engine deadline.
func (w WorkflowConfig) Deadline() time.Duration {
	return time.Duration(w.DeadlineSeconds) * time.Second
}

// Backoff returns the initial retry backoff.
func (w WorkflowConfig) Backoff() time.Duration {
	return time.Duration(w.BackoffMillis) * time.Millisecond
}

// DefaultDir returns $HOME/.apm, or .apm when the home directory is unknown.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDirName
	}
	return filepath.Join(home, DefaultDirName)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.endpoint", filepath.Join(DefaultDir(), DefaultStoreFile))
	v.SetDefault("retrieval.mode", ModeBlended7030)
	v.SetDefault("retrieval.k", 5)
	v.SetDefault("llm.provider", "local")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.baseURL", "")
	v.SetDefault("llm.apiKeyEnv", "OPENAI_API_KEY")
	v.SetDefault("workflow.deadlineSeconds", 600)
	v.SetDefault("workflow.retries.transient", 3)
	v.SetDefault("workflow.backoffMillis", 200)
	v.SetDefault("workflow.lockMode", LockModeFail)
	v.SetDefault("log.level", "warn")
}

// Default returns the configuration used when no file or environment overrides exist.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		// defaults always decode
		panic(err)
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	return &cfg, nil
}

// Load reads configuration. An explicit path must exist; otherwise apm.yaml is
// looked up in the working directory and in DefaultDir, and a missing file
// falls back to defaults. Environment variables (APM_STORE_ENDPOINT, ...)
// override both.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(DefaultDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerated values and bounds.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store.Endpoint) == "" {
		return &Error{Field: "store.endpoint", Message: "must not be empty"}
	}
	if !validMode(c.Retrieval.Mode) {
		return &Error{Field: "retrieval.mode", Message: fmt.Sprintf("%q is not one of %s", c.Retrieval.Mode, strings.Join(Modes, ", "))}
	}
	if c.Retrieval.K <= 0 {
		return &Error{Field: "retrieval.k", Message: "must be positive"}
	}
	if c.Workflow.DeadlineSeconds <= 0 {
		return &Error{Field: "workflow.deadlineSeconds", Message: "must be positive"}
	}
	if c.Workflow.Retries.Transient < 0 {
		return &Error{Field: "workflow.retries.transient", Message: "must not be negative"}
	}
	if c.Workflow.BackoffMillis < 0 {
		return &Error{Field: "workflow.backoffMillis", Message: "must not be negative"}
	}
	switch c.Workflow.LockMode {
	case LockModeFail, LockModeWait:
	default:
		return &Error{Field: "workflow.lockMode", Message: fmt.Sprintf("%q is not one of fail, wait", c.Workflow.LockMode)}
	}
	return nil
}

func validMode(mode string) bool {
	for _, m := range Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// Error reports an invalid configuration field.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}
