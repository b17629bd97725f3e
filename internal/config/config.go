// Package config handles Nexa configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when a field is left empty.
const (
	DefaultOllamaURL      = "http://localhost:11434"
	DefaultGeminiBaseURL  = "https://generativelanguage.googleapis.com"
	DefaultProvider       = "ollama"
	DefaultDataDir        = "data"
	DefaultMaxIterations  = 10
	DefaultStartupTimeout = 30 * time.Second
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/nexa/config.yaml, /etc/nexa/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "nexa", "config.yaml"))
	}

	paths = append(paths, "/etc/nexa/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Nexa configuration.
type Config struct {
	MCP       MCPConfig    `yaml:"mcp"`
	Ollama    OllamaConfig `yaml:"ollama"`
	Gemini    GeminiConfig `yaml:"gemini"`
	Models    ModelsConfig `yaml:"models"`
	Chat      ChatConfig   `yaml:"chat"`
	DataDir   string       `yaml:"data_dir"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // text or json

	// EnvFile is a dotenv file loaded into the process environment
	// before ${VAR} references in this file are expanded. Variables
	// already set in the environment win.
	EnvFile string `yaml:"env_file"`
}

// MCPConfig lists the MCP servers to connect to.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes one MCP server. Exactly one of Command
// (stdio subprocess) or URL (streamable HTTP) must be set.
type MCPServerConfig struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// Env entries are "KEY=VALUE" and are appended to the inherited
	// environment.
	Env []string `yaml:"env"`
	// EnvFile is a dotenv file whose variables are passed to the
	// subprocess. Entries in Env take precedence.
	EnvFile string `yaml:"env_file"`
	Dir     string `yaml:"dir"`

	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`

	// Include, when non-empty, limits which tools are exposed to models.
	Include []string `yaml:"include"`
	// Exclude hides tools when Include is empty.
	Exclude []string `yaml:"exclude"`

	StartupTimeout time.Duration `yaml:"startup_timeout"`
}

// Transport reports "stdio" or "http".
func (s MCPServerConfig) Transport() string {
	if s.URL != "" {
		return "http"
	}
	return "stdio"
}

// Environ returns the extra environment for the subprocess: the
// variables from EnvFile followed by Env, so Env wins on conflict.
func (s MCPServerConfig) Environ() ([]string, error) {
	if s.EnvFile == "" {
		return s.Env, nil
	}

	vars, err := godotenv.Read(s.EnvFile)
	if err != nil {
		return nil, fmt.Errorf("read env file for %s: %w", s.Name, err)
	}

	env := make([]string, 0, len(vars)+len(s.Env))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	return append(env, s.Env...), nil
}

// OllamaConfig defines the local Ollama endpoint.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// GeminiConfig defines Google Gemini API settings. An empty APIKey
// disables the provider.
type GeminiConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default  string `yaml:"default"`
	Provider string `yaml:"provider"` // ollama or gemini
}

// ChatConfig tunes the tool-calling chat loop.
type ChatConfig struct {
	MaxIterations int    `yaml:"max_iterations"`
	SystemPrompt  string `yaml:"system_prompt"`
}

// Load reads configuration from a YAML file, loads env_file, expands
// environment variables, applies defaults and validates the result.
// Relative paths in the file are resolved against its directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	baseDir := filepath.Dir(path)

	// env_file must be known before expansion.
	var pre struct {
		EnvFile string `yaml:"env_file"`
	}
	if err := yaml.Unmarshal(data, &pre); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if pre.EnvFile != "" {
		envPath := resolvePath(baseDir, os.ExpandEnv(pre.EnvFile))
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envPath, err)
		}
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.resolvePaths(baseDir)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with no MCP servers and every default
// applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) resolvePaths(baseDir string) {
	if c.EnvFile != "" {
		c.EnvFile = resolvePath(baseDir, c.EnvFile)
	}
	if c.DataDir != "" {
		c.DataDir = resolvePath(baseDir, c.DataDir)
	}
	for i := range c.MCP.Servers {
		s := &c.MCP.Servers[i]
		if s.EnvFile != "" {
			s.EnvFile = resolvePath(baseDir, s.EnvFile)
		}
		if s.Dir != "" {
			s.Dir = resolvePath(baseDir, s.Dir)
		}
	}
}

func resolvePath(baseDir, p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

func (c *Config) applyDefaults() {
	if c.Ollama.URL == "" {
		c.Ollama.URL = DefaultOllamaURL
	}
	if c.Gemini.BaseURL == "" {
		c.Gemini.BaseURL = DefaultGeminiBaseURL
	}
	if c.Models.Provider == "" {
		c.Models.Provider = DefaultProvider
	}
	if c.Chat.MaxIterations == 0 {
		c.Chat.MaxIterations = DefaultMaxIterations
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	for i := range c.MCP.Servers {
		if c.MCP.Servers[i].StartupTimeout == 0 {
			c.MCP.Servers[i].StartupTimeout = DefaultStartupTimeout
		}
	}
}

// Validate reports every problem found in the configuration.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	switch c.Models.Provider {
	case "ollama", "gemini":
	default:
		errs = append(errs, fmt.Errorf("models.provider %q must be ollama or gemini", c.Models.Provider))
	}
	if c.Chat.MaxIterations < 0 {
		errs = append(errs, fmt.Errorf("chat.max_iterations must not be negative"))
	}

	seen := make(map[string]bool, len(c.MCP.Servers))
	for i, s := range c.MCP.Servers {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: name is required", i))
		} else if seen[s.Name] {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true

		switch {
		case s.Command == "" && s.URL == "":
			errs = append(errs, fmt.Errorf("mcp.servers[%d] %s: command or url is required", i, s.Name))
		case s.Command != "" && s.URL != "":
			errs = append(errs, fmt.Errorf("mcp.servers[%d] %s: command and url are mutually exclusive", i, s.Name))
		}
		for _, kv := range s.Env {
			if !strings.Contains(kv, "=") {
				errs = append(errs, fmt.Errorf("mcp.servers[%d] %s: env entry %q is not KEY=VALUE", i, s.Name, kv))
			}
		}
	}

	return errors.Join(errs...)
}

// Server returns the server configuration with the given name.
func (c *Config) Server(name string) (MCPServerConfig, bool) {
	for _, s := range c.MCP.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return MCPServerConfig{}, false
}
