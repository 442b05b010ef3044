// Package config loads the run-level YAML configuration a refactorctl
// invocation needs beyond its CLI flags: the page registry binding each
// source file to its live/dev MCP sessions, and the timeout/retry
// parameters the pipeline's stages use.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"refactorctl/internal/validator"
	"refactorctl/internal/visualjudge"
)

// PageEntry is the YAML-decodable shape of one validator.PageEntry.
type PageEntry struct {
	URLPath        string  `yaml:"url_path"`
	FilePath       string  `yaml:"file_path"`
	AuthType       string  `yaml:"auth_type"`
	DynamicPattern string  `yaml:"dynamic_pattern"`
	LiveSession    Session `yaml:"live_session"`
	DevSession     Session `yaml:"dev_session"`
}

// Session is the YAML-decodable shape of one visualjudge.McpSessionConfig.
type Session struct {
	SessionName string `yaml:"session_name"`
	BaseURL     string `yaml:"base_url"`
	Environment string `yaml:"environment"`
	AuthType    string `yaml:"auth_type"`
	UserDataDir string `yaml:"user_data_dir"`
}

// Timeouts holds the durations the pipeline's stages use, each overridable
// independently so an operator can tune one stage without touching the
// others. VisualJudge is decoded but not applied: the Visual Judge runs
// with its own fixed agent timeout.
type Timeouts struct {
	DevServerReady time.Duration `yaml:"dev_server_ready"`
	Build          time.Duration `yaml:"build"`
	VisualJudge    time.Duration `yaml:"visual_judge"`
}

// Config is the full decoded run configuration.
type Config struct {
	Timeouts        Timeouts             `yaml:"timeouts"`
	MaxBuildRetries int                  `yaml:"max_build_retries"`
	Pages           map[string]PageEntry `yaml:"pages"`
}

// Default returns the baseline configuration used when no YAML file is
// present, matching the spec's documented defaults.
func Default() *Config {
	return &Config{
		Timeouts: Timeouts{
			DevServerReady: 60 * time.Second,
			Build:          180 * time.Second,
			VisualJudge:    10 * time.Minute,
		},
		MaxBuildRetries: 2,
		Pages:           map[string]PageEntry{},
	}
}

// Load reads path and decodes it over the defaults; a missing file is not
// an error, it just yields Default().
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Registry converts the decoded page map into a validator.Registry, keyed
// by the same file paths the YAML declared.
func (c *Config) Registry() validator.Registry {
	reg := make(validator.Registry, len(c.Pages))
	for key, p := range c.Pages {
		reg[key] = validator.PageEntry{
			URLPath:        p.URLPath,
			FilePath:       p.FilePath,
			AuthType:       visualjudge.AuthType(p.AuthType),
			DynamicPattern: p.DynamicPattern,
			LiveSession:    p.LiveSession.toMcpSessionConfig(),
			DevSession:     p.DevSession.toMcpSessionConfig(),
		}
	}
	return reg
}

func (s Session) toMcpSessionConfig() visualjudge.McpSessionConfig {
	return visualjudge.McpSessionConfig{
		SessionName: s.SessionName,
		BaseURL:     s.BaseURL,
		Environment: visualjudge.Environment(s.Environment),
		AuthType:    visualjudge.AuthType(s.AuthType),
		UserDataDir: s.UserDataDir,
	}
}
