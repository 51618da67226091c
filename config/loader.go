package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "buildforge.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/buildforge"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
)

// Environment variables read on top of the config files.
const (
	EnvDatabaseURL   = "DATABASE_URL"
	EnvRedisURL      = "REDIS_URL"
	EnvNATSURL       = "NATS_URL"
	EnvLedger        = "BUILDFORGE_LEDGER"
	EnvCost          = "BUILDFORGE_COST"
	EnvPromptsDir    = "BUILDFORGE_PROMPTS_DIR"
	EnvMetricsListen = "BUILDFORGE_METRICS_LISTEN"
	EnvEmbeddingURL  = "BUILDFORGE_EMBEDDING_URL"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
	getenv func(string) string
	home   func() (string, error)
	cwd    func() (string, error)
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		logger: logger,
		getenv: os.Getenv,
		home:   os.UserHomeDir,
		cwd:    os.Getwd,
	}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/buildforge/config.yaml)
// 3. Project config (buildforge.yaml in current or parent directories)
// 4. Explicit file (the --config flag), when path is set
// 5. Environment variables
func (l *Loader) Load(path string) (*Config, error) {
	config := DefaultConfig()

	userConfigPath := l.userConfigPath()
	if userConfigPath != "" {
		if err := config.OverlayFile(userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
		} else if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	if projectConfigPath := l.findProjectConfig(); projectConfigPath != "" {
		if err := config.OverlayFile(projectConfigPath); err != nil {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		} else {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	// An explicit file must load.
	if path != "" {
		if err := config.OverlayFile(path); err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded config", slog.String("path", path))
	}

	l.applyEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (l *Loader) applyEnv(c *Config) {
	set := func(key string, dst *string) {
		if v := l.getenv(key); v != "" {
			*dst = v
			l.logger.Debug("Config from environment", slog.String("var", key))
		}
	}
	set(EnvDatabaseURL, &c.Database.URL)
	set(EnvRedisURL, &c.Redis.URL)
	set(EnvNATSURL, &c.NATS.URL)
	set(EnvLedger, &c.Billing.Ledger)
	set(EnvPromptsDir, &c.Pipeline.PromptsDir)
	set(EnvMetricsListen, &c.Metrics.Listen)
	set(EnvEmbeddingURL, &c.Retrieval.EmbeddingURL)

	if v := l.getenv(EnvCost); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			l.logger.Warn("Ignoring invalid cost", slog.String("var", EnvCost), slog.String("value", v))
			return
		}
		c.Billing.Cost = n
	}
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() (string, error) {
	userConfigPath := l.userConfigPath()

	if _, err := os.Stat(userConfigPath); err == nil {
		return userConfigPath, nil
	}

	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return "", err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return userConfigPath, nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := l.home()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for buildforge.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := l.cwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
