package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/overseer/internal/storage"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ResolvePath turns a config file or directory path into the absolute path of
// the root config file.
func ResolvePath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		// Directory provided - look for config.yaml inside
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// Load reads, merges, verifies and validates the configuration at configPath,
// which may be a file or a directory holding config.yaml. Files named in an
// include array are merged in order, later files taking precedence.
func Load(configPath string) (*Config, error) {
	absPath, err := ResolvePath(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourceFiles = []string{absPath}

	if len(cfg.Include) > 0 {
		visited := map[string]bool{absPath: true}
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	// Hash-verify all configuration files when a manifest exists.
	result, err := VerifyChecksums(absPath, cfg.SourceFiles)
	if err != nil {
		return nil, err
	}
	if !result.Passed {
		return nil, fmt.Errorf("%w: %s\n"+
			"This indicates tampering or unauthorized modification.\n"+
			"If you edited the config intentionally, run: overseer config lock --config %s",
			ErrChecksumMismatch, strings.Join(result.Errors, "; "), configPath)
	}

	applyDefaults(cfg)
	resolveWorkerPaths(cfg, filepath.Dir(absPath))
	resolveStatePaths(cfg, filepath.Dir(absPath))

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DiscoverFiles returns the absolute paths of the root config and every file
// in its include tree, sorted.
func DiscoverFiles(configPath string) ([]string, error) {
	absPath, err := ResolvePath(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourceFiles = []string{absPath}
	if len(cfg.Include) > 0 {
		visited := map[string]bool{absPath: true}
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	files := append([]string(nil), cfg.SourceFiles...)
	sort.Strings(files)
	return files, nil
}

// DiscoverConfigDir finds a config when --config is not given. It checks
// $OVERSEER_CONFIG_DIR, ~/.config/overseer, /etc/overseer and finally
// ./config.yaml.
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv("OVERSEER_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "overseer")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/overseer"
	if _, err := os.Stat(systemConfigDir); err == nil {
		return systemConfigDir, nil
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $OVERSEER_CONFIG_DIR, ~/.config/overseer, /etc/overseer, ./config.yaml)")
}

// loadIncludes recursively loads and merges files from the include array.
// visited tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		// Apply env var interpolation to path
		includePath = interpolateEnv(includePath)

		resolvedPath := includePath
		if !filepath.IsAbs(includePath) {
			resolvedPath = filepath.Join(baseDir, includePath)
		}

		absPath, err := filepath.Abs(resolvedPath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}

		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}

		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s\n"+
					"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
		}

		visited[absPath] = true
		cfg.SourceFiles = append(cfg.SourceFiles, absPath)

		included, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}

		mergeConfig(cfg, included)

		if len(included.Include) > 0 {
			if err := loadIncludes(cfg, included.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}

	return nil
}

// loadConfigFile loads and parses a single config file without defaults.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return &cfg, nil
}

// mergeConfig merges src into dst, with src taking precedence for non-zero values.
func mergeConfig(dst, src *Config) {
	if src.Service.Name != "" {
		dst.Service.Name = src.Service.Name
	}
	if src.Service.LogLevel != "" {
		dst.Service.LogLevel = src.Service.LogLevel
	}
	if src.Service.PIDFile != "" {
		dst.Service.PIDFile = src.Service.PIDFile
	}

	if src.Supervisor.Timeout != 0 {
		dst.Supervisor.Timeout = src.Supervisor.Timeout
	}
	if src.Supervisor.Concurrency != 0 {
		dst.Supervisor.Concurrency = src.Supervisor.Concurrency
	}
	if src.Supervisor.Retries != nil {
		dst.Supervisor.Retries = src.Supervisor.Retries
	}

	if src.History.Path != "" {
		dst.History.Path = src.History.Path
	}
	if src.History.Retention != 0 {
		dst.History.Retention = src.History.Retention
	}

	if src.API.Enabled {
		dst.API.Enabled = true
	}
	if src.API.Listen != "" {
		dst.API.Listen = src.API.Listen
	}
	if src.API.Auth.APIKey != "" {
		dst.API.Auth.APIKey = src.API.Auth.APIKey
	}
	dst.API.Auth.Tokens = append(dst.API.Auth.Tokens, src.API.Auth.Tokens...)
	dst.API.CORSOrigins = append(dst.API.CORSOrigins, src.API.CORSOrigins...)

	if src.Events.Buffer != 0 {
		dst.Events.Buffer = src.Events.Buffer
	}

	// Workers are additive; a later definition replaces an earlier one.
	if len(src.Workers) > 0 {
		if dst.Workers == nil {
			dst.Workers = make(map[string]WorkerConf)
		}
		for name, w := range src.Workers {
			dst.Workers[name] = w
		}
	}
}

// applyDefaults fills values not explicitly set.
func applyDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.PIDFile == "" {
		cfg.Service.PIDFile = defaults.Service.PIDFile
	}

	if cfg.Supervisor.Timeout == 0 {
		cfg.Supervisor.Timeout = defaults.Supervisor.Timeout
	}
	if cfg.Supervisor.Concurrency == 0 {
		cfg.Supervisor.Concurrency = defaults.Supervisor.Concurrency
	}
	if cfg.Supervisor.Retries == nil {
		cfg.Supervisor.Retries = defaults.Supervisor.Retries
	}

	if cfg.History.Path == "" {
		cfg.History.Path = defaults.History.Path
	}
	if cfg.History.Retention == 0 {
		cfg.History.Retention = defaults.History.Retention
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	if cfg.Events.Buffer == 0 {
		cfg.Events.Buffer = defaults.Events.Buffer
	}

	if cfg.Workers == nil {
		cfg.Workers = make(map[string]WorkerConf)
	}
}

// resolveWorkerPaths makes relative worker commands and directories relative
// to the config directory. Bare command names are left for PATH lookup.
// resolveStatePaths anchors relative history and PID file paths at the config
// directory so the service finds the same files from any working directory.
func resolveStatePaths(cfg *Config, baseDir string) {
	if p := cfg.History.Path; p != "" && p != storage.MemoryPath && !filepath.IsAbs(p) {
		cfg.History.Path = filepath.Join(baseDir, p)
	}
	if p := cfg.Service.PIDFile; p != "" && !filepath.IsAbs(p) {
		cfg.Service.PIDFile = filepath.Join(baseDir, p)
	}
}

func resolveWorkerPaths(cfg *Config, baseDir string) {
	for name, w := range cfg.Workers {
		if w.Command != "" && !filepath.IsAbs(w.Command) && filepath.Base(w.Command) != w.Command {
			w.Command = filepath.Join(baseDir, w.Command)
		}
		if w.Dir != "" && !filepath.IsAbs(w.Dir) {
			w.Dir = filepath.Join(baseDir, w.Dir)
		}
		cfg.Workers[name] = w
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]

		if value, exists := os.LookupEnv(varName); exists {
			return value
		}

		// If not found, leave the placeholder (will fail validation if required)
		return match
	})
}
