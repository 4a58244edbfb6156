package config

import (
	"fmt"
	"sort"
)

// Scopes understood by the API.
var validScopes = map[string]bool{
	"*":              true,
	"submissions:rw": true,
	"submissions:ro": true,
	"events:ro":      true,
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.Supervisor.Timeout < 0 {
		return fmt.Errorf("supervisor.timeout must not be negative")
	}
	if cfg.Supervisor.Concurrency < 0 {
		return fmt.Errorf("supervisor.concurrency must not be negative")
	}
	if cfg.Supervisor.Retries != nil && *cfg.Supervisor.Retries < 0 {
		return fmt.Errorf("supervisor.retries must not be negative")
	}

	if cfg.History.Path == "" {
		return fmt.Errorf("history.path is required")
	}
	if cfg.History.Retention < 0 {
		return fmt.Errorf("history.retention must not be negative")
	}

	if cfg.Events.Buffer < 0 {
		return fmt.Errorf("events.buffer must not be negative")
	}

	if cfg.API.Enabled {
		if err := validateAuth(cfg.API.Auth); err != nil {
			return err
		}
	}

	// Iterate in name order so the first error is stable.
	names := make([]string, 0, len(cfg.Workers))
	for name := range cfg.Workers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := validateWorker(name, cfg.Workers[name]); err != nil {
			return err
		}
	}

	return nil
}

func validateAuth(auth APIAuthConfig) error {
	if name, ok := unresolvedVar(auth.APIKey); ok {
		return fmt.Errorf("api.auth.api_key: environment variable ${%s} is not set", name)
	}
	if auth.APIKey == "" && len(auth.Tokens) == 0 {
		return fmt.Errorf("api.auth: api_key or tokens required when the API is enabled")
	}
	for i, tok := range auth.Tokens {
		if tok.Token == "" {
			return fmt.Errorf("api.auth.tokens[%d].token is required", i)
		}
		if name, ok := unresolvedVar(tok.Token); ok {
			return fmt.Errorf("api.auth.tokens[%d].token: environment variable ${%s} is not set", i, name)
		}
		if len(tok.Scopes) == 0 {
			return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
		}
		for _, scope := range tok.Scopes {
			if !validScopes[scope] {
				return fmt.Errorf("api.auth.tokens[%d]: unknown scope %q", i, scope)
			}
		}
	}
	return nil
}

func validateWorker(name string, w WorkerConf) error {
	if w.Command == "" {
		return fmt.Errorf("worker %q: command is required", name)
	}
	if w.Timeout < 0 {
		return fmt.Errorf("worker %q: timeout must not be negative", name)
	}
	if w.Retries != nil && *w.Retries < 0 {
		return fmt.Errorf("worker %q: retries must not be negative", name)
	}
	if w.GracePeriod < 0 {
		return fmt.Errorf("worker %q: grace_period must not be negative", name)
	}

	// Check for unresolved env vars (security: no placeholders handed to workers)
	if varName, ok := unresolvedVar(w.Command); ok {
		return fmt.Errorf("worker %q: environment variable ${%s} is not set", name, varName)
	}
	for key, value := range w.Env {
		if varName, ok := unresolvedVar(value); ok {
			return fmt.Errorf("worker %q: env.%s: environment variable ${%s} is not set", name, key, varName)
		}
	}
	if w.Config != nil {
		if err := checkUnresolvedEnvVars(w.Config, name); err != nil {
			return err
		}
	}
	return nil
}

func unresolvedVar(s string) (string, bool) {
	matches := envVarPattern.FindStringSubmatch(s)
	if len(matches) > 1 {
		return matches[1], true
	}
	return "", false
}

// checkUnresolvedEnvVars recursively checks for ${VAR} placeholders in config values.
func checkUnresolvedEnvVars(data map[string]any, workerName string) error {
	for key, value := range data {
		switch v := value.(type) {
		case string:
			if varName, ok := unresolvedVar(v); ok {
				return fmt.Errorf("worker %q: config.%s: environment variable ${%s} is not set", workerName, key, varName)
			}
		case map[string]any:
			if err := checkUnresolvedEnvVars(v, workerName); err != nil {
				return err
			}
		case []any:
			for _, item := range v {
				if m, ok := item.(map[string]any); ok {
					if err := checkUnresolvedEnvVars(m, workerName); err != nil {
						return err
					}
				}
				if s, ok := item.(string); ok {
					if varName, found := unresolvedVar(s); found {
						return fmt.Errorf("worker %q: config.%s: environment variable ${%s} is not set", workerName, key, varName)
					}
				}
			}
		}
	}
	return nil
}
