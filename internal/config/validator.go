package config

import (
	"fmt"
	"regexp"
)

// Validate checks the configuration for problems that would make the
// daemon misbehave at runtime. It returns all findings, not just the
// first.
func Validate(cfg *Config) []error {
	var errs []error

	if cfg.Proxy.Port <= 0 || cfg.Proxy.Port > 65535 {
		errs = append(errs, fmt.Errorf("proxy.port %d is out of range", cfg.Proxy.Port))
	}
	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d is out of range", cfg.Gateway.Port))
	}
	if cfg.Proxy.Port == cfg.Gateway.Port {
		errs = append(errs, fmt.Errorf("proxy and gateway cannot share port %d", cfg.Proxy.Port))
	}

	if cfg.ActiveProvider == "" {
		errs = append(errs, fmt.Errorf("active_provider is required"))
	} else if _, ok := cfg.Providers[cfg.ActiveProvider]; !ok {
		errs = append(errs, fmt.Errorf("active_provider %q has no provider profile", cfg.ActiveProvider))
	}

	for name, p := range cfg.Providers {
		if p.BaseURL == "" {
			errs = append(errs, fmt.Errorf("provider %q has no base_url", name))
		}
	}

	for i, r := range cfg.Permissions.Rules {
		if r.Command == "" {
			errs = append(errs, fmt.Errorf("permissions.rules[%d] has no command", i))
		}
		if r.ArgsPattern != "" {
			if _, err := regexp.Compile(r.ArgsPattern); err != nil {
				// The policy engine fails closed on these anyway;
				// surfacing them here gives the operator a chance to fix
				// the rule instead of silently losing it.
				errs = append(errs, fmt.Errorf("permissions.rules[%d] pattern: %v", i, err))
			}
		}
	}

	if cfg.Retention.RunDays < 0 {
		errs = append(errs, fmt.Errorf("retention.run_days cannot be negative"))
	}

	return errs
}
