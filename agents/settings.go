package agents

import (
	"fmt"
	"time"

	"github.com/aixgo-dev/agentcore/pkg/config"
)

func stringSetting(cfg config.AgentConfig, key, def string) (string, error) {
	v, ok := cfg.Settings[key]
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("setting %s: expected string, got %T", key, v)
	}
	return s, nil
}

func intSetting(cfg config.AgentConfig, key string, def int) (int, error) {
	v, ok := cfg.Settings[key]
	if !ok {
		return def, nil
	}
	n, ok := v.(int)
	if !ok || n < 0 {
		return 0, fmt.Errorf("setting %s: expected non-negative integer, got %v", key, v)
	}
	return n, nil
}

func boolSetting(cfg config.AgentConfig, key string, def bool) (bool, error) {
	v, ok := cfg.Settings[key]
	if !ok {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("setting %s: expected bool, got %T", key, v)
	}
	return b, nil
}

// durationSetting accepts time.ParseDuration strings.
func durationSetting(cfg config.AgentConfig, key string, def time.Duration) (time.Duration, error) {
	s, err := stringSetting(cfg, key, "")
	if err != nil || s == "" {
		return def, err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("setting %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("setting %s: negative duration", key)
	}
	return d, nil
}
