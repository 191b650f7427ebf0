// Package config loads the declarative description of an environment:
// dispatchers, cooperations and their agents.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/agentcore/agent"
	"github.com/aixgo-dev/agentcore/internal/graph"
	"github.com/aixgo-dev/agentcore/internal/subscr"
	"github.com/aixgo-dev/agentcore/pkg/disp"
	"github.com/aixgo-dev/agentcore/pkg/disp/activegroup"
	"github.com/aixgo-dev/agentcore/pkg/disp/activeobj"
	"github.com/aixgo-dev/agentcore/pkg/disp/onethread"
	"github.com/aixgo-dev/agentcore/pkg/disp/prio/oneperprio"
	"github.com/aixgo-dev/agentcore/pkg/disp/prio/quotedrr"
	"github.com/aixgo-dev/agentcore/pkg/disp/prio/strictlyordered"
	"github.com/aixgo-dev/agentcore/pkg/disp/threadpool"
	"github.com/aixgo-dev/agentcore/pkg/timer"
)

// MaxFileSize bounds the size of a configuration file.
const MaxFileSize = 1 << 20

// DefaultDispatcher names the environment's built-in one-thread dispatcher.
const DefaultDispatcher = "default"

// Environment variables that override file values.
const (
	EnvMetricsPort = "AGENTCORE_METRICS_PORT"
	EnvTrace       = "AGENTCORE_TRACE"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the application configuration
type Config struct {
	Environment EnvironmentConfig  `yaml:"environment"`
	Tracing     TracingConfig      `yaml:"tracing"`
	Metrics     MetricsConfig      `yaml:"metrics"`
	Dispatchers []DispatcherConfig `yaml:"dispatchers"`
	Coops       []CoopConfig       `yaml:"coops"`
}

// EnvironmentConfig holds environment-wide settings
type EnvironmentConfig struct {
	ExceptionReaction   string        `yaml:"exception_reaction,omitempty"`
	SubscriptionStorage string        `yaml:"subscription_storage,omitempty"`
	TimerCollection     string        `yaml:"timer_collection,omitempty"`
	Lock                string        `yaml:"lock,omitempty"`
	Autoshutdown        *bool         `yaml:"autoshutdown,omitempty"`
	DropLogInterval     time.Duration `yaml:"drop_log_interval,omitempty"`
	DropLogBurst        int           `yaml:"drop_log_burst,omitempty"`
}

// TracingConfig selects the trace sink
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // stdout, otlp, none
	Endpoint    string `yaml:"endpoint,omitempty"`
	ServiceName string `yaml:"service_name,omitempty"`
}

// MetricsConfig controls the HTTP metrics and health endpoint
type MetricsConfig struct {
	// Port 0 disables the endpoint.
	Port int `yaml:"port"`
}

// DispatcherConfig describes one named dispatcher
type DispatcherConfig struct {
	Name             string         `yaml:"name,omitempty"`
	Kind             string         `yaml:"kind"`
	Threads          int            `yaml:"threads,omitempty"`
	Lock             string         `yaml:"lock,omitempty"`
	Fifo             string         `yaml:"fifo,omitempty"`
	MaxDemandsAtOnce int            `yaml:"max_demands_at_once,omitempty"`
	Quotes           map[string]int `yaml:"quotes,omitempty"` // "default" plus p0..p7
}

// CoopConfig describes one cooperation
type CoopConfig struct {
	Name              string        `yaml:"name,omitempty"`
	Parent            string        `yaml:"parent,omitempty"`
	Dispatcher        string        `yaml:"dispatcher,omitempty"`
	Group             string        `yaml:"group,omitempty"`
	ExceptionReaction string        `yaml:"exception_reaction,omitempty"`
	Agents            []AgentConfig `yaml:"agents"`
}

// AgentConfig holds configuration for a single agent
type AgentConfig struct {
	Name                string         `yaml:"name,omitempty"`
	Role                string         `yaml:"role"`
	Priority            string         `yaml:"priority,omitempty"`
	Dispatcher          string         `yaml:"dispatcher,omitempty"`
	Group               string         `yaml:"group,omitempty"`
	ExceptionReaction   string         `yaml:"exception_reaction,omitempty"`
	SubscriptionStorage string         `yaml:"subscription_storage,omitempty"`
	Limit               *LimitConfig   `yaml:"limit,omitempty"`
	Settings            map[string]any `yaml:"settings,omitempty"`
}

// LimitConfig is a default message limit applied to every message type
type LimitConfig struct {
	MaxPending int    `yaml:"max_pending"`
	Overflow   string `yaml:"overflow"` // drop, drop_logged, abort
}

// Overflow reactions accepted in LimitConfig.
const (
	OverflowDrop       = "drop"
	OverflowDropLogged = "drop_logged"
	OverflowAbort      = "abort"
)

// Thread-pool FIFO names.
const (
	FifoCooperation = "cooperation"
	FifoIndividual  = "individual"
)

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes data, applies defaults and environment overrides. The
// document is checked against DefaultLimits first.
func Parse(data []byte) (*Config, error) {
	return ParseWithLimits(data, DefaultLimits())
}

// ParseWithLimits is Parse with custom structural limits.
func ParseWithLimits(data []byte, limits Limits) (*Config, error) {
	if err := checkLimits(data, limits); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Environment.Autoshutdown == nil {
		on := true
		c.Environment.Autoshutdown = &on
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "stdout"
	}
	for i := range c.Dispatchers {
		d := &c.Dispatchers[i]
		if d.Kind == threadpool.Kind {
			if d.Fifo == "" {
				d.Fifo = FifoCooperation
			}
			if d.MaxDemandsAtOnce == 0 {
				d.MaxDemandsAtOnce = threadpool.DefaultMaxDemandsAtOnce
			}
		}
	}
	for i := range c.Coops {
		if c.Coops[i].Dispatcher == "" {
			c.Coops[i].Dispatcher = DefaultDispatcher
		}
	}
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvMetricsPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMetricsPort, err)
		}
		c.Metrics.Port = port
	}
	if v := os.Getenv(EnvTrace); v != "" {
		c.Tracing.Exporter = v
		c.Tracing.Enabled = v != "none"
	}
	return nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks names, references and enumerated values, and that
// cooperation parents form a forest.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if _, err := agent.ParseExceptionReaction(c.Environment.ExceptionReaction); err != nil {
		bad("environment: %v", err)
	}
	if _, err := subscr.ParseKind(c.Environment.SubscriptionStorage); err != nil {
		bad("environment: %v", err)
	}
	if _, err := timer.ParseCollectionKind(c.Environment.TimerCollection); err != nil {
		bad("environment: %v", err)
	}
	if _, err := ParseLock(c.Environment.Lock); err != nil {
		bad("environment: %v", err)
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		bad("metrics port %d out of range", c.Metrics.Port)
	}
	switch c.Tracing.Exporter {
	case "stdout", "otlp", "none":
	default:
		bad("unknown trace exporter %q", c.Tracing.Exporter)
	}

	kinds := map[string]string{DefaultDispatcher: onethread.Kind}
	for _, d := range c.Dispatchers {
		if d.Name == "" {
			bad("dispatcher without a name")
			continue
		}
		if _, dup := kinds[d.Name]; dup {
			bad("dispatcher %q defined twice", d.Name)
			continue
		}
		kinds[d.Name] = d.Kind
		for _, err := range d.validate() {
			bad("dispatcher %q: %v", d.Name, err)
		}
	}

	forest := graph.NewForest()
	agentNames := map[string]bool{}
	for _, coop := range c.Coops {
		if coop.Name == "" {
			bad("cooperation without a name")
			continue
		}
		if err := forest.Add(coop.Name, coop.Parent); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrInvalid, err))
		}
		if _, err := agent.ParseExceptionReaction(coop.ExceptionReaction); err != nil {
			bad("coop %q: %v", coop.Name, err)
		}
		if _, ok := kinds[coop.Dispatcher]; !ok {
			bad("coop %q: unknown dispatcher %q", coop.Name, coop.Dispatcher)
		}
		if len(coop.Agents) == 0 {
			bad("coop %q has no agents", coop.Name)
		}
		for _, a := range coop.Agents {
			where := fmt.Sprintf("coop %q agent %q", coop.Name, a.Name)
			if a.Role == "" {
				bad("%s: role is required", where)
			}
			if a.Name != "" {
				if agentNames[a.Name] {
					bad("%s: agent name used twice", where)
				}
				agentNames[a.Name] = true
			}
			for _, err := range a.validate() {
				bad("%s: %v", where, err)
			}
			dispName := coop.Dispatcher
			if a.Dispatcher != "" {
				dispName = a.Dispatcher
			}
			kind, ok := kinds[dispName]
			if !ok {
				bad("%s: unknown dispatcher %q", where, dispName)
				continue
			}
			if kind == activegroup.Kind && a.Group == "" && coop.Group == "" {
				bad("%s: dispatcher %q needs a group", where, dispName)
			}
		}
	}
	if err := forest.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalid, err))
	}

	return errors.Join(errs...)
}

// CoopLevels returns cooperation names grouped so that parents come in
// an earlier level than their children.
func (c *Config) CoopLevels() ([][]string, error) {
	forest := graph.NewForest()
	for _, coop := range c.Coops {
		if err := forest.Add(coop.Name, coop.Parent); err != nil {
			return nil, err
		}
	}
	return forest.Levels()
}

func (d DispatcherConfig) validate() []error {
	var errs []error
	if _, err := ParseLock(d.Lock); err != nil {
		errs = append(errs, err)
	}
	switch d.Kind {
	case onethread.Kind, activeobj.Kind, activegroup.Kind, strictlyordered.Kind, oneperprio.Kind:
	case threadpool.Kind:
		if d.Threads <= 0 {
			errs = append(errs, fmt.Errorf("threads must be positive, got %d", d.Threads))
		}
		if d.Fifo != FifoCooperation && d.Fifo != FifoIndividual {
			errs = append(errs, fmt.Errorf("unknown fifo %q", d.Fifo))
		}
		if d.MaxDemandsAtOnce < 0 {
			errs = append(errs, fmt.Errorf("max_demands_at_once must be positive"))
		}
	case quotedrr.Kind:
		if _, err := d.ParseQuotes(); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("unknown dispatcher kind %q", d.Kind))
	}
	return errs
}

// ParseQuotes builds quoted-round-robin quotes. The "default" key sets
// every priority, defaulting to 1; p0..p7 override single priorities.
func (d DispatcherConfig) ParseQuotes() (quotedrr.Quotes, error) {
	def := 1
	if v, ok := d.Quotes["default"]; ok {
		def = v
	}
	q, err := quotedrr.NewQuotes(def)
	if err != nil {
		return q, err
	}
	for key, v := range d.Quotes {
		if key == "default" {
			continue
		}
		p, err := disp.ParsePriority(key)
		if err != nil {
			return q, err
		}
		if q, err = q.Set(p, v); err != nil {
			return q, err
		}
	}
	return q, nil
}

func (a AgentConfig) validate() []error {
	var errs []error
	if a.Priority != "" {
		if _, err := disp.ParsePriority(a.Priority); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := agent.ParseExceptionReaction(a.ExceptionReaction); err != nil {
		errs = append(errs, err)
	}
	if _, err := subscr.ParseKind(a.SubscriptionStorage); err != nil {
		errs = append(errs, err)
	}
	if l := a.Limit; l != nil {
		if l.MaxPending < 0 {
			errs = append(errs, fmt.Errorf("negative max_pending %d", l.MaxPending))
		}
		switch l.Overflow {
		case OverflowDrop, OverflowDropLogged, OverflowAbort:
		default:
			errs = append(errs, fmt.Errorf("unknown overflow reaction %q", l.Overflow))
		}
	}
	return errs
}

// ParseLock maps a lock name to a queue lock factory. The empty name
// selects the default.
func ParseLock(s string) (disp.LockFactory, error) {
	switch s {
	case "", "simple":
		return disp.SimpleLockFactory(), nil
	case "combined":
		return disp.CombinedLockFactory(0), nil
	case "spin":
		return disp.SpinLockFactory(), nil
	}
	return nil, fmt.Errorf("unknown lock %q", s)
}
