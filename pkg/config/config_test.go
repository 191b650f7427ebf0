package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/agentcore/internal/graph"
	"github.com/aixgo-dev/agentcore/pkg/disp"
)

const sample = `
environment:
  exception_reaction: abort
  subscription_storage: adaptive
  timer_collection: heap
metrics:
  port: 9090
dispatchers:
  - name: pool
    kind: thread_pool
    threads: 4
  - name: groups
    kind: active_group
  - name: rr
    kind: prio_quoted_round_robin
    quotes:
      default: 2
      p7: 10
coops:
  - name: root
    agents:
      - name: producer
        role: producer
        settings:
          count: 100
  - name: workers
    parent: root
    dispatcher: pool
    agents:
      - role: worker
        limit:
          max_pending: 10
          overflow: drop_logged
      - role: worker
        dispatcher: groups
        group: g1
  - name: leaf
    parent: workers
    dispatcher: rr
    agents:
      - role: sink
        priority: p7
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeFile(t, sample))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9090, cfg.Metrics.Port)
	require.NotNil(t, cfg.Environment.Autoshutdown)
	assert.True(t, *cfg.Environment.Autoshutdown)
	assert.Equal(t, "stdout", cfg.Tracing.Exporter)

	require.Len(t, cfg.Dispatchers, 3)
	assert.Equal(t, FifoCooperation, cfg.Dispatchers[0].Fifo)
	assert.Equal(t, 4, cfg.Dispatchers[0].MaxDemandsAtOnce)

	require.Len(t, cfg.Coops, 3)
	assert.Equal(t, DefaultDispatcher, cfg.Coops[0].Dispatcher)
	assert.Equal(t, 100, cfg.Coops[0].Agents[0].Settings["count"])
	assert.Equal(t, OverflowDropLogged, cfg.Coops[1].Agents[0].Limit.Overflow)

	levels, err := cfg.CoopLevels()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"root"}, {"workers"}, {"leaf"}}, levels)
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, os.ErrNotExist))
	})

	t.Run("too large", func(t *testing.T) {
		path := writeFile(t, strings.Repeat("#", MaxFileSize+1))
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "too large")
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := LoadConfig(writeFile(t, "coops: [name: {"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse config")
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvMetricsPort, "9191")
	t.Setenv(EnvTrace, "otlp")

	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Metrics.Port)
	assert.Equal(t, "otlp", cfg.Tracing.Exporter)
	assert.True(t, cfg.Tracing.Enabled)

	t.Setenv(EnvMetricsPort, "nine")
	_, err = Parse([]byte(sample))
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvMetricsPort)
}

func TestAutoshutdownExplicitFalse(t *testing.T) {
	cfg, err := Parse([]byte("environment:\n  autoshutdown: false\n"))
	require.NoError(t, err)
	require.NotNil(t, cfg.Environment.Autoshutdown)
	assert.False(t, *cfg.Environment.Autoshutdown)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "unknown exception reaction",
			mutate:  func(c *Config) { c.Environment.ExceptionReaction = "explode" },
			wantErr: "environment",
		},
		{
			name:    "unknown storage",
			mutate:  func(c *Config) { c.Environment.SubscriptionStorage = "btree" },
			wantErr: "environment",
		},
		{
			name:    "unknown timer collection",
			mutate:  func(c *Config) { c.Environment.TimerCollection = "wheel" },
			wantErr: "environment",
		},
		{
			name:    "unknown lock",
			mutate:  func(c *Config) { c.Dispatchers[0].Lock = "rw" },
			wantErr: `unknown lock "rw"`,
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Metrics.Port = 70000 },
			wantErr: "out of range",
		},
		{
			name:    "unknown exporter",
			mutate:  func(c *Config) { c.Tracing.Exporter = "jaeger" },
			wantErr: "unknown trace exporter",
		},
		{
			name:    "duplicate dispatcher",
			mutate:  func(c *Config) { c.Dispatchers[1].Name = "pool" },
			wantErr: "defined twice",
		},
		{
			name:    "default dispatcher shadowed",
			mutate:  func(c *Config) { c.Dispatchers[0].Name = DefaultDispatcher },
			wantErr: "defined twice",
		},
		{
			name:    "unknown kind",
			mutate:  func(c *Config) { c.Dispatchers[0].Kind = "fiber" },
			wantErr: "unknown dispatcher kind",
		},
		{
			name:    "pool without threads",
			mutate:  func(c *Config) { c.Dispatchers[0].Threads = 0 },
			wantErr: "threads must be positive",
		},
		{
			name:    "bad fifo",
			mutate:  func(c *Config) { c.Dispatchers[0].Fifo = "global" },
			wantErr: "unknown fifo",
		},
		{
			name:    "bad quote priority",
			mutate:  func(c *Config) { c.Dispatchers[2].Quotes["p9"] = 1 },
			wantErr: `dispatcher "rr"`,
		},
		{
			name:    "unknown coop dispatcher",
			mutate:  func(c *Config) { c.Coops[1].Dispatcher = "missing" },
			wantErr: `unknown dispatcher "missing"`,
		},
		{
			name:    "group required",
			mutate:  func(c *Config) { c.Coops[1].Agents[1].Group = "" },
			wantErr: "needs a group",
		},
		{
			name:    "empty coop",
			mutate:  func(c *Config) { c.Coops[2].Agents = nil },
			wantErr: "has no agents",
		},
		{
			name:    "missing role",
			mutate:  func(c *Config) { c.Coops[0].Agents[0].Role = "" },
			wantErr: "role is required",
		},
		{
			name: "duplicate agent name",
			mutate: func(c *Config) {
				c.Coops[2].Agents[0].Name = "producer"
			},
			wantErr: "agent name used twice",
		},
		{
			name:    "bad priority",
			mutate:  func(c *Config) { c.Coops[2].Agents[0].Priority = "high" },
			wantErr: `agent ""`,
		},
		{
			name:    "bad overflow",
			mutate:  func(c *Config) { c.Coops[1].Agents[0].Limit.Overflow = "queue" },
			wantErr: "unknown overflow reaction",
		},
		{
			name:    "unknown parent",
			mutate:  func(c *Config) { c.Coops[1].Parent = "ghost" },
			wantErr: "ghost",
		},
		{
			name:    "duplicate coop",
			mutate:  func(c *Config) { c.Coops[2].Name = "root"; c.Coops[2].Parent = "" },
			wantErr: "root",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(sample))
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_Cycle(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	cfg.Coops[0].Parent = "leaf"

	err = cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, graph.ErrCycleDetected))
}

func TestParseQuotes(t *testing.T) {
	d := DispatcherConfig{Quotes: map[string]int{"default": 3, "p7": 10, "0": 5}}
	q, err := d.ParseQuotes()
	require.NoError(t, err)
	assert.Equal(t, 10, q.Get(disp.Priority(7)))
	assert.Equal(t, 5, q.Get(disp.Priority(0)))
	assert.Equal(t, 3, q.Get(disp.Priority(4)))

	_, err = DispatcherConfig{Quotes: map[string]int{"default": 0}}.ParseQuotes()
	require.Error(t, err)
}

func TestParseLock(t *testing.T) {
	for _, name := range []string{"", "simple", "combined", "spin"} {
		f, err := ParseLock(name)
		require.NoError(t, err, name)
		l := f()
		l.Lock()
		l.Unlock()
	}
	_, err := ParseLock("rw")
	require.Error(t, err)
}

func TestSaveConfig(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Dispatchers, loaded.Dispatchers)
	assert.Equal(t, len(cfg.Coops), len(loaded.Coops))
	require.NoError(t, loaded.Validate())
}

func TestParseWithLimits(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		limits  func(l *Limits)
		wantErr string
	}{
		{
			name:    "too deep",
			doc:     "a:\n  b:\n    c:\n      d: 1\n",
			limits:  func(l *Limits) { l.MaxDepth = 2 },
			wantErr: "nesting depth",
		},
		{
			name:    "too many nodes",
			doc:     "coops: [1, 2, 3, 4, 5, 6]\n",
			limits:  func(l *Limits) { l.MaxNodes = 5 },
			wantErr: "more than 5 nodes",
		},
		{
			name:    "long key",
			doc:     strings.Repeat("k", 20) + ": 1\n",
			limits:  func(l *Limits) { l.MaxKeyLength = 10 },
			wantErr: "key longer than 10",
		},
		{
			name:    "long value",
			doc:     "environment:\n  lock: " + strings.Repeat("x", 20) + "\n",
			limits:  func(l *Limits) { l.MaxValueSize = 10 },
			wantErr: "value longer than 10",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limits := DefaultLimits()
			tt.limits(&limits)
			_, err := ParseWithLimits([]byte(tt.doc), limits)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParse_AliasExpansionIsBounded(t *testing.T) {
	var b strings.Builder
	b.WriteString("a: &a [x, x, x, x, x, x, x, x, x, x]\n")
	prev := "a"
	for _, name := range []string{"b", "c", "d", "e", "f"} {
		b.WriteString(name + ": &" + name + " [")
		for i := range 10 {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("*" + prev)
		}
		b.WriteString("]\n")
		prev = name
	}

	_, err := Parse([]byte(b.String()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nodes")
}
