package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/NodePath81/homenet/internal/util"
	"gopkg.in/yaml.v3"
)

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "text"

	defaultServerBindAddr         = "0.0.0.0"
	DefaultServerPort             = 5201
	defaultServerMaxSessions      = 4
	defaultServerProgressInterval = 200 * time.Millisecond
	defaultServerIdleTimeout      = 5 * time.Second
	defaultServerPhaseGrace       = 2 * time.Second
	defaultServerMinDuration      = 1 * time.Second
	defaultServerMaxDuration      = 30 * time.Second
	defaultServerMinChunkSize     = "4kib"
	defaultServerMaxChunkSize     = "1mib"

	defaultSamplerInterval        = 200 * time.Millisecond
	defaultSamplerProbeTimeout    = 1 * time.Second
	defaultSamplerBaselineSamples = 10

	defaultGatewayProbeCount   = 5
	defaultGatewayProbeTimeout = 1 * time.Second
	defaultGatewayStatistic    = GatewayStatisticMedian

	defaultTestTarget      = "127.0.0.1"
	defaultTestDuration    = 5 * time.Second
	defaultTestChunkSize   = "64kib"
	defaultTestEventBuffer = 64

	defaultDiscoveryEnabled        = true
	defaultDiscoveryResolveNames   = true
	defaultDiscoverySweepEnabled   = true
	defaultDiscoverySweepMethod    = SweepMethodAuto
	defaultDiscoverySweepWorkers   = 32
	defaultDiscoverySweepTimeout   = 1 * time.Second
	defaultDiscoverySweepMaxHosts  = 254
	defaultDiscoverySweepSettle    = 500 * time.Millisecond
	defaultDiscoveryHistoryLimit   = 50
	defaultDiscoveryResolveTimeout = 2 * time.Second

	defaultStoragePath = "data/homenet.db"

	defaultControlAddr           = "127.0.0.1"
	defaultControlPort           = 8080
	defaultControlMetricsEnabled = true

	// MinChunkSize and MaxChunkSize are the hard protocol limits; configured
	// bounds may only narrow them.
	MinChunkSize = 4 << 10
	MaxChunkSize = 1 << 20
	MinDuration  = 1 * time.Second
	MaxDuration  = 30 * time.Second

	maxProgressInterval = 200 * time.Millisecond

	GatewayStatisticMin    = "min"
	GatewayStatisticMedian = "median"

	SweepMethodAuto = "auto"
	SweepMethodARP  = "arp"
	SweepMethodICMP = "icmp"

	ClassifierOverride = "override"
	ClassifierLocal    = "local"
	ClassifierVendor   = "vendor"
	ClassifierHostname = "hostname"
)

var defaultClassifiers = []string{ClassifierOverride, ClassifierLocal, ClassifierVendor}

// DefaultGrades is the bufferbloat policy table: latency increase under load
// strictly below BelowMs earns Grade; anything above the last row is F.
var DefaultGrades = []GradeThreshold{
	{Grade: "A", BelowMs: 5},
	{Grade: "B", BelowMs: 30},
	{Grade: "C", BelowMs: 60},
	{Grade: "D", BelowMs: 200},
}

type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Hostname  string          `yaml:"hostname"`
	Logging   LoggingConfig   `yaml:"logging"`
	Server    ServerConfig    `yaml:"server"`
	Sampler   SamplerConfig   `yaml:"sampler"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Test      TestConfig      `yaml:"test"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Storage   StorageConfig   `yaml:"storage"`
	Control   ControlConfig   `yaml:"control"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerConfig struct {
	Enabled          *bool              `yaml:"enabled"`
	BindAddr         string             `yaml:"bind_addr"`
	Port             int                `yaml:"port"`
	MaxSessions      int                `yaml:"max_sessions"`
	ProgressInterval Duration           `yaml:"progress_interval"`
	IdleTimeout      Duration           `yaml:"idle_timeout"`
	PhaseGrace       Duration           `yaml:"phase_grace"`
	Limits           ServerLimitsConfig `yaml:"limits"`

	MinChunkBytes int64 `yaml:"-"`
	MaxChunkBytes int64 `yaml:"-"`
}

type ServerLimitsConfig struct {
	MinDuration  Duration `yaml:"min_duration"`
	MaxDuration  Duration `yaml:"max_duration"`
	MinChunkSize string   `yaml:"min_chunk_size"`
	MaxChunkSize string   `yaml:"max_chunk_size"`
}

type SamplerConfig struct {
	Interval        Duration `yaml:"interval"`
	ProbeTimeout    Duration `yaml:"probe_timeout"`
	BaselineSamples int      `yaml:"baseline_samples"`
}

type GatewayConfig struct {
	Enabled      *bool    `yaml:"enabled"`
	ProbeCount   int      `yaml:"probe_count"`
	ProbeTimeout Duration `yaml:"probe_timeout"`
	Statistic    string   `yaml:"statistic"`
}

type TestConfig struct {
	Target      string           `yaml:"target"`
	Port        int              `yaml:"port"`
	Duration    Duration         `yaml:"duration"`
	ChunkSize   string           `yaml:"chunk_size"`
	PhaseGrace  Duration         `yaml:"phase_grace"`
	EventBuffer int              `yaml:"event_buffer"`
	Grades      []GradeThreshold `yaml:"grades"`

	ChunkBytes int64 `yaml:"-"`
}

// GradeThreshold maps a latency increase (loaded minus idle) strictly below
// BelowMs to Grade.
type GradeThreshold struct {
	Grade   string  `yaml:"grade"`
	BelowMs float64 `yaml:"below_ms"`
}

type DiscoveryConfig struct {
	Enabled          *bool                `yaml:"enabled"`
	Interval         Duration             `yaml:"interval"`
	ResolveHostnames *bool                `yaml:"resolve_hostnames"`
	ResolveTimeout   Duration             `yaml:"resolve_timeout"`
	DNSServers       []string             `yaml:"dns_servers"`
	Classifiers      []string             `yaml:"classifiers"`
	OUIDatabase      string               `yaml:"oui_database"`
	HistoryLimit     int                  `yaml:"history_limit"`
	Sweep            DiscoverySweepConfig `yaml:"sweep"`
}

type DiscoverySweepConfig struct {
	Enabled  *bool    `yaml:"enabled"`
	Method   string   `yaml:"method"`
	Workers  int      `yaml:"workers"`
	Timeout  Duration `yaml:"timeout"`
	MaxHosts int      `yaml:"max_hosts"`
	Settle   Duration `yaml:"settle"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type ControlConfig struct {
	Enabled   *bool                `yaml:"enabled"`
	BindAddr  string               `yaml:"bind_addr"`
	BindPort  int                  `yaml:"bind_port"`
	AuthToken string               `yaml:"auth_token"`
	Metrics   ControlMetricsConfig `yaml:"metrics"`
}

type ControlMetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

func (s ServerConfig) IsEnabled() bool {
	return util.BoolValue(s.Enabled, true)
}

func (g GatewayConfig) IsEnabled() bool {
	return util.BoolValue(g.Enabled, true)
}

func (d DiscoveryConfig) IsEnabled() bool {
	return util.BoolValue(d.Enabled, defaultDiscoveryEnabled)
}

func (d DiscoveryConfig) ResolvesHostnames() bool {
	return util.BoolValue(d.ResolveHostnames, defaultDiscoveryResolveNames)
}

func (s DiscoverySweepConfig) IsEnabled() bool {
	return util.BoolValue(s.Enabled, defaultDiscoverySweepEnabled)
}

func (c ControlConfig) IsEnabled() bool {
	return util.BoolValue(c.Enabled, true)
}

func (m ControlMetricsConfig) IsEnabled() bool {
	return util.BoolValue(m.Enabled, defaultControlMetricsEnabled)
}

func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(raw)
}

// Parse decodes raw YAML, applies defaults and validates.
func Parse(raw []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns a validated configuration with every default applied.
func Default() Config {
	var cfg Config
	cfg.setDefaults()
	cfg.Control.Enabled = new(bool)
	if err := cfg.validate(); err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

func (c *Config) setDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}

	if c.Server.BindAddr == "" {
		c.Server.BindAddr = defaultServerBindAddr
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Server.MaxSessions == 0 {
		c.Server.MaxSessions = defaultServerMaxSessions
	}
	if c.Server.ProgressInterval == 0 {
		c.Server.ProgressInterval = Duration(defaultServerProgressInterval)
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = Duration(defaultServerIdleTimeout)
	}
	if c.Server.PhaseGrace == 0 {
		c.Server.PhaseGrace = Duration(defaultServerPhaseGrace)
	}
	if c.Server.Limits.MinDuration == 0 {
		c.Server.Limits.MinDuration = Duration(defaultServerMinDuration)
	}
	if c.Server.Limits.MaxDuration == 0 {
		c.Server.Limits.MaxDuration = Duration(defaultServerMaxDuration)
	}
	if c.Server.Limits.MinChunkSize == "" {
		c.Server.Limits.MinChunkSize = defaultServerMinChunkSize
	}
	if c.Server.Limits.MaxChunkSize == "" {
		c.Server.Limits.MaxChunkSize = defaultServerMaxChunkSize
	}

	if c.Sampler.Interval == 0 {
		c.Sampler.Interval = Duration(defaultSamplerInterval)
	}
	if c.Sampler.ProbeTimeout == 0 {
		c.Sampler.ProbeTimeout = Duration(defaultSamplerProbeTimeout)
	}
	if c.Sampler.BaselineSamples == 0 {
		c.Sampler.BaselineSamples = defaultSamplerBaselineSamples
	}

	if c.Gateway.ProbeCount == 0 {
		c.Gateway.ProbeCount = defaultGatewayProbeCount
	}
	if c.Gateway.ProbeTimeout == 0 {
		c.Gateway.ProbeTimeout = Duration(defaultGatewayProbeTimeout)
	}
	if c.Gateway.Statistic == "" {
		c.Gateway.Statistic = defaultGatewayStatistic
	}

	if c.Test.Target == "" {
		c.Test.Target = defaultTestTarget
	}
	if c.Test.Port == 0 {
		c.Test.Port = c.Server.Port
	}
	if c.Test.Duration == 0 {
		c.Test.Duration = Duration(defaultTestDuration)
	}
	if c.Test.ChunkSize == "" {
		c.Test.ChunkSize = defaultTestChunkSize
	}
	if c.Test.PhaseGrace == 0 {
		c.Test.PhaseGrace = Duration(defaultServerPhaseGrace)
	}
	if c.Test.EventBuffer == 0 {
		c.Test.EventBuffer = defaultTestEventBuffer
	}
	if len(c.Test.Grades) == 0 {
		c.Test.Grades = append([]GradeThreshold(nil), DefaultGrades...)
	}

	if c.Discovery.ResolveTimeout == 0 {
		c.Discovery.ResolveTimeout = Duration(defaultDiscoveryResolveTimeout)
	}
	if len(c.Discovery.Classifiers) == 0 {
		c.Discovery.Classifiers = append([]string(nil), defaultClassifiers...)
	}
	if c.Discovery.HistoryLimit == 0 {
		c.Discovery.HistoryLimit = defaultDiscoveryHistoryLimit
	}
	if c.Discovery.Sweep.Method == "" {
		c.Discovery.Sweep.Method = defaultDiscoverySweepMethod
	}
	if c.Discovery.Sweep.Workers == 0 {
		c.Discovery.Sweep.Workers = defaultDiscoverySweepWorkers
	}
	if c.Discovery.Sweep.Timeout == 0 {
		c.Discovery.Sweep.Timeout = Duration(defaultDiscoverySweepTimeout)
	}
	if c.Discovery.Sweep.MaxHosts == 0 {
		c.Discovery.Sweep.MaxHosts = defaultDiscoverySweepMaxHosts
	}
	if c.Discovery.Sweep.Settle == 0 {
		c.Discovery.Sweep.Settle = Duration(defaultDiscoverySweepSettle)
	}

	if c.Storage.Path == "" {
		c.Storage.Path = defaultStoragePath
	}

	if c.Control.BindAddr == "" {
		c.Control.BindAddr = defaultControlAddr
	}
	if c.Control.BindPort == 0 {
		c.Control.BindPort = defaultControlPort
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return errors.New("logging.format must be text or json")
	}

	if err := c.validateServer(); err != nil {
		return err
	}

	if c.Sampler.Interval.Duration() <= 0 {
		return errors.New("sampler.interval must be > 0")
	}
	if c.Sampler.Interval.Duration() > maxProgressInterval {
		return fmt.Errorf("sampler.interval must be <= %s", maxProgressInterval)
	}
	if c.Sampler.ProbeTimeout.Duration() <= 0 {
		return errors.New("sampler.probe_timeout must be > 0")
	}
	if c.Sampler.BaselineSamples <= 0 {
		return errors.New("sampler.baseline_samples must be > 0")
	}

	if c.Gateway.ProbeCount <= 0 {
		return errors.New("gateway.probe_count must be > 0")
	}
	if c.Gateway.ProbeTimeout.Duration() <= 0 {
		return errors.New("gateway.probe_timeout must be > 0")
	}
	c.Gateway.Statistic = strings.ToLower(strings.TrimSpace(c.Gateway.Statistic))
	if c.Gateway.Statistic != GatewayStatisticMin && c.Gateway.Statistic != GatewayStatisticMedian {
		return errors.New("gateway.statistic must be min or median")
	}

	if err := c.validateTest(); err != nil {
		return err
	}
	if err := c.validateDiscovery(); err != nil {
		return err
	}

	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path must not be empty")
	}

	if c.Control.IsEnabled() {
		if c.Control.AuthToken == "" {
			return errors.New("control.auth_token must not be empty")
		}
		if c.Control.BindPort <= 0 || c.Control.BindPort > 65535 {
			return errors.New("control.bind_port must be in 1..65535")
		}
	}
	return nil
}

func (c *Config) validateServer() error {
	s := &c.Server
	if s.BindAddr != "" && net.ParseIP(s.BindAddr) == nil {
		return fmt.Errorf("server.bind_addr %q is not an IP address", s.BindAddr)
	}
	if s.Port <= 0 || s.Port > 65535 {
		return errors.New("server.port must be in 1..65535")
	}
	if s.MaxSessions <= 0 {
		return errors.New("server.max_sessions must be > 0")
	}
	if s.ProgressInterval.Duration() <= 0 || s.ProgressInterval.Duration() > maxProgressInterval {
		return fmt.Errorf("server.progress_interval must be in (0,%s]", maxProgressInterval)
	}
	if s.IdleTimeout.Duration() <= 0 {
		return errors.New("server.idle_timeout must be > 0")
	}
	if s.PhaseGrace.Duration() < 0 {
		return errors.New("server.phase_grace must be >= 0")
	}

	minDur := s.Limits.MinDuration.Duration()
	maxDur := s.Limits.MaxDuration.Duration()
	if minDur < MinDuration || maxDur > MaxDuration || minDur > maxDur {
		return fmt.Errorf("server.limits duration bounds must satisfy %s <= min <= max <= %s", MinDuration, MaxDuration)
	}

	minChunk, err := ParseSize(s.Limits.MinChunkSize)
	if err != nil {
		return fmt.Errorf("server.limits.min_chunk_size: %w", err)
	}
	maxChunk, err := ParseSize(s.Limits.MaxChunkSize)
	if err != nil {
		return fmt.Errorf("server.limits.max_chunk_size: %w", err)
	}
	if minChunk < MinChunkSize || maxChunk > MaxChunkSize || minChunk > maxChunk {
		return fmt.Errorf("server.limits chunk bounds must satisfy %d <= min <= max <= %d", MinChunkSize, MaxChunkSize)
	}
	s.MinChunkBytes = minChunk
	s.MaxChunkBytes = maxChunk
	return nil
}

func (c *Config) validateTest() error {
	t := &c.Test
	t.Target = strings.TrimSpace(t.Target)
	if t.Target == "" {
		return errors.New("test.target must not be empty")
	}
	if t.Port <= 0 || t.Port > 65535 {
		return errors.New("test.port must be in 1..65535")
	}
	if t.Duration.Duration() < MinDuration || t.Duration.Duration() > MaxDuration {
		return fmt.Errorf("test.duration must be in %s..%s", MinDuration, MaxDuration)
	}
	chunk, err := ParseSize(t.ChunkSize)
	if err != nil {
		return fmt.Errorf("test.chunk_size: %w", err)
	}
	if chunk < MinChunkSize || chunk > MaxChunkSize {
		return fmt.Errorf("test.chunk_size must be in %d..%d bytes", MinChunkSize, MaxChunkSize)
	}
	t.ChunkBytes = chunk
	if t.PhaseGrace.Duration() <= 0 {
		return errors.New("test.phase_grace must be > 0")
	}
	if t.EventBuffer <= 0 {
		return errors.New("test.event_buffer must be > 0")
	}
	return ValidateGrades(t.Grades)
}

// ValidateGrades checks that the table is ordered A..E with strictly
// increasing bounds, leaving F for everything beyond the last row.
func ValidateGrades(grades []GradeThreshold) error {
	if len(grades) == 0 {
		return errors.New("test.grades must not be empty")
	}
	if len(grades) > 5 {
		return errors.New("test.grades supports at most 5 rows (A..E); F is implicit")
	}
	prev := 0.0
	for i := range grades {
		g := &grades[i]
		g.Grade = strings.ToUpper(strings.TrimSpace(g.Grade))
		want := string(rune('A' + i))
		if g.Grade != want {
			return fmt.Errorf("test.grades[%d].grade must be %s", i, want)
		}
		if g.BelowMs <= prev {
			return fmt.Errorf("test.grades[%d].below_ms must be > %g", i, prev)
		}
		prev = g.BelowMs
	}
	return nil
}

func (c *Config) validateDiscovery() error {
	d := &c.Discovery
	if d.Interval.Duration() < 0 {
		return errors.New("discovery.interval must be >= 0")
	}
	if d.ResolveTimeout.Duration() <= 0 {
		return errors.New("discovery.resolve_timeout must be > 0")
	}
	if d.HistoryLimit <= 0 {
		return errors.New("discovery.history_limit must be > 0")
	}
	seen := make(map[string]struct{}, len(d.Classifiers))
	for i, name := range d.Classifiers {
		name = strings.ToLower(strings.TrimSpace(name))
		switch name {
		case ClassifierOverride, ClassifierLocal, ClassifierVendor, ClassifierHostname:
		default:
			return fmt.Errorf("discovery.classifiers[%d] unknown strategy %q", i, name)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("discovery.classifiers duplicate strategy %q", name)
		}
		seen[name] = struct{}{}
		d.Classifiers[i] = name
	}
	if _, ok := seen[ClassifierOverride]; ok && d.Classifiers[0] != ClassifierOverride {
		return errors.New("discovery.classifiers: override must be first")
	}
	for i, server := range d.DNSServers {
		d.DNSServers[i] = strings.TrimSpace(server)
		if d.DNSServers[i] == "" {
			return fmt.Errorf("discovery.dns_servers[%d] must not be empty", i)
		}
	}

	sw := &d.Sweep
	sw.Method = strings.ToLower(strings.TrimSpace(sw.Method))
	switch sw.Method {
	case SweepMethodAuto, SweepMethodARP, SweepMethodICMP:
	default:
		return errors.New("discovery.sweep.method must be auto, arp or icmp")
	}
	if sw.Workers <= 0 {
		return errors.New("discovery.sweep.workers must be > 0")
	}
	if sw.Timeout.Duration() <= 0 {
		return errors.New("discovery.sweep.timeout must be > 0")
	}
	if sw.MaxHosts <= 0 || sw.MaxHosts > 4094 {
		return errors.New("discovery.sweep.max_hosts must be in 1..4094")
	}
	if sw.Settle.Duration() < 0 {
		return errors.New("discovery.sweep.settle must be >= 0")
	}
	return nil
}
