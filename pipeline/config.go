package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/pelletier/go-toml/v2"

	"github.com/caffeineduck/luabridge/sandbox"
)

const (
	DefaultMaxMsgLoops      = 4
	DefaultMaxProcessInject = 1
	DefaultMaxTimerInject   = 10
)

var validate = validator.New()

// Config is the top level pipeline configuration.
type Config struct {
	MaxMsgLoops      int    `koanf:"max_msg_loops" validate:"gte=1"`
	MaxProcessInject int    `koanf:"max_process_inject" validate:"gte=0"`
	MaxTimerInject   int    `koanf:"max_timer_inject" validate:"gte=0"`
	StateDir         string `koanf:"state_dir"`
	Hostname         string `koanf:"hostname"`

	Filters  map[string]FilterConfig  `koanf:"-" validate:"dive"`
	Decoders map[string]DecoderConfig `koanf:"-" validate:"dive"`
}

// PluginConfig is shared by filters and decoders.
type PluginConfig struct {
	Sandbox sandbox.Config `koanf:",squash"`
	// MessageMatcher lists doublestar globs matched against the message
	// Type. A message is routed to the plugin when any pattern matches.
	MessageMatcher []string `koanf:"message_matcher" validate:"min=1,dive,required"`
	// PreserveData keeps guest globals across restarts in StateDir.
	PreserveData bool `koanf:"preserve_data"`
	// Config is what the guest sees through read_config.
	Config map[string]any `koanf:"config"`
}

type FilterConfig struct {
	PluginConfig   `koanf:",squash"`
	TickerInterval time.Duration `koanf:"ticker_interval" validate:"gte=0"`
}

type DecoderConfig struct {
	PluginConfig `koanf:",squash"`
}

func DefaultConfig() Config {
	host, _ := os.Hostname()
	return Config{
		MaxMsgLoops:      DefaultMaxMsgLoops,
		MaxProcessInject: DefaultMaxProcessInject,
		MaxTimerInject:   DefaultMaxTimerInject,
		Hostname:         host,
		Filters:          make(map[string]FilterConfig),
		Decoders:         make(map[string]DecoderConfig),
	}
}

func DefaultPluginConfig() PluginConfig {
	return PluginConfig{Sandbox: sandbox.DefaultConfig()}
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("pipeline config: %w", err)
	}
	for name := range c.Filters {
		if err := validatePluginName(name); err != nil {
			return fmt.Errorf("pipeline config: filter %w", err)
		}
	}
	for name := range c.Decoders {
		if err := validatePluginName(name); err != nil {
			return fmt.Errorf("pipeline config: decoder %w", err)
		}
	}
	return nil
}

// validatePluginName rejects names that would place a state file outside
// StateDir.
func validatePluginName(name string) error {
	if name == "" || name == "." || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrPluginName, name)
	}
	return nil
}

// StateFile returns where the named plugin preserves its data, or "" when
// preservation is off.
func (c Config) StateFile(name string, pc PluginConfig) string {
	if !pc.PreserveData || c.StateDir == "" {
		return ""
	}
	return filepath.Join(c.StateDir, name+".data.lua")
}

// LoadConfigFile reads a YAML (.yaml, .yml) or TOML (.toml) file. Relative
// script filenames are resolved against the file's directory.
func LoadConfigFile(path string) (Config, error) {
	parser, err := parserFor(path)
	if err != nil {
		return Config{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return Config{}, fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	cfg, err := unmarshalConfig(k)
	if err != nil {
		return Config{}, err
	}
	cfg.resolveScripts(filepath.Dir(path))
	return cfg, cfg.Validate()
}

// LoadConfigBytes parses YAML configuration data.
func LoadConfigBytes(data []byte) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return Config{}, fmt.Errorf("failed to load config data: %w", err)
	}
	cfg, err := unmarshalConfig(k)
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".toml":
		return tomlParser{}, nil
	}
	return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
}

// unmarshalConfig decodes every plugin over its defaults so unset limits
// keep their default values.
func unmarshalConfig(k *koanf.Koanf) (Config, error) {
	cfg := DefaultConfig()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	for _, name := range k.MapKeys("filters") {
		fc := FilterConfig{PluginConfig: DefaultPluginConfig()}
		if err := k.Unmarshal("filters."+name, &fc); err != nil {
			return Config{}, fmt.Errorf("failed to unmarshal filter %s: %w", name, err)
		}
		cfg.Filters[name] = fc
	}
	for _, name := range k.MapKeys("decoders") {
		dc := DecoderConfig{PluginConfig: DefaultPluginConfig()}
		if err := k.Unmarshal("decoders."+name, &dc); err != nil {
			return Config{}, fmt.Errorf("failed to unmarshal decoder %s: %w", name, err)
		}
		cfg.Decoders[name] = dc
	}
	return cfg, nil
}

func (c *Config) resolveScripts(dir string) {
	resolve := func(pc *PluginConfig) {
		if f := pc.Sandbox.ScriptFilename; f != "" && !filepath.IsAbs(f) {
			pc.Sandbox.ScriptFilename = filepath.Join(dir, f)
		}
	}
	for name, fc := range c.Filters {
		resolve(&fc.PluginConfig)
		c.Filters[name] = fc
	}
	for name, dc := range c.Decoders {
		resolve(&dc.PluginConfig)
		c.Decoders[name] = dc
	}
	if c.StateDir != "" && !filepath.IsAbs(c.StateDir) {
		c.StateDir = filepath.Join(dir, c.StateDir)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// tomlParser adapts go-toml to koanf.
type tomlParser struct{}

func (tomlParser) Unmarshal(b []byte) (map[string]any, error) {
	var out map[string]any
	if err := toml.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (tomlParser) Marshal(o map[string]any) ([]byte, error) {
	return toml.Marshal(o)
}
