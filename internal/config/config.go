// Package config loads the layered YAML configuration described in §6:
// `filesystems`, `transfers`, `named_routes`, `executor`, `phase`,
// `defaults`, merged across files (last wins) and overlaid with CLI
// variables and `SHEPHERD_`-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/wtsi-hgi/shepherd/pkg/shepherdapi"
)

// EnvPrefix is the environment-variable prefix templating variables are
// read from (§6): `SHEPHERD_FOO=bar` becomes template variable `foo=bar`.
const EnvPrefix = "SHEPHERD_"

var matchAllCap = regexp.MustCompile("([a-z0-9])([A-Z])")

// TransformKey turns a dotted/camel config key into its environment
// variable form, e.g. "phase.maxCores" -> "SHEPHERD_PHASE_MAX_CORES".
func TransformKey(s string) string {
	snake := matchAllCap.ReplaceAllString(s, "${1}_${2}")
	snake = strings.ReplaceAll(snake, ".", "_")
	return EnvPrefix + strings.ToUpper(snake)
}

// FilesystemSpec is one entry under the `filesystems` config key.
type FilesystemSpec struct {
	Name           string         `mapstructure:"name"`
	Driver         string         `mapstructure:"driver"`
	Options        map[string]any `mapstructure:"options"`
	MaxConcurrency int            `mapstructure:"max_concurrency"`
}

// TransferSpec is one entry under the `transfers` config key, mirroring a
// graph.Route before it is built.
type TransferSpec struct {
	Name            string   `mapstructure:"name"`
	Source          string   `mapstructure:"source"`
	Target          string   `mapstructure:"target"`
	Transformations []string `mapstructure:"transformations"`
	Script          string   `mapstructure:"script"`
	Cost            int      `mapstructure:"cost"`
}

// NamedRouteHopSpec is one hop of a `named_routes` entry.
type NamedRouteHopSpec struct {
	Route                string            `mapstructure:"route"`
	ExtraTransformations []string          `mapstructure:"extra_transformations"`
	Options              map[string]string `mapstructure:"options"`
}

// NamedRouteSpec is one entry under the `named_routes` config key.
type NamedRouteSpec struct {
	Name string              `mapstructure:"name"`
	Hops []NamedRouteHopSpec `mapstructure:"hops"`
}

// ExecutorSpec configures the Dispatcher capability implementation.
type ExecutorSpec struct {
	Driver  string         `mapstructure:"driver"`
	Options map[string]any `mapstructure:"options"`
}

// PhaseSpec is the resource request template for submitted attempts (§6).
type PhaseSpec struct {
	Cores  int    `mapstructure:"cores"`
	Memory string `mapstructure:"memory"`
	Group  string `mapstructure:"group"`
}

// Config is the fully-loaded, merged configuration.
type Config struct {
	Filesystems []FilesystemSpec `mapstructure:"filesystems"`
	Transfers   []TransferSpec   `mapstructure:"transfers"`
	NamedRoutes []NamedRouteSpec `mapstructure:"named_routes"`
	Executor    ExecutorSpec     `mapstructure:"executor"`
	Phase       PhaseSpec        `mapstructure:"phase"`
	Defaults    map[string]string `mapstructure:"defaults"`
}

// Load merges configFiles in order (later files override earlier ones on
// conflicting keys), applies `SHEPHERD_*` environment overrides, then
// overlays cliVariables (from repeated `-v NAME=VALUE` flags) and the
// contents of variablesFiles (from repeated `--variables=FILE` flags,
// simple `NAME=VALUE` per line) onto the effective variable environment,
// per the precedence in §4.5: CLI > env > variables files > config
// defaults.
func Load(configFiles []string, variablesFiles []string, cliVariables map[string]string) (*Config, shepherdapi.Env, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, nil, shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "loading .env")
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(strings.TrimSuffix(EnvPrefix, "_"))
	v.AutomaticEnv()

	if len(configFiles) == 0 {
		return nil, nil, shepherdapi.New(shepherdapi.KindConfiguration, "at least one config file is required (-C)")
	}

	for i, path := range configFiles {
		v.SetConfigFile(path)
		var err error
		if i == 0 {
			err = v.ReadInConfig()
		} else {
			err = v.MergeInConfig()
		}
		if err != nil {
			return nil, nil, shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "loading config file %q", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "decoding merged configuration")
	}

	env := shepherdapi.Env{}
	for name, value := range cfg.Defaults {
		if err := checkReserved(name); err != nil {
			return nil, nil, err
		}
		env[name] = value
	}

	for _, path := range variablesFiles {
		if err := loadVariablesFile(path, env); err != nil {
			return nil, nil, err
		}
	}

	for _, name := range os.Environ() {
		k, val, ok := strings.Cut(name, "=")
		if !ok || !strings.HasPrefix(k, EnvPrefix) {
			continue
		}
		varName := strings.ToLower(strings.TrimPrefix(k, EnvPrefix))
		if err := checkReserved(varName); err != nil {
			return nil, nil, err
		}
		env[varName] = val
	}

	for name, value := range cliVariables {
		if err := checkReserved(name); err != nil {
			return nil, nil, err
		}
		env[name] = value
	}

	return &cfg, env, nil
}

func checkReserved(name string) error {
	if _, reserved := shepherdapi.ReservedNames[name]; reserved {
		return shepherdapi.New(shepherdapi.KindConfiguration, "%q is a reserved variable name and cannot be set from configuration", name)
	}
	return nil
}

func loadVariablesFile(path string, env shepherdapi.Env) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "reading variables file %q", path)
	}

	for lineNo, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			return shepherdapi.New(shepherdapi.KindConfiguration, "%s:%d: expected NAME=VALUE, got %q", path, lineNo+1, line)
		}
		name = strings.TrimSpace(name)
		if err := checkReserved(name); err != nil {
			return err
		}
		env[name] = strings.TrimSpace(value)
	}
	return nil
}

// String renders a Config summary for logs, without dumping full driver
// option maps.
func (c *Config) String() string {
	return fmt.Sprintf("filesystems=%d transfers=%d named_routes=%d executor=%s",
		len(c.Filesystems), len(c.Transfers), len(c.NamedRoutes), c.Executor.Driver)
}

// Settings is the machine-local runtime configuration loaded from the `-S`
// flag (§6): where the state store lives and how the local process should
// behave, as opposed to `-C`'s domain configuration (filesystems, routes).
type Settings struct {
	StateStoreDSN  string `mapstructure:"state_store_dsn"`
	MaxAttempts    int    `mapstructure:"max_attempts"`
	Concurrency    int    `mapstructure:"concurrency"`
	PollIntervalMS int    `mapstructure:"poll_interval_ms"`
}

// LoadSettings reads the single `-S FILE` settings file. Unlike Load's `-C`
// files, there is exactly one settings file — no merge semantics apply.
func LoadSettings(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)
	v.SetDefault("max_attempts", 3)
	v.SetDefault("concurrency", 4)
	v.SetDefault("poll_interval_ms", 2000)

	if err := v.ReadInConfig(); err != nil {
		return nil, shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "loading settings file %q", path)
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, shepherdapi.Wrap(shepherdapi.KindConfiguration, err, "decoding settings file %q", path)
	}
	if s.StateStoreDSN == "" {
		return nil, shepherdapi.New(shepherdapi.KindConfiguration, "settings file %q: state_store_dsn is required", path)
	}
	return &s, nil
}
