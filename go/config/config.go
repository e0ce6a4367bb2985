// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads connmgr settings from defaults, a YAML file,
// CONNMGR_* environment variables and command line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/multigres/connmgr/go/driverenv"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "CONNMGR"

// Commit modes accepted in Config.Mode.
const (
	ModeAutoCommit = "autocommit"
	ModeManual     = "manual"
)

// Config is the effective connmgr configuration.
type Config struct {
	Driver            string     `mapstructure:"driver" yaml:"driver"`
	DSN               string     `mapstructure:"dsn" yaml:"dsn"`
	Mode              string     `mapstructure:"mode" yaml:"mode"`
	ValidationQuery   string     `mapstructure:"validation_query" yaml:"validation_query"`
	InitFailurePolicy string     `mapstructure:"init_failure_policy" yaml:"init_failure_policy"`
	Pool              PoolConfig `mapstructure:"pool" yaml:"pool"`
	Run               RunConfig  `mapstructure:"run" yaml:"run"`
}

// PoolConfig configures connpool.Pool.
type PoolConfig struct {
	Capacity        int           `mapstructure:"capacity" yaml:"capacity"`
	TestOnCheckout  bool          `mapstructure:"test_on_checkout" yaml:"test_on_checkout"`
	CheckoutTimeout time.Duration `mapstructure:"checkout_timeout" yaml:"checkout_timeout"`
}

// MarshalYAML renders CheckoutTimeout as a duration string.
func (p PoolConfig) MarshalYAML() (any, error) {
	return struct {
		Capacity        int    `yaml:"capacity"`
		TestOnCheckout  bool   `yaml:"test_on_checkout"`
		CheckoutTimeout string `yaml:"checkout_timeout"`
	}{p.Capacity, p.TestOnCheckout, p.CheckoutTimeout.String()}, nil
}

// RunConfig configures the run command.
type RunConfig struct {
	Workers int    `mapstructure:"workers" yaml:"workers"`
	Query   string `mapstructure:"query" yaml:"query"`
}

// SetDefaults registers the default value of every setting on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("driver", "postgres")
	v.SetDefault("dsn", "")
	v.SetDefault("mode", ModeAutoCommit)
	v.SetDefault("validation_query", "SELECT 1")
	v.SetDefault("init_failure_policy", driverenv.CacheFailure.String())
	v.SetDefault("pool.capacity", 10)
	v.SetDefault("pool.test_on_checkout", true)
	v.SetDefault("pool.checkout_timeout", 30*time.Second)
	v.SetDefault("run.workers", 10)
	v.SetDefault("run.query", "SELECT version()")
}

// flagKeys maps flag names to config keys.
var flagKeys = map[string]string{
	"driver":                "driver",
	"dsn":                   "dsn",
	"mode":                  "mode",
	"validation-query":      "validation_query",
	"init-failure-policy":   "init_failure_policy",
	"pool-capacity":         "pool.capacity",
	"pool-test-on-checkout": "pool.test_on_checkout",
	"pool-checkout-timeout": "pool.checkout_timeout",
	"workers":               "run.workers",
	"query":                 "run.query",
}

// RegisterFlags defines one flag per setting on fs and binds it into v.
// Defaults shown in help are read from v, so call SetDefaults first.
func RegisterFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.String("driver", v.GetString("driver"), "database/sql driver name (see 'connmgr drivers')")
	fs.String("dsn", v.GetString("dsn"), "Connection string passed to the driver")
	fs.String("mode", v.GetString("mode"), "Commit mode (autocommit, manual)")
	fs.String("validation-query", v.GetString("validation_query"), "Query used to check idle connections")
	fs.String("init-failure-policy", v.GetString("init_failure_policy"), "What to do after driver initialization fails (cache, retry)")
	fs.Int("pool-capacity", v.GetInt("pool.capacity"), "Maximum number of open connections")
	fs.Bool("pool-test-on-checkout", v.GetBool("pool.test_on_checkout"), "Validate idle connections before lending them")
	fs.Duration("pool-checkout-timeout", v.GetDuration("pool.checkout_timeout"), "How long to wait for a free connection")
	fs.Int("workers", v.GetInt("run.workers"), "Number of concurrent workers")
	fs.String("query", v.GetString("run.query"), "Query each worker runs")

	var errs []error
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			errs = append(errs, fmt.Errorf("bind flag %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Load reads the configuration. If configFile is empty, connmgr.yaml is
// looked up in the working directory and /etc/connmgr, and a missing file is
// not an error. The result is not validated; call Validate.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("connmgr")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/connmgr")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Driver == "" {
		errs = append(errs, errors.New("driver is required"))
	}
	if c.DSN == "" {
		errs = append(errs, errors.New("dsn is required"))
	}
	if c.Mode != ModeAutoCommit && c.Mode != ModeManual {
		errs = append(errs, fmt.Errorf("mode must be %q or %q, got %q", ModeAutoCommit, ModeManual, c.Mode))
	}
	if _, err := driverenv.ParseFailurePolicy(c.InitFailurePolicy); err != nil {
		errs = append(errs, err)
	}
	if c.Pool.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("pool.capacity must be positive, got %d", c.Pool.Capacity))
	}
	if c.Pool.CheckoutTimeout < 0 {
		errs = append(errs, fmt.Errorf("pool.checkout_timeout must not be negative, got %s", c.Pool.CheckoutTimeout))
	}
	if c.Run.Workers <= 0 {
		errs = append(errs, fmt.Errorf("run.workers must be positive, got %d", c.Run.Workers))
	}
	if c.Run.Query == "" {
		errs = append(errs, errors.New("run.query is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// FailurePolicy returns the parsed init failure policy, CacheFailure if invalid.
func (c *Config) FailurePolicy() driverenv.FailurePolicy {
	p, _ := driverenv.ParseFailurePolicy(c.InitFailurePolicy)
	return p
}

// Dump writes c as YAML with any password in a URL-style DSN masked.
func Dump(w io.Writer, c *Config) error {
	redacted := *c
	redacted.DSN = RedactDSN(c.DSN)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&redacted); err != nil {
		return err
	}
	return enc.Close()
}

// RedactDSN masks the password of a URL-style connection string. Other
// forms are returned unchanged.
func RedactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" || u.User == nil {
		return dsn
	}
	return u.Redacted()
}
