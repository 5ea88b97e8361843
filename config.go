package main

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"github.com/orian/vizguard/cardinality"
	"github.com/orian/vizguard/dataset"
	"github.com/orian/vizguard/safety"
	"github.com/orian/vizguard/sampling"
)

// Config holds the process configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	DuckDB     DuckDBConfig     `mapstructure:"duckdb"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	Planner    PlannerConfig    `mapstructure:"planner"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Addr        string `mapstructure:"addr"`
	CORSOrigins string `mapstructure:"cors_origins"`
}

type DuckDBConfig struct {
	// Path is the catalog database file. Empty keeps everything in memory.
	Path    string `mapstructure:"path"`
	Threads int    `mapstructure:"threads"`
}

// ClickHouseConfig is optional: an empty host disables ClickHouse imports.
type ClickHouseConfig struct {
	Host     string `mapstructure:"host"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	Secure   bool   `mapstructure:"secure"`
}

type PlannerConfig struct {
	Seed            uint64 `mapstructure:"seed"`
	CardinalityMode string `mapstructure:"cardinality_mode"`
	StrictMemory    bool   `mapstructure:"strict_memory"`
	MinPerStratum   int    `mapstructure:"min_per_stratum"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`

	// File additionally writes JSON logs to this path when set.
	File string `mapstructure:"file"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        ":8080",
			CORSOrigins: "*",
		},
		DuckDB: DuckDBConfig{
			Path: "vizguard.duckdb",
		},
		ClickHouse: ClickHouseConfig{
			User:     "default",
			Database: "default",
		},
		Planner: PlannerConfig{
			Seed:            safety.SamplingSeed,
			CardinalityMode: string(cardinality.ModeHead),
			MinPerStratum:   sampling.DefaultMinPerStratum,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads configuration from an optional config.yaml in the working
// directory and from environment variables. Environment variables use the
// prefix "VIZGUARD" with dots replaced by underscores, so "duckdb.path" is
// read from VIZGUARD_DUCKDB_PATH.
func LoadConfig(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("VIZGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configFile != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values viper cannot type-check.
func (c *Config) Validate() error {
	if _, err := cardinality.ParseMode(c.Planner.CardinalityMode); err != nil {
		return fmt.Errorf("planner.cardinality_mode: %w", err)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	if c.DuckDB.Threads < 0 {
		return fmt.Errorf("duckdb.threads must not be negative")
	}
	return nil
}

// Origins splits the comma separated CORS origin list.
func (c ServerConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Dataset converts the ClickHouse section to the loader's settings.
func (c ClickHouseConfig) Dataset() dataset.ClickHouseConfig {
	return dataset.ClickHouseConfig{
		Host:     c.Host,
		Database: c.Database,
		User:     c.User,
		Password: c.Password,
		Secure:   c.Secure,
	}
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts, tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
