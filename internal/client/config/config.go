package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/JoyinJoester/Monica-sub008/internal/common"
)

const envPrefix = "VAULTSYNC"

type Database struct {
	Driver string `mapstructure:"driver" yaml:"driver" validate:"required,oneof=sqlite postgres"`
	DSN    string `mapstructure:"dsn"    yaml:"dsn"    validate:"required"`
}

type Log struct {
	Level  string `mapstructure:"level"  yaml:"level"  validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=text json"`
}

type Sync struct {
	Interval         time.Duration `mapstructure:"interval"           yaml:"interval"           validate:"gte=0"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"    yaml:"request_timeout"    validate:"gt=0"`
	MaxRetries       int           `mapstructure:"max_retries"        yaml:"max_retries"        validate:"gte=1"`
	InitialBackoff   time.Duration `mapstructure:"initial_backoff"    yaml:"initial_backoff"    validate:"gt=0"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"        yaml:"max_backoff"        validate:"gtefield=InitialBackoff"`
	TwoFactorTimeout time.Duration `mapstructure:"two_factor_timeout" yaml:"two_factor_timeout" validate:"gt=0"`
	Parallelism      int           `mapstructure:"parallelism"        yaml:"parallelism"        validate:"gte=1"`
	IncludeFolders   []string      `mapstructure:"include_folders"    yaml:"include_folders"`
	ExcludeFolders   []string      `mapstructure:"exclude_folders"    yaml:"exclude_folders"`
}

type Agent struct {
	Address   string   `mapstructure:"address"    yaml:"address"    validate:"required,hostname_port"`
	TokenFile string   `mapstructure:"token_file" yaml:"token_file" validate:"required"`
	Vaults    []string `mapstructure:"vaults"     yaml:"vaults"`
}

// Backup targets an S3-compatible bucket. Without static keys the default
// AWS credential chain is used.
type Backup struct {
	Bucket          string `mapstructure:"bucket"            yaml:"bucket"`
	Region          string `mapstructure:"region"            yaml:"region"`
	Endpoint        string `mapstructure:"endpoint"          yaml:"endpoint"          validate:"omitempty,url"`
	Prefix          string `mapstructure:"prefix"            yaml:"prefix"`
	UsePathStyle    bool   `mapstructure:"use_path_style"    yaml:"use_path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"     yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"-"`
}

// Config is the runtime configuration of the vaultsync CLI and agent.
type Config struct {
	Database   Database `mapstructure:"database"    yaml:"database"`
	ServerURL  string   `mapstructure:"server_url"  yaml:"server_url"  validate:"omitempty,url"`
	DeviceName string   `mapstructure:"device_name" yaml:"device_name" validate:"required"`
	Log        Log      `mapstructure:"log"         yaml:"log"`
	Sync       Sync     `mapstructure:"sync"        yaml:"sync"`
	Agent      Agent    `mapstructure:"agent"       yaml:"agent"`
	Backup     Backup   `mapstructure:"backup"      yaml:"backup"`
}

// LoadDefaults fills c with the built-in defaults.
func (c *Config) LoadDefaults() {
	dir := DataDir()
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "vaultsync"
	}

	*c = Config{
		Database:   Database{Driver: "sqlite", DSN: filepath.Join(dir, "vaultsync.db")},
		DeviceName: host,
		Log:        Log{Level: "info", Format: "text"},
		Sync: Sync{
			Interval:         5 * time.Minute,
			RequestTimeout:   30 * time.Second,
			MaxRetries:       common.DefaultMaxRetries,
			InitialBackoff:   5 * time.Second,
			MaxBackoff:       10 * time.Minute,
			TwoFactorTimeout: 5 * time.Minute,
			Parallelism:      4,
		},
		Agent: Agent{
			Address:   "127.0.0.1:50061",
			TokenFile: filepath.Join(dir, "agent.token"),
		},
		Backup: Backup{Region: "us-east-1", Prefix: "vaultsync/"},
	}
}

// DataDir is the per-user directory holding the database and agent token.
func DataDir() string {
	base, err := os.UserConfigDir()
	if err != nil || base == "" {
		base = "."
	}
	return filepath.Join(base, "vaultsync")
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"db-driver":  "database.driver",
	"db-dsn":     "database.dsn",
	"server":     "server_url",
	"log-level":  "log.level",
	"log-format": "log.format",
	"agent-addr": "agent.address",
}

// Load builds a Config from defaults, an optional config file, a .env file in
// the working directory, VAULTSYNC_* environment variables and the flags that
// were set on the command line, in increasing order of precedence. An empty
// path searches the data directory and the working directory for
// vaultsync.{yaml,yml,json}.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var def Config
	def.LoadDefaults()

	v := viper.New()
	setDefaults(v, def)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("vaultsync")
		v.AddConfigPath(DataDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("database.driver", c.Database.Driver)
	v.SetDefault("database.dsn", c.Database.DSN)
	v.SetDefault("server_url", c.ServerURL)
	v.SetDefault("device_name", c.DeviceName)
	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.format", c.Log.Format)
	v.SetDefault("sync.interval", c.Sync.Interval)
	v.SetDefault("sync.request_timeout", c.Sync.RequestTimeout)
	v.SetDefault("sync.max_retries", c.Sync.MaxRetries)
	v.SetDefault("sync.initial_backoff", c.Sync.InitialBackoff)
	v.SetDefault("sync.max_backoff", c.Sync.MaxBackoff)
	v.SetDefault("sync.two_factor_timeout", c.Sync.TwoFactorTimeout)
	v.SetDefault("sync.parallelism", c.Sync.Parallelism)
	v.SetDefault("sync.include_folders", c.Sync.IncludeFolders)
	v.SetDefault("sync.exclude_folders", c.Sync.ExcludeFolders)
	v.SetDefault("agent.address", c.Agent.Address)
	v.SetDefault("agent.token_file", c.Agent.TokenFile)
	v.SetDefault("agent.vaults", c.Agent.Vaults)
	v.SetDefault("backup.bucket", c.Backup.Bucket)
	v.SetDefault("backup.region", c.Backup.Region)
	v.SetDefault("backup.endpoint", c.Backup.Endpoint)
	v.SetDefault("backup.prefix", c.Backup.Prefix)
	v.SetDefault("backup.use_path_style", c.Backup.UsePathStyle)
	v.SetDefault("backup.access_key_id", c.Backup.AccessKeyID)
	v.SetDefault("backup.secret_access_key", c.Backup.SecretAccessKey)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and reports every violation at once.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: invalid config: %s", common.ErrValidation, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: invalid config: %v", common.ErrValidation, err)
	}
	return nil
}

// YAML renders the configuration with the database password masked. The
// backup secret key is never rendered.
func (c *Config) YAML() ([]byte, error) {
	cp := *c
	cp.Database.DSN = redactDSN(c.Database.DSN)
	return yaml.Marshal(cp)
}

func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
