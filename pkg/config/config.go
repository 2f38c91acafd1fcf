// Package config resolves aibot settings from flags, a config file, the
// environment and built-in defaults, in that order.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/xiaoxianzi-99/AiBot/pkg/completion"
	"github.com/xiaoxianzi-99/AiBot/pkg/eventbus"
	"github.com/xiaoxianzi-99/AiBot/pkg/logging"
	"github.com/xiaoxianzi-99/AiBot/pkg/persistence/chatstore"
)

const (
	AppName = "aibot"

	// APIKeyEnv is consulted when the config file carries no key.
	APIKeyEnv = "DEEPSEEK_API_KEY"

	DefaultWarnTokens = 60000
	DefaultDBPath     = "aibot.db"
	DefaultListenAddr = "127.0.0.1:8080"

	redacted = "********"
)

// Settings is marshaled in the same layout Load reads, so the output of
// YAML can be used as a config file.
type Settings struct {
	Completion completion.Settings
	DB         chatstore.Settings
	WarnTokens int
	Redis      eventbus.Settings
	Log        logging.Settings
	ListenAddr string

	// ConfigFile is the file viper actually read, empty when none was found.
	ConfigFile string
}

type fileSettings struct {
	DeepSeek struct {
		APIURL string `yaml:"apiUrl"`
		APIKey string `yaml:"apiKey,omitempty"`
		Model  string `yaml:"model"`
	} `yaml:"deepseek"`
	HTTP struct {
		ConnectTimeout string `yaml:"connect-timeout"`
	} `yaml:"http"`
	Context struct {
		WarnTokens int `yaml:"warn-tokens"`
	} `yaml:"context"`
	DB     chatstore.Settings `yaml:"db"`
	Redis  eventbus.Settings  `yaml:"redis"`
	Log    logging.Settings   `yaml:"log"`
	Listen string             `yaml:"listen"`
}

func (s Settings) MarshalYAML() (interface{}, error) {
	var f fileSettings
	f.DeepSeek.APIURL = s.Completion.APIURL
	f.DeepSeek.APIKey = s.Completion.APIKey
	f.DeepSeek.Model = s.Completion.Model
	if s.Completion.ConnectTimeout > 0 {
		f.HTTP.ConnectTimeout = s.Completion.ConnectTimeout.String()
	}
	f.Context.WarnTokens = s.WarnTokens
	f.DB = s.DB
	f.Redis = s.Redis
	f.Log = s.Log
	f.Listen = s.ListenAddr
	return f, nil
}

// Redacted returns a copy safe to print.
func (s Settings) Redacted() Settings {
	if s.Completion.APIKey != "" {
		s.Completion.APIKey = redacted
	}
	return s
}

// YAML renders the redacted settings.
func (s Settings) YAML() (string, error) {
	out, err := yaml.Marshal(s.Redacted())
	if err != nil {
		return "", errors.Wrap(err, "marshal settings")
	}
	return string(out), nil
}

// AddFlags registers the persistent flags that override file values.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to config.yaml (default $HOME/.aibot/config.yaml or ./config.yaml)")
	fs.String("api-url", "", "Chat completions endpoint")
	fs.String("api-key", "", "API key (prefer the config file or "+APIKeyEnv+")")
	fs.String("model", "", "Model name")
	fs.String("db-driver", "", "Conversation store driver: sqlite3, postgres or memory")
	fs.String("db-path", "", "SQLite database file")
	fs.String("db-dsn", "", "Database DSN (overrides --db-path)")
	fs.String("log-level", "", "Log level: trace, debug, info, warn, error")
	fs.String("log-file", "", "Write logs to a rotated file instead of stderr")
	fs.String("log-format", "", "Log format: console or json")
}

var flagKeys = map[string]string{
	"api-url":    "deepseek.apiUrl",
	"api-key":    "deepseek.apiKey",
	"model":      "deepseek.model",
	"db-driver":  "db.driver",
	"db-path":    "db.path",
	"db-dsn":     "db.dsn",
	"log-level":  "log.level",
	"log-file":   "log.file",
	"log-format": "log.format",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("deepseek.apiUrl", completion.DefaultAPIURL)
	v.SetDefault("deepseek.model", completion.DefaultModel)
	v.SetDefault("db.driver", chatstore.DriverSQLite)
	v.SetDefault("db.path", DefaultDBPath)
	v.SetDefault("http.connect-timeout", completion.DefaultConnectTimeout)
	v.SetDefault("context.warn-tokens", DefaultWarnTokens)
	bus := eventbus.DefaultSettings()
	v.SetDefault("redis.enabled", bus.Enabled)
	v.SetDefault("redis.addr", bus.Addr)
	v.SetDefault("redis.group", bus.Group)
	v.SetDefault("redis.consumer", bus.Consumer)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logging.FormatConsole)
	v.SetDefault("listen", DefaultListenAddr)
}

// Load resolves the settings. fs may be nil. A missing config file is not an
// error; an unreadable one is.
func Load(fs *pflag.FlagSet) (Settings, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("component", "config").Msg("could not read .env")
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")

	explicit := ""
	if fs != nil {
		explicit, _ = fs.GetString("config")
	}
	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName("config")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, "."+AppName))
		}
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return Settings{}, errors.Wrap(err, "read config")
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			f := fs.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			v.Set(key, f.Value.String())
		}
	}

	s := Settings{
		Completion: completion.Settings{
			APIURL:         v.GetString("deepseek.apiUrl"),
			APIKey:         v.GetString("deepseek.apiKey"),
			Model:          v.GetString("deepseek.model"),
			ConnectTimeout: v.GetDuration("http.connect-timeout"),
		},
		DB: chatstore.Settings{
			Driver: v.GetString("db.driver"),
			Path:   v.GetString("db.path"),
			DSN:    v.GetString("db.dsn"),
		},
		WarnTokens: v.GetInt("context.warn-tokens"),
		Redis: eventbus.Settings{
			Enabled:  v.GetBool("redis.enabled"),
			Addr:     v.GetString("redis.addr"),
			Group:    v.GetString("redis.group"),
			Consumer: v.GetString("redis.consumer"),
		},
		Log: logging.Settings{
			Level:  v.GetString("log.level"),
			File:   v.GetString("log.file"),
			Format: v.GetString("log.format"),
		},
		ListenAddr: v.GetString("listen"),
		ConfigFile: v.ConfigFileUsed(),
	}
	if strings.TrimSpace(s.Completion.APIKey) == "" {
		s.Completion.APIKey = os.Getenv(APIKeyEnv)
	}
	if s.Completion.ConnectTimeout <= 0 {
		s.Completion.ConnectTimeout = completion.DefaultConnectTimeout
	}
	if s.WarnTokens <= 0 {
		s.WarnTokens = DefaultWarnTokens
	}
	return s, nil
}
