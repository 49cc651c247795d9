package config

import (
	stdjson "encoding/json"
	"os"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
)

// Configuration keys. Flags carry the same names.
const (
	ConfigFile             = "config"
	LogLevel               = "log.level"
	DBPath                 = "db.path"
	GoogleCredentialsPath  = "google.credentials_path"
	WebhookCallbackURL     = "webhook.callback_url"
	WebhookSecret          = "webhook.secret"
	WebhookRenewalBuffer   = "webhook.renewal_buffer"
	WebhookChannelLifetime = "webhook.channel_lifetime"
	HTTPListen             = "http.listen"
	RefreshCron            = "refresh.cron"
	RealtimeRelayURL       = "realtime.relay_url"
	RealtimeRelayToken     = "realtime.relay_token"

	envPrefix = "CALSYNC_"
)

var defaults = map[string]any{
	LogLevel:               "info",
	DBPath:                 "calsync.db",
	WebhookRenewalBuffer:   12 * time.Hour,
	WebhookChannelLifetime: 28 * 24 * time.Hour,
	HTTPListen:             ":8080",
	RefreshCron:            "0 */6 * * *",
}

// GoogleCredentials represents the structure of Google OAuth credentials JSON file.
type GoogleCredentials struct {
	Installed struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"installed"`
	Web struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"web"`
}

// LoadGoogleCredentials loads Google OAuth credentials from a JSON file.
func LoadGoogleCredentials(path string) (clientID, clientSecret string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to read credentials file")
	}

	var creds GoogleCredentials
	if err := stdjson.Unmarshal(data, &creds); err != nil {
		return "", "", errors.Wrap(err, "failed to parse credentials file")
	}

	// Try "installed" first (for desktop apps), then "web"
	if creds.Installed.ClientID != "" {
		return creds.Installed.ClientID, creds.Installed.ClientSecret, nil
	}
	if creds.Web.ClientID != "" {
		return creds.Web.ClientID, creds.Web.ClientSecret, nil
	}

	return "", "", errors.New("no client_id found in credentials file (expected 'installed' or 'web' section)")
}

type LogConfig struct {
	Level string `koanf:"level"`
}

type DBConfig struct {
	Path string `koanf:"path"`
}

type GoogleConfig struct {
	CredentialsPath string `koanf:"credentials_path"`
}

type WebhookConfig struct {
	CallbackURL     string        `koanf:"callback_url"`
	Secret          string        `koanf:"secret"`
	RenewalBuffer   time.Duration `koanf:"renewal_buffer"`
	ChannelLifetime time.Duration `koanf:"channel_lifetime"`
}

type HTTPConfig struct {
	Listen string `koanf:"listen"`
}

type RefreshConfig struct {
	Cron string `koanf:"cron"`
}

type RealtimeConfig struct {
	RelayURL   string `koanf:"relay_url"`
	RelayToken string `koanf:"relay_token"`
}

// Config holds the configuration for the calsync service and CLI.
type Config struct {
	Log      LogConfig      `koanf:"log"`
	DB       DBConfig       `koanf:"db"`
	Google   GoogleConfig   `koanf:"google"`
	Webhook  WebhookConfig  `koanf:"webhook"`
	HTTP     HTTPConfig     `koanf:"http"`
	Refresh  RefreshConfig  `koanf:"refresh"`
	Realtime RealtimeConfig `koanf:"realtime"`
}

// RegisterFlags adds every configuration key to fs as a flag of the same name.
func RegisterFlags(fs *flag.FlagSet) {
	fs.String(ConfigFile, "", "path to a JSON config file (env CALSYNC_CONFIG)")
	fs.String(LogLevel, defaults[LogLevel].(string), "log level (debug, info, warn, error)")
	fs.String(DBPath, defaults[DBPath].(string), "path to the SQLite database")
	fs.String(GoogleCredentialsPath, "", "path to the Google OAuth client credentials JSON")
	fs.String(WebhookCallbackURL, "", "public HTTPS URL Google pushes notifications to")
	fs.String(WebhookSecret, "", "shared token attached to every watch channel")
	fs.Duration(WebhookRenewalBuffer, defaults[WebhookRenewalBuffer].(time.Duration), "renew channels expiring within this window")
	fs.Duration(WebhookChannelLifetime, defaults[WebhookChannelLifetime].(time.Duration), "requested lifetime of new watch channels")
	fs.String(HTTPListen, defaults[HTTPListen].(string), "HTTP listen address")
	fs.String(RefreshCron, defaults[RefreshCron].(string), "cron schedule for refreshing every user's watches")
	fs.String(RealtimeRelayURL, "", "base URL of an external realtime gateway")
	fs.String(RealtimeRelayToken, "", "bearer token for the realtime gateway")
}

// Load builds the configuration with the following precedence (highest to lowest):
// 1. Command-line flags
// 2. Environment variables (CALSYNC_WEBHOOK_CALLBACK_URL -> webhook.callback_url)
// 3. Config file
// 4. Defaults
// fs may be nil.
func Load(fs *flag.FlagSet) (*Config, error) {
	ko := koanf.New(".")
	for k, v := range defaults {
		if err := ko.Set(k, v); err != nil {
			return nil, errors.Wrapf(err, "failed to set default %s", k)
		}
	}

	path := os.Getenv(envPrefix + "CONFIG")
	if fs != nil {
		if f := fs.Lookup(ConfigFile); f != nil && f.Changed {
			path = f.Value.String()
		}
	}
	if path != "" {
		if err := ko.Load(file.Provider(path), json.Parser()); err != nil {
			return nil, errors.Wrapf(err, "failed to load config file %s", path)
		}
	}

	if err := ko.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load environment")
	}

	if fs != nil {
		if err := ko.Load(posflag.Provider(fs, ".", ko), nil); err != nil {
			return nil, errors.Wrap(err, "failed to load flags")
		}
	}

	var cfg Config
	if err := ko.Unmarshal("", &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps CALSYNC_SECTION_SOME_KEY to section.some_key.
func envKey(s string) string {
	return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".", 1)
}

// Validate checks values that are wrong regardless of the command being run.
func (c *Config) Validate() error {
	if c.Log.Level == "" {
		return errors.Errorf("%s must not be empty", LogLevel)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return errors.Errorf("invalid %s %q", LogLevel, c.Log.Level)
	}
	if c.Webhook.RenewalBuffer <= 0 {
		return errors.Errorf("%s must be positive, got %s", WebhookRenewalBuffer, c.Webhook.RenewalBuffer)
	}
	if c.Webhook.ChannelLifetime <= c.Webhook.RenewalBuffer {
		return errors.Errorf("%s (%s) must exceed %s (%s)", WebhookChannelLifetime, c.Webhook.ChannelLifetime,
			WebhookRenewalBuffer, c.Webhook.RenewalBuffer)
	}
	if c.Refresh.Cron == "" {
		return nil
	}
	gron := gronx.New()
	if !gron.IsValid(c.Refresh.Cron) {
		return errors.Errorf("invalid %s expression %q", RefreshCron, c.Refresh.Cron)
	}
	return nil
}

// RequireCredentials is the check for commands that talk to Google.
func (c *Config) RequireCredentials() error {
	if c.Google.CredentialsPath == "" {
		return missing(GoogleCredentialsPath)
	}
	return nil
}

// RequireWebhook is the check for commands that create watch channels.
func (c *Config) RequireWebhook() error {
	if err := c.RequireCredentials(); err != nil {
		return err
	}
	if c.Webhook.CallbackURL == "" {
		return missing(WebhookCallbackURL)
	}
	if c.Webhook.Secret == "" {
		return missing(WebhookSecret)
	}
	return nil
}

func missing(key string) error {
	envName := envPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	return errors.Errorf("%s must be provided via --%s flag, %s environment variable, or config file", key, key, envName)
}
