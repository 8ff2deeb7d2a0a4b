package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Host      HostConfig      `json:"host"`
	Auth      AuthConfig      `json:"auth"`
	Transport TransportConfig `json:"transport"`
	Gateway   GatewayConfig   `json:"gateway"`
	Database  DatabaseConfig  `json:"database"`
	Bot       BotConfig       `json:"bot"`
	SkillsDir string          `json:"skills_dir"`
	// SkillManifestURLs are manifest endpoints of running skills, fetched
	// at startup in addition to the manifests in SkillsDir.
	SkillManifestURLs []string `json:"skill_manifest_urls"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// HostConfig describes how skills reach this bot.
type HostConfig struct {
	// AppID is the bot's own application id, used as the recipient of
	// inbound activities.
	AppID string `json:"app_id"`
	// PublicURL is the externally reachable base URL of the server. HTTP
	// skills call back at PublicURL + CallbackPath.
	PublicURL string `json:"public_url"`
}

// CallbackPath is where HTTP skills post their replies.
const CallbackPath = "/api/skills/callback"

// CallbackEndpoint returns the base URL HTTP skills call back on.
func (h HostConfig) CallbackEndpoint() string {
	return strings.TrimRight(h.PublicURL, "/") + CallbackPath
}

type AuthConfig struct {
	Credentials CredentialsConfig `json:"credentials"`
	Verifier    VerifierConfig    `json:"verifier"`
	// AllowedCallers lists the app ids of skills allowed to call back.
	// An empty list admits every caller with a valid token.
	AllowedCallers []string `json:"allowed_callers"`
}

// CredentialsConfig selects how the bot authenticates to skills.
type CredentialsConfig struct {
	// Mode is "static" (HS256 tokens signed with Secret) or "oauth"
	// (client credentials grant against TokenURL).
	Mode     string   `json:"mode"`
	AppID    string   `json:"app_id"`
	Secret   string   `json:"secret"`
	TokenURL string   `json:"token_url,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
	Issuer   string   `json:"issuer,omitempty"`
	Audience string   `json:"audience,omitempty"`
}

// VerifierConfig selects how tokens presented by skills are checked.
type VerifierConfig struct {
	// Mode is "static" (HS256 with Secret) or "jwks" (keys from MetadataURL).
	Mode        string   `json:"mode"`
	Secret      string   `json:"secret,omitempty"`
	MetadataURL string   `json:"metadata_url,omitempty"`
	Issuers     []string `json:"issuers,omitempty"`
	Audience    string   `json:"audience,omitempty"`
}

type TransportConfig struct {
	RequestTimeout Duration `json:"request_timeout"`
	DialAttempts   uint     `json:"dial_attempts"`
	ReadLimit      int64    `json:"read_limit"`
}

type GatewayConfig struct {
	Slack    SlackGatewayConfig   `json:"slack"`
	Discord  DiscordGatewayConfig `json:"discord"`
	Personas map[string]Persona   `json:"personas,omitempty"` // skill id -> persona
	// BroadcastPlatforms receive hand-off notices. Empty disables them.
	BroadcastPlatforms []string `json:"broadcast_platforms,omitempty"`
}

type SlackGatewayConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	AppToken string `json:"app_token"`
}

type DiscordGatewayConfig struct {
	Enabled  bool              `json:"enabled"`
	BotToken string            `json:"bot_token"`
	Webhooks map[string]string `json:"webhooks,omitempty"` // channel id -> webhook URL
}

type Persona struct {
	Name    string `json:"name"`
	IconURL string `json:"icon_url,omitempty"`
	Emoji   string `json:"emoji,omitempty"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn"`
	MigrationsDir string `json:"migrations_dir"`
}

type RedisConfig struct {
	URL      string   `json:"url"`
	StateTTL Duration `json:"state_ttl"`
}

type BotConfig struct {
	EndReply string `json:"end_reply"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a JSON configuration document.
func Parse(data []byte) (*Config, error) {
	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3978
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Host.AppID == "" {
		c.Host.AppID = c.Auth.Credentials.AppID
	}
	if c.Host.PublicURL == "" {
		c.Host.PublicURL = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	if c.Auth.Credentials.Mode == "" {
		c.Auth.Credentials.Mode = "static"
	}
	if c.Auth.Verifier.Mode == "" {
		c.Auth.Verifier.Mode = "static"
	}
	if c.Auth.Verifier.Mode == "static" && c.Auth.Verifier.Secret == "" {
		c.Auth.Verifier.Secret = c.Auth.Credentials.Secret
	}
	if c.Transport.RequestTimeout == 0 {
		c.Transport.RequestTimeout = Duration(30 * time.Second)
	}
	if c.Database.Postgres.MigrationsDir == "" {
		c.Database.Postgres.MigrationsDir = "migrations"
	}
	if c.SkillsDir == "" {
		c.SkillsDir = "skills"
	}
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	var errs []error
	switch c.Auth.Credentials.Mode {
	case "static":
		if c.Auth.Credentials.Secret == "" {
			errs = append(errs, errors.New("auth.credentials.secret is required in static mode"))
		}
	case "oauth":
		if c.Auth.Credentials.TokenURL == "" {
			errs = append(errs, errors.New("auth.credentials.token_url is required in oauth mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown auth.credentials.mode %q", c.Auth.Credentials.Mode))
	}
	if c.Auth.Credentials.AppID == "" {
		errs = append(errs, errors.New("auth.credentials.app_id is required"))
	}
	switch c.Auth.Verifier.Mode {
	case "static":
		if c.Auth.Verifier.Secret == "" {
			errs = append(errs, errors.New("auth.verifier.secret is required in static mode"))
		}
	case "jwks":
		if c.Auth.Verifier.MetadataURL == "" {
			errs = append(errs, errors.New("auth.verifier.metadata_url is required in jwks mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown auth.verifier.mode %q", c.Auth.Verifier.Mode))
	}
	for i, u := range c.SkillManifestURLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			errs = append(errs, fmt.Errorf("skill_manifest_urls[%d]: %q is not an http(s) URL", i, u))
		}
	}
	if c.Transport.RequestTimeout < 0 {
		errs = append(errs, errors.New("transport.request_timeout must not be negative"))
	}
	if c.Gateway.Slack.Enabled && (c.Gateway.Slack.BotToken == "" || c.Gateway.Slack.AppToken == "") {
		errs = append(errs, errors.New("gateway.slack needs bot_token and app_token"))
	}
	if c.Gateway.Discord.Enabled && c.Gateway.Discord.BotToken == "" {
		errs = append(errs, errors.New("gateway.discord needs bot_token"))
	}
	return errors.Join(errs...)
}
