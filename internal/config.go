package internal

import (
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/laguz/internal/convert"
	"github.com/starford/laguz/internal/resolver"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App    ApplicationConfig `yaml:"app"`
	Local  LocalConfig       `yaml:"local"`
	Remote RemoteConfig      `yaml:"remote"`
	State  StateConfig       `yaml:"state"`
	Sync   SyncConfig        `yaml:"sync"`
	Auth   AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if err := c.Local.Validate(); err != nil {
		return fmt.Errorf("local: %w", err)
	}
	if err := c.Remote.Validate(); err != nil {
		return fmt.Errorf("remote: %w", err)
	}
	if err := c.State.Validate(); err != nil {
		return fmt.Errorf("state: %w", err)
	}
	if err := c.Sync.Validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
	// MCP serves the MCP tools on stdin/stdout.
	MCP bool `yaml:"mcp"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Port 0 disables the status API.
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Enabled reports whether the status API should be served.
func (c *HTTPConfig) Enabled() bool {
	return c.Port != 0
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Min(0), validation.Max(65535)),
	)
}

// LocalConfig describes the local Markdown directory.
type LocalConfig struct {
	Path        string        `yaml:"path"`
	ConflictDir string        `yaml:"conflict_dir"`
	Debounce    time.Duration `yaml:"debounce"`
	IDKey       string        `yaml:"id_key"`
}

// Validate validates the local configuration.
func (c *LocalConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.ConflictDir, validation.Required, validation.By(relativeDir)),
		validation.Field(&c.Debounce, validation.Min(time.Duration(0))),
		validation.Field(&c.IDKey, validation.Required,
			validation.NotIn(convert.TitleKey, convert.OpaqueKey).Error("is reserved")),
	)
}

func relativeDir(v any) error {
	s, _ := v.(string)
	clean := path.Clean(strings.ReplaceAll(s, "\\", "/"))
	if path.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("must be a subdirectory of the local path")
	}
	return nil
}

// RemoteConfig holds the remote API settings.
type RemoteConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Token          string        `yaml:"token"`
	DatabaseID     string        `yaml:"database_id"`
	TitleProperty  string        `yaml:"title_property"`
	PageSize       int           `yaml:"page_size"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
}

// Validate validates the remote configuration.
func (c *RemoteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.BaseURL, validation.Required, validation.By(httpURL)),
		validation.Field(&c.Token, validation.Required),
		validation.Field(&c.DatabaseID, validation.Required),
		validation.Field(&c.TitleProperty, validation.Required),
		validation.Field(&c.PageSize, validation.Required, validation.Min(1), validation.Max(100)),
		validation.Field(&c.PollInterval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.MaxBackoff, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.RequestTimeout, validation.Required),
		validation.Field(&c.MaxRetries, validation.Min(0)),
	)
}

func httpURL(v any) error {
	s, _ := v.(string)
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("must be an http or https URL")
	}
	return nil
}

// StateConfig holds the SQLite state store location.
type StateConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the state configuration.
func (c *StateConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// SyncConfig holds the orchestrator settings.
type SyncConfig struct {
	Policy          resolver.Policy           `yaml:"policy"`
	Workers         int                       `yaml:"workers"`
	ShutdownTimeout time.Duration             `yaml:"shutdown_timeout"`
	Properties      []convert.PropertyMapping `yaml:"properties"`
}

// Validate validates the sync configuration.
func (c *SyncConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Policy, validation.Required, validation.By(func(v any) error {
			if p, _ := v.(resolver.Policy); !p.IsValid() {
				return fmt.Errorf("must be one of remote_wins, local_wins, latest_timestamp_wins, manual")
			}
			return nil
		})),
		validation.Field(&c.Workers, validation.Required, validation.Min(1), validation.Max(64)),
		validation.Field(&c.ShutdownTimeout, validation.Required),
		validation.Field(&c.Properties, validation.Each(validation.By(func(v any) error {
			m, _ := v.(convert.PropertyMapping)
			return validation.ValidateStruct(&m,
				validation.Field(&m.Remote, validation.Required),
				validation.Field(&m.Local, validation.Required),
				validation.Field(&m.Type, validation.Required),
			)
		}))),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Local: LocalConfig{
			Path:        "./vault",
			ConflictDir: "_conflicts",
			Debounce:    time.Second,
			IDKey:       convert.DefaultIDKey,
		},
		Remote: RemoteConfig{
			TitleProperty:  "Name",
			PageSize:       100,
			PollInterval:   30 * time.Second,
			MaxBackoff:     5 * time.Minute,
			RequestTimeout: 30 * time.Second,
			MaxRetries:     5,
		},
		State: StateConfig{
			Path: "./laguz.db",
		},
		Sync: SyncConfig{
			Policy:          resolver.PolicyLatest,
			Workers:         4,
			ShutdownTimeout: 10 * time.Second,
			Properties:      convert.DefaultMappings(),
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
