// Package config loads the bridge and gateway settings.
//
// The bridge reads DATA_DIR/config.json first, then lets environment
// variables override individual fields. Both loaders validate the result and
// report every problem at once through ConfigurationError.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// ConfigFile is the name of the bridge's config file inside DATA_DIR.
const ConfigFile = "config.json"

// DefaultScopes are the Twitch scopes the bridge account needs: reading and
// sending chat, deleting messages it relays, and changing its own color.
var DefaultScopes = []string{
	"chat:read",
	"chat:edit",
	"user:read:chat",
	"user:write:chat",
	"user:manage:chat_color",
	"moderator:manage:chat_messages",
}

// Bridge holds the bridge settings.
type Bridge struct {
	DataDir string `json:"-" env:"DATA_DIR" validate:"required"`

	Instance       string   `json:"instance"       env:"PEERTUBE_INSTANCE" validate:"required"`
	RoomID         string   `json:"roomId"         env:"PEERTUBE_ROOM_ID"  validate:"required"`
	TwitchChannel  string   `json:"twitchChannel"  env:"TWITCH_CHANNEL"    validate:"required"`
	ReadOnly       bool     `json:"readOnly"       env:"BRIDGE_READ_ONLY"`
	TwitchClientID string   `json:"twitchClientId" env:"TWITCH_CLIENT_ID"  validate:"required"`
	Scopes         []string `json:"scopes"         env:"TWITCH_SCOPES"     envSeparator:" " validate:"min=1,dive,required"`

	HTTPAddr      string `json:"-" env:"HTTP_ADDR"         validate:"required"`
	QueueSize     int    `json:"-" env:"BRIDGE_QUEUE_SIZE" validate:"min=1"`
	DBDsn         string `json:"-" env:"DB_DSN"`
	EncryptionKey string `json:"-" env:"ENCRYPTION_KEY"    validate:"omitempty,base64"`

	// Operator credentials for /status. Basic auth needs both halves.
	AdminUsername string `json:"-" env:"ADMIN_USERNAME" validate:"required_with=AdminPassword"`
	AdminPassword string `json:"-" env:"ADMIN_PASSWORD" validate:"required_with=AdminUsername"`
	AdminToken    string `json:"-" env:"ADMIN_TOKEN"`
}

// DefaultBridge returns the defaults applied before config.json and the
// environment.
func DefaultBridge() *Bridge {
	return &Bridge{
		DataDir:   "data",
		Scopes:    append([]string(nil), DefaultScopes...),
		HTTPAddr:  ":8080",
		QueueSize: 256,
	}
}

// Load reads DATA_DIR/config.json (optional) and overlays the environment.
func Load() (*Bridge, error) {
	cfg := DefaultBridge()
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if err := cfg.readFile(filepath.Join(cfg.DataDir, ConfigFile)); err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.TwitchChannel = strings.ToLower(strings.TrimPrefix(cfg.TwitchChannel, "#"))
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Bridge) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Gateway holds the relay gateway settings.
type Gateway struct {
	Port int `env:"PORT" envDefault:"8180" validate:"min=1,max=65535"`
	// KeepAliveMS keeps unused rooms open this many milliseconds.
	KeepAliveMS  int           `env:"WS_KEEP_ALIVE"   envDefault:"0"    validate:"min=0"`
	IdleTimeout  time.Duration `env:"WS_IDLE_TIMEOUT" envDefault:"60s"  validate:"gt=0"`
	BacklogDelay time.Duration `env:"BACKLOG_DELAY"   envDefault:"25ms" validate:"min=0"`
}

// LoadGateway reads the gateway settings from the environment.
func LoadGateway() (*Gateway, error) {
	cfg := &Gateway{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Addr is the listen address.
func (g *Gateway) Addr() string { return fmt.Sprintf(":%d", g.Port) }

// KeepAlive is the room keep-alive window.
func (g *Gateway) KeepAlive() time.Duration {
	return time.Duration(g.KeepAliveMS) * time.Millisecond
}

// FieldError is one invalid setting.
type FieldError struct {
	// Name is the environment variable of the setting.
	Name string
	Rule string
}

// ConfigurationError lists every missing or invalid setting.
type ConfigurationError struct {
	Fields []FieldError
}

func (e *ConfigurationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		if f.Rule == "required" {
			parts = append(parts, f.Name+" is required")
			continue
		}
		parts = append(parts, f.Name+" is invalid ("+f.Rule+")")
	}
	return "configuration: " + strings.Join(parts, "; ")
}

var validate = func() func(any) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name, _, _ := strings.Cut(f.Tag.Get("env"), ","); name != "" {
			return name
		}
		return f.Name
	})
	return func(cfg any) error {
		err := v.Struct(cfg)
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		out := &ConfigurationError{}
		for _, fe := range verrs {
			out.Fields = append(out.Fields, FieldError{Name: fe.Field(), Rule: fe.Tag()})
		}
		return out
	}
}()
