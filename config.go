package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go-proctoring-server/autorecord"
	"go-proctoring-server/evidence"
	"go-proctoring-server/presence"
	"go-proctoring-server/profiles"
	"go-proctoring-server/recording"
	"go-proctoring-server/records"
	redis "go-proctoring-server/redis"
	"go-proctoring-server/verification"
	"go-proctoring-server/violations"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	ServerConfig ServerConfig `json:"server_config"`

	LogLevel   string `json:"log_level"`
	LogFile    string `json:"log_file,omitempty"`
	Timezone   string `json:"timezone,omitempty" validate:"omitempty,timezone"`
	StaticPath string `json:"static_path,omitempty"`

	StorageType         string                    `json:"storage_type" validate:"oneof=memory redis redis_sentinel"`
	RedisConfig         redis.RedisConfig         `json:"redis_config,omitempty"`
	RedisSentinelConfig redis.RedisSentinelConfig `json:"redis_sentinel_config,omitempty"`

	ProfileStorage string                  `json:"profile_storage" validate:"oneof=memory postgres"`
	Database       profiles.DatabaseConfig `json:"database,omitempty"`
	// Profiles seeds the in-memory profile store.
	Profiles []profiles.Profile `json:"profiles,omitempty" validate:"dive"`

	LiveKit      recording.LiveKitConfig   `json:"livekit"`
	Recording    RecordingConfig           `json:"recording"`
	Inference    InferenceConfig           `json:"inference"`
	Cloudinary   evidence.CloudinaryConfig `json:"cloudinary"`
	Verification VerificationConfig        `json:"verification"`
	Presence     PresenceConfig            `json:"presence"`
	Admin        AdminConfig               `json:"admin"`
}

type RecordingConfig struct {
	// Mode selects the recording controller: LiveKit egress directly, or an external
	// service exposing /api/record/start and /api/record/stop.
	Mode            string `json:"mode" validate:"omitempty,oneof=egress http"`
	BaseURL         string `json:"base_url,omitempty" validate:"omitempty,url"`
	TimeoutMs       int    `json:"timeout_ms,omitempty" validate:"gte=0"`
	RetryIntervalMs int    `json:"retry_interval_ms,omitempty" validate:"gte=0"`
	MaxRetries      *int   `json:"max_retries,omitempty" validate:"omitempty,gte=0"`
}

type InferenceConfig struct {
	URL       string `json:"url" validate:"required,url"`
	TimeoutMs int    `json:"timeout_ms,omitempty" validate:"gte=0"`
}

type VerificationConfig struct {
	Threshold        float64 `json:"threshold,omitempty" validate:"gte=0,lte=1"`
	HoldMs           int     `json:"hold_ms,omitempty" validate:"gte=0"`
	SampleIntervalMs int     `json:"sample_interval_ms,omitempty" validate:"gte=0"`
	AutoStart        *bool   `json:"auto_start,omitempty"`
	AutoStartDelayMs int     `json:"auto_start_delay_ms,omitempty" validate:"gte=0"`
	// TokenTtlSeconds bounds the time between /api/verify/start and opening the socket.
	TokenTtlSeconds int `json:"token_ttl_seconds,omitempty" validate:"gte=0"`
	// AllowedOrigins are websocket origin patterns besides the request host.
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// PresenceConfig tunes the exam room face monitor.
type PresenceConfig struct {
	SampleIntervalMs int `json:"sample_interval_ms,omitempty" validate:"gte=0"`
	NoFaceHoldMs     int `json:"no_face_hold_ms,omitempty" validate:"gte=0"`
	CooldownMs       int `json:"cooldown_ms,omitempty" validate:"gte=0"`
}

type AdminConfig struct {
	JwtSecret       string `json:"jwt_secret" validate:"required,min=32"`
	Issuer          string `json:"issuer,omitempty"`
	TokenTtlMinutes int    `json:"token_ttl_minutes,omitempty" validate:"gte=0"`
}

const (
	defaultTokenTtl      = 10 * time.Minute
	defaultAdminTokenTtl = 12 * time.Hour
	defaultAdminIssuer   = "go-proctoring-server"
)

func millis(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func (c VerificationConfig) Face() verification.FaceConfig {
	face := verification.DefaultFaceConfig()
	if c.Threshold > 0 {
		face.Threshold = c.Threshold
	}
	face.HoldDuration = millis(c.HoldMs, face.HoldDuration)
	face.SampleInterval = millis(c.SampleIntervalMs, face.SampleInterval)
	return face
}

func (c VerificationConfig) Gesture() verification.GestureConfig {
	gesture := verification.DefaultGestureConfig()
	if c.AutoStart != nil {
		gesture.AutoStart = *c.AutoStart
	}
	gesture.AutoStartDelay = millis(c.AutoStartDelayMs, gesture.AutoStartDelay)
	return gesture
}

func (c PresenceConfig) Monitor() presence.Config {
	cfg := presence.DefaultConfig()
	cfg.SampleInterval = millis(c.SampleIntervalMs, cfg.SampleInterval)
	cfg.NoFaceHold = millis(c.NoFaceHoldMs, cfg.NoFaceHold)
	cfg.Cooldown = millis(c.CooldownMs, cfg.Cooldown)
	return cfg
}

func (c VerificationConfig) TokenTtl() time.Duration {
	if c.TokenTtlSeconds <= 0 {
		return defaultTokenTtl
	}
	return time.Duration(c.TokenTtlSeconds) * time.Second
}

func (c AdminConfig) TokenTtl() time.Duration {
	if c.TokenTtlMinutes <= 0 {
		return defaultAdminTokenTtl
	}
	return time.Duration(c.TokenTtlMinutes) * time.Minute
}

func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

func (c Config) AutoRecord(loc *time.Location) autorecord.Config {
	cfg := autorecord.DefaultConfig()
	cfg.Location = loc
	cfg.RetryInterval = millis(c.Recording.RetryIntervalMs, cfg.RetryInterval)
	if c.Recording.MaxRetries != nil {
		cfg.MaxRetries = uint64(*c.Recording.MaxRetries)
	}
	return cfg
}

func readConfigFile(path string) (Config, error) {
	configBytes, err := os.ReadFile(path)

	if err != nil {
		return Config{}, err
	}

	var config Config
	err = json.Unmarshal(configBytes, &config)

	if err != nil {
		return Config{}, err
	}

	return config, nil
}

// loadConfig reads the config file, applies environment overrides (optionally from a
// .env file) and validates the result.
func loadConfig(path string) (Config, error) {
	// .env file is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	config, err := readConfigFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	applyEnv(&config, os.Getenv)

	if err := validateConfig(validator.New(), config); err != nil {
		return Config{}, err
	}
	return config, nil
}

func applyEnv(config *Config, getenv func(string) string) {
	set := func(dst *string, name string) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			*dst = v
		}
	}
	set(&config.LiveKit.URL, "LIVEKIT_URL")
	set(&config.LiveKit.APIKey, "LIVEKIT_API_KEY")
	set(&config.LiveKit.APISecret, "LIVEKIT_API_SECRET")
	set(&config.Cloudinary.CloudName, "CLOUDINARY_CLOUD_NAME")
	set(&config.Cloudinary.UploadPreset, "CLOUDINARY_UPLOAD_PRESET")
	set(&config.Admin.JwtSecret, "ADMIN_JWT_SECRET")
	set(&config.Database.URL, "DATABASE_URL")
}

func validateConfig(validate *validator.Validate, config Config) error {
	if err := validate.Struct(config); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if config.ProfileStorage == "postgres" && config.Database.URL == "" {
		return fmt.Errorf("invalid config: database.url is required for postgres profile storage")
	}
	mode := config.Recording.Mode
	if mode == "" || mode == "egress" {
		if config.LiveKit.URL == "" || config.LiveKit.APIKey == "" || config.LiveKit.APISecret == "" {
			return fmt.Errorf("invalid config: livekit url, api_key and api_secret are required")
		}
	}
	if mode == "http" && config.Recording.BaseURL == "" {
		return fmt.Errorf("invalid config: recording.base_url is required in http mode")
	}
	return nil
}

// storage bundles the stores that share one backend.
type storage struct {
	tokens     TokenStorage
	records    records.Store
	violations violations.Store
}

func createStorage(config *Config) (storage, error) {
	ttl := config.Verification.TokenTtl()
	if config.StorageType == "redis" {
		slog.Info("Using redis storage")
		client, err := redis.NewRedisClient(&config.RedisConfig)
		if err != nil {
			return storage{}, err
		}
		ns := config.RedisConfig.Namespace
		return storage{
			tokens:     NewRedisTokenStorage(client, ns, ttl),
			records:    records.NewRedisStore(client, ns),
			violations: violations.NewRedisStore(client, ns),
		}, nil
	}
	if config.StorageType == "redis_sentinel" {
		slog.Info("Using redis sentinel storage")
		client, err := redis.NewRedisSentinelClient(&config.RedisSentinelConfig)
		if err != nil {
			return storage{}, err
		}
		ns := config.RedisSentinelConfig.Namespace
		return storage{
			tokens:     NewRedisTokenStorage(client, ns, ttl),
			records:    records.NewRedisStore(client, ns),
			violations: violations.NewRedisStore(client, ns),
		}, nil
	}
	if config.StorageType == "memory" {
		slog.Info("Using in memory storage")
		return storage{
			tokens:     NewInMemoryTokenStorage(ttl),
			records:    records.NewInMemoryStore(),
			violations: violations.NewInMemoryStore(),
		}, nil
	}
	return storage{}, fmt.Errorf("%v is not a valid storage type", config.StorageType)
}

// createProfileStore returns the profile store and a close function for it.
func createProfileStore(ctx context.Context, config *Config) (profiles.Store, func(), error) {
	switch config.ProfileStorage {
	case "postgres":
		slog.Info("Using postgres profile storage")
		store, err := profiles.NewPostgresStore(ctx, config.Database)
		if err != nil {
			return nil, nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("failed to migrate profile database: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	case "memory":
		slog.Info("Using in memory profile storage", "profiles", len(config.Profiles))
		return profiles.NewInMemoryStore(config.Profiles...), func() {}, nil
	}
	return nil, nil, fmt.Errorf("%v is not a valid profile storage", config.ProfileStorage)
}

// createRecorder returns the recording controller and, when recordings can be listed,
// the inspector used by the admin surface.
func createRecorder(config *Config) (recording.Controller, recording.Inspector, error) {
	if config.Recording.Mode == "http" {
		slog.Info("Using external recording service", "base_url", config.Recording.BaseURL)
		timeout := millis(config.Recording.TimeoutMs, 30*time.Second)
		return recording.NewHTTPController(config.Recording.BaseURL, timeout), nil, nil
	}
	slog.Info("Using LiveKit egress recording", "url", config.LiveKit.URL)
	egress, err := recording.NewEgressController(config.LiveKit)
	if err != nil {
		return nil, nil, err
	}
	return egress, egress, nil
}
