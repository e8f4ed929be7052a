package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved runtime configuration for the session security
// service. It merges file defaults and environment overrides to support both
// local and deployed runs.
type Config struct {
	ServiceName   string
	HTTPPort      int
	GRPCPort      int
	InternalToken string

	DatabaseURL string
	MaxDBConns  int32

	// RedisURL may be empty; startup then selects the in-memory cache backend.
	RedisURL            string
	CacheConnectTimeout time.Duration
	UserPermissionsTTL  time.Duration
	PropertyAccessTTL   time.Duration
	RolePermissionsTTL  time.Duration
	UserPropertiesTTL   time.Duration

	MaxConcurrentSessions   int
	AdminRouteMaxConcurrent int
	InactivityTimeout       time.Duration
	HighSecurityTimeout     time.Duration
	LowSecurityTimeout      time.Duration
	SessionTTL              time.Duration
	ActivityLookback        time.Duration
	DeviceTrustThreshold    int
	SuspiciousLockThreshold int

	JWTIssuer         string
	JWTAudience       string
	JWTKeyID          string
	JWTPrivateKeyPEM  string
	JWTPublicKeyPEM   string
	AllowEphemeralJWT bool
	AdminRoles        []string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxClaimTTL     time.Duration
	OutboxMaxRetries   int
	SweepInterval      time.Duration
	SweepBatchSize     int
}

// configFile mirrors the YAML schema used by configs/default.yaml.
// It is intentionally separate from Config so runtime-only fields stay internal.
type configFile struct {
	Service struct {
		Name          string `yaml:"name"`
		HTTPPort      int    `yaml:"http_port"`
		GRPCPort      int    `yaml:"grpc_port"`
		InternalToken string `yaml:"internal_token"`
	} `yaml:"service"`
	Database struct {
		URL      string `yaml:"url"`
		MaxConns int    `yaml:"max_conns"`
	} `yaml:"database"`
	Cache struct {
		RedisURL              string `yaml:"redis_url"`
		ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds"`
		TTL                   struct {
			UserPermissionsSeconds int `yaml:"user_permissions_seconds"`
			PropertyAccessSeconds  int `yaml:"property_access_seconds"`
			RolePermissionsSeconds int `yaml:"role_permissions_seconds"`
			UserPropertiesSeconds  int `yaml:"user_properties_seconds"`
		} `yaml:"ttl"`
	} `yaml:"cache"`
	Sessions struct {
		MaxConcurrent              int `yaml:"max_concurrent"`
		AdminRouteMaxConcurrent    int `yaml:"admin_route_max_concurrent"`
		InactivityTimeoutMinutes   int `yaml:"inactivity_timeout_minutes"`
		HighSecurityTimeoutMinutes int `yaml:"high_security_timeout_minutes"`
		LowSecurityTimeoutMinutes  int `yaml:"low_security_timeout_minutes"`
		DefaultTTLHours            int `yaml:"default_ttl_hours"`
		ActivityLookbackHours      int `yaml:"activity_lookback_hours"`
		DeviceTrustThreshold       int `yaml:"device_trust_threshold"`
		SuspiciousLockThreshold    int `yaml:"suspicious_lock_threshold"`
	} `yaml:"sessions"`
	Security struct {
		JWTIssuer        string   `yaml:"jwt_issuer"`
		JWTAudience      string   `yaml:"jwt_audience"`
		JWTKeyID         string   `yaml:"jwt_key_id"`
		JWTPrivateKeyPEM string   `yaml:"jwt_private_key_pem"`
		JWTPublicKeyPEM  string   `yaml:"jwt_public_key_pem"`
		AdminRoles       []string `yaml:"admin_roles"`
	} `yaml:"security"`
	Worker struct {
		OutboxPollIntervalSeconds int `yaml:"outbox_poll_interval_seconds"`
		OutboxBatchSize           int `yaml:"outbox_batch_size"`
		OutboxClaimTTLSeconds     int `yaml:"outbox_claim_ttl_seconds"`
		OutboxMaxRetries          int `yaml:"outbox_max_retries"`
		SweepIntervalMinutes      int `yaml:"sweep_interval_minutes"`
		SweepBatchSize            int `yaml:"sweep_batch_size"`
	} `yaml:"worker"`
}

// LoadConfig resolves configuration in priority order: defaults -> file -> env.
// This order keeps local bootstrap simple while allowing environment-specific overrides.
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		ServiceName:             "session-security-service",
		HTTPPort:                8084,
		GRPCPort:                9084,
		MaxDBConns:              20,
		CacheConnectTimeout:     5 * time.Second,
		UserPermissionsTTL:      15 * time.Minute,
		PropertyAccessTTL:       10 * time.Minute,
		RolePermissionsTTL:      time.Hour,
		UserPropertiesTTL:       10 * time.Minute,
		MaxConcurrentSessions:   5,
		AdminRouteMaxConcurrent: 2,
		InactivityTimeout:       30 * time.Minute,
		HighSecurityTimeout:     15 * time.Minute,
		LowSecurityTimeout:      time.Hour,
		SessionTTL:              24 * time.Hour,
		ActivityLookback:        24 * time.Hour,
		DeviceTrustThreshold:    3,
		JWTIssuer:               "costwise-session-security",
		JWTAudience:             "costwise-dashboard",
		JWTKeyID:                "session-security-key-1",
		AllowEphemeralJWT:       true,
		AdminRoles:              []string{"admin"},
		OutboxPollInterval:      2 * time.Second,
		OutboxBatchSize:         100,
		OutboxClaimTTL:          30 * time.Second,
		OutboxMaxRetries:        5,
		SweepInterval:           15 * time.Minute,
		SweepBatchSize:          500,
	}

	raw, err := os.ReadFile(path)
	if err == nil {
		var f configFile
		if unmarshalErr := yaml.Unmarshal(raw, &f); unmarshalErr != nil {
			return Config{}, fmt.Errorf("parse config file: %w", unmarshalErr)
		}
		if f.Service.Name != "" {
			cfg.ServiceName = f.Service.Name
		}
		if f.Service.HTTPPort > 0 {
			cfg.HTTPPort = f.Service.HTTPPort
		}
		if f.Service.GRPCPort > 0 {
			cfg.GRPCPort = f.Service.GRPCPort
		}
		if f.Service.InternalToken != "" {
			cfg.InternalToken = f.Service.InternalToken
		}
		if f.Database.URL != "" {
			cfg.DatabaseURL = f.Database.URL
		}
		if f.Database.MaxConns > 0 {
			cfg.MaxDBConns = int32(f.Database.MaxConns)
		}
		if f.Cache.RedisURL != "" {
			cfg.RedisURL = f.Cache.RedisURL
		}
		if f.Cache.ConnectTimeoutSeconds > 0 {
			cfg.CacheConnectTimeout = time.Duration(f.Cache.ConnectTimeoutSeconds) * time.Second
		}
		if f.Cache.TTL.UserPermissionsSeconds > 0 {
			cfg.UserPermissionsTTL = time.Duration(f.Cache.TTL.UserPermissionsSeconds) * time.Second
		}
		if f.Cache.TTL.PropertyAccessSeconds > 0 {
			cfg.PropertyAccessTTL = time.Duration(f.Cache.TTL.PropertyAccessSeconds) * time.Second
		}
		if f.Cache.TTL.RolePermissionsSeconds > 0 {
			cfg.RolePermissionsTTL = time.Duration(f.Cache.TTL.RolePermissionsSeconds) * time.Second
		}
		if f.Cache.TTL.UserPropertiesSeconds > 0 {
			cfg.UserPropertiesTTL = time.Duration(f.Cache.TTL.UserPropertiesSeconds) * time.Second
		}
		if f.Sessions.MaxConcurrent > 0 {
			cfg.MaxConcurrentSessions = f.Sessions.MaxConcurrent
		}
		if f.Sessions.AdminRouteMaxConcurrent > 0 {
			cfg.AdminRouteMaxConcurrent = f.Sessions.AdminRouteMaxConcurrent
		}
		if f.Sessions.InactivityTimeoutMinutes > 0 {
			cfg.InactivityTimeout = time.Duration(f.Sessions.InactivityTimeoutMinutes) * time.Minute
		}
		if f.Sessions.HighSecurityTimeoutMinutes > 0 {
			cfg.HighSecurityTimeout = time.Duration(f.Sessions.HighSecurityTimeoutMinutes) * time.Minute
		}
		if f.Sessions.LowSecurityTimeoutMinutes > 0 {
			cfg.LowSecurityTimeout = time.Duration(f.Sessions.LowSecurityTimeoutMinutes) * time.Minute
		}
		if f.Sessions.DefaultTTLHours > 0 {
			cfg.SessionTTL = time.Duration(f.Sessions.DefaultTTLHours) * time.Hour
		}
		if f.Sessions.ActivityLookbackHours > 0 {
			cfg.ActivityLookback = time.Duration(f.Sessions.ActivityLookbackHours) * time.Hour
		}
		if f.Sessions.DeviceTrustThreshold > 0 {
			cfg.DeviceTrustThreshold = f.Sessions.DeviceTrustThreshold
		}
		if f.Sessions.SuspiciousLockThreshold > 0 {
			cfg.SuspiciousLockThreshold = f.Sessions.SuspiciousLockThreshold
		}
		if f.Security.JWTIssuer != "" {
			cfg.JWTIssuer = f.Security.JWTIssuer
		}
		if f.Security.JWTAudience != "" {
			cfg.JWTAudience = f.Security.JWTAudience
		}
		if f.Security.JWTKeyID != "" {
			cfg.JWTKeyID = f.Security.JWTKeyID
		}
		if f.Security.JWTPrivateKeyPEM != "" {
			cfg.JWTPrivateKeyPEM = f.Security.JWTPrivateKeyPEM
		}
		if f.Security.JWTPublicKeyPEM != "" {
			cfg.JWTPublicKeyPEM = f.Security.JWTPublicKeyPEM
		}
		if len(f.Security.AdminRoles) > 0 {
			cfg.AdminRoles = f.Security.AdminRoles
		}
		if f.Worker.OutboxPollIntervalSeconds > 0 {
			cfg.OutboxPollInterval = time.Duration(f.Worker.OutboxPollIntervalSeconds) * time.Second
		}
		if f.Worker.OutboxBatchSize > 0 {
			cfg.OutboxBatchSize = f.Worker.OutboxBatchSize
		}
		if f.Worker.OutboxClaimTTLSeconds > 0 {
			cfg.OutboxClaimTTL = time.Duration(f.Worker.OutboxClaimTTLSeconds) * time.Second
		}
		if f.Worker.OutboxMaxRetries > 0 {
			cfg.OutboxMaxRetries = f.Worker.OutboxMaxRetries
		}
		if f.Worker.SweepIntervalMinutes > 0 {
			cfg.SweepInterval = time.Duration(f.Worker.SweepIntervalMinutes) * time.Minute
		}
		if f.Worker.SweepBatchSize > 0 {
			cfg.SweepBatchSize = f.Worker.SweepBatchSize
		}
	}

	cfg.ServiceName = envOrDefault("SERVICE_NAME", cfg.ServiceName)
	cfg.InternalToken = envOrDefault("INTERNAL_TOKEN", cfg.InternalToken)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", envOrDefault("POSTGRES_URL", cfg.DatabaseURL))
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.JWTIssuer = envOrDefault("JWT_ISSUER", cfg.JWTIssuer)
	cfg.JWTAudience = envOrDefault("JWT_AUDIENCE", cfg.JWTAudience)
	cfg.JWTKeyID = envOrDefault("JWT_KEY_ID", cfg.JWTKeyID)
	cfg.JWTPrivateKeyPEM = envOrDefault("JWT_PRIVATE_KEY_PEM", cfg.JWTPrivateKeyPEM)
	cfg.JWTPublicKeyPEM = envOrDefault("JWT_PUBLIC_KEY_PEM", cfg.JWTPublicKeyPEM)
	cfg.AllowEphemeralJWT = envBool("JWT_ALLOW_EPHEMERAL", cfg.AllowEphemeralJWT)
	cfg.AdminRoles = envCSV("ADMIN_ROLES", cfg.AdminRoles)

	cfg.HTTPPort = envInt("HTTP_PORT", cfg.HTTPPort)
	cfg.GRPCPort = envInt("GRPC_PORT", cfg.GRPCPort)
	cfg.MaxDBConns = int32(envInt("DB_MAX_CONNS", int(cfg.MaxDBConns)))
	cfg.MaxConcurrentSessions = envInt("SESSION_MAX_CONCURRENT", cfg.MaxConcurrentSessions)
	cfg.AdminRouteMaxConcurrent = envInt("ADMIN_ROUTE_MAX_CONCURRENT", cfg.AdminRouteMaxConcurrent)
	cfg.DeviceTrustThreshold = envInt("DEVICE_TRUST_THRESHOLD", cfg.DeviceTrustThreshold)
	cfg.SuspiciousLockThreshold = envInt("SUSPICIOUS_LOCK_THRESHOLD", cfg.SuspiciousLockThreshold)

	cfg.CacheConnectTimeout = time.Duration(envInt("CACHE_CONNECT_TIMEOUT_SECONDS", int(cfg.CacheConnectTimeout.Seconds()))) * time.Second
	cfg.UserPermissionsTTL = time.Duration(envInt("CACHE_USER_PERMISSIONS_TTL_SECONDS", int(cfg.UserPermissionsTTL.Seconds()))) * time.Second
	cfg.PropertyAccessTTL = time.Duration(envInt("CACHE_PROPERTY_ACCESS_TTL_SECONDS", int(cfg.PropertyAccessTTL.Seconds()))) * time.Second
	cfg.RolePermissionsTTL = time.Duration(envInt("CACHE_ROLE_PERMISSIONS_TTL_SECONDS", int(cfg.RolePermissionsTTL.Seconds()))) * time.Second
	cfg.UserPropertiesTTL = time.Duration(envInt("CACHE_USER_PROPERTIES_TTL_SECONDS", int(cfg.UserPropertiesTTL.Seconds()))) * time.Second
	cfg.InactivityTimeout = time.Duration(envInt("SESSION_INACTIVITY_TIMEOUT_MINUTES", int(cfg.InactivityTimeout.Minutes()))) * time.Minute
	cfg.HighSecurityTimeout = time.Duration(envInt("HIGH_SECURITY_TIMEOUT_MINUTES", int(cfg.HighSecurityTimeout.Minutes()))) * time.Minute
	cfg.LowSecurityTimeout = time.Duration(envInt("LOW_SECURITY_TIMEOUT_MINUTES", int(cfg.LowSecurityTimeout.Minutes()))) * time.Minute
	cfg.SessionTTL = time.Duration(envInt("SESSION_DEFAULT_TTL_HOURS", int(cfg.SessionTTL.Hours()))) * time.Hour
	cfg.ActivityLookback = time.Duration(envInt("ACTIVITY_LOOKBACK_HOURS", int(cfg.ActivityLookback.Hours()))) * time.Hour
	cfg.OutboxPollInterval = time.Duration(envInt("OUTBOX_POLL_SECONDS", int(cfg.OutboxPollInterval.Seconds()))) * time.Second
	cfg.OutboxBatchSize = envInt("OUTBOX_BATCH_SIZE", cfg.OutboxBatchSize)
	cfg.OutboxClaimTTL = time.Duration(envInt("OUTBOX_CLAIM_TTL_SECONDS", int(cfg.OutboxClaimTTL.Seconds()))) * time.Second
	cfg.OutboxMaxRetries = envInt("OUTBOX_MAX_RETRIES", cfg.OutboxMaxRetries)
	cfg.SweepInterval = time.Duration(envInt("SWEEP_INTERVAL_MINUTES", int(cfg.SweepInterval.Minutes()))) * time.Minute
	cfg.SweepBatchSize = envInt("SWEEP_BATCH_SIZE", cfg.SweepBatchSize)

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("missing DATABASE_URL")
	}
	// An empty RedisURL is valid: startup falls back to the in-memory cache
	// backend, so only the JWT material is checked here.
	if (cfg.JWTPrivateKeyPEM == "" || cfg.JWTPublicKeyPEM == "") && !cfg.AllowEphemeralJWT {
		return Config{}, fmt.Errorf("missing JWT_PRIVATE_KEY_PEM or JWT_PUBLIC_KEY_PEM")
	}

	return cfg, nil
}

// envOrDefault returns an env var when present, otherwise the provided fallback.
func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// envInt parses integer env vars with safe fallback on empty/invalid values.
func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

// envBool parses common boolean env forms while keeping a deterministic fallback.
func envBool(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}

// envCSV parses comma-separated env vars and removes empty segments.
func envCSV(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		parts = append(parts, trimmed)
	}
	if len(parts) == 0 {
		return fallback
	}
	return parts
}
