package app

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/emberauth/ember/internal/token/service"
	"github.com/emberauth/ember/pkg/jwtx"
)

type Config struct {
	Issuer string // Required: issuer claim for tokens

	AccessTTL   time.Duration // Optional: access token lifetime (default: 15m)
	RefreshTTL  time.Duration // Optional: refresh token lifetime (default: 7 days)
	IdentityTTL time.Duration // Optional: identity token lifetime (default: 1h)

	RSABits               int           // Optional: RSA key size for RS256 (default: 2048)
	RotationInterval      time.Duration // Optional: how long a key stays active (default: 30 days)
	RotationGrace         time.Duration // Optional: verification window after rotation (default: 7 days)
	RotationCheckInterval time.Duration // Optional: how often the rotation job wakes (default: 24h)
	MasterKeyPath         string        // Optional: path to the master encryption key file

	DatabaseFile string // Optional: path to SQLite database file (default: ./tokend.db)

	RedisAddr     string // Optional: redis address; empty means in-process cache
	RedisPassword string // Optional
	RedisDB       int    // Optional

	ServicePoliciesFile string // Optional: path to a JSON file of service token policies

	Env                 string        // Environment (dev, staging, prod) (default: dev)
	LogLevel            string        // Log level (debug, info, warn, error) (default: info)
	LogFormat           string        // Log format (json, text) (default: json)
	Port                int           // HTTP server port (default: 8080)
	ShutdownGracePeriod time.Duration // Graceful shutdown timeout (default: 10s)
	JanitorInterval     time.Duration // Retention sweep interval (default: 24h)
}

func LoadConfig() Config {
	cfg := Config{
		Issuer: os.Getenv("EMBER_ISSUER"),

		AccessTTL:   getEnvDurationOrDefault("EMBER_ACCESS_TTL", jwtx.DefaultAccessTokenTTL),
		RefreshTTL:  getEnvDurationOrDefault("EMBER_REFRESH_TTL", jwtx.DefaultRefreshTokenTTL),
		IdentityTTL: getEnvDurationOrDefault("EMBER_IDENTITY_TTL", jwtx.DefaultIdentityTokenTTL),

		RSABits:               getEnvIntOrDefault("EMBER_RSA_BITS", service.DefaultRSABits),
		RotationInterval:      getEnvDurationOrDefault("EMBER_ROTATION_INTERVAL", service.DefaultRotationInterval),
		RotationGrace:         getEnvDurationOrDefault("EMBER_ROTATION_GRACE", service.DefaultRotationGrace),
		RotationCheckInterval: getEnvDurationOrDefault("EMBER_ROTATION_CHECK_INTERVAL", service.DefaultRotationCheckInterval),
		MasterKeyPath:         os.Getenv("EMBER_MASTER_KEY_PATH"),

		DatabaseFile: getEnvOrDefault("EMBER_DATABASE_FILE", "tokend.db"),

		RedisAddr:     os.Getenv("EMBER_REDIS_ADDR"),
		RedisPassword: os.Getenv("EMBER_REDIS_PASSWORD"),
		RedisDB:       getEnvIntOrDefault("EMBER_REDIS_DB", 0),

		ServicePoliciesFile: os.Getenv("EMBER_SERVICE_POLICIES_FILE"),

		Env:                 getEnvOrDefault("ENV", "dev"),
		LogLevel:            getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:           getEnvOrDefault("LOG_FORMAT", "json"),
		Port:                getEnvIntOrDefault("PORT", 8080),
		ShutdownGracePeriod: getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		JanitorInterval:     getEnvDurationOrDefault("EMBER_JANITOR_INTERVAL", service.DefaultJanitorInterval),
	}

	if cfg.Issuer == "" {
		cfg.Issuer = "ember-tokend"
	}

	return cfg
}

// servicePolicyFile is the on-disk shape of one service token policy.
type servicePolicyFile struct {
	Scopes    []string `json:"scopes"`
	Audiences []string `json:"audiences"`
	TTL       string   `json:"ttl,omitempty"`
}

// LoadServicePolicies reads the policy file into the issuer's allow-list.
// An empty path yields an empty policy set, which refuses every caller.
func LoadServicePolicies(path string) (map[string]service.ServicePolicy, error) {
	if path == "" {
		return map[string]service.ServicePolicy{}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read service policies: %w", err)
	}

	var file map[string]servicePolicyFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse service policies: %w", err)
	}

	policies := make(map[string]service.ServicePolicy, len(file))
	for name, p := range file {
		policy := service.ServicePolicy{
			AllowedScopes:    p.Scopes,
			AllowedAudiences: p.Audiences,
		}
		if p.TTL != "" {
			ttl, err := time.ParseDuration(p.TTL)
			if err != nil {
				return nil, fmt.Errorf("policy %q: bad ttl %q: %w", name, p.TTL, err)
			}
			policy.TTL = ttl
		}
		policies[name] = policy
	}

	return policies, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Plain integers are read as minutes.
	if minutes, err := strconv.Atoi(value); err == nil {
		return time.Duration(minutes) * time.Minute
	}

	return defaultValue
}
