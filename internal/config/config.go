package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Agent
	AgentAddr  string
	DBPath     string
	FlagsPath  string
	Timezone   string
	BackendURL string

	// Loops
	SyncInterval        time.Duration
	NudgeCooldown       time.Duration
	ReconcileEvery      int
	DeliveryInterval    time.Duration
	MaintenanceInterval time.Duration
	PersistDelay        time.Duration

	// Stats
	StatsStaleAfter     time.Duration
	StatsRefreshTimeout time.Duration

	// Notifications
	DesktopToasts bool

	// Temporal
	TemporalEnabled   bool
	TemporalAddress   string
	TemporalNamespace string

	// Backend
	BackendAddr       string
	BackendDBPath     string
	AchievementSchema int
	AIBadges          bool
}

func Load() *Config {
	return &Config{
		// Agent
		AgentAddr:  getEnv("SCROLLMETER_ADDR", "127.0.0.1:8480"),
		DBPath:     getEnv("SCROLLMETER_DB", "./scrollmeter.db"),
		FlagsPath:  getEnv("SCROLLMETER_FLAGS", "./flags.yaml"),
		Timezone:   getEnv("SCROLLMETER_TZ", ""),
		BackendURL: strings.TrimSuffix(getEnv("SCROLLMETER_BACKEND_URL", "http://127.0.0.1:8490"), "/"),

		// Loops
		SyncInterval:        getEnvDuration("SYNC_INTERVAL", 30*time.Second),
		NudgeCooldown:       getEnvDuration("SYNC_NUDGE_COOLDOWN", 5*time.Second),
		ReconcileEvery:      getEnvInt("RECONCILE_EVERY_TICKS", 10),
		DeliveryInterval:    getEnvDuration("DELIVERY_INTERVAL", 2*time.Second),
		MaintenanceInterval: getEnvDuration("MAINTENANCE_INTERVAL", 10*time.Minute),
		PersistDelay:        getEnvDuration("STATE_PERSIST_DELAY", 2*time.Second),

		// Stats
		StatsStaleAfter:     getEnvDuration("STATS_STALE_AFTER", 60*time.Second),
		StatsRefreshTimeout: getEnvDuration("STATS_REFRESH_TIMEOUT", 1500*time.Millisecond),

		// Notifications
		DesktopToasts: getEnvBool("DESKTOP_TOASTS", true),

		// Temporal
		TemporalEnabled:   getEnvBool("TEMPORAL_ENABLED", false),
		TemporalAddress:   getEnv("TEMPORAL_ADDRESS", "localhost:7233"),
		TemporalNamespace: getEnv("TEMPORAL_NAMESPACE", "default"),

		// Backend
		BackendAddr:       getEnv("SCROLLMETER_BACKEND_ADDR", ":8490"),
		BackendDBPath:     getEnv("SCROLLMETER_BACKEND_DB", "./backend.db"),
		AchievementSchema: getEnvInt("ACHIEVEMENT_SCHEMA", 2),
		AIBadges:          getEnvBool("AI_BADGES", false),
	}
}

// Location resolves Timezone; empty means the machine's local zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
