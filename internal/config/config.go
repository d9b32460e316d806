// Package config loads all runtime settings from the environment with
// sane defaults, so the agent can boot with nothing but an API_URL in a
// pinch.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"mojarreria/kiosk/internal/metrics"
)

type Config struct {
	Port          string
	AllowedOrigin string
	Env           string

	APIURL         string
	DeviceID       string
	NetworkTimeout time.Duration

	// Storage backend selection. DatabaseURL wins over RedisAddr; with
	// neither set the agent runs on the in-memory store.
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SyncInterval time.Duration

	AuthSecret          string
	AccessTokenTTL      time.Duration
	SupportPasswordHash string

	// Dev/debug build flags, ignored in production.
	CleanStorage bool
	SeedData     bool
	SeedCloses   int

	// Bootstrap operator, seeded into an empty offline cache so a fresh
	// device can always complete a close.
	BootstrapUserID string
	BootstrapName   string
	BootstrapPhone  string
	BootstrapPIN    string

	KeepAwake  Window
	Thresholds metrics.Thresholds
}

// Window is a daily HH:mm interval, possibly crossing midnight.
type Window struct {
	From string
	To   string
}

// Contains reports whether t's wall-clock time falls inside the window.
// An empty window contains nothing.
func (w Window) Contains(t time.Time) bool {
	from, errFrom := minutesOfDay(w.From)
	to, errTo := minutesOfDay(w.To)
	if errFrom != nil || errTo != nil {
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	if from <= to {
		return minute >= from && minute < to
	}
	return minute >= from || minute < to
}

func minutesOfDay(value string) (int, error) {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid HH:mm value %q", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", value)
	}
	return hour*60 + minute, nil
}

func (c Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

// Load reads the configuration from the environment. It never fails;
// malformed numeric values fall back to their defaults.
func Load() Config {
	thresholds := metrics.DefaultThresholds()
	thresholds.DescuadreCents = getInt64("ALERT_DESCUADRE_CENTS", thresholds.DescuadreCents)
	thresholds.ExpenseRatio = getFloat("ALERT_EXPENSE_RATIO", thresholds.ExpenseRatio)
	thresholds.SyncStaleMinutes = getInt("ALERT_SYNC_STALE_MINUTES", thresholds.SyncStaleMinutes)
	thresholds.DropFactor = getFloat("ALERT_DROP_FACTOR", thresholds.DropFactor)
	thresholds.MissingCloseHourLocal = getInt("ALERT_MISSING_CLOSE_HOUR", thresholds.MissingCloseHourLocal)

	return Config{
		Port:          getEnv("PORT", "8090"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "*"),
		Env:           getEnv("ENV", "development"),

		APIURL:         getEnv("API_URL", "http://localhost:3000"),
		DeviceID:       getEnv("DEVICE_ID", "kiosk-dev"),
		NetworkTimeout: time.Duration(getInt("NETWORK_TIMEOUT_MS", 15000)) * time.Millisecond,

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),

		SyncInterval: time.Duration(getInt("SYNC_INTERVAL_SECONDS", 300)) * time.Second,

		AuthSecret:          getEnv("AUTH_SECRET", "dev-secret-change-me"),
		AccessTokenTTL:      time.Duration(getInt("ACCESS_TOKEN_TTL_MINUTES", 720)) * time.Minute,
		SupportPasswordHash: os.Getenv("SUPPORT_PASSWORD_HASH"),

		CleanStorage: getBool("CLEAN_STORAGE", false),
		SeedData:     getBool("SEED_DATA", false),
		SeedCloses:   getInt("SEED_CLOSES", 20),

		BootstrapUserID: getEnv("BOOTSTRAP_USER_ID", "local-admin"),
		BootstrapName:   getEnv("BOOTSTRAP_NAME", "Administrador Local"),
		BootstrapPhone:  getEnv("BOOTSTRAP_PHONE", "5219990000"),
		BootstrapPIN:    getEnv("BOOTSTRAP_PIN", "0000"),

		KeepAwake: Window{
			From: getEnv("KEEP_AWAKE_FROM", "10:00"),
			To:   getEnv("KEEP_AWAKE_TO", "23:00"),
		},
		Thresholds: thresholds,
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getInt64(key string, fallback int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
