// Package config loads server settings from the environment.
//
// A .env file in the working directory is loaded first if present; real
// environment variables win over it. Command-line flags in cmd/server take
// these values as their defaults.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/warp/attendance-engine/attendance"
)

// =============================================================================
// ENV LOADER
// =============================================================================

type Config struct {
	Port             int
	DBPath           string
	BusinessTZ       string
	WindowStart      string
	WindowEnd        string
	CheckoutCron     string
	SchedulerEnabled bool
	CORSOrigins      []string
}

// Load reads .env (if any) and the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("[Config] No .env file found, using system environment")
	} else {
		log.Println("[Config] Loaded .env file")
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment without touching .env.
func FromEnv() (Config, error) {
	cfg := Config{
		DBPath:       GetEnv("DB_PATH", "attendance.db"),
		BusinessTZ:   GetEnv("BUSINESS_TZ", attendance.DefaultBusinessTimezone),
		WindowStart:  GetEnv("CHECKOUT_WINDOW_START", "23:30"),
		WindowEnd:    GetEnv("CHECKOUT_WINDOW_END", "00:30"),
		CheckoutCron: GetEnv("CHECKOUT_CRON", "*/5 * * * *"),
	}

	port, err := strconv.Atoi(GetEnv("PORT", "8080"))
	if err != nil || port <= 0 || port > 65535 {
		return cfg, fmt.Errorf("invalid PORT %q", GetEnv("PORT"))
	}
	cfg.Port = port

	enabled, err := strconv.ParseBool(GetEnv("SCHEDULER_ENABLED", "true"))
	if err != nil {
		return cfg, fmt.Errorf("invalid SCHEDULER_ENABLED %q: %w", GetEnv("SCHEDULER_ENABLED"), err)
	}
	cfg.SchedulerEnabled = enabled

	for _, origin := range strings.Split(GetEnv("CORS_ORIGINS", "http://localhost:3000,http://localhost:5173"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, origin)
		}
	}

	if _, err := cfg.Location(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Location resolves BusinessTZ.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.BusinessTZ)
	if err != nil {
		return nil, fmt.Errorf("invalid BUSINESS_TZ %q: %w", c.BusinessTZ, err)
	}
	return loc, nil
}

// CronSettings returns the window defaults used until an admin saves others.
func (c Config) CronSettings() attendance.CronSettings {
	return attendance.CronSettings{WindowStart: c.WindowStart, WindowEnd: c.WindowEnd}
}

// GetEnv returns the variable, or the first default when it is unset.
func GetEnv(key string, defaultValue ...string) string {
	value, exists := os.LookupEnv(key)
	if !exists && len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return value
}
