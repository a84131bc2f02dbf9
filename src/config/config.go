package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	NumFloors          = 10
	NumElevators       = 5
	FloorMoveTime      = 5 * time.Second
	DoorTime           = 2 * time.Second
	RetryMargin        = 60 * time.Second
	EventBuffer        = 1024
	HTTPAddr           = ":8080"
	CollectorAddr      = ":4433"
	StatusFeedInterval = time.Second
	PurgeInterval      = 30 * time.Second
	LogLevel           = "info"
)

type Config struct {
	NumFloors      int
	NumElevators   int
	FloorMoveTime  time.Duration
	DoorTime       time.Duration
	IdempotencyTTL time.Duration
	PurgeInterval  time.Duration
	EventBuffer    int

	HTTPAddr            string
	AuditLogPath        string
	EventCollectorAddr  string
	CollectorListenAddr string
	StatusFeedAddr      string
	StatusFeedInterval  time.Duration

	LogLevel string
	LogFile  string
}

// fileConfig mirrors Config in the YAML file. Times are given in seconds.
type fileConfig struct {
	NumFloors           *int     `yaml:"num_floors"`
	NumElevators        *int     `yaml:"num_elevators"`
	FloorMoveTime       *float64 `yaml:"floor_move_time"`
	DoorTime            *float64 `yaml:"door_time"`
	IdempotencyTTL      *float64 `yaml:"idempotency_ttl"`
	EventBuffer         *int     `yaml:"event_buffer"`
	HTTPAddr            *string  `yaml:"http_addr"`
	AuditLogPath        *string  `yaml:"audit_log"`
	EventCollectorAddr  *string  `yaml:"event_collector_addr"`
	CollectorListenAddr *string  `yaml:"collector_listen_addr"`
	StatusFeedAddr      *string  `yaml:"status_feed_addr"`
	StatusFeedInterval  *float64 `yaml:"status_feed_interval"`
	LogLevel            *string  `yaml:"log_level"`
	LogFile             *string  `yaml:"log_file"`
}

func Default() Config {
	return Config{
		NumFloors:           NumFloors,
		NumElevators:        NumElevators,
		FloorMoveTime:       FloorMoveTime,
		DoorTime:            DoorTime,
		PurgeInterval:       PurgeInterval,
		EventBuffer:         EventBuffer,
		HTTPAddr:            HTTPAddr,
		CollectorListenAddr: CollectorAddr,
		StatusFeedInterval:  StatusFeedInterval,
		LogLevel:            LogLevel,
	}
}

// Load builds the configuration from defaults, an optional YAML file, an optional .env file
// and finally the process environment. Later sources win. Empty paths are skipped.
func Load(yamlPath, envPath string) (Config, error) {
	cfg := Default()

	if yamlPath != "" {
		if err := cfg.applyFile(yamlPath); err != nil {
			return Config{}, err
		}
	}
	if envPath != "" {
		// godotenv.Load never overrides variables that are already set.
		if err := godotenv.Load(envPath); err != nil {
			return Config{}, fmt.Errorf("load env file %s: %w", envPath, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	if cfg.IdempotencyTTL == 0 {
		cfg.IdempotencyTTL = cfg.DefaultIdempotencyTTL()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer file.Close()

	var fc fileConfig
	if err := yaml.NewDecoder(file).Decode(&fc); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}

	setInt(&cfg.NumFloors, fc.NumFloors)
	setInt(&cfg.NumElevators, fc.NumElevators)
	setInt(&cfg.EventBuffer, fc.EventBuffer)
	setSeconds(&cfg.FloorMoveTime, fc.FloorMoveTime)
	setSeconds(&cfg.DoorTime, fc.DoorTime)
	setSeconds(&cfg.IdempotencyTTL, fc.IdempotencyTTL)
	setSeconds(&cfg.StatusFeedInterval, fc.StatusFeedInterval)
	setString(&cfg.HTTPAddr, fc.HTTPAddr)
	setString(&cfg.AuditLogPath, fc.AuditLogPath)
	setString(&cfg.EventCollectorAddr, fc.EventCollectorAddr)
	setString(&cfg.CollectorListenAddr, fc.CollectorListenAddr)
	setString(&cfg.StatusFeedAddr, fc.StatusFeedAddr)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.LogFile, fc.LogFile)
	return nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	ints := map[string]*int{
		"NUM_FLOORS":    &cfg.NumFloors,
		"NUM_ELEVATORS": &cfg.NumElevators,
		"EVENT_BUFFER":  &cfg.EventBuffer,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}

	seconds := map[string]*time.Duration{
		"FLOOR_MOVE_TIME":      &cfg.FloorMoveTime,
		"DOOR_TIME":            &cfg.DoorTime,
		"IDEMPOTENCY_TTL":      &cfg.IdempotencyTTL,
		"STATUS_FEED_INTERVAL": &cfg.StatusFeedInterval,
	}
	for key, dst := range seconds {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = Seconds(f)
	}

	strs := map[string]*string{
		"HTTP_ADDR":             &cfg.HTTPAddr,
		"AUDIT_LOG":             &cfg.AuditLogPath,
		"EVENT_COLLECTOR_ADDR":  &cfg.EventCollectorAddr,
		"COLLECTOR_LISTEN_ADDR": &cfg.CollectorListenAddr,
		"STATUS_FEED_ADDR":      &cfg.StatusFeedAddr,
		"LOG_LEVEL":             &cfg.LogLevel,
		"LOG_FILE":              &cfg.LogFile,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	return nil
}

// Validate rejects configurations the fleet cannot be built from.
func (cfg Config) Validate() error {
	var errs []error
	if cfg.NumFloors <= 0 {
		errs = append(errs, fmt.Errorf("NUM_FLOORS must be positive, got %d", cfg.NumFloors))
	}
	if cfg.NumElevators <= 0 {
		errs = append(errs, fmt.Errorf("NUM_ELEVATORS must be positive, got %d", cfg.NumElevators))
	}
	if cfg.FloorMoveTime <= 0 {
		errs = append(errs, fmt.Errorf("FLOOR_MOVE_TIME must be positive, got %s", cfg.FloorMoveTime))
	}
	if cfg.DoorTime <= 0 {
		errs = append(errs, fmt.Errorf("DOOR_TIME must be positive, got %s", cfg.DoorTime))
	}
	if cfg.IdempotencyTTL < 0 {
		errs = append(errs, fmt.Errorf("IDEMPOTENCY_TTL must not be negative, got %s", cfg.IdempotencyTTL))
	}
	if cfg.EventBuffer <= 0 {
		errs = append(errs, fmt.Errorf("EVENT_BUFFER must be positive, got %d", cfg.EventBuffer))
	}
	if cfg.StatusFeedInterval <= 0 {
		errs = append(errs, fmt.Errorf("STATUS_FEED_INTERVAL must be positive, got %s", cfg.StatusFeedInterval))
	}
	return errors.Join(errs...)
}

// MaxTripDuration is the longest trip the fleet can run: both legs spanning the whole shaft.
func (cfg Config) MaxTripDuration() time.Duration {
	span := time.Duration(2 * (cfg.NumFloors - 1))
	return span*cfg.FloorMoveTime + 4*cfg.DoorTime
}

func (cfg Config) DefaultIdempotencyTTL() time.Duration {
	return cfg.MaxTripDuration() + RetryMargin
}

// Seconds converts fractional seconds to a duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setSeconds(dst *time.Duration, v *float64) {
	if v != nil {
		*dst = Seconds(*v)
	}
}
