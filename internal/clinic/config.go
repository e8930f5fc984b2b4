// Package clinic stores per-clinic scheduling configuration and exposes
// day-level queue statistics.
package clinic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-queue/internal/queue"
)

// Config is the stored scheduling configuration for a clinic. Durations are
// kept in minutes so the JSON stays readable for the admin UI.
type Config struct {
	ClinicID               string            `json:"clinic_id"`
	Name                   string            `json:"name,omitempty"`
	Mode                   string            `json:"mode"`
	ModeOverrides          map[string]string `json:"mode_overrides,omitempty"`
	Timezone               string            `json:"timezone"`
	DefaultDurationMinutes int               `json:"default_duration_minutes"`
	GracePeriodMinutes     int               `json:"grace_period_minutes"`
	EarlyCallWindowMinutes int               `json:"early_call_window_minutes"`
	AppointmentTypes       []string          `json:"appointment_types,omitempty"`
	AutoCancelOnExpiry     bool              `json:"auto_cancel_on_expiry"`
	UpdatedAt              time.Time         `json:"updated_at,omitempty"`
}

// DefaultConfig mirrors queue.DefaultPolicy for a clinic with no stored config.
func DefaultConfig(clinicID string) *Config {
	return configFromPolicy(clinicID, queue.DefaultPolicy())
}

func configFromPolicy(clinicID string, p queue.Policy) *Config {
	cfg := &Config{
		ClinicID:               clinicID,
		Mode:                   string(p.Mode),
		Timezone:               p.Timezone,
		DefaultDurationMinutes: int(p.DefaultDuration / time.Minute),
		GracePeriodMinutes:     int(p.GracePeriod / time.Minute),
		EarlyCallWindowMinutes: int(p.EarlyCallWindow / time.Minute),
		AppointmentTypes:       append([]string(nil), p.AppointmentTypes...),
		AutoCancelOnExpiry:     p.AutoCancelOnExpiry,
	}
	if len(p.ModeOverrides) > 0 {
		cfg.ModeOverrides = make(map[string]string, len(p.ModeOverrides))
		for day, m := range p.ModeOverrides {
			cfg.ModeOverrides[day] = string(m)
		}
	}
	return cfg
}

// Policy converts the config into the queue's policy value.
func (c *Config) Policy() queue.Policy {
	p := queue.Policy{
		Mode:               queue.Mode(c.Mode),
		Timezone:           c.Timezone,
		DefaultDuration:    time.Duration(c.DefaultDurationMinutes) * time.Minute,
		GracePeriod:        time.Duration(c.GracePeriodMinutes) * time.Minute,
		EarlyCallWindow:    time.Duration(c.EarlyCallWindowMinutes) * time.Minute,
		AppointmentTypes:   append([]string(nil), c.AppointmentTypes...),
		AutoCancelOnExpiry: c.AutoCancelOnExpiry,
	}
	if len(c.ModeOverrides) > 0 {
		p.ModeOverrides = make(map[string]queue.Mode, len(c.ModeOverrides))
		for day, m := range c.ModeOverrides {
			p.ModeOverrides[strings.ToLower(day)] = queue.Mode(m)
		}
	}
	return p.Normalize()
}

var weekdays = map[string]bool{
	"sunday": true, "monday": true, "tuesday": true, "wednesday": true,
	"thursday": true, "friday": true, "saturday": true,
}

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("clinic: invalid config")

// Validate checks values the queue cannot safely fall back from.
func (c *Config) Validate() error {
	if !validMode(c.Mode) {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, c.Mode)
	}
	for day, m := range c.ModeOverrides {
		if !weekdays[strings.ToLower(day)] {
			return fmt.Errorf("%w: unknown weekday %q", ErrInvalidConfig, day)
		}
		if !validMode(m) {
			return fmt.Errorf("%w: unknown mode %q for %s", ErrInvalidConfig, m, day)
		}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil || c.Timezone == "" {
		return fmt.Errorf("%w: unknown timezone %q", ErrInvalidConfig, c.Timezone)
	}
	if c.DefaultDurationMinutes < 0 || c.GracePeriodMinutes < 0 || c.EarlyCallWindowMinutes < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	return nil
}

func validMode(m string) bool {
	return queue.Mode(m) == queue.ModeFlow || queue.Mode(m) == queue.ModeSlotted
}

// Store manages clinic configuration in Redis.
type Store struct {
	redis redis.UniversalClient
	now   func() time.Time
}

// NewStore creates a new clinic config store.
func NewStore(redisClient redis.UniversalClient) *Store {
	return &Store{redis: redisClient, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) key(clinicID string) string {
	return fmt.Sprintf("clinic:config:%s", clinicID)
}

// Get retrieves clinic config, returning default if not found.
func (s *Store) Get(ctx context.Context, clinicID string) (*Config, error) {
	data, err := s.redis.Get(ctx, s.key(clinicID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return DefaultConfig(clinicID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("clinic: get config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("clinic: unmarshal config: %w", err)
	}
	cfg.ClinicID = clinicID
	return &cfg, nil
}

// Set validates and saves clinic config.
func (s *Store) Set(ctx context.Context, cfg *Config) error {
	if strings.TrimSpace(cfg.ClinicID) == "" {
		return fmt.Errorf("%w: clinic id required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.UpdatedAt = s.now()

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("clinic: marshal config: %w", err)
	}
	if err := s.redis.Set(ctx, s.key(cfg.ClinicID), data, 0).Err(); err != nil {
		return fmt.Errorf("clinic: set config: %w", err)
	}
	return nil
}

// Policy implements queue.PolicyProvider.
func (s *Store) Policy(ctx context.Context, clinicID string) (queue.Policy, error) {
	cfg, err := s.Get(ctx, clinicID)
	if err != nil {
		return queue.Policy{}, err
	}
	return cfg.Policy(), nil
}
