package config

import (
	"fmt"
	"strings"
	"time"

	"cronwell/internal/loop"
	"cronwell/internal/pool"
	"cronwell/internal/store"
	"cronwell/pkg/logx"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Pool      PoolConfig      `json:"pool"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the schedule store backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./cronwell.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the poll loop.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// PollInterval is how often the ready set is fetched. Defaults to 30s.
	PollInterval string `json:"poll_interval,omitempty"`

	// Priority for submitted work: "low", "medium" or "high". Default medium.
	Priority string `json:"priority,omitempty"`
}

type PoolConfig struct {
	Workers            int `json:"workers,omitempty"`
	MaxConcurrentTasks int `json:"max_concurrent_tasks,omitempty"`
	MaxPerOwner        int `json:"max_per_owner,omitempty"`
	QueueSize          int `json:"queue_size,omitempty"`
}

// Validate checks cross-field constraints that the strict decoder cannot.
func (c *Config) Validate() error {
	if _, err := c.Storage.StoreConfig(); err != nil {
		return err
	}
	if _, err := c.Scheduler.LoopConfig(); err != nil {
		return err
	}
	if c.Pool.Workers < 0 || c.Pool.MaxConcurrentTasks < 0 ||
		c.Pool.MaxPerOwner < 0 || c.Pool.QueueSize < 0 {
		return fmt.Errorf("pool: counts must be >= 0")
	}
	return nil
}

func (l LoggingConfig) LogConfig() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
	}
}

func (s StorageConfig) StoreConfig() (store.Config, error) {
	busy, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(s.Driver))
	if driver == store.DriverSQLite && strings.TrimSpace(s.Path) == "" {
		return store.Config{}, fmt.Errorf("storage.path: required for sqlite")
	}
	return store.Config{Driver: driver, Path: s.Path, BusyTimeout: busy}, nil
}

func (s SchedulerConfig) LoopConfig() (loop.Config, error) {
	interval, err := ParseDurationOrDefault("scheduler.poll_interval", s.PollInterval, 30*time.Second)
	if err != nil {
		return loop.Config{}, err
	}
	prio, err := parsePriority(s.Priority)
	if err != nil {
		return loop.Config{}, err
	}
	return loop.Config{PollInterval: interval, Priority: prio}, nil
}

func (p PoolConfig) PoolConfig() pool.Config {
	return pool.Config{
		Workers:            p.Workers,
		MaxConcurrentTasks: p.MaxConcurrentTasks,
		MaxPerOwner:        p.MaxPerOwner,
		QueueSize:          p.QueueSize,
	}
}

func parsePriority(s string) (pool.Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return pool.PriorityMedium, nil
	case "low":
		return pool.PriorityLow, nil
	case "medium":
		return pool.PriorityMedium, nil
	case "high":
		return pool.PriorityHigh, nil
	default:
		return 0, fmt.Errorf("scheduler.priority: unknown priority %q", s)
	}
}
