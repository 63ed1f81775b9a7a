package engine

import (
	"fmt"
	"os"
	"time"

	"github.com/grab-ia/grabia/internal/store"
)

// Worker ceiling bounds accepted by Validate.
const (
	MinWorkers = 1
	MaxWorkers = 64
)

// DefaultWorkers matches the lineage default of four concurrent fetches.
const DefaultWorkers = 4

// Config is everything a new job needs. Resumed jobs reload it from the
// state store instead.
type Config struct {
	ItemsPath     string
	OutputRoot    string
	WorkerCeiling int
	BandwidthBPS  int64
	Sync          bool
	Dynamic       bool
	MetadataOnly  bool
	NameRegex     string
	Extensions    []string
	AuthPath      string
}

// Validate rejects configurations the engine refuses to start with.
func (c *Config) Validate() error {
	if c.ItemsPath == "" {
		return fmt.Errorf("items file is required")
	}
	info, err := os.Stat(c.ItemsPath)
	if err != nil {
		return fmt.Errorf("items file is not readable: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("items path %s is a directory", c.ItemsPath)
	}
	return c.validateLimits()
}

// validateLimits covers the fields a resume may override.
func (c *Config) validateLimits() error {
	if c.OutputRoot == "" {
		return fmt.Errorf("output directory is required")
	}
	if c.WorkerCeiling < MinWorkers || c.WorkerCeiling > MaxWorkers {
		return fmt.Errorf("worker ceiling %d outside [%d,%d]", c.WorkerCeiling, MinWorkers, MaxWorkers)
	}
	if c.BandwidthBPS < 0 {
		return fmt.Errorf("bandwidth ceiling %d is negative", c.BandwidthBPS)
	}
	return nil
}

func (c *Config) job(id string) store.Job {
	return store.Job{
		ID:            id,
		OutputRoot:    c.OutputRoot,
		NameRegex:     c.NameRegex,
		Extensions:    c.Extensions,
		MetadataOnly:  c.MetadataOnly,
		Sync:          c.Sync,
		Dynamic:       c.Dynamic,
		WorkerCeiling: c.WorkerCeiling,
		BandwidthBPS:  c.BandwidthBPS,
		// Only honored on first insert; upserts never touch created_at.
		CreatedAt: time.Now().Unix(),
	}
}

func configFromJob(job *store.Job) Config {
	return Config{
		OutputRoot:    job.OutputRoot,
		WorkerCeiling: job.WorkerCeiling,
		BandwidthBPS:  job.BandwidthBPS,
		Sync:          job.Sync,
		Dynamic:       job.Dynamic,
		MetadataOnly:  job.MetadataOnly,
		NameRegex:     job.NameRegex,
		Extensions:    job.Extensions,
	}
}

// Overrides carries the resume-time flag deltas. Nil pointers leave the
// persisted job value in place.
type Overrides struct {
	Workers      *int
	BandwidthBPS *int64
	Sync         *bool
	Dynamic      *bool
	MetadataOnly *bool
	NameRegex    *string
	Extensions   []string
	AuthPath     string
}

func (o *Overrides) apply(cfg *Config) {
	if o == nil {
		return
	}
	if o.Workers != nil {
		cfg.WorkerCeiling = *o.Workers
	}
	if o.BandwidthBPS != nil {
		cfg.BandwidthBPS = *o.BandwidthBPS
	}
	if o.Sync != nil {
		cfg.Sync = *o.Sync
	}
	if o.Dynamic != nil {
		cfg.Dynamic = *o.Dynamic
	}
	if o.MetadataOnly != nil {
		cfg.MetadataOnly = *o.MetadataOnly
	}
	if o.NameRegex != nil {
		cfg.NameRegex = *o.NameRegex
	}
	if o.Extensions != nil {
		cfg.Extensions = o.Extensions
	}
	if o.AuthPath != "" {
		cfg.AuthPath = o.AuthPath
	}
}
