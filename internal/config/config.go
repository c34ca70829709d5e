package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// Remote kinds.
const (
	RemoteDropbox = "dropbox"
	RemoteS3      = "s3"
)

// Config holds all configuration loaded from config.yaml.
type Config struct {
	Root         string   `yaml:"root"          json:"root"`
	ExcludePaths []string `yaml:"exclude_paths" json:"exclude_paths"`
	DBPath       string   `yaml:"db_path"       json:"-"`
	LogLevel     string   `yaml:"log_level"     json:"-"`
	Timezone     string   `yaml:"timezone"      json:"timezone"`
	HTTPAddr     string   `yaml:"http_addr"     json:"-"`
	Schedule     string   `yaml:"schedule"      json:"schedule"`
	Scan         Scan     `yaml:"scan"          json:"scan"`
	Upload       Upload   `yaml:"upload"        json:"upload"`
	Remote       Remote   `yaml:"remote"        json:"remote"`
}

// Scan holds concurrency knobs for the scan stage.
type Scan struct {
	Walkers         int `yaml:"walkers"          json:"walkers"`
	ChannelCapacity int `yaml:"channel_capacity" json:"channel_capacity"`
	BatchSize       int `yaml:"batch_size"       json:"batch_size"`
	DigestWorkers   int `yaml:"digest_workers"   json:"digest_workers"`
}

// Upload holds transfer limits.
type Upload struct {
	MaxBatchItems     int           `yaml:"max_batch_items"    json:"max_batch_items"`
	ConcurrentBatches int           `yaml:"concurrent_batches" json:"concurrent_batches"`
	ConcurrentFiles   int           `yaml:"concurrent_files"   json:"concurrent_files"`
	Parallelism       int           `yaml:"parallelism"        json:"parallelism"`
	MaxInFlight       int64         `yaml:"max_in_flight"      json:"max_in_flight"`
	CallTimeout       time.Duration `yaml:"call_timeout"       json:"call_timeout"`
	AppendAttempts    int           `yaml:"append_attempts"    json:"append_attempts"`
	PollInterval      time.Duration `yaml:"poll_interval"      json:"poll_interval"`
	PollAttempts      int           `yaml:"poll_attempts"      json:"poll_attempts"`
}

// Remote selects and configures the storage service.
type Remote struct {
	Kind       string  `yaml:"kind"        json:"kind"`
	DestPrefix string  `yaml:"dest_prefix" json:"dest_prefix"`
	Dropbox    Dropbox `yaml:"dropbox"     json:"-"`
	S3         S3      `yaml:"s3"          json:"-"`
}

// Dropbox names the environment variable holding the access token, so the
// token never lives in the config file.
type Dropbox struct {
	TokenEnv string `yaml:"token_env"`
}

// S3 locates the bucket.
type S3 struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

// applyDefaults fills zero/empty fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = "camsync.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Timezone == "" {
		c.Timezone = "Asia/Tokyo"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.Scan.Walkers == 0 {
		c.Scan.Walkers = 4
	}
	if c.Scan.ChannelCapacity == 0 {
		c.Scan.ChannelCapacity = 32
	}
	if c.Scan.BatchSize == 0 {
		c.Scan.BatchSize = 100
	}
	if c.Scan.DigestWorkers == 0 {
		c.Scan.DigestWorkers = 4
	}
	if c.Upload.MaxBatchItems == 0 {
		c.Upload.MaxBatchItems = 1000
	}
	if c.Upload.ConcurrentBatches == 0 {
		c.Upload.ConcurrentBatches = 2
	}
	if c.Upload.ConcurrentFiles == 0 {
		c.Upload.ConcurrentFiles = 16
	}
	if c.Upload.Parallelism == 0 {
		c.Upload.Parallelism = 20
	}
	if c.Upload.MaxInFlight == 0 {
		c.Upload.MaxInFlight = 64
	}
	if c.Upload.CallTimeout == 0 {
		c.Upload.CallTimeout = 2 * time.Minute
	}
	if c.Upload.AppendAttempts == 0 {
		c.Upload.AppendAttempts = 3
	}
	if c.Upload.PollInterval == 0 {
		c.Upload.PollInterval = time.Second
	}
	if c.Upload.PollAttempts == 0 {
		c.Upload.PollAttempts = 30
	}
	if c.Remote.Kind == "" {
		c.Remote.Kind = RemoteDropbox
	}
	if c.Remote.DestPrefix == "" {
		c.Remote.DestPrefix = "Camera Uploads"
	}
	if c.Remote.Dropbox.TokenEnv == "" {
		c.Remote.Dropbox.TokenEnv = "DROPBOX_TOKEN"
	}
}

// Load reads and parses the YAML config file at path.
// If the file does not exist, Load returns a default Config so the tool
// can run from flags alone.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		var cfg Config
		cfg.applyDefaults()
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	switch c.Remote.Kind {
	case RemoteDropbox:
	case RemoteS3:
		if c.Remote.S3.Bucket == "" {
			errs = append(errs, errors.New("remote.s3.bucket is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown remote kind %q", c.Remote.Kind))
	}
	if strings.Trim(c.Remote.DestPrefix, "/") == "" {
		errs = append(errs, errors.New("remote.dest_prefix must name a folder"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}

	positive := []struct {
		name string
		v    int64
	}{
		{"scan.walkers", int64(c.Scan.Walkers)},
		{"scan.channel_capacity", int64(c.Scan.ChannelCapacity)},
		{"scan.batch_size", int64(c.Scan.BatchSize)},
		{"scan.digest_workers", int64(c.Scan.DigestWorkers)},
		{"upload.max_batch_items", int64(c.Upload.MaxBatchItems)},
		{"upload.concurrent_batches", int64(c.Upload.ConcurrentBatches)},
		{"upload.concurrent_files", int64(c.Upload.ConcurrentFiles)},
		{"upload.parallelism", int64(c.Upload.Parallelism)},
		{"upload.max_in_flight", c.Upload.MaxInFlight},
		{"upload.append_attempts", int64(c.Upload.AppendAttempts)},
		{"upload.poll_attempts", int64(c.Upload.PollAttempts)},
		{"upload.poll_interval", int64(c.Upload.PollInterval)},
		{"upload.call_timeout", int64(c.Upload.CallTimeout)},
	}
	for _, p := range positive {
		if p.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", p.name, p.v))
		}
	}
	if c.Upload.MaxBatchItems > 1000 {
		errs = append(errs, fmt.Errorf("upload.max_batch_items is at most 1000, got %d", c.Upload.MaxBatchItems))
	}
	return errors.Join(errs...)
}

// Location loads the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
