// Package config loads the mirror's configuration from an optional YAML
// file and command-line flags, flags taking precedence, the same
// file-then-flags-then-validate shape the teacher tool uses.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is the recognized option surface from the specification's
// configuration table, plus the AWS account wiring the domain stack needs
// to actually reach SQS/S3/ECS.
type Config struct {
	AWS         AWSConfig `yaml:"aws"`
	Mirror      Mirror    `yaml:"mirror"`
	Dispatch    Dispatch  `yaml:"dispatch"`
	LogLevel    string    `yaml:"log_level"`
	MetricsAddr string    `yaml:"metrics_addr"`
}

// AWSConfig carries the account/region wiring needed by every AWS SDK
// client the mirror constructs.
type AWSConfig struct {
	Region              string `yaml:"region"`
	TargetAssumeRoleARN string `yaml:"target_assume_role_arn"`
}

// Mirror holds options shared by C1-C5 (the event adapter, copy/delete
// engines, visibility keeper and worker loop).
type Mirror struct {
	SourceBucket         string        `yaml:"source_bucket"`
	TargetBucket         string        `yaml:"target_bucket"`
	QueueURL             string        `yaml:"queue_url"`
	PrefixFilter         string        `yaml:"prefix_filter"`
	VisibilityTimeout    time.Duration `yaml:"visibility_timeout"`
	ExtendInterval       time.Duration `yaml:"extend_interval"`
	EmptyPollsBeforeExit int           `yaml:"empty_polls_before_exit"`
	WaitTimeSeconds      int           `yaml:"wait_time_seconds"`
	Batch                int           `yaml:"batch"`
	CopyParallelism      int           `yaml:"copy_parallelism"`
	PartSize             int64         `yaml:"part_size"`
	SingleCopyCeiling    int64         `yaml:"single_copy_ceiling"`
	PartRetries          int           `yaml:"part_retries"`
	DeleteRetries        int           `yaml:"delete_retries"`
	DrainDeadline        time.Duration `yaml:"drain_deadline"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
	MaxReceiveCount      int           `yaml:"max_receive_count"`
}

// Dispatch holds options specific to C6, the scaling decision and the
// compute-launcher it drives.
type Dispatch struct {
	MaxWorkers           int           `yaml:"max_workers"`
	TargetBacklogPerTask int           `yaml:"target_backlog_per_task"`
	BurstStartLimit      int           `yaml:"burst_start_limit"`
	Period               time.Duration `yaml:"period"`
	LaunchRetries        int           `yaml:"launch_retries"`
	PreemptibleWeight    int           `yaml:"preemptible_weight"`
	OnDemandWeight       int           `yaml:"on_demand_weight"`
	Cluster              string        `yaml:"cluster"`
	TaskDefinition       string        `yaml:"task_definition"`
	Subnets              []string      `yaml:"subnets"`
	SecurityGroups       []string      `yaml:"security_groups"`
	AssignPublicIP       bool          `yaml:"assign_public_ip"`
}

// Defaults returns a Config populated with the defaults from the
// specification's configuration table (§6).
func Defaults() *Config {
	return &Config{
		LogLevel:    "info",
		MetricsAddr: ":8080",
		Mirror: Mirror{
			VisibilityTimeout:    30 * time.Minute,
			ExtendInterval:       5 * time.Minute,
			EmptyPollsBeforeExit: 3,
			WaitTimeSeconds:      20,
			Batch:                1,
			CopyParallelism:      256,
			PartSize:             64 * 1024 * 1024,
			SingleCopyCeiling:    5 * 1024 * 1024 * 1024,
			PartRetries:          3,
			DeleteRetries:        3,
			DrainDeadline:        25 * time.Second,
			RequestTimeout:       60 * time.Second,
			MaxReceiveCount:      3,
		},
		Dispatch: Dispatch{
			MaxWorkers:           64,
			TargetBacklogPerTask: 3,
			BurstStartLimit:      20,
			Period:               60 * time.Second,
			LaunchRetries:        3,
			PreemptibleWeight:    4,
			OnDemandWeight:       1,
			AssignPublicIP:       true,
		},
	}
}

// Load builds a Config from defaults, an optional YAML file, then flags,
// in that precedence order.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Defaults()

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := loadFromFlags(cfg, flags); err != nil {
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	strSlice := func(name string, dst *[]string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetStringSlice(name)
		}
	}
	integer := func(name string, dst *int) {
		if flags.Changed(name) {
			*dst, _ = flags.GetInt(name)
		}
	}
	i64 := func(name string, dst *int64) {
		if flags.Changed(name) {
			*dst, _ = flags.GetInt64(name)
		}
	}
	duration := func(name string, dst *time.Duration) {
		if flags.Changed(name) {
			*dst, _ = flags.GetDuration(name)
		}
	}
	boolean := func(name string, dst *bool) {
		if flags.Changed(name) {
			*dst, _ = flags.GetBool(name)
		}
	}

	str("region", &cfg.AWS.Region)
	str("target-assume-role-arn", &cfg.AWS.TargetAssumeRoleARN)
	str("log-level", &cfg.LogLevel)
	str("metrics-addr", &cfg.MetricsAddr)

	str("source-bucket", &cfg.Mirror.SourceBucket)
	str("target-bucket", &cfg.Mirror.TargetBucket)
	str("queue-url", &cfg.Mirror.QueueURL)
	str("prefix-filter", &cfg.Mirror.PrefixFilter)
	duration("visibility-timeout", &cfg.Mirror.VisibilityTimeout)
	duration("extend-interval", &cfg.Mirror.ExtendInterval)
	integer("empty-polls-before-exit", &cfg.Mirror.EmptyPollsBeforeExit)
	integer("wait-time-seconds", &cfg.Mirror.WaitTimeSeconds)
	integer("batch", &cfg.Mirror.Batch)
	integer("copy-parallelism", &cfg.Mirror.CopyParallelism)
	i64("part-size", &cfg.Mirror.PartSize)
	i64("single-copy-ceiling", &cfg.Mirror.SingleCopyCeiling)
	integer("part-retries", &cfg.Mirror.PartRetries)
	integer("delete-retries", &cfg.Mirror.DeleteRetries)
	duration("drain-deadline", &cfg.Mirror.DrainDeadline)
	duration("request-timeout", &cfg.Mirror.RequestTimeout)
	integer("max-receive-count", &cfg.Mirror.MaxReceiveCount)

	integer("max-workers", &cfg.Dispatch.MaxWorkers)
	integer("target-backlog-per-task", &cfg.Dispatch.TargetBacklogPerTask)
	integer("burst-start-limit", &cfg.Dispatch.BurstStartLimit)
	duration("dispatch-period", &cfg.Dispatch.Period)
	integer("launch-retries", &cfg.Dispatch.LaunchRetries)
	integer("preemptible-weight", &cfg.Dispatch.PreemptibleWeight)
	integer("on-demand-weight", &cfg.Dispatch.OnDemandWeight)
	str("cluster", &cfg.Dispatch.Cluster)
	str("task-definition", &cfg.Dispatch.TaskDefinition)
	strSlice("subnets", &cfg.Dispatch.Subnets)
	strSlice("security-groups", &cfg.Dispatch.SecurityGroups)
	boolean("assign-public-ip", &cfg.Dispatch.AssignPublicIP)

	return nil
}

// ValidateWorker checks the options the Worker subcommand (C5) needs.
func (c *Config) ValidateWorker() error {
	if c.AWS.Region == "" {
		return fmt.Errorf("region is required")
	}
	if c.Mirror.SourceBucket == "" {
		return fmt.Errorf("source bucket is required")
	}
	if c.Mirror.TargetBucket == "" {
		return fmt.Errorf("target bucket is required")
	}
	if c.Mirror.QueueURL == "" {
		return fmt.Errorf("queue url is required")
	}
	if c.Mirror.CopyParallelism <= 0 {
		return fmt.Errorf("copy parallelism must be positive")
	}
	if c.Mirror.PartSize < 5*1024*1024 {
		return fmt.Errorf("part size must be at least 5MB")
	}
	if c.Mirror.EmptyPollsBeforeExit <= 0 {
		return fmt.Errorf("empty polls before exit must be positive")
	}
	return nil
}

// ValidateDispatch checks the options the Dispatcher subcommand (C6)
// needs.
func (c *Config) ValidateDispatch() error {
	if c.AWS.Region == "" {
		return fmt.Errorf("region is required")
	}
	if c.Mirror.QueueURL == "" {
		return fmt.Errorf("queue url is required")
	}
	if c.Dispatch.Cluster == "" {
		return fmt.Errorf("cluster is required")
	}
	if c.Dispatch.TaskDefinition == "" {
		return fmt.Errorf("task definition is required")
	}
	if len(c.Dispatch.Subnets) == 0 {
		return fmt.Errorf("at least one subnet is required")
	}
	if c.Dispatch.MaxWorkers <= 0 {
		return fmt.Errorf("max workers must be positive")
	}
	if c.Dispatch.TargetBacklogPerTask <= 0 {
		return fmt.Errorf("target backlog per task must be positive")
	}
	if c.Dispatch.BurstStartLimit <= 0 {
		return fmt.Errorf("burst start limit must be positive")
	}
	return nil
}
