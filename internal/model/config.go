package model

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	ExecutionModeSubprocess = "subprocess"
	ExecutionModeSync       = "sync"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	DefaultReaperInterval   = 500 * time.Millisecond
	DefaultTerminateTimeout = 10 * time.Second
	DefaultMaxSteps         = 4
	DefaultPipelinesFile    = "pipelines.yaml"
	DefaultInstanceFile     = "pipekeeper.db"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version   int        `json:"version" yaml:"version"`
	Instance  Instance   `json:"instance" yaml:"instance"`
	Execution Execution  `json:"execution" yaml:"execution"`
	Pipelines Pipelines  `json:"pipelines" yaml:"pipelines"`
	Service   Service    `json:"service" yaml:"service"`
	Schedules []Schedule `json:"schedules,omitempty" yaml:"schedules,omitempty"`
}

// Instance configures the run and event storage.
type Instance struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Execution configures the execution manager.
type Execution struct {
	Mode               string `json:"mode" yaml:"mode"` // "subprocess" | "sync"
	ReaperInterval     string `json:"reaper_interval" yaml:"reaper_interval"`
	TerminateTimeout   string `json:"terminate_timeout" yaml:"terminate_timeout"` // "0s" waits forever
	MaxConcurrentSteps int    `json:"max_concurrent_steps" yaml:"max_concurrent_steps"`
}

type Pipelines struct {
	File string `json:"file" yaml:"file"`
}

type Service struct {
	Verbose bool   `json:"verbose" yaml:"verbose"`
	Log     string `json:"log" yaml:"log"` // "stderr"|"stdout"|"discard"|path
}

// Schedule triggers a pipeline periodically, either by Cron or by ISO-8601 Duration.
type Schedule struct {
	Pipeline string   `json:"pipeline" yaml:"pipeline"`
	Steps    []string `json:"steps,omitempty" yaml:"steps,omitempty"`
	Cron     string   `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string   `json:"duration,omitempty" yaml:"duration,omitempty"`
}

func DefaultConfig(dir string) Config {
	return Config{
		Version: 0,
		Instance: Instance{
			Path: filepath.Join(dir, DefaultInstanceFile),
		},
		Execution: Execution{
			Mode:               ExecutionModeSubprocess,
			ReaperInterval:     DefaultReaperInterval.String(),
			TerminateTimeout:   DefaultTerminateTimeout.String(),
			MaxConcurrentSteps: DefaultMaxSteps,
		},
		Pipelines: Pipelines{
			File: filepath.Join(dir, DefaultPipelinesFile),
		},
		Service: Service{
			Log: LogStderr,
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	return out, nil
}

// Resolve makes relative paths absolute against dir and fills
// the values CUE can't default.
func (c Config) Resolve(dir string) Config {
	if c.Instance.Path == "" {
		c.Instance.Path = DefaultInstanceFile
	}
	c.Instance.Path = abs(dir, c.Instance.Path)
	c.Pipelines.File = abs(dir, c.Pipelines.File)
	return c
}

func abs(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

func (e Execution) ReaperIntervalDuration() (time.Duration, error) {
	d, err := parseDuration("execution.reaper_interval", e.ReaperInterval, DefaultReaperInterval)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("execution.reaper_interval must be positive, got %s", d)
	}
	return d, nil
}

func (e Execution) TerminateTimeoutDuration() (time.Duration, error) {
	return parseDuration("execution.terminate_timeout", e.TerminateTimeout, DefaultTerminateTimeout)
}

func (e Execution) MaxSteps() int {
	if e.MaxConcurrentSteps <= 0 {
		return DefaultMaxSteps
	}
	return e.MaxConcurrentSteps
}

func parseDuration(key, s string, dflt time.Duration) (time.Duration, error) {
	if s == "" {
		return dflt, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return d, nil
}
