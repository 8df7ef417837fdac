// Package config loads the YAML-backed option set for a Client/ClientPool.
//
// Grounded on the teacher's internal/config/agent.go: YAML unmarshal followed
// by a validate()-with-defaults pass, generalized from the backup agent's
// schedule/TLS/storage fields to the memcached client's server list and
// protocol tunables (spec.md §6).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nishisan-dev/go-mcketama/internal/hashkit"
)

// ServerEntry names one memcached server in the fleet.
type ServerEntry struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"` // 0 for UNIX-domain, Host holding the socket path
	Alias string `yaml:"alias"`
}

// LoggingOptions controls the shared slog logger.
type LoggingOptions struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// PoolOptions configures the external ClientPool collaborator (SPEC_FULL.md
// §3) layered on top of the single-threaded core.
type PoolOptions struct {
	Size              int           `yaml:"size"`
	HealthCheckCron   string        `yaml:"health_check_cron"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	AcquireTimeout    time.Duration `yaml:"acquire_timeout"`
}

// ClientOptions is the full set of options recognized per spec.md §6, plus
// the server fleet and the ambient logging/pool sections.
type ClientOptions struct {
	Servers []ServerEntry `yaml:"servers"`

	PollTimeoutMS    int    `yaml:"poll_timeout_ms"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms"`
	RetryTimeoutS    int    `yaml:"retry_timeout_s"`
	MaxRetries       int    `yaml:"max_retries"`
	HashFunction     string `yaml:"hash_function"`
	EnableFailover   bool   `yaml:"enable_failover"`
	EnableFlushAll   bool   `yaml:"enable_flush_all"`

	Logging LoggingOptions `yaml:"logging"`
	Pool    PoolOptions    `yaml:"pool"`
}

// Load reads and validates a YAML options file at path.
func Load(path string) (*ClientOptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client options: %w", err)
	}
	var opts ClientOptions
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return nil, fmt.Errorf("parsing client options: %w", err)
	}
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("validating client options: %w", err)
	}
	return &opts, nil
}

func (o *ClientOptions) validate() error {
	if len(o.Servers) == 0 {
		return fmt.Errorf("servers must have at least one entry")
	}
	for i, s := range o.Servers {
		if s.Host == "" {
			return fmt.Errorf("servers[%d].host is required", i)
		}
	}

	if o.PollTimeoutMS <= 0 {
		o.PollTimeoutMS = 300
	}
	if o.ConnectTimeoutMS <= 0 {
		o.ConnectTimeoutMS = 10
	}
	if o.RetryTimeoutS <= 0 {
		o.RetryTimeoutS = 5
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.HashFunction == "" {
		o.HashFunction = "MD5"
	}
	if _, err := o.ResolveHashFunction(); err != nil {
		return err
	}

	if o.Logging.Level == "" {
		o.Logging.Level = "info"
	}
	if o.Logging.Format == "" {
		o.Logging.Format = "json"
	}

	if o.Pool.Size <= 0 {
		o.Pool.Size = 1
	}
	if o.Pool.HealthCheckCron == "" {
		o.Pool.HealthCheckCron = "@every 1m"
	}
	if o.Pool.IdleTimeout <= 0 {
		o.Pool.IdleTimeout = 5 * time.Minute
	}
	if o.Pool.AcquireTimeout <= 0 {
		o.Pool.AcquireTimeout = 30 * time.Second
	}

	return nil
}

// ResolveHashFunction maps the configured name to a hashkit.Function.
func (o *ClientOptions) ResolveHashFunction() (hashkit.Function, error) {
	switch o.HashFunction {
	case "MD5":
		return hashkit.FunctionMD5, nil
	case "FNV1_32":
		return hashkit.FunctionFNV1_32, nil
	case "FNV1A_32":
		return hashkit.FunctionFNV1A_32, nil
	case "CRC_32":
		return hashkit.FunctionCRC32, nil
	default:
		return 0, fmt.Errorf("unrecognized hash_function %q", o.HashFunction)
	}
}

func (o *ClientOptions) ConnectTimeout() time.Duration {
	return time.Duration(o.ConnectTimeoutMS) * time.Millisecond
}

func (o *ClientOptions) PollTimeout() time.Duration {
	return time.Duration(o.PollTimeoutMS) * time.Millisecond
}

func (o *ClientOptions) RetryTimeout() time.Duration {
	return time.Duration(o.RetryTimeoutS) * time.Second
}
