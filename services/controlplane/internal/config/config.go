package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"
)

// Log storage backends.
const (
	LogsFS = "fs"
	LogsS3 = "s3"
)

// Task backends. Inline runs tasks in the scheduling process and is meant
// for single-process development installs.
const (
	TasksNATS   = "nats"
	TasksInline = "inline"
)

// Config holds runtime configuration for every metalhub subcommand.
type Config struct {
	Addr         string `env:"ADDR,default=:8080"`
	DBDSN        string `env:"DB_DSN,required"`
	APIBaseURL   string `env:"API_BASE_URL,required"`
	LogLevel     string `env:"LOG_LEVEL,default=info"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	TaskBackend    string        `env:"TASK_BACKEND,default=nats"`
	NATSURL        string        `env:"NATS_URL,default=nats://127.0.0.1:4222"`
	TaskStream     string        `env:"TASK_STREAM,default=METALHUB_TASKS"`
	TaskMaxDeliver int           `env:"TASK_MAX_DELIVER,default=5"`
	TaskAckWait    time.Duration `env:"TASK_ACK_WAIT,default=2m"`
	TaskNakDelay   time.Duration `env:"TASK_NAK_DELAY,default=30s"`

	HealthCheckInterval time.Duration `env:"HEALTH_CHECK_INTERVAL,default=10m"`
	ExpireSweepInterval time.Duration `env:"EXPIRE_SWEEP_INTERVAL,default=1h"`
	ReservationDuration time.Duration `env:"RESERVATION_DURATION,default=336h"`
	DefaultRootGB       int           `env:"DEFAULT_ROOT_GB,default=10"`

	SyncPlaybook       string        `env:"SYNC_PLAYBOOK,default=sync_image.yml"`
	AnsiblePlaybookBin string        `env:"ANSIBLE_PLAYBOOK_BIN,default=ansible-playbook"`
	AnsibleWorkDir     string        `env:"ANSIBLE_WORKDIR"`
	KickstartDir       string        `env:"KICKSTART_DIR"`
	BackendTimeout     time.Duration `env:"BACKEND_TIMEOUT,default=30s"`
	BackendWaitTimeout time.Duration `env:"BACKEND_WAIT_TIMEOUT,default=30m"`
	BackendPollEvery   time.Duration `env:"BACKEND_POLL_INTERVAL,default=10s"`
	SSHProbeTimeout    time.Duration `env:"SSH_PROBE_TIMEOUT,default=10s"`

	LogsBackend string   `env:"LOGS_BACKEND,default=fs"`
	LogsDir     string   `env:"LOGS_DIR,default=/var/lib/metalhub/logs"`
	S3          S3Config `env:", prefix=S3_"`

	SecretsDir      string `env:"SECRETS_DIR,default=/var/lib/metalhub/secrets"`
	SecretsIdentity string `env:"SECRETS_IDENTITY,required"`
}

// S3Config configures the S3 log backend.
type S3Config struct {
	Endpoint       string `env:"ENDPOINT"`
	AccessKey      string `env:"ACCESS_KEY"`
	SecretKey      string `env:"SECRET_KEY"`
	Region         string `env:"REGION,default=us-east-1"`
	Bucket         string `env:"BUCKET"`
	Prefix         string `env:"PREFIX"`
	ForcePathStyle bool   `env:"FORCE_PATH_STYLE,default=false"`
	DisableTLS     bool   `env:"DISABLE_TLS,default=false"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom reads configuration through l and validates it.
func LoadFrom(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks values envconfig cannot.
func (c Config) Validate() error {
	var problems []string
	if u, err := url.Parse(c.APIBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, "API_BASE_URL must be an absolute URL")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, fmt.Sprintf("LOG_LEVEL %q is not a log level", c.LogLevel))
	}
	if c.TaskBackend != TasksNATS && c.TaskBackend != TasksInline {
		problems = append(problems, fmt.Sprintf("TASK_BACKEND %q must be nats or inline", c.TaskBackend))
	}
	if c.TaskMaxDeliver <= 0 {
		problems = append(problems, "TASK_MAX_DELIVER must be positive")
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"TASK_ACK_WAIT", c.TaskAckWait},
		{"HEALTH_CHECK_INTERVAL", c.HealthCheckInterval},
		{"EXPIRE_SWEEP_INTERVAL", c.ExpireSweepInterval},
		{"RESERVATION_DURATION", c.ReservationDuration},
		{"BACKEND_WAIT_TIMEOUT", c.BackendWaitTimeout},
		{"BACKEND_POLL_INTERVAL", c.BackendPollEvery},
	} {
		if d.val <= 0 {
			problems = append(problems, d.key+" must be positive")
		}
	}
	if c.DefaultRootGB <= 0 {
		problems = append(problems, "DEFAULT_ROOT_GB must be positive")
	}
	switch c.LogsBackend {
	case LogsFS:
		if strings.TrimSpace(c.LogsDir) == "" {
			problems = append(problems, "LOGS_DIR is required for the fs log backend")
		}
	case LogsS3:
		if c.S3.Endpoint == "" || c.S3.Bucket == "" || c.S3.AccessKey == "" || c.S3.SecretKey == "" {
			problems = append(problems, "S3_ENDPOINT, S3_BUCKET, S3_ACCESS_KEY and S3_SECRET_KEY are required for the s3 log backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("LOGS_BACKEND %q must be fs or s3", c.LogsBackend))
	}
	if !strings.HasPrefix(c.SecretsIdentity, "AGE-SECRET-KEY-1") {
		problems = append(problems, "SECRETS_IDENTITY must be an age X25519 identity")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// Level is the parsed LOG_LEVEL.
func (c Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
