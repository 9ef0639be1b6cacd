package config

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const identity = "AGE-SECRET-KEY-1QQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQ"

func baseEnv() map[string]string {
	return map[string]string{
		"DB_DSN":           "postgres://metalhub@localhost/metalhub",
		"API_BASE_URL":     "https://hub.lab",
		"SECRETS_IDENTITY": identity,
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(context.Background(), envconfig.MapLookuper(baseEnv()))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, TasksNATS, cfg.TaskBackend)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATSURL)
	assert.Equal(t, "METALHUB_TASKS", cfg.TaskStream)
	assert.Equal(t, 5, cfg.TaskMaxDeliver)
	assert.Equal(t, 2*time.Minute, cfg.TaskAckWait)
	assert.Equal(t, 10*time.Minute, cfg.HealthCheckInterval)
	assert.Equal(t, time.Hour, cfg.ExpireSweepInterval)
	assert.Equal(t, 14*24*time.Hour, cfg.ReservationDuration)
	assert.Equal(t, 10, cfg.DefaultRootGB)
	assert.Equal(t, "sync_image.yml", cfg.SyncPlaybook)
	assert.Equal(t, "ansible-playbook", cfg.AnsiblePlaybookBin)
	assert.Equal(t, 30*time.Minute, cfg.BackendWaitTimeout)
	assert.Equal(t, 10*time.Second, cfg.BackendPollEvery)
	assert.Equal(t, LogsFS, cfg.LogsBackend)
	assert.Equal(t, "/var/lib/metalhub/logs", cfg.LogsDir)
	assert.Equal(t, "/var/lib/metalhub/secrets", cfg.SecretsDir)
	assert.Equal(t, "us-east-1", cfg.S3.Region)
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
}

func TestLoadS3Backend(t *testing.T) {
	env := baseEnv()
	env["LOGS_BACKEND"] = "s3"
	env["S3_ENDPOINT"] = "minio.lab:9000"
	env["S3_BUCKET"] = "installer-logs"
	env["S3_ACCESS_KEY"] = "ak"
	env["S3_SECRET_KEY"] = "sk"
	env["S3_FORCE_PATH_STYLE"] = "true"

	cfg, err := LoadFrom(context.Background(), envconfig.MapLookuper(env))
	require.NoError(t, err)
	assert.Equal(t, "installer-logs", cfg.S3.Bucket)
	assert.True(t, cfg.S3.ForcePathStyle)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		set  map[string]string
		drop string
		want string
	}{
		{name: "missing dsn", drop: "DB_DSN", want: "DB_DSN"},
		{name: "missing identity", drop: "SECRETS_IDENTITY", want: "SECRETS_IDENTITY"},
		{name: "relative api url", set: map[string]string{"API_BASE_URL": "/v1"}, want: "API_BASE_URL"},
		{name: "bad log level", set: map[string]string{"LOG_LEVEL": "loud"}, want: "LOG_LEVEL"},
		{name: "unknown task backend", set: map[string]string{"TASK_BACKEND": "redis"}, want: "TASK_BACKEND"},
		{name: "zero max deliver", set: map[string]string{"TASK_MAX_DELIVER": "0"}, want: "TASK_MAX_DELIVER"},
		{name: "zero sweep interval", set: map[string]string{"EXPIRE_SWEEP_INTERVAL": "0s"}, want: "EXPIRE_SWEEP_INTERVAL"},
		{name: "unknown logs backend", set: map[string]string{"LOGS_BACKEND": "nfs"}, want: "LOGS_BACKEND"},
		{name: "s3 without bucket", set: map[string]string{"LOGS_BACKEND": "s3", "S3_ENDPOINT": "minio"}, want: "S3_BUCKET"},
		{name: "not an age identity", set: map[string]string{"SECRETS_IDENTITY": "hunter2"}, want: "SECRETS_IDENTITY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := baseEnv()
			delete(env, tt.drop)
			for k, v := range tt.set {
				env[k] = v
			}
			_, err := LoadFrom(context.Background(), envconfig.MapLookuper(env))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
