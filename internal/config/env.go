package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"HTTP_PORT" default:"3100"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`
	APIKey   string `envconfig:"API_KEY" required:"true"`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".deepwork/data"`
	// Watch invalidates cached records when files under BaseDir are edited
	// by hand. Local storage only.
	Watch bool `envconfig:"STORAGE_WATCH" default:"true"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"deepwork/"`
	S3Region string `envconfig:"S3_REGION" default:"ap-northeast-1"`
	// SQLite settings (used when Type == "sqlite")
	SQLitePath string `envconfig:"SQLITE_PATH" default:".deepwork/deepwork.db"`
	CacheSize  int    `envconfig:"CACHE_SIZE" default:"1024"`
}

type SchedulerEnv struct {
	MaxConcurrentTasks int           `envconfig:"MAX_CONCURRENT_TASKS" default:"4"`
	ExecutorTimeout    time.Duration `envconfig:"EXECUTOR_TIMEOUT" default:"30m"`
	SubscriberBuffer   int           `envconfig:"SUBSCRIBER_BUFFER" default:"256"`
	OutputHistory      int           `envconfig:"OUTPUT_HISTORY" default:"200"`
}

type ExecutorEnv struct {
	// Backend is the default executor for agents that do not name one:
	// "claude" runs the Claude agent CLI, "anthropic" calls the Messages API,
	// "remote" hands the run to a connected agent manager.
	Backend  string `envconfig:"EXECUTOR_BACKEND" default:"claude"`
	WorkDir  string `envconfig:"WORK_DIR" default:"."`
	MaxTurns int    `envconfig:"MAX_TURNS" default:"0"`
	// AgentManagerStaleAfter stops dispatching to a manager whose last
	// heartbeat is older than this.
	AgentManagerStaleAfter time.Duration `envconfig:"AGENT_MANAGER_STALE_AFTER" default:"90s"`
}

type PlannerEnv struct {
	AnthropicAPIKey string `envconfig:"ANTHROPIC_API_KEY"`
	Model           string `envconfig:"PLANNER_MODEL" default:"claude-sonnet-4-20250514"`
	MaxTokens       int    `envconfig:"PLANNER_MAX_TOKENS" default:"8192"`
}

type VAPIDEnv struct {
	VAPIDPublicKey  string `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `envconfig:"VAPID_PRIVATE_KEY"`
	VAPIDContact    string `envconfig:"VAPID_CONTACT" default:"mailto:admin@example.com"`
}

type Env struct {
	BaseEnv
	StorageEnv
	SchedulerEnv
	ExecutorEnv
	PlannerEnv
	VAPIDEnv
}

const namespace = "DEEPWORK"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelDebug
	}
	return level
}

func BaseEnvFromEnv(env *Env) *BaseEnv {
	return &env.BaseEnv
}

func StorageEnvFromEnv(env *Env) *StorageEnv {
	return &env.StorageEnv
}

func VAPIDEnvFromEnv(env *Env) *VAPIDEnv {
	return &env.VAPIDEnv
}
