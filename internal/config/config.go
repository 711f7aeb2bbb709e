package config

import (
	"time"

	"github.com/joho/godotenv"
)

// Config holds runtime configuration for the deployment engine process.
type Config struct {
	Environment   string
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	BackendURL    string

	BuildRoot    string
	DeployRoot   string
	DockerHost   string
	DockerEnable bool

	GitTimeout         time.Duration
	BuildTimeout       time.Duration
	DockerBuildTimeout time.Duration

	PortRangeStart        int
	PortRangeEnd          int
	ContainerStartRetries int

	HealthCheckAttemptTimeout time.Duration
	HealthCheckInterval       time.Duration
	HealthCheckAttempts       int

	LogTailInterval time.Duration
	LogTailLines    int

	StreamBuffer int

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// Load constructs a Config from environment variables. A .env file in the
// working directory is applied first when present.
func Load() Config {
	_ = godotenv.Load()
	return Config{
		Environment:   envString("APP_ENV", "development"),
		Addr:          envString("API_ADDR", ":8000"),
		DatabaseURL:   envString("DATABASE_URL", "postgres://autostack:autostack@db:5432/autostack?sslmode=disable"),
		MigrationsDir: envString("DB_MIGRATIONS_DIR", "./db/migrations"),
		BackendURL:    envString("BACKEND_URL", "http://localhost:8000"),

		BuildRoot:    envString("AUTOSTACK_BUILD_DIR", ".autostack_builds"),
		DeployRoot:   envString("AUTOSTACK_DEPLOY_DIR", "./deployments"),
		DockerHost:   envString("DOCKER_HOST", ""),
		DockerEnable: envBool("DOCKER_ENABLE", true),

		GitTimeout:         envSeconds("GIT_TIMEOUT_SECONDS", 60),
		BuildTimeout:       envSeconds("BUILD_TIMEOUT_SECONDS", 1200),
		DockerBuildTimeout: envSeconds("DOCKER_BUILD_TIMEOUT_SECONDS", 3600),

		PortRangeStart:        envInt("RUNTIME_PORT_RANGE_START", 30000),
		PortRangeEnd:          envInt("RUNTIME_PORT_RANGE_END", 39999),
		ContainerStartRetries: envInt("CONTAINER_START_RETRIES", 3),

		HealthCheckAttemptTimeout: envSeconds("HEALTH_CHECK_TIMEOUT_SECONDS", 10),
		HealthCheckInterval:       envSeconds("HEALTH_CHECK_INTERVAL_SECONDS", 2),
		HealthCheckAttempts:       envInt("HEALTH_CHECK_ATTEMPTS", 5),

		LogTailInterval: envSeconds("LOG_TAIL_INTERVAL_SECONDS", 10),
		LogTailLines:    envInt("LOG_TAIL_LINES", 200),

		StreamBuffer: envInt("WS_STREAM_BUFFER", 100),

		RateLimitRedisAddr: envString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: envString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   envInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
