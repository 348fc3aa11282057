package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV,notEmpty"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	WorkerConcurrency int    `env:"WORKER_CONCURRENCY" envDefault:"4"`
	WorkerDomain      string `env:"WORKER_DOMAIN" envDefault:"billing"`

	// LockTTLSec must stay above JobHardTimeoutSec so a killed worker cannot
	// leave a phantom lock past a bounded window.
	LockTTLSec        int `env:"LOCK_TTL_SEC" envDefault:"300"`
	JobSoftTimeoutSec int `env:"JOB_SOFT_TIMEOUT_SEC" envDefault:"90"`
	JobHardTimeoutSec int `env:"JOB_HARD_TIMEOUT_SEC" envDefault:"120"`

	GatewayTimeoutSec int `env:"GATEWAY_TIMEOUT_SEC" envDefault:"30"`

	RetryBaseDelaySec int `env:"RETRY_BASE_DELAY_SEC" envDefault:"30"`
	RetryMaxAttempts  int `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`

	SchedulerTickMS int `env:"SCHEDULER_TICK_MS" envDefault:"1000"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}

func (c Config) LockTTL() time.Duration        { return time.Duration(c.LockTTLSec) * time.Second }
func (c Config) JobSoftTimeout() time.Duration { return time.Duration(c.JobSoftTimeoutSec) * time.Second }
func (c Config) JobHardTimeout() time.Duration { return time.Duration(c.JobHardTimeoutSec) * time.Second }
func (c Config) GatewayTimeout() time.Duration { return time.Duration(c.GatewayTimeoutSec) * time.Second }
func (c Config) RetryBaseDelay() time.Duration { return time.Duration(c.RetryBaseDelaySec) * time.Second }
func (c Config) SchedulerTick() time.Duration  { return time.Duration(c.SchedulerTickMS) * time.Millisecond }
