package main

import (
	"fmt"
	"os"
	"time"

	"codebattle/internal/battle/auth"
	"codebattle/internal/battle/model"
	"codebattle/internal/battle/ratelimit"
	"codebattle/internal/battle/service"
	"codebattle/internal/common/cache"
	"codebattle/internal/common/db"
	"codebattle/internal/common/mq"
	"codebattle/internal/common/storage"
	"codebattle/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultRatingDelta     = 24
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// TopicConfig names the Kafka topics the service talks on.
type TopicConfig struct {
	JudgeTask   string `yaml:"judgeTask"`
	JudgeResult string `yaml:"judgeResult"`
	Settlement  string `yaml:"settlement"`
}

// ConsumerConfig holds judge result consumer settings.
type ConsumerConfig struct {
	ConsumerGroup   string        `yaml:"consumerGroup"`
	Concurrency     int           `yaml:"concurrency"`
	PrefetchCount   int           `yaml:"prefetchCount"`
	MaxRetries      int           `yaml:"maxRetries"`
	RetryDelay      time.Duration `yaml:"retryDelay"`
	DeadLetterTopic string        `yaml:"deadLetterTopic"`
	MaxInFlight     int           `yaml:"maxInFlight"`
}

func (c ConsumerConfig) toSubscribeOptions() mq.SubscribeOptions {
	opts := mq.SubscribeOptions{
		ConsumerGroup:   c.ConsumerGroup,
		Concurrency:     c.Concurrency,
		PrefetchCount:   c.PrefetchCount,
		MaxRetries:      c.MaxRetries,
		RetryDelay:      c.RetryDelay,
		DeadLetterTopic: c.DeadLetterTopic,
	}
	if c.MaxInFlight > 0 {
		opts.Limiter = mq.NewTokenLimiter(c.MaxInFlight)
	}
	opts.SetDefaults()
	return opts
}

// TimeoutConfig holds timeouts for external calls.
type TimeoutConfig struct {
	Dispatch time.Duration `yaml:"dispatch"`
	Record   time.Duration `yaml:"record"`
	Cache    time.Duration `yaml:"cache"`
}

// RateLimitConfig holds Redis fixed-window limits.
type RateLimitConfig struct {
	Window    time.Duration      `yaml:"window"`
	Public    ratelimit.Policy   `yaml:"public"`
	Socket    ratelimit.Policy   `yaml:"socket"`
	Execution service.RateConfig `yaml:"execution"`
}

// BattleConfig holds match coordination settings.
type BattleConfig struct {
	Modes              []model.Mode   `yaml:"modes"`
	RatingDelta        int            `yaml:"ratingDelta"`
	GraceWindow        time.Duration  `yaml:"graceWindow"`
	PresenceTTL        time.Duration  `yaml:"presenceTTL"`
	MatchmakingTimeout time.Duration  `yaml:"matchmakingTimeout"`
	PairRetryDelay     time.Duration  `yaml:"pairRetryDelay"`
	BufferSize         int            `yaml:"bufferSize"`
	StartTimeout       time.Duration  `yaml:"startTimeout"`
	LoadTimeout        time.Duration  `yaml:"loadTimeout"`
	Retention          time.Duration  `yaml:"retention"`
	MaxRooms           int            `yaml:"maxRooms"`
	TicketTimeout      time.Duration  `yaml:"ticketTimeout"`
	TicketShards       int            `yaml:"ticketShards"`
	TicketSpentTTL     time.Duration  `yaml:"ticketSpentTTL"`
	MaxCodeBytes       int            `yaml:"maxCodeBytes"`
	ProblemPoolTTL     time.Duration  `yaml:"problemPoolTTL"`
	ProblemPoolEmpty   time.Duration  `yaml:"problemPoolEmptyTTL"`
	ArchivePrefix      string         `yaml:"archivePrefix"`
	JudgeToken         string         `yaml:"judgeToken"`
	JudgeResult        ConsumerConfig `yaml:"judgeResult"`
	Timeouts           TimeoutConfig  `yaml:"timeouts"`
}

// AppConfig holds battle-service configuration.
type AppConfig struct {
	Server    ServerConfig        `yaml:"server"`
	Logger    logger.Config       `yaml:"logger"`
	Database  db.MySQLConfig      `yaml:"database"`
	Redis     cache.RedisConfig   `yaml:"redis"`
	Kafka     mq.KafkaConfig      `yaml:"kafka"`
	Topics    TopicConfig         `yaml:"topics"`
	MinIO     storage.MinIOConfig `yaml:"minio"`
	Auth      auth.Config         `yaml:"auth"`
	RateLimit RateLimitConfig     `yaml:"rateLimit"`
	Battle    BattleConfig        `yaml:"battle"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}

	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth jwtSecret is required")
	}

	if cfg.Topics.JudgeTask == "" {
		cfg.Topics.JudgeTask = "battle.judge.task"
	}
	if cfg.Topics.JudgeResult == "" {
		cfg.Topics.JudgeResult = "battle.judge.result"
	}
	if cfg.Battle.JudgeResult.ConsumerGroup == "" {
		cfg.Battle.JudgeResult.ConsumerGroup = "battle-service"
	}

	if len(cfg.Battle.Modes) == 0 {
		cfg.Battle.Modes = []model.Mode{{
			Name:          "STANDARD",
			ProblemCount:  3,
			Duration:      30 * time.Minute,
			MinDifficulty: 1,
			MaxDifficulty: 3,
		}}
	}
	if cfg.Battle.RatingDelta == 0 {
		cfg.Battle.RatingDelta = defaultRatingDelta
	}
	if cfg.Battle.MaxCodeBytes == 0 {
		cfg.Battle.MaxCodeBytes = 64 * 1024
	}
	if cfg.Battle.ProblemPoolTTL == 0 {
		cfg.Battle.ProblemPoolTTL = 10 * time.Minute
	}
	if cfg.Battle.ProblemPoolEmpty == 0 {
		cfg.Battle.ProblemPoolEmpty = time.Minute
	}
	if cfg.Battle.Timeouts.Dispatch == 0 {
		cfg.Battle.Timeouts.Dispatch = 3 * time.Second
	}
	if cfg.Battle.Timeouts.Record == 0 {
		cfg.Battle.Timeouts.Record = 10 * time.Second
	}
	if cfg.Battle.Timeouts.Cache == 0 {
		cfg.Battle.Timeouts.Cache = time.Second
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = time.Minute
	}
	return &cfg, nil
}
