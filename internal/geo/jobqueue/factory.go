package jobqueue

import (
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/geo/internal/geo/config"
)

// Supported queue types.
const (
	TypeMemory = "memory"
	TypeRedis  = "redis"
	TypeNATS   = "nats"
	TypeKafka  = "kafka"
)

// New returns the Queue configured by cfg. The redis client is required by the redis type only.
func New(log logrus.FieldLogger, cfg config.Queue, client redis.UniversalClient) (Queue, error) {
	timeout := cfg.HandlerTimeout.Duration()

	switch queueType := strings.ToLower(cfg.Type); queueType {
	case "", TypeMemory:
		return NewMemoryQueue(log, timeout), nil
	case TypeRedis:
		if client == nil {
			return nil, fmt.Errorf("redis queue requires a redis client")
		}
		return NewRedisQueue(log, client, RedisConfig{
			Stream:         cfg.RedisStream,
			Group:          cfg.RedisGroup,
			HandlerTimeout: timeout,
		}), nil
	case TypeNATS:
		return NewNATSQueue(log, cfg.URL, NATSConfig{
			SubjectPrefix:  cfg.SubjectPrefix,
			HandlerTimeout: timeout,
		})
	case TypeKafka:
		return NewKafkaQueue(log, KafkaConfig{
			Brokers:        cfg.KafkaBrokers,
			GroupID:        cfg.KafkaGroupID,
			TopicPrefix:    cfg.SubjectPrefix,
			HandlerTimeout: timeout,
		})
	default:
		return nil, fmt.Errorf("unsupported queue type: %s (supported: memory, redis, nats, kafka)", queueType)
	}
}
