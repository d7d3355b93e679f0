package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type RedisStoreOptions struct {
	// host:port 地址
	Endpoint string `cfg:"endpoint"`
	// 集群节点地址列表，与 Endpoint 二选一
	Endpoints []string `cfg:"endpoints"`

	Username string `cfg:"username"`
	Password string `cfg:"password"`
	DB       int    `cfg:"db" def:"0"`

	// 所有键都加上这个前缀，Clear 只删除带前缀的键
	Prefix     string        `cfg:"prefix" def:"sqlgate:schema:"`
	DefaultTTL time.Duration `cfg:"defaultTTL"`

	MaxRetries   int           `cfg:"maxRetries" def:"3"`
	DialTimeout  time.Duration `cfg:"dialTimeout" def:"5s"`
	ReadTimeout  time.Duration `cfg:"readTimeout" def:"3s"`
	WriteTimeout time.Duration `cfg:"writeTimeout" def:"3s"`
	PoolSize     int           `cfg:"poolSize" def:"10"`
	MinIdleConns int           `cfg:"minIdleConns" def:"0"`
	// 集群模式下 MOVED/ASK 重定向的最大次数
	MaxRedirects int `cfg:"maxRedirects" def:"3"`
}

type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	defaultTTL time.Duration
}

func NewRedisStoreWithOptions(options *RedisStoreOptions) (*RedisStore, error) {
	if options == nil {
		return nil, errors.New("options is nil")
	}

	var client redis.UniversalClient
	if options.Endpoint != "" {
		client = redis.NewClient(&redis.Options{
			Addr:         options.Endpoint,
			Username:     options.Username,
			Password:     options.Password,
			DB:           options.DB,
			MaxRetries:   options.MaxRetries,
			DialTimeout:  options.DialTimeout,
			ReadTimeout:  options.ReadTimeout,
			WriteTimeout: options.WriteTimeout,
			PoolSize:     options.PoolSize,
			MinIdleConns: options.MinIdleConns,
		})
	} else if len(options.Endpoints) > 0 {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        options.Endpoints,
			Username:     options.Username,
			Password:     options.Password,
			MaxRetries:   options.MaxRetries,
			DialTimeout:  options.DialTimeout,
			ReadTimeout:  options.ReadTimeout,
			WriteTimeout: options.WriteTimeout,
			PoolSize:     options.PoolSize,
			MinIdleConns: options.MinIdleConns,
			MaxRedirects: options.MaxRedirects,
		})
	} else {
		return nil, errors.New("Endpoint or Endpoints must be set")
	}

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, errors.WithMessage(err, "redis.client.Ping failed")
	}

	return &RedisStore{
		client:     client,
		prefix:     options.Prefix,
		defaultTTL: options.DefaultTTL,
	}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "redis.Get failed. key: %s", key)
	}
	return value, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.prefix+key, value, s.defaultTTL).Err(); err != nil {
		return errors.Wrapf(err, "redis.Set failed. key: %s", key)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return errors.Wrapf(err, "redis.Del failed. key: %s", key)
	}
	return nil
}

// Clear 用 SCAN 遍历前缀下的键分批删除，不阻塞服务端
func (s *RedisStore) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return errors.Wrap(err, "redis.Scan failed")
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return errors.Wrap(err, "redis.Del failed")
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
