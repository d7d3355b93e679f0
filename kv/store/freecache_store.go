package store

import (
	"context"
	"time"

	"github.com/coocood/freecache"
	"github.com/pkg/errors"
)

type FreeCacheStoreOptions struct {
	// 缓存大小，单位字节，freecache 最小 512KB
	Size       int           `cfg:"size" def:"33554432"`
	DefaultTTL time.Duration `cfg:"defaultTTL"`
}

// FreeCacheStore 进程内存储，数据存放在 freecache 的分段环形缓冲中，不增加 GC 压力
type FreeCacheStore struct {
	cache      *freecache.Cache
	defaultTTL time.Duration
}

func NewFreeCacheStoreWithOptions(options *FreeCacheStoreOptions) (*FreeCacheStore, error) {
	if options == nil {
		return nil, errors.New("options is nil")
	}
	return &FreeCacheStore{
		cache:      freecache.NewCache(options.Size),
		defaultTTL: options.DefaultTTL,
	}, nil
}

func (s *FreeCacheStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.cache.Get([]byte(key))
	if errors.Is(err, freecache.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "freecache.Get failed")
	}
	return value, true, nil
}

func (s *FreeCacheStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.cache.Set([]byte(key), value, expireSeconds(s.defaultTTL)); err != nil {
		return errors.Wrapf(err, "freecache.Set failed. key: %s", key)
	}
	return nil
}

func (s *FreeCacheStore) Delete(ctx context.Context, key string) error {
	s.cache.Del([]byte(key))
	return nil
}

func (s *FreeCacheStore) Clear(ctx context.Context) error {
	s.cache.Clear()
	return nil
}

func (s *FreeCacheStore) Close() error {
	s.cache.Clear()
	return nil
}
