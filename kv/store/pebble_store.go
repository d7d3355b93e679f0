package store

import (
	"context"

	"github.com/cockroachdb/fifo"
	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

type PebbleStoreOptions struct {
	// 数据库目录，不存在时自动创建
	DBPath string `cfg:"dbPath"`
	Prefix string `cfg:"prefix" def:"schema:"`

	// 写入时不等待落盘
	SetWithoutSync bool `cfg:"setWithoutSync"`
	// 块缓存大小，为零时使用 pebble 默认的 8MB
	CacheSize int64 `cfg:"cacheSize"`
	// 限制并行从文件系统加载的块数，为零时不限制
	LoadBlockConcurrency int64 `cfg:"loadBlockConcurrency"`
	MaxOpenFiles         int   `cfg:"maxOpenFiles"`
	DisableWAL           bool  `cfg:"disableWAL"`
}

type PebbleStore struct {
	db           *pebble.DB
	prefix       string
	writeOptions *pebble.WriteOptions
}

func NewPebbleStoreWithOptions(options *PebbleStoreOptions) (*PebbleStore, error) {
	if options == nil {
		return nil, errors.New("options is nil")
	}
	if options.DBPath == "" {
		return nil, errors.New("dbPath is required")
	}

	pebbleOptions := &pebble.Options{
		MaxOpenFiles: options.MaxOpenFiles,
		DisableWAL:   options.DisableWAL,
	}
	if options.CacheSize > 0 {
		cache := pebble.NewCache(options.CacheSize)
		defer cache.Unref()
		pebbleOptions.Cache = cache
	}
	if options.LoadBlockConcurrency > 0 {
		pebbleOptions.LoadBlockSema = fifo.NewSemaphore(options.LoadBlockConcurrency)
	}

	db, err := pebble.Open(options.DBPath, pebbleOptions)
	if err != nil {
		return nil, errors.Wrap(err, "pebble.Open failed")
	}

	writeOptions := pebble.Sync
	if options.SetWithoutSync {
		writeOptions = pebble.NoSync
	}

	return &PebbleStore{
		db:           db,
		prefix:       options.Prefix,
		writeOptions: writeOptions,
	}, nil
}

func (s *PebbleStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, closer, err := s.db.Get([]byte(s.prefix + key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "pebble.Get failed. key: %s", key)
	}
	// 返回的切片在 closer 关闭后失效
	value := make([]byte, len(data))
	copy(value, data)
	if err := closer.Close(); err != nil {
		return nil, false, errors.Wrap(err, "pebble closer.Close failed")
	}
	return value, true, nil
}

func (s *PebbleStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.db.Set([]byte(s.prefix+key), value, s.writeOptions); err != nil {
		return errors.Wrapf(err, "pebble.Set failed. key: %s", key)
	}
	return nil
}

func (s *PebbleStore) Delete(ctx context.Context, key string) error {
	if err := s.db.Delete([]byte(s.prefix+key), s.writeOptions); err != nil {
		return errors.Wrapf(err, "pebble.Delete failed. key: %s", key)
	}
	return nil
}

// Clear 删除前缀覆盖的整个键区间
func (s *PebbleStore) Clear(ctx context.Context) error {
	start := []byte(s.prefix)
	end := prefixEnd(start)
	if end == nil {
		end = []byte{0xff, 0xff, 0xff, 0xff}
	}
	if err := s.db.DeleteRange(start, end, s.writeOptions); err != nil {
		return errors.Wrap(err, "pebble.DeleteRange failed")
	}
	return nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
