package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Store 字节键值存储，作为表结构缓存的第二层
type Store interface {
	// Get 键不存在时返回 false，不视为错误
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	// Delete 键不存在时也返回成功
	Delete(ctx context.Context, key string) error
	// Clear 删除本存储写入的所有键
	Clear(ctx context.Context) error
	Close() error
}

type Options struct {
	Type string `cfg:"type" validate:"omitempty,oneof=freecache redis boltdb leveldb pebble tiered"`

	FreeCache FreeCacheStoreOptions `cfg:"freecache"`
	Redis     RedisStoreOptions     `cfg:"redis"`
	BoltDB    BoltDBStoreOptions    `cfg:"boltdb"`
	LevelDB   LevelDBStoreOptions   `cfg:"leveldb"`
	Pebble    PebbleStoreOptions    `cfg:"pebble"`
	Tiered    TieredStoreOptions    `cfg:"tiered"`
}

func NewStoreWithOptions(options *Options) (Store, error) {
	if options == nil {
		return nil, errors.New("options is nil")
	}

	switch options.Type {
	case "freecache":
		return NewFreeCacheStoreWithOptions(&options.FreeCache)
	case "redis":
		return NewRedisStoreWithOptions(&options.Redis)
	case "boltdb":
		return NewBoltDBStoreWithOptions(&options.BoltDB)
	case "leveldb":
		return NewLevelDBStoreWithOptions(&options.LevelDB)
	case "pebble":
		return NewPebbleStoreWithOptions(&options.Pebble)
	case "tiered":
		return NewTieredStoreWithOptions(&options.Tiered)
	}
	return nil, errors.Errorf("unsupported store type [%s]", options.Type)
}

// expireSeconds 把 TTL 换算为秒，不足一秒按一秒计
func expireSeconds(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	if ttl < time.Second {
		return 1
	}
	return int(ttl / time.Second)
}

// prefixEnd 返回大于所有以 prefix 开头的键的最小键
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
