package schema

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hatlonely/sqlgate/log"
	"github.com/hatlonely/sqlgate/log/logger"
	"github.com/vmihailenco/msgpack/v5"
)

// Backend 缓存的第二层，保存序列化后的表结构，可以在进程间共享
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Close() error
}

type snapshot map[string]*TableSchema

// Cache 表结构缓存
// 读取走不可变快照，写入时复制一份新快照再原子替换，读者不会看到写了一半的状态
type Cache struct {
	current atomic.Pointer[snapshot]
	mu      sync.Mutex
	backend Backend
	logger  logger.Logger
}

// NewCache backend 可以为 nil
func NewCache(backend Backend, l logger.Logger) *Cache {
	if l == nil {
		l = log.Default()
	}
	c := &Cache{backend: backend, logger: l}
	empty := snapshot{}
	c.current.Store(&empty)
	return c
}

func (c *Cache) Get(ctx context.Context, table string) (*TableSchema, bool) {
	if s, ok := (*c.current.Load())[table]; ok {
		return s, true
	}
	if c.backend == nil {
		return nil, false
	}

	data, ok, err := c.backend.Get(ctx, table)
	if err != nil {
		c.logger.WarnContext(ctx, "read schema backend failed", "table", table, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var s TableSchema
	if err := msgpack.Unmarshal(data, &s); err != nil {
		c.logger.WarnContext(ctx, "decode cached schema failed", "table", table, "error", err)
		return nil, false
	}
	c.swap(func(next snapshot) { next[table] = &s })
	return &s, true
}

func (c *Cache) Put(ctx context.Context, s *TableSchema) {
	c.swap(func(next snapshot) { next[s.Name] = s })
	if c.backend == nil {
		return
	}
	data, err := msgpack.Marshal(s)
	if err != nil {
		c.logger.WarnContext(ctx, "encode schema failed", "table", s.Name, "error", err)
		return
	}
	if err := c.backend.Set(ctx, s.Name, data); err != nil {
		c.logger.WarnContext(ctx, "write schema backend failed", "table", s.Name, "error", err)
	}
}

// Invalidate 删除单个表的缓存
func (c *Cache) Invalidate(ctx context.Context, table string) {
	c.swap(func(next snapshot) { delete(next, table) })
	if c.backend != nil {
		if err := c.backend.Delete(ctx, table); err != nil {
			c.logger.WarnContext(ctx, "delete schema backend failed", "table", table, "error", err)
		}
	}
}

func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	empty := snapshot{}
	c.current.Store(&empty)
	c.mu.Unlock()

	if c.backend != nil {
		if err := c.backend.Clear(ctx); err != nil {
			c.logger.WarnContext(ctx, "clear schema backend failed", "error", err)
		}
	}
}

// Len 进程内快照中的表数量
func (c *Cache) Len() int {
	return len(*c.current.Load())
}

func (c *Cache) Close() error {
	if c.backend == nil {
		return nil
	}
	return c.backend.Close()
}

func (c *Cache) swap(fn func(next snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := *c.current.Load()
	next := make(snapshot, len(prev)+1)
	for k, v := range prev {
		next[k] = v
	}
	fn(next)
	c.current.Store(&next)
}
