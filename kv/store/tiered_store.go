package store

import (
	"context"

	"github.com/pkg/errors"
)

type TieredStoreOptions struct {
	// 按优先级从高到低排列，第一层应该是最快的缓存
	Tiers []*Options `cfg:"tiers" validate:"dive,required"`

	// 从下层读到数据时是否回填到上层
	Promote bool `cfg:"promote" def:"true"`
}

// TieredStore 多级存储，写入同步穿透所有层，读取从上到下逐层查找
type TieredStore struct {
	tiers   []Store
	promote bool
}

func NewTieredStoreWithOptions(options *TieredStoreOptions) (*TieredStore, error) {
	if options == nil {
		return nil, errors.New("options is nil")
	}
	if len(options.Tiers) == 0 {
		return nil, errors.New("at least one tier is required")
	}

	tiers := make([]Store, 0, len(options.Tiers))
	for i, tierOptions := range options.Tiers {
		tier, err := NewStoreWithOptions(tierOptions)
		if err != nil {
			for _, created := range tiers {
				created.Close()
			}
			return nil, errors.WithMessagef(err, "failed to create tier %d", i)
		}
		tiers = append(tiers, tier)
	}
	return NewTieredStore(options.Promote, tiers...), nil
}

func NewTieredStore(promote bool, tiers ...Store) *TieredStore {
	return &TieredStore{tiers: tiers, promote: promote}
}

func (ts *TieredStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var lastErr error
	for i, tier := range ts.tiers {
		value, ok, err := tier.Get(ctx, key)
		if err != nil {
			lastErr = err
			continue
		}
		if !ok {
			continue
		}
		if ts.promote {
			for j := 0; j < i; j++ {
				// 回填失败不影响本次读取
				_ = ts.tiers[j].Set(ctx, key, value)
			}
		}
		return value, true, nil
	}
	return nil, false, lastErr
}

func (ts *TieredStore) Set(ctx context.Context, key string, value []byte) error {
	for i, tier := range ts.tiers {
		if err := tier.Set(ctx, key, value); err != nil {
			return errors.WithMessagef(err, "tier %d set failed", i)
		}
	}
	return nil
}

// Delete 从下往上删除，避免并发读把旧值回填到上层
func (ts *TieredStore) Delete(ctx context.Context, key string) error {
	for i := len(ts.tiers) - 1; i >= 0; i-- {
		if err := ts.tiers[i].Delete(ctx, key); err != nil {
			return errors.WithMessagef(err, "tier %d delete failed", i)
		}
	}
	return nil
}

func (ts *TieredStore) Clear(ctx context.Context) error {
	for i := len(ts.tiers) - 1; i >= 0; i-- {
		if err := ts.tiers[i].Clear(ctx); err != nil {
			return errors.WithMessagef(err, "tier %d clear failed", i)
		}
	}
	return nil
}

func (ts *TieredStore) Close() error {
	var firstErr error
	for _, tier := range ts.tiers {
		if err := tier.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
