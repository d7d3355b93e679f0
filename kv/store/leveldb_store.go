package store

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

type LevelDBStoreOptions struct {
	// 数据库目录，不存在时自动创建
	DBPath string `cfg:"dbPath"`
	Prefix string `cfg:"prefix" def:"schema:"`

	// lru 或 none
	BlockCacher        string `cfg:"blockCacher" validate:"omitempty,oneof=lru none"`
	BlockCacheCapacity int    `cfg:"blockCacheCapacity"`
	// default、none 或 snappy
	Compression string `cfg:"compression" validate:"omitempty,oneof=default none snappy"`
	// 多个取值用 | 连接，如 manifest|journal
	Strict      string `cfg:"strict"`
	WriteBuffer int    `cfg:"writeBuffer"`
	NoSync      bool   `cfg:"noSync"`
}

type LevelDBStore struct {
	db     *leveldb.DB
	prefix string
	wo     *opt.WriteOptions
}

func NewLevelDBStoreWithOptions(options *LevelDBStoreOptions) (*LevelDBStore, error) {
	if options == nil {
		return nil, errors.New("options is nil")
	}
	if options.DBPath == "" {
		return nil, errors.New("dbPath is required")
	}

	strict, err := leveldbParseStrict(options.Strict)
	if err != nil {
		return nil, err
	}
	compression, err := leveldbParseCompression(options.Compression)
	if err != nil {
		return nil, err
	}
	cacher, err := leveldbParseCacher(options.BlockCacher)
	if err != nil {
		return nil, err
	}

	db, err := leveldb.OpenFile(options.DBPath, &opt.Options{
		BlockCacher:        cacher,
		BlockCacheCapacity: options.BlockCacheCapacity,
		Compression:        compression,
		Strict:             strict,
		WriteBuffer:        options.WriteBuffer,
		NoSync:             options.NoSync,
	})
	if err != nil {
		return nil, errors.Wrap(err, "leveldb.OpenFile failed. path: "+options.DBPath)
	}

	return &LevelDBStore{
		db:     db,
		prefix: options.Prefix,
		wo:     &opt.WriteOptions{Sync: !options.NoSync},
	}, nil
}

func (s *LevelDBStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.db.Get([]byte(s.prefix+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "leveldb.Get failed. key: %s", key)
	}
	return value, true, nil
}

func (s *LevelDBStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.db.Put([]byte(s.prefix+key), value, s.wo); err != nil {
		return errors.Wrapf(err, "leveldb.Put failed. key: %s", key)
	}
	return nil
}

func (s *LevelDBStore) Delete(ctx context.Context, key string) error {
	if err := s.db.Delete([]byte(s.prefix+key), s.wo); err != nil {
		return errors.Wrapf(err, "leveldb.Delete failed. key: %s", key)
	}
	return nil
}

// Clear 遍历前缀下的键，一次批量删除
func (s *LevelDBStore) Clear(ctx context.Context) error {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(s.prefix)), nil)
	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return errors.Wrap(err, "leveldb iterate failed")
	}
	if err := s.db.Write(batch, s.wo); err != nil {
		return errors.Wrap(err, "leveldb.Write failed")
	}
	return nil
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

func leveldbParseStrict(strict string) (opt.Strict, error) {
	m := map[string]opt.Strict{
		"manifest":         opt.StrictManifest,
		"journal_checksum": opt.StrictJournalChecksum,
		"journal":          opt.StrictJournal,
		"block_checksum":   opt.StrictBlockChecksum,
		"compaction":       opt.StrictCompaction,
		"reader":           opt.StrictReader,
		"recovery":         opt.StrictRecovery,
		"override":         opt.StrictOverride,
		"all":              opt.StrictAll,
		"default":          opt.DefaultStrict,
		"none":             opt.NoStrict,
	}

	if strict == "" {
		return opt.DefaultStrict, nil
	}

	var result opt.Strict
	for _, val := range strings.Split(strict, "|") {
		v, ok := m[val]
		if !ok {
			return 0, errors.Errorf("invalid strict value: %s", val)
		}
		result |= v
	}
	return result, nil
}

func leveldbParseCompression(compression string) (opt.Compression, error) {
	switch compression {
	case "", "default":
		return opt.DefaultCompression, nil
	case "none":
		return opt.NoCompression, nil
	case "snappy":
		return opt.SnappyCompression, nil
	}
	return 0, errors.Errorf("invalid compression value: %s", compression)
}

func leveldbParseCacher(cacher string) (opt.Cacher, error) {
	switch cacher {
	case "":
		return opt.DefaultBlockCacher, nil
	case "lru":
		return opt.LRUCacher, nil
	case "none":
		return opt.NoCacher, nil
	}
	return nil, errors.Errorf("invalid cacher value: %s", cacher)
}
