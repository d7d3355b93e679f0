package store

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

type BoltDBStoreOptions struct {
	// 数据库文件路径，文件不存在时自动创建
	DBPath string `cfg:"dbPath"`

	// 默认桶名称
	BucketName string `cfg:"bucketName" def:"schema"`

	// 获取文件锁的等待时间，为零时无限期等待
	Timeout time.Duration `cfg:"timeout" def:"1s"`

	// array 或 hashmap，默认 array
	FreelistType string `cfg:"freelistType" validate:"omitempty,oneof=array hashmap"`

	NoSync bool `cfg:"noSync"`
}

// BoltDBStore 单文件持久化存储，同一时刻只允许一个进程打开
type BoltDBStore struct {
	db         *bolt.DB
	bucketName []byte
}

func NewBoltDBStoreWithOptions(options *BoltDBStoreOptions) (*BoltDBStore, error) {
	if options == nil {
		return nil, errors.New("options is nil")
	}
	if options.DBPath == "" {
		return nil, errors.New("dbPath is required")
	}
	if err := os.MkdirAll(filepath.Dir(options.DBPath), 0755); err != nil {
		return nil, errors.Wrapf(err, "os.MkdirAll failed. path: %s", options.DBPath)
	}

	db, err := bolt.Open(options.DBPath, 0600, &bolt.Options{
		Timeout:      options.Timeout,
		FreelistType: bolt.FreelistType(options.FreelistType),
		NoSync:       options.NoSync,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "bolt.Open failed. path: %s", options.DBPath)
	}

	bucketName := options.BucketName
	if bucketName == "" {
		bucketName = "schema"
	}
	s := &BoltDBStore{db: db, bucketName: []byte(bucketName)}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create bucket failed")
	}
	return s, nil
}

func (s *BoltDBStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(s.bucketName)
		if bucket == nil {
			return errors.New("bucket not found")
		}
		// bolt 返回的切片只在事务内有效
		if data := bucket.Get([]byte(key)); data != nil {
			value = make([]byte, len(data))
			copy(value, data)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, value != nil, nil
}

func (s *BoltDBStore) Set(ctx context.Context, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(s.bucketName)
		if bucket == nil {
			return errors.New("bucket not found")
		}
		return bucket.Put([]byte(key), value)
	})
}

func (s *BoltDBStore) Delete(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(s.bucketName)
		if bucket == nil {
			return errors.New("bucket not found")
		}
		return bucket.Delete([]byte(key))
	})
}

// Clear 删除并重建桶
func (s *BoltDBStore) Clear(ctx context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(s.bucketName) != nil {
			if err := tx.DeleteBucket(s.bucketName); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucket(s.bucketName)
		return err
	})
}

func (s *BoltDBStore) Close() error {
	return s.db.Close()
}
