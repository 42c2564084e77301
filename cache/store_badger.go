package cache

import (
	"context"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/YuminosukeSato/modl/pkg/errors"
)

const badgerKeyPrefix = "memo:"

// BadgerStore は BadgerDB をディスクキャッシュとして使う Store
type BadgerStore struct {
	db    *badger.DB
	ttl   time.Duration
	owned bool
}

// NewBadgerStore は開いている db を使う Store を作成する。db は呼び出し元が閉じる。
// ttl が正ならエントリはその時間で失効する。
func NewBadgerStore(db *badger.DB, ttl time.Duration) *BadgerStore {
	return &BadgerStore{db: db, ttl: ttl}
}

// OpenBadgerStore は dir に BadgerDB を開く。dir が空ならメモリ上に作る。
// 返した Store の Close で db も閉じる。
func OpenBadgerStore(dir string, ttl time.Duration) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "cache: open badger at %q", dir)
	}
	return &BadgerStore{db: db, ttl: ttl, owned: true}, nil
}

// Name は Store の実装
func (s *BadgerStore) Name() string {
	return "badger"
}

// Get は Store の実装
func (s *BadgerStore) Get(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errors.ErrCacheMiss
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, errors.ErrCacheMiss) {
		return nil, errors.ErrCacheMiss
	}
	if err != nil {
		return nil, errors.Wrap(err, "cache: badger get")
	}
	return value, nil
}

// Set は Store の実装
func (s *BadgerStore) Set(_ context.Context, key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(badgerKeyPrefix+key), value)
		if s.ttl > 0 {
			e = e.WithTTL(s.ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return errors.Wrap(err, "cache: badger set")
	}
	return nil
}

// Delete は Store の実装
func (s *BadgerStore) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(badgerKeyPrefix + key))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return errors.Wrap(err, "cache: badger delete")
	}
	return nil
}

// Len はキャッシュのエントリ数を返す
func (s *BadgerStore) Len() (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(badgerKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Clear はすべてのエントリを削除する
func (s *BadgerStore) Clear() error {
	return s.db.DropPrefix([]byte(badgerKeyPrefix))
}

// Close は OpenBadgerStore で開いた db を閉じる
func (s *BadgerStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
