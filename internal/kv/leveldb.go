package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	ldb_opt "github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	ldb_util "github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB is an embedded single-process Store.
type LevelDB struct {
	db *leveldb.DB
}

func OpenLevelDB(path string) (*LevelDB, error) {
	opt := &ldb_opt.Options{
		ErrorIfExist: false,
		ReadOnly:     false,
	}
	db, err := leveldb.OpenFile(path, opt)
	if err != nil {
		return nil, fmt.Errorf("leveldb open %q: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

// OpenMemLevelDB opens a LevelDB over in-memory storage.
func OpenMemLevelDB() (*LevelDB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("leveldb open memory: %w", err)
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := l.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("kv get %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("leveldb get %q: %w", key, err)
	}
	return v, nil
}

func (l *LevelDB) Set(ctx context.Context, key string, val []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.db.Put([]byte(key), val, nil); err != nil {
		return fmt.Errorf("leveldb put %q: %w", key, err)
	}
	return nil
}

func (l *LevelDB) Del(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.db.Delete([]byte(key), nil); err != nil {
		return fmt.Errorf("leveldb delete %q: %w", key, err)
	}
	return nil
}

func (l *LevelDB) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it := l.db.NewIterator(ldb_util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(it.Key()))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("leveldb iterate %q: %w", prefix, err)
	}
	return out, nil
}

// DelPrefix removes every key under prefix in a single batch.
func (l *LevelDB) DelPrefix(ctx context.Context, prefix string) (int, error) {
	ks, err := l.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	b := new(leveldb.Batch)
	for _, k := range ks {
		b.Delete([]byte(k))
	}
	if err := l.db.Write(b, nil); err != nil {
		return 0, fmt.Errorf("leveldb batch delete %q: %w", prefix, err)
	}
	return len(ks), nil
}

func (l *LevelDB) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("leveldb close: %w", err)
	}
	return nil
}
