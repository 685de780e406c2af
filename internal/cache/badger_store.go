package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

const (
	prefixBlob   = "b/"
	prefixAccess = "a/"
)

// badgerBackend 将条目保存在 <BasePath>/<Namespace>.badger 中：
//
//	b/<key> → 8 字节 storedAt + 正文
//	a/<key> → 8 字节最近访问时间
type badgerBackend struct {
	db  *badger.DB
	now func() time.Time
}

func newBadgerBackend(basePath, namespace string) (*badgerBackend, error) {
	if namespace == "" {
		return nil, errors.New("namespace required")
	}

	var opts badger.Options
	if basePath == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		abs, err := filepath.Abs(basePath)
		if err != nil {
			return nil, fmt.Errorf("resolve storage path: %w", err)
		}
		dir := filepath.Join(abs, namespace+".badger")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage path: %w", err)
		}
		opts = badger.DefaultOptions(dir)
	}

	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &badgerBackend{db: db, now: time.Now}, nil
}

func (b *badgerBackend) Read(key string) ([]byte, DiskEntry, error) {
	var (
		data  []byte
		entry DiskEntry
	)
	accessed := b.now()
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if len(raw) < headerSize {
			return fmt.Errorf("corrupt cache value %s", key)
		}
		data = raw[headerSize:]
		entry = DiskEntry{
			ID:         key,
			SizeBytes:  int64(len(data)),
			StoredAt:   decodeTime(raw[:headerSize]),
			AccessedAt: accessed,
		}
		return txn.Set(accessKey(key), encodeTime(accessed))
	})
	if err != nil {
		return nil, DiskEntry{}, err
	}
	return data, entry, nil
}

func (b *badgerBackend) Write(key string, data []byte, storedAt time.Time) (DiskEntry, error) {
	value := make([]byte, headerSize+len(data))
	binary.BigEndian.PutUint64(value[:headerSize], uint64(storedAt.UnixNano()))
	copy(value[headerSize:], data)

	accessed := b.now()
	err := b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(blobKey(key), value); err != nil {
			return err
		}
		return txn.Set(accessKey(key), encodeTime(accessed))
	})
	if err != nil {
		return DiskEntry{}, err
	}
	return DiskEntry{
		ID:         key,
		SizeBytes:  int64(len(data)),
		StoredAt:   storedAt,
		AccessedAt: accessed,
	}, nil
}

func (b *badgerBackend) Delete(key string) error {
	return b.DeleteID(key)
}

func (b *badgerBackend) DeleteID(id string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(blobKey(id)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Delete(accessKey(id)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return nil
	})
}

func (b *badgerBackend) List() ([]DiskEntry, error) {
	var entries []DiskEntry
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte(prefixBlob)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := string(item.Key()[len(prefix):])

			var storedAt time.Time
			if err := item.Value(func(val []byte) error {
				if len(val) >= headerSize {
					storedAt = decodeTime(val[:headerSize])
				}
				return nil
			}); err != nil {
				return err
			}

			size := item.ValueSize() - headerSize
			if size < 0 {
				size = 0
			}
			entry := DiskEntry{ID: key, SizeBytes: size, StoredAt: storedAt, AccessedAt: storedAt}

			accessItem, err := txn.Get(accessKey(key))
			if err == nil {
				if err := accessItem.Value(func(val []byte) error {
					if len(val) >= headerSize {
						entry.AccessedAt = decodeTime(val)
					}
					return nil
				}); err != nil {
					return err
				}
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

func (b *badgerBackend) Clear() error {
	return b.db.DropPrefix([]byte(prefixBlob), []byte(prefixAccess))
}

func (b *badgerBackend) Close() error {
	return b.db.Close()
}

func blobKey(key string) []byte {
	return []byte(prefixBlob + key)
}

func accessKey(key string) []byte {
	return []byte(prefixAccess + key)
}

func encodeTime(t time.Time) []byte {
	var buf [headerSize]byte
	binary.BigEndian.PutUint64(buf[:], uint64(t.UnixNano()))
	return buf[:]
}
