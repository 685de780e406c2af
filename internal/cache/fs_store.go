package cache

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// headerSize 是每个 blob 文件开头记录 storedAt 的字节数。
const headerSize = 8

const tempPrefix = ".cache-"

// newFSBackend 以 basePath/namespace 为根目录构建文件后端。磁盘布局：
//
//	<BasePath>/<Namespace>/<sha1[0:2]>/<sha1>    # 8 字节 storedAt + 正文
//
// 文件 ModTime 记录最近访问时间，供 LRA 淘汰使用。
func newFSBackend(basePath, namespace string) (*fsBackend, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	if namespace == "" {
		return nil, errors.New("namespace required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	root := filepath.Join(abs, namespace)
	if !strings.HasPrefix(root, abs+string(filepath.Separator)) {
		return nil, errors.New("invalid namespace")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fsBackend{
		root:  root,
		locks: make(map[string]*entryLock),
		now:   time.Now,
	}, nil
}

// fsBackend 通过 entryLock 避免同一文件并发写入。
type fsBackend struct {
	root string
	now  func() time.Time

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (b *fsBackend) Read(key string) ([]byte, DiskEntry, error) {
	id := fileID(key)
	unlock := b.lockEntry(id)
	defer unlock()

	filePath := b.path(id)
	raw, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, DiskEntry{}, ErrNotFound
		}
		return nil, DiskEntry{}, err
	}
	if len(raw) < headerSize {
		return nil, DiskEntry{}, fmt.Errorf("corrupt cache file %s", id)
	}

	accessed := b.now()
	if err := os.Chtimes(filePath, accessed, accessed); err != nil {
		return nil, DiskEntry{}, err
	}

	entry := DiskEntry{
		ID:         id,
		SizeBytes:  int64(len(raw) - headerSize),
		StoredAt:   decodeTime(raw[:headerSize]),
		AccessedAt: accessed,
	}
	return raw[headerSize:], entry, nil
}

func (b *fsBackend) Write(key string, data []byte, storedAt time.Time) (DiskEntry, error) {
	id := fileID(key)
	unlock := b.lockEntry(id)
	defer unlock()

	filePath := b.path(id)
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return DiskEntry{}, err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), tempPrefix+"*")
	if err != nil {
		return DiskEntry{}, err
	}
	tempName := tempFile.Name()

	var header [headerSize]byte
	binary.BigEndian.PutUint64(header[:], uint64(storedAt.UnixNano()))
	_, err = io.Copy(tempFile, io.MultiReader(bytes.NewReader(header[:]), bytes.NewReader(data)))
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return DiskEntry{}, err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return DiskEntry{}, err
	}

	accessed := b.now()
	if err := os.Chtimes(filePath, accessed, accessed); err != nil {
		return DiskEntry{}, err
	}

	return DiskEntry{
		ID:         id,
		SizeBytes:  int64(len(data)),
		StoredAt:   storedAt,
		AccessedAt: accessed,
	}, nil
}

func (b *fsBackend) Delete(key string) error {
	return b.DeleteID(fileID(key))
}

func (b *fsBackend) DeleteID(id string) error {
	unlock := b.lockEntry(id)
	defer unlock()

	if err := os.Remove(b.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (b *fsBackend) List() ([]DiskEntry, error) {
	var entries []DiskEntry
	err := filepath.WalkDir(b.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		storedAt, err := readStoredAt(p)
		if err != nil {
			return nil
		}
		size := info.Size() - headerSize
		if size < 0 {
			size = 0
		}
		entries = append(entries, DiskEntry{
			ID:         d.Name(),
			SizeBytes:  size,
			StoredAt:   storedAt,
			AccessedAt: info.ModTime(),
		})
		return nil
	})
	return entries, err
}

func (b *fsBackend) Clear() error {
	if err := os.RemoveAll(b.root); err != nil {
		return err
	}
	return os.MkdirAll(b.root, 0o755)
}

func (b *fsBackend) Close() error {
	return nil
}

func (b *fsBackend) lockEntry(id string) func() {
	b.mu.Lock()
	lock := b.locks[id]
	if lock == nil {
		lock = &entryLock{}
		b.locks[id] = lock
	}
	lock.refs++
	b.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		b.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(b.locks, id)
		}
		b.mu.Unlock()
	}
}

func (b *fsBackend) path(id string) string {
	shard := "00"
	if len(id) >= 2 {
		shard = id[:2]
	}
	return filepath.Join(b.root, shard, id)
}

func fileID(key string) string {
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

func readStoredAt(p string) (time.Time, error) {
	f, err := os.Open(p)
	if err != nil {
		return time.Time{}, err
	}
	defer f.Close()

	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return time.Time{}, err
	}
	return decodeTime(header[:]), nil
}

func decodeTime(b []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(b)))
}
