package snapshot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// ErrNoStore is returned by Open when no snapshot location is configured.
var ErrNoStore = errors.New("snapshot: no store configured")

// Store holds one serialized Document. Read returns nil, nil when nothing has
// been written yet.
type Store interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
	String() string
}

// Open selects a store from a location:
//
//	""                                 no store (ErrNoStore)
//	/path/file.json, file:///path      local file
//	redis://host:port/db?key=name      Redis key
//	s3://endpoint/bucket/object        S3-compatible object
//	mem://                             in-process memory
func Open(ctx context.Context, location string) (Store, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, ErrNoStore
	}
	if !strings.Contains(location, "://") {
		return OpenFile(location)
	}
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("snapshot: parse location: %w", err)
	}
	switch u.Scheme {
	case "file":
		path := u.Path
		if u.Host != "" {
			path = filepath.Join(u.Host, u.Path)
		}
		return OpenFile(path)
	case "redis", "rediss":
		return OpenRedis(ctx, u)
	case "s3":
		return OpenS3(u)
	case "mem", "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("snapshot: scheme %q not supported", u.Scheme)
	}
}

// ---------------------------------------------------------------------------
// Memory
// ---------------------------------------------------------------------------

// Memory keeps the document in process memory.
type Memory struct {
	mu   sync.Mutex
	data []byte
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Read(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, nil
	}
	return append([]byte(nil), m.data...), nil
}

func (m *Memory) Write(_ context.Context, data []byte) error {
	m.mu.Lock()
	m.data = append([]byte(nil), data...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error   { return nil }
func (m *Memory) String() string { return "mem://" }

// ---------------------------------------------------------------------------
// File
// ---------------------------------------------------------------------------

// File writes the document to a local path, atomically replacing it on each
// write. An exclusive flock on "<path>.lock" keeps a second server from
// sharing the same file.
type File struct {
	path string
	lk   *flock.Flock
}

// OpenFile takes the writer lock for path. It fails if another process holds
// it.
func OpenFile(path string) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("snapshot: empty file path")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("snapshot: create dir: %w", err)
		}
	}
	lk := flock.New(path + ".lock")
	locked, err := lk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("snapshot: lock %s: %w", lk.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("snapshot: %s is in use by another process", path)
	}
	return &File{path: path, lk: lk}, nil
}

func (f *File) Read(context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

func (f *File) Write(_ context.Context, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (f *File) Close() error   { return f.lk.Unlock() }
func (f *File) String() string { return "file://" + f.path }
