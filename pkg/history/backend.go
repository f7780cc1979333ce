package history

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
)

// Backend stores the raw history document.
type Backend interface {
	// Load returns the stored document, or nil data if none exists yet.
	Load(ctx context.Context) ([]byte, error)

	// Save replaces the stored document.
	Save(ctx context.Context, data []byte) error

	// Location names the storage for error reports.
	Location() string
}

const (
	historyDirMode  = 0o755
	historyFileMode = 0o644
	tempFilePattern = ".history-*.json"
)

// FileBackend keeps the document in a single JSON file.
type FileBackend struct {
	path string
}

// NewFileBackend creates a backend for path. A leading "~" is expanded to
// the user's home directory.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: expandHome(path)}
}

// Load reads the file. A missing file is not an error.
func (b *FileBackend) Load(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// Save writes data to a temp file next to the target and renames it into
// place.
func (b *FileBackend) Save(ctx context.Context, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(b.path), historyDirMode); err != nil {
		return fmt.Errorf("create history directory: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(b.path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp history file: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp history file: %w", err)
	}

	if err := tempFile.Chmod(historyFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp history file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp history file: %w", err)
	}

	if err := os.Rename(tempName, b.path); err != nil {
		return fmt.Errorf("replace history file: %w", err)
	}

	cleanup = false
	return nil
}

// Location returns the file path.
func (b *FileBackend) Location() string {
	return b.path
}

func expandHome(path string) string {
	if path == "~" || (len(path) > 1 && path[0] == '~' && path[1] == filepath.Separator) {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// DefaultRedisKey is the key the redis backend stores the document under.
const DefaultRedisKey = "requester:history"

// RedisBackend keeps the document under a single redis key.
type RedisBackend struct {
	redis *redis.Client
	key   string
}

// NewRedisBackend creates a redis backend. An empty key selects
// DefaultRedisKey.
func NewRedisBackend(redisClient *redis.Client, key string) *RedisBackend {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisBackend{
		redis: redisClient,
		key:   key,
	}
}

// Load fetches the document. A missing key is not an error.
func (b *RedisBackend) Load(ctx context.Context) ([]byte, error) {
	data, err := b.redis.Get(ctx, b.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

// Save stores the document without expiry.
func (b *RedisBackend) Save(ctx context.Context, data []byte) error {
	if err := b.redis.Set(ctx, b.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Location returns the redis key.
func (b *RedisBackend) Location() string {
	return "redis:" + b.key
}
