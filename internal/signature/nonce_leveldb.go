package signature

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
)

const noncePrefix = "nonce:"

// LevelDBNonceStore persists accepted nonces so a restart cannot re-admit a
// replayed instruction. Values are big-endian uint64 keyed by scope.
type LevelDBNonceStore struct {
	db *leveldb.DB
}

// NewLevelDBNonceStore opens (or creates) a LevelDB database at path.
func NewLevelDBNonceStore(path string) (*LevelDBNonceStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb nonce store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb nonce path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb nonce store: %w", err)
	}
	return &LevelDBNonceStore{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (s *LevelDBNonceStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *LevelDBNonceStore) Last(_ context.Context, scope string) (uint64, bool, error) {
	val, err := s.db.Get([]byte(noncePrefix+scope), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("load nonce: %w", err)
	}
	if len(val) != 8 {
		return 0, false, fmt.Errorf("corrupt nonce entry for scope %q", scope)
	}
	return binary.BigEndian.Uint64(val), true, nil
}

func (s *LevelDBNonceStore) Commit(_ context.Context, scope string, nonce uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, nonce)
	if err := s.db.Put([]byte(noncePrefix+scope), buf, nil); err != nil {
		return fmt.Errorf("store nonce: %w", err)
	}
	return nil
}
