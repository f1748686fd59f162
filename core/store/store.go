package store

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	blockPrefix     = "block:"
	violationPrefix = "violations:"
)

// Store persists admission state that must survive restarts: the set of
// permanently blocked addresses and per-address violation counts.
type Store struct {
	db *leveldb.DB
}

func Open(dataDir string) (*Store, error) {
	db, err := leveldb.OpenFile(filepath.Join(dataDir, "admission"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open admission store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) PutBlockedAddress(addr string) error {
	return s.db.Put([]byte(blockPrefix+addr), []byte{1}, nil)
}

func (s *Store) DeleteBlockedAddress(addr string) error {
	return s.db.Delete([]byte(blockPrefix+addr), nil)
}

// BlockedAddresses returns every address under a standing block.
func (s *Store) BlockedAddresses() ([]string, error) {
	var addrs []string
	iter := s.db.NewIterator(util.BytesPrefix([]byte(blockPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		addrs = append(addrs, strings.TrimPrefix(string(iter.Key()), blockPrefix))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to scan blocked addresses: %w", err)
	}
	return addrs, nil
}

func (s *Store) PutViolationCount(addr string, count uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, count)
	return s.db.Put([]byte(violationPrefix+addr), buf, nil)
}

func (s *Store) ViolationCount(addr string) (uint64, error) {
	val, err := s.db.Get([]byte(violationPrefix+addr), nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("corrupt violation count for %s", addr)
	}
	return binary.BigEndian.Uint64(val), nil
}
