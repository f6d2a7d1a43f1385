package state

import (
	"bytes"
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"ghostcredit/storage"
)

// ErrBranchClosed is returned when a committed or discarded branch is reused.
var ErrBranchClosed = errors.New("state: branch closed")

// Manager reads and writes RLP-encoded records keyed by the Keccak256 hash of
// their logical key. A Manager created with Branch buffers its writes until
// Commit, which makes every command an all-or-nothing unit.
type Manager struct {
	db     storage.Database
	cache  *storage.CacheDB
	closed bool
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Branch returns a child manager whose writes are invisible to the parent
// until Commit. Branches nest.
func (m *Manager) Branch() *Manager {
	cache := storage.NewCacheDB(m.db)
	return &Manager{db: cache, cache: cache}
}

// Commit flushes the branch into its parent. Committing a root manager is a
// no-op.
func (m *Manager) Commit() error {
	if m.cache == nil {
		return nil
	}
	if m.closed {
		return ErrBranchClosed
	}
	if err := m.cache.Flush(); err != nil {
		return err
	}
	m.closed = true
	return nil
}

// Discard drops the branch's buffered writes.
func (m *Manager) Discard() {
	if m.cache == nil {
		return
	}
	m.cache.Discard()
	m.closed = true
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// KVPut RLP-encodes value and stores it under key.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	if m.closed {
		return ErrBranchClosed
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.db.Get(kvKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes key from state. Deleting a missing key is not an error.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	if m.closed {
		return ErrBranchClosed
	}
	return m.db.Delete(kvKey(key))
}

// KVAppend appends value to the RLP-encoded byte slice list stored under key.
// Duplicate values are ignored to keep the index deterministic.
func (m *Manager) KVAppend(key []byte, value []byte) error {
	list, err := m.KVGetList(key)
	if err != nil {
		return err
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	return m.KVPut(key, list)
}

// KVRemove drops value from the byte slice list stored under key. Removing a
// value that is not listed is not an error.
func (m *Manager) KVRemove(key []byte, value []byte) error {
	list, err := m.KVGetList(key)
	if err != nil {
		return err
	}
	kept := list[:0]
	for _, existing := range list {
		if !bytes.Equal(existing, value) {
			kept = append(kept, existing)
		}
	}
	if len(kept) == len(list) {
		return nil
	}
	if len(kept) == 0 {
		return m.KVDelete(key)
	}
	return m.KVPut(key, kept)
}

// KVGetList returns the byte slice list stored under key, or an empty list.
func (m *Manager) KVGetList(key []byte) ([][]byte, error) {
	var list [][]byte
	if _, err := m.KVGet(key, &list); err != nil {
		return nil, err
	}
	if list == nil {
		list = [][]byte{}
	}
	return list, nil
}
