package state

import (
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"credify/storage"
)

// Manager exposes RLP-encoded key/value access to ledger state. All writes go
// through a Journal so a failing transaction can be reverted as a unit.
type Manager struct {
	journal *Journal
}

// NewManager returns a state manager backed by db.
func NewManager(db storage.Database) *Manager {
	return &Manager{journal: NewJournal(db)}
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// KVPut stores value under key using RLP encoding.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.journal.Put(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, ok, err := m.journal.Get(kvKey(key))
	if err != nil {
		return false, err
	}
	if !ok || len(data) == 0 {
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

// KVDelete removes the key.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return m.journal.Delete(kvKey(key))
}

// Snapshot marks the current state so it can be restored with Revert.
func (m *Manager) Snapshot() int { return m.journal.Snapshot() }

// Revert restores the state captured by Snapshot.
func (m *Manager) Revert(id int) { m.journal.RevertToSnapshot(id) }

// Commit persists all pending writes.
func (m *Manager) Commit() error { return m.journal.Commit() }

// CommitTo stages all pending writes into b.
func (m *Manager) CommitTo(b *storage.Batch) { m.journal.CommitTo(b) }

// Discard drops all pending writes.
func (m *Manager) Discard() { m.journal.Discard() }
